package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/eventlog"
	"codexplane.io/controlplane/internal/repository"
)

// ProbeError reports a failed slot probe; the worker maps it to
// CHECKS_FAILED.
type ProbeError struct {
	SlotID string
	Detail string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("slot probe failed for %s: %s", e.SlotID, e.Detail)
}

// ProbeSlot verifies the published preview from the outside: the slot's
// health endpoint answers, and the slot API reports this run as the slot's
// occupant. Probing is skipped when no slot API base is configured.
func (s *Service) ProbeSlot(ctx context.Context, runID, slotID string) error {
	base := s.slotAPIBase(slotID)
	if base == "" {
		return nil
	}

	if detail := s.probeHealth(ctx, base); detail != "" {
		return s.failProbe(ctx, runID, slotID, detail)
	}
	if detail := s.probeSlotOccupant(ctx, base, runID, slotID); detail != "" {
		return s.failProbe(ctx, runID, slotID, detail)
	}
	return nil
}

func (s *Service) probeHealth(ctx context.Context, base string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return "health_request_build_failed"
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "health_unreachable"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("health_status_%d", resp.StatusCode)
	}
	return ""
}

func (s *Service) probeSlotOccupant(ctx context.Context, base, runID, slotID string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/slots", nil)
	if err != nil {
		return "slots_request_build_failed"
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "slots_unreachable"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("slots_status_%d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "slots_body_read_failed"
	}
	var slotList []struct {
		SlotID string `json:"slot_id"`
		RunID  string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &slotList); err != nil {
		return "slots_body_not_json"
	}
	for _, slot := range slotList {
		if slot.SlotID == slotID {
			if slot.RunID == runID {
				return ""
			}
			return "slot_reports_different_run"
		}
	}
	return "slot_missing_from_slot_api"
}

func (s *Service) failProbe(ctx context.Context, runID, slotID, detail string) error {
	q := repository.New(s.pool)
	if _, err := eventlog.Append(ctx, q, eventlog.AppendParams{
		RunID:     runID,
		EventType: domain.EventSlotProbeFailed,
		Payload: map[string]interface{}{
			"slot_id": slotID,
			"detail":  detail,
		},
	}); err != nil {
		return err
	}
	return &ProbeError{SlotID: slotID, Detail: detail}
}
