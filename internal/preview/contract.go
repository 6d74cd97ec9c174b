// Package preview owns the preview environment of a slot: the per-slot
// database reset, the publish pipeline, and the post-publish probe.
package preview

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Slot id contract. The canonical form is preview-<n>; the aliases accepted
// on input exist for operator convenience.
const (
	slotPrefix = "preview-"
	dbPrefix   = "app_preview_"
)

var slotIDPattern = regexp.MustCompile(`^preview-([0-9]+)$`)

// NormalizeSlotID maps accepted slot id spellings to the canonical
// preview-<n> form. Accepted inputs: preview-1, preview_1, preview1, 1.
func NormalizeSlotID(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	if !strings.HasPrefix(s, slotPrefix) {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return fmt.Sprintf("%s%d", slotPrefix, n), nil
		}
		if rest, ok := strings.CutPrefix(s, "preview"); ok {
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return fmt.Sprintf("%s%d", slotPrefix, n), nil
			}
		}
		return "", fmt.Errorf("unrecognized slot id %q", raw)
	}
	m := slotIDPattern.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("unrecognized slot id %q", raw)
	}
	if n, err := strconv.Atoi(m[1]); err != nil || n < 1 {
		return "", fmt.Errorf("unrecognized slot id %q", raw)
	}
	return s, nil
}

// SlotNumber extracts <n> from a canonical preview-<n> id.
func SlotNumber(slotID string) (int, error) {
	m := slotIDPattern.FindStringSubmatch(slotID)
	if m == nil {
		return 0, fmt.Errorf("not a preview slot id: %q", slotID)
	}
	return strconv.Atoi(m[1])
}

// DBName returns the per-slot preview database name app_preview_<n>.
func DBName(slotID string) (string, error) {
	n, err := SlotNumber(slotID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", dbPrefix, n), nil
}

// IsPreviewDB reports whether a database name is inside the preview
// namespace. Reset refuses to touch anything else.
func IsPreviewDB(name string) bool {
	rest, ok := strings.CutPrefix(name, dbPrefix)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n > 0
}

// Contract describes the slot id and database naming rules for API clients.
type Contract struct {
	SlotIDs         []string `json:"slot_ids"`
	SlotIDFormat    string   `json:"slot_id_format"`
	AcceptedAliases []string `json:"accepted_aliases"`
	DatabaseFormat  string   `json:"database_format"`
}

// SlotContract builds the contract payload for the configured slot set.
func SlotContract(slotIDs []string) Contract {
	return Contract{
		SlotIDs:         append([]string(nil), slotIDs...),
		SlotIDFormat:    "preview-<n>",
		AcceptedAliases: []string{"preview-<n>", "preview_<n>", "preview<n>", "<n>"},
		DatabaseFormat:  "app_preview_<n>",
	}
}
