package preview

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/execx"
)

// Service runs preview database resets, publishes, and slot probes.
type Service struct {
	cfg          config.PreviewConfig
	pool         *pgxpool.Pool
	sup          *execx.Supervisor
	artifactRoot string
	httpClient   *http.Client
}

// NewService creates the preview service. The supervisor is shared with the
// worker so the same command policy applies to every preview subprocess.
func NewService(cfg config.PreviewConfig, pool *pgxpool.Pool, sup *execx.Supervisor, artifactRoot string) *Service {
	return &Service{
		cfg:          cfg,
		pool:         pool,
		sup:          sup,
		artifactRoot: artifactRoot,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// slotAPIBase expands the configured slot API base template for a slot.
// The template substitutes <n> (slot number) and <slot_id>.
func (s *Service) slotAPIBase(slotID string) string {
	tpl := s.cfg.SlotAPIBaseTemplate
	if tpl == "" {
		return ""
	}
	n, err := SlotNumber(slotID)
	if err != nil {
		return ""
	}
	out := strings.ReplaceAll(tpl, "<slot_id>", slotID)
	out = strings.ReplaceAll(out, "<n>", strconv.Itoa(n))
	return strings.TrimRight(out, "/")
}

// logPath places a preview step log under the run's artifact directory.
func (s *Service) logPath(runID, step string) string {
	return filepath.Join(s.artifactRoot, runID, "preview", step+".log")
}

// splitCommand parses a configured command string into argv.
func splitCommand(command string) []string {
	return strings.Fields(command)
}
