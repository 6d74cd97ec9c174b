// Package mergegate runs the approval-time pipeline: commit-pinned re-checks,
// the no-fast-forward merge into trunk, the optional push, and the deploy
// reload.
//
// Every step reports failure as a GateError carrying the failure reason the
// run transitions with; the approval service owns the transition itself.
package mergegate

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"codexplane.io/controlplane/internal/config"
	"codexplane.io/controlplane/internal/domain"
	"codexplane.io/controlplane/internal/execx"
	"codexplane.io/controlplane/internal/gitx"
)

// PushMode is the normalized push behavior.
type PushMode string

// Push modes.
const (
	PushManual PushMode = "manual"
	PushAuto   PushMode = "auto"
	PushDryRun PushMode = "dry-run"
)

// NormalizePushMode maps accepted spellings to the canonical mode.
func NormalizePushMode(raw string) (PushMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manual", "off", "disabled", "none", "":
		return PushManual, nil
	case "auto", "enabled":
		return PushAuto, nil
	case "dry-run", "dry_run", "dryrun":
		return PushDryRun, nil
	}
	return "", fmt.Errorf("invalid_push_mode:%s", raw)
}

// GateError is a gate step failure mapped onto a run failure reason.
type GateError struct {
	Reason domain.FailureReasonCode
	Detail string
	Params map[string]interface{}
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func gateErr(reason domain.FailureReasonCode, detail string, params map[string]interface{}) *GateError {
	return &GateError{Reason: reason, Detail: detail, Params: params}
}

// Gate owns the merge pipeline against one repository.
type Gate struct {
	cfg          *config.Config
	pool         *pgxpool.Pool
	git          *gitx.Client
	sup          *execx.Supervisor
	artifactRoot string
	trunk        string
}

// NewGate wires the merge gate. The supervisor is shared with the worker so
// gate checks run under the same command policy.
func NewGate(cfg *config.Config, pool *pgxpool.Pool, git *gitx.Client, sup *execx.Supervisor) *Gate {
	return &Gate{
		cfg:          cfg,
		pool:         pool,
		git:          git,
		sup:          sup,
		artifactRoot: cfg.Worker.ArtifactRoot,
		trunk:        cfg.Repo.TrunkBranch,
	}
}

// LoadChecks resolves the merge-gate check list. A check without a command is
// a configuration error surfaced as CHECKS_FAILED.
func (g *Gate) LoadChecks() ([]config.CheckSpec, error) {
	specs, err := g.cfg.MergeGateChecks()
	if err != nil {
		return nil, gateErr(domain.ReasonChecksFailed, "missing_check_command_configuration",
			map[string]interface{}{"error": err.Error()})
	}
	return specs, nil
}

// RollbackGuidance is the operator command restoring a remote-diverged trunk.
func (g *Gate) RollbackGuidance(remoteHead string) string {
	return fmt.Sprintf("git -C %s switch %s && git -C %s reset --hard %s",
		g.git.RepoRoot(), g.trunk, g.git.RepoRoot(), remoteHead)
}

// checkLogPath places merge-gate check logs under the run's artifact dir.
func (g *Gate) checkLogPath(runID, name string) string {
	return filepath.Join(g.artifactRoot, runID, "merge-gate", name+".log")
}

func (g *Gate) deployLogPath(runID, name string) string {
	return filepath.Join(g.artifactRoot, runID, "deploy", name+".log")
}

// ReleaseID derives the public release id for a run's merge.
func ReleaseID(runID string, now time.Time) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("rel-%s-%d", short, now.Unix())
}
