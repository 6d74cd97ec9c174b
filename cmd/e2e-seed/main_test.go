package main

import (
	"testing"

	"codexplane.io/controlplane/internal/domain"
)

func TestFixtureRuns_UniqueIDs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for _, fx := range fixtureRuns() {
		if seen[fx.ID] {
			t.Fatalf("duplicate fixture run id: %s", fx.ID)
		}
		seen[fx.ID] = true
	}
}

func TestFixtureRuns_PathsFollowLifecycleRules(t *testing.T) {
	t.Parallel()

	for _, fx := range fixtureRuns() {
		if len(fx.Path) == 0 || fx.Path[0] != domain.StateQueued {
			t.Fatalf("fixture %s must start at queued", fx.ID)
		}
		for i := 1; i < len(fx.Path); i++ {
			from, to := fx.Path[i-1], fx.Path[i]
			reason := domain.FailureReasonCode("")
			if i == len(fx.Path)-1 {
				reason = fx.Reason
			}
			if err := domain.ValidateTransition(from, to, reason); err != nil {
				t.Fatalf("fixture %s: invalid hop %s -> %s: %v", fx.ID, from, to, err)
			}
		}
	}
}

func TestFixtureRuns_CoverRecoverableStates(t *testing.T) {
	t.Parallel()

	byFinal := make(map[domain.RunState]fixtureRun)
	for _, fx := range fixtureRuns() {
		byFinal[fx.Path[len(fx.Path)-1]] = fx
	}

	failed, ok := byFinal[domain.StateFailed]
	if !ok {
		t.Fatal("expected a fixture ending in failed")
	}
	if !domain.RecoverableReasons[failed.Reason] {
		t.Fatalf("failed fixture reason %s must be recoverable so resume paths are testable", failed.Reason)
	}
	if _, ok := byFinal[domain.StateExpired]; !ok {
		t.Fatal("expected a fixture ending in expired")
	}
	if _, ok := byFinal[domain.StateMerged]; !ok {
		t.Fatal("expected a fixture ending in merged")
	}
}
