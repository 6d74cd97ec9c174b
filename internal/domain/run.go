// Package domain defines the run state machine and the event vocabulary.
//
// Runs move through a fixed transition graph; every transition is validated
// here before anything touches the store. The package has no dependencies on
// persistence or transport.
package domain

import (
	"fmt"
	"regexp"
)

// RunState is the lifecycle state of a run.
type RunState string

// Run lifecycle states.
const (
	StateQueued        RunState = "queued"
	StatePlanning      RunState = "planning"
	StateEditing       RunState = "editing"
	StateTesting       RunState = "testing"
	StatePreviewReady  RunState = "preview_ready"
	StateNeedsApproval RunState = "needs_approval"
	StateApproved      RunState = "approved"
	StateMerging       RunState = "merging"
	StateDeploying     RunState = "deploying"
	StateMerged        RunState = "merged"
	StateFailed        RunState = "failed"
	StateCanceled      RunState = "canceled"
	StateExpired       RunState = "expired"
)

// AllStates lists every run state in lifecycle order.
var AllStates = []RunState{
	StateQueued, StatePlanning, StateEditing, StateTesting,
	StatePreviewReady, StateNeedsApproval, StateApproved,
	StateMerging, StateDeploying,
	StateMerged, StateFailed, StateCanceled, StateExpired,
}

// TerminalStates have no outgoing transitions.
var TerminalStates = map[RunState]bool{
	StateMerged:   true,
	StateFailed:   true,
	StateCanceled: true,
	StateExpired:  true,
}

// ValidTransitions is the allowed-transition map of the state machine.
var ValidTransitions = map[RunState][]RunState{
	StateQueued:        {StatePlanning, StateCanceled, StateFailed, StateExpired},
	StatePlanning:      {StateEditing, StateCanceled, StateFailed, StateExpired},
	StateEditing:       {StateTesting, StateCanceled, StateFailed, StateExpired},
	StateTesting:       {StatePreviewReady, StateFailed, StateCanceled, StateExpired},
	StatePreviewReady:  {StateNeedsApproval, StateCanceled, StateFailed, StateExpired},
	StateNeedsApproval: {StateApproved, StateFailed, StateCanceled, StateExpired},
	StateApproved:      {StateMerging, StateFailed, StateCanceled, StateExpired},
	StateMerging:       {StateDeploying, StateFailed, StateCanceled},
	StateDeploying:     {StateMerged, StateFailed, StateCanceled},
	StateMerged:        {},
	StateFailed:        {},
	StateCanceled:      {},
	StateExpired:       {},
}

// IsValidState reports whether s is a member of RunState.
func IsValidState(s RunState) bool {
	_, ok := ValidTransitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s RunState) bool {
	return TerminalStates[s]
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to RunState) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FailureReasonCode classifies a transition to failed (or expired).
type FailureReasonCode string

// Failure reason codes.
const (
	ReasonWaitingForSlot          FailureReasonCode = "WAITING_FOR_SLOT"
	ReasonValidationFailed        FailureReasonCode = "VALIDATION_FAILED"
	ReasonChecksFailed            FailureReasonCode = "CHECKS_FAILED"
	ReasonMergeConflict           FailureReasonCode = "MERGE_CONFLICT"
	ReasonMigrationFailed         FailureReasonCode = "MIGRATION_FAILED"
	ReasonDeployPushFailed        FailureReasonCode = "DEPLOY_PUSH_FAILED"
	ReasonDeployHealthcheckFailed FailureReasonCode = "DEPLOY_HEALTHCHECK_FAILED"
	ReasonPreviewPublishFailed    FailureReasonCode = "PREVIEW_PUBLISH_FAILED"
	ReasonAgentTimeout            FailureReasonCode = "AGENT_TIMEOUT"
	ReasonAgentCanceled           FailureReasonCode = "AGENT_CANCELED"
	ReasonPreviewExpired          FailureReasonCode = "PREVIEW_EXPIRED"
	ReasonPolicyRejected          FailureReasonCode = "POLICY_REJECTED"
	ReasonUnknownError            FailureReasonCode = "UNKNOWN_ERROR"
)

// AllFailureReasonCodes lists the fixed failure reason set.
var AllFailureReasonCodes = []FailureReasonCode{
	ReasonWaitingForSlot, ReasonValidationFailed, ReasonChecksFailed,
	ReasonMergeConflict, ReasonMigrationFailed, ReasonDeployPushFailed,
	ReasonDeployHealthcheckFailed, ReasonPreviewPublishFailed,
	ReasonAgentTimeout, ReasonAgentCanceled, ReasonPreviewExpired,
	ReasonPolicyRejected, ReasonUnknownError,
}

// IsValidFailureReason reports membership in the fixed reason set.
func IsValidFailureReason(code FailureReasonCode) bool {
	for _, c := range AllFailureReasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// RecoverableReasons identifies failures a resume call may recover from by
// creating a child run.
var RecoverableReasons = map[FailureReasonCode]bool{
	ReasonAgentTimeout:   true,
	ReasonPreviewExpired: true,
}

// TransitionRuleError describes a state machine rule violation.
type TransitionRuleError struct {
	From     RunState
	To       RunState
	Terminal bool
	Detail   string
}

func (e *TransitionRuleError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("transition %s → %s rejected: %s", e.From, e.To, e.Detail)
	}
	return fmt.Sprintf("transition %s → %s is not allowed", e.From, e.To)
}

// ValidateTransition checks the edge and the failure-reason rules:
// transitions to failed require a reason from the fixed set, every other
// target forbids one. Terminal sources are reported as a distinguished
// violation.
func ValidateTransition(from, to RunState, reason FailureReasonCode) error {
	if !IsValidState(to) {
		return &TransitionRuleError{From: from, To: to, Detail: fmt.Sprintf("unknown target state %q", to)}
	}
	if IsTerminal(from) {
		return &TransitionRuleError{From: from, To: to, Terminal: true, Detail: "source state is terminal"}
	}
	if !CanTransition(from, to) {
		return &TransitionRuleError{From: from, To: to}
	}
	if to == StateFailed {
		if reason == "" {
			return &TransitionRuleError{From: from, To: to, Detail: "failure_reason_code is required for failed"}
		}
		if !IsValidFailureReason(reason) {
			return &TransitionRuleError{From: from, To: to, Detail: fmt.Sprintf("unknown failure_reason_code %q", reason)}
		}
		return nil
	}
	if reason != "" {
		return &TransitionRuleError{From: from, To: to, Detail: "failure_reason_code is only valid for failed transitions"}
	}
	return nil
}

// BranchPrefix is the namespace for run branches.
const BranchPrefix = "codex/run-"

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// BranchName returns the branch for a run id, validating the id against the
// branch-safe character set.
func BranchName(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid_run_id_for_branch: %q", runID)
	}
	return BranchPrefix + runID, nil
}

// ResumeEndpoint is the recovery endpoint embedded in recoverable failure
// payloads.
func ResumeEndpoint(runID string) string {
	return "/api/runs/" + runID + "/resume"
}

// RecoverablePayload returns the extra payload fields attached to recoverable
// failure and expiry transitions.
func RecoverablePayload(runID string) map[string]interface{} {
	return map[string]interface{}{
		"recoverable":       true,
		"recovery_strategy": "create_child_run",
		"resume_endpoint":   ResumeEndpoint(runID),
	}
}
