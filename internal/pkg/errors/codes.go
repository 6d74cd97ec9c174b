package errors

import "net/http"

// Error code constants. Errors carry code + params; messages stay short and
// English-only, the operational detail lives in Params and event payloads.

// Run error codes.
const (
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTerminalState     = "TERMINAL_STATE"
	CodeRunNotRecoverable = "RUN_NOT_RECOVERABLE"
)

// Slot / worktree error codes.
const (
	CodeSlotNotFound       = "SLOT_NOT_FOUND"
	CodeLeaseRequired      = "ACTIVE_LEASE_REQUIRED"
	CodeSlotOwnedElsewhere = "SLOT_BOUND_TO_OTHER_RUN"
	CodeRunBoundElsewhere  = "RUN_BOUND_TO_OTHER_SLOT"
	CodeBranchConflict     = "BRANCH_NAME_CONFLICT"
	CodeRepoRootMissing    = "REPO_ROOT_NOT_FOUND"
	CodeWorktreeEscape     = "WORKTREE_PATH_OUT_OF_BOUNDS"
	CodeGitCommandFailed   = "GIT_COMMAND_FAILED"
)

// Pipeline error codes.
const (
	CodePreconditionViolated = "PRECONDITION_VIOLATED"
	CodeConfigurationError   = "CONFIGURATION_ERROR"
	CodeSubprocessFailure    = "SUBPROCESS_FAILURE"
	CodePushNotFastForward   = "PUSH_NOT_FAST_FORWARD"
	CodeHealthCheckFailed    = "HEALTHCHECK_FAILED"
	CodeArtifactPathDenied   = "ARTIFACT_PATH_DENIED"
	CodeReleaseNotFound      = "RELEASE_NOT_FOUND"
)

// Validation error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInvalidRequest   = "INVALID_REQUEST"
)

// Convenience constructors using predefined codes.

// ErrRunNotFoundf creates a run not found error.
func ErrRunNotFoundf(runID string) *AppError {
	return (&AppError{
		Code:       CodeRunNotFound,
		Message:    "run not found",
		HTTPStatus: http.StatusNotFound,
	}).WithParams(map[string]interface{}{"run_id": runID})
}

// ErrInvalidTransitionf creates a 409 for a transition rule violation.
func ErrInvalidTransitionf(from, to string) *AppError {
	return (&AppError{
		Code:       CodeInvalidTransition,
		Message:    "transition not allowed",
		HTTPStatus: http.StatusConflict,
	}).WithParams(map[string]interface{}{"from": from, "to": to})
}

// ErrTerminalStatef creates a 409 for mutations on a terminal run.
func ErrTerminalStatef(runID, status string) *AppError {
	return (&AppError{
		Code:       CodeTerminalState,
		Message:    "run is in a terminal state",
		HTTPStatus: http.StatusConflict,
	}).WithParams(map[string]interface{}{"run_id": runID, "status": status})
}

// ErrArtifactPathDeniedf creates a 404 for artifact URIs outside the allowlist.
// Denied paths are reported as not-found to avoid disclosing the artifact root.
func ErrArtifactPathDeniedf(uri string) *AppError {
	return (&AppError{
		Code:       CodeArtifactPathDenied,
		Message:    "artifact not found",
		HTTPStatus: http.StatusNotFound,
	}).WithParams(map[string]interface{}{"uri": uri})
}
