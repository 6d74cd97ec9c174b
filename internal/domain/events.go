package domain

// SchemaVersion is the current run event payload schema version. Writers
// inject it into every payload; readers tolerate absent or lower versions.
const SchemaVersion = 1

// EventType names a run event.
type EventType string

// Run lifecycle events.
const (
	EventRunCreated       EventType = "run_created"
	EventRunRetried       EventType = "run_retried"
	EventRunResumed       EventType = "run_resumed"
	EventStatusTransition EventType = "status_transition"
)

// Slot lease events.
const (
	EventSlotAcquired               EventType = "slot_acquired"
	EventSlotAcquireIdempotent      EventType = "slot_acquire_idempotent"
	EventSlotWaiting                EventType = "slot_waiting"
	EventSlotReleased               EventType = "slot_released"
	EventSlotExpired                EventType = "slot_expired"
	EventSlotHeartbeat              EventType = "slot_heartbeat"
	EventSlotHeartbeatRejected      EventType = "slot_heartbeat_rejected"
	EventSlotExpiryTransitionSkip   EventType = "slot_expiry_transition_skipped"
	EventSlotReleaseSkipped         EventType = "slot_release_skipped"
)

// Worktree events.
const (
	EventWorktreeAssigned EventType = "worktree_assigned"
	EventWorktreeReused   EventType = "worktree_reused"
	EventWorktreeCleaned  EventType = "worktree_cleaned"
	EventRunBranchDeleted EventType = "run_branch_deleted"
)

// Worker execution events.
const (
	EventCodexCommandStarted   EventType = "codex_command_started"
	EventCodexCommandFinished  EventType = "codex_command_finished"
	EventRunCommitResolved     EventType = "run_commit_resolved"
	EventValidationStarted     EventType = "validation_check_started"
	EventValidationFinished    EventType = "validation_check_finished"
	EventWorkerObservedCancel  EventType = "worker_observed_canceled"
	EventWorkerSkippedCanceled EventType = "worker_skipped_canceled_before_execution"
)

// Preview events.
const (
	EventPreviewDbResetStarted   EventType = "preview_db_reset_started"
	EventPreviewDbResetCompleted EventType = "preview_db_reset_completed"
	EventPreviewDbResetFailed    EventType = "preview_db_reset_failed"
	EventPreviewPublished        EventType = "preview_published"
	EventPreviewPublishFailed    EventType = "preview_publish_failed"
	EventSlotProbeFailed         EventType = "slot_probe_failed"
)

// Approval / merge gate events.
const (
	EventMergeGateCheckFinished EventType = "merge_gate_check_finished"
	EventApprovalDecision       EventType = "approval_decision"
)

// Audit actions use dotted resource.verb names.
const (
	AuditWorktreeAssign         = "worktree.assign"
	AuditWorktreeReuse          = "worktree.reuse"
	AuditWorktreeCleanup        = "worktree.cleanup"
	AuditRunApproveDecision     = "run.approve.decision"
	AuditRunRejectDecision      = "run.reject.decision"
	AuditRunMergeStarted        = "run.merge.started"
	AuditRunMergeCompleted      = "run.merge.completed"
	AuditRunDeployCompleted     = "run.deploy.completed"
	AuditRunFinalCheckCompleted = "run.test.final_check_completed"
)
