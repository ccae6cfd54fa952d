package tracing

// Span attribute keys for worker tracing.
const (
	// Task attributes
	AttrTaskID     = "task.id"
	AttrProcInstID = "task.proc_inst_id"
	AttrTenantID   = "task.tenant_id"
	AttrTool       = "task.tool"
	AttrAgentOrch  = "task.agent_orch"

	// Worker attributes
	AttrConsumer = "worker.consumer"
	AttrEnv      = "worker.env"

	// Store attributes
	AttrStoreOp      = "store.op"
	AttrStoreAttempt = "store.attempt"

	// Coalescer attributes
	AttrFlushCount  = "flush.record_count"
	AttrFlushReason = "flush.reason"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names for the task lifecycle.
const (
	SpanClaim   = "worker.claim"
	SpanProcess = "worker.process_task"
	SpanPrepare = "worker.prepare_context"
	SpanExecute = "worker.execute"
	SpanFlush   = "worker.flush_events"
)

// Event names for span events.
const (
	EventTaskClaimed     = "task.claimed"
	EventContextPrepared = "context.prepared"
	EventCancelObserved  = "cancel.observed"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventRecordsDropped  = "records.dropped"
)
