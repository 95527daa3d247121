package bus

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunFinalized = "run.finalized"
)

// Agent stream topics.
const (
	TopicStreamDelta    = "stream.delta"
	TopicStreamToolUse  = "stream.tool_use"
	TopicStreamWarning  = "stream.warning"
	TopicStreamFinished = "stream.finished"
)

// Scheduler topics.
const (
	TopicCycleSummary = "heartbeat.cycle_summary"
	TopicTaskNotify   = "heartbeat.task_notify"
	TopicTaskCooldown = "cron.task_cooldown"
)

// Dispatcher topics.
const (
	TopicDispatchRetry    = "dispatch.retry"
	TopicDispatchFailover = "dispatch.failover"
	TopicDispatchTimeout  = "dispatch.timeout"
)

// RunEvent is published on run start and finalization.
type RunEvent struct {
	RunID     string // Run ID
	Source    string // chat, heartbeat, rpc
	SessionID string // Owning session (may be empty)
	Status    string // running, success, error, timeout, canceled
	ErrorCode string // Stable error code on failure
}

// StreamDeltaEvent carries one converted stream chunk for transport fan-out.
type StreamDeltaEvent struct {
	RunID     string // Run ID
	SessionID string // Session ID
	Kind      string // text_delta, thinking_delta, tool_start, tool_end, ...
	Text      string // Delta text, if any
	ToolID    string // Tool call id for tool_start/tool_end
}

// CycleSummaryEvent summarizes one heartbeat cycle for delivery channels.
type CycleSummaryEvent struct {
	Cycle     int64  // Monotonic cycle counter
	TaskCount int    // Tasks dispatched this cycle
	Succeeded int    // Tasks that succeeded
	Failed    int    // Tasks that failed
	Summary   string // Human-readable summary line
}

// TaskNotifyEvent is a per-task delivery notification.
type TaskNotifyEvent struct {
	TaskID      string // Scheduled task ID
	Description string // Task description
	Status      string // completed or failed
	Error       string // Error message on failure
}

// DispatchTransitionEvent records a retry, failover, or timeout transition.
type DispatchTransitionEvent struct {
	RequestID string // Correlation id for the logical call
	Provider  string // Provider in effect when the transition fired
	Kind      string // retry, failover, timeout
	Attempt   int    // Attempt counter within the current provider
	Detail    string // Classifier or error detail
}
