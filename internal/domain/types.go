package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is one no run ever leaves
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// FailReason records why a run reached a terminal state other than success
type FailReason string

const (
	ReasonNone                  FailReason = ""
	ReasonMaxIterationsExceeded FailReason = "max_iterations_exceeded"
	ReasonUpstreamError         FailReason = "upstream_error"
	ReasonExecutionError        FailReason = "execution_error"
	ReasonTimeout               FailReason = "timeout"
	ReasonCancelled             FailReason = "cancelled"
)

// Role identifies a participant in the review loop
type Role string

const (
	RoleEngineer     Role = "engineer"
	RoleExecutor     Role = "executor"
	RoleReviewer     Role = "reviewer"
	RoleOrchestrator Role = "orchestrator"
)

// MessageType classifies stream messages
type MessageType string

const (
	MessageChat           MessageType = "message"
	MessagePhaseChange    MessageType = "phase_change"
	MessageReviewApproved MessageType = "review_approved"
	MessageError          MessageType = "error"
	MessageDone           MessageType = "done"
)

// AgentMode shapes prompt verbosity only; it never affects loop control
type AgentMode string

const (
	ModeStandard AgentMode = "standard"
	ModeDetailed AgentMode = "detailed"
	ModeConcise  AgentMode = "concise"
)

// Valid reports whether the mode is one of the known prompt variants
func (m AgentMode) Valid() bool {
	switch m {
	case ModeStandard, ModeDetailed, ModeConcise:
		return true
	}
	return false
}

// OutputFormat is the requested shape of the run's primary artifact
type OutputFormat string

const (
	FormatMarkdown OutputFormat = "markdown"
	FormatJSON     OutputFormat = "json"
	FormatCode     OutputFormat = "code"
	FormatPlot     OutputFormat = "plot"
	FormatAuto     OutputFormat = "auto"
)

// Valid reports whether the format is a known output format
func (f OutputFormat) Valid() bool {
	switch f {
	case FormatMarkdown, FormatJSON, FormatCode, FormatPlot, FormatAuto, "":
		return true
	}
	return false
}
