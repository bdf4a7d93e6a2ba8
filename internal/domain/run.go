package domain

import (
	"fmt"
	"time"
)

// RunConfig is the user-supplied configuration for a run
type RunConfig struct {
	TaskPrompt    string       `json:"task_prompt,omitempty"`
	TemplateID    string       `json:"template_id,omitempty"`
	Model         string       `json:"model"`
	Temperature   float32      `json:"temperature"`
	AgentMode     AgentMode    `json:"agent_mode"`
	OutputFormat  OutputFormat `json:"output_format,omitempty"`
	MaxIterations int          `json:"max_iterations,omitempty"`
}

// Digest returns a short human-readable summary for history records
func (c RunConfig) Digest() string {
	task := c.TemplateID
	if task == "" {
		task = truncate(c.TaskPrompt, 80)
	}
	return fmt.Sprintf("%s model=%s mode=%s", task, c.Model, c.AgentMode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Run represents one end-to-end execution of the review loop.
// It is created by the orchestrator and mutated only by the engine
// instance that owns it.
type Run struct {
	ID         string
	Config     RunConfig
	Workspace  string
	Status     RunStatus
	Reason     FailReason
	Iteration  int
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// CanTransition reports whether moving to the given status respects the
// monotonic lifecycle pending -> running -> terminal. A run never re-enters
// a prior state and never leaves a terminal one.
func (r *Run) CanTransition(to RunStatus) bool {
	if r.Status.Terminal() {
		return false
	}
	switch to {
	case RunRunning:
		return r.Status == RunPending
	case RunCompleted, RunFailed:
		return r.Status == RunRunning
	case RunCancelled:
		return r.Status == RunPending || r.Status == RunRunning
	}
	return false
}

// Transition moves the run to the given status, stamping FinishedAt on
// terminal transitions. It returns an error on any lifecycle violation.
func (r *Run) Transition(to RunStatus) error {
	if !r.CanTransition(to) {
		return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
	}
	r.Status = to
	if to.Terminal() {
		now := time.Now()
		r.FinishedAt = &now
	}
	return nil
}

// Duration returns the elapsed wall-clock time of the run so far, or the
// final duration once the run is terminal.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}
