// Package engine drives the Engineer -> Executor -> Reviewer review loop
// for a single run. One engine instance exclusively owns one run record;
// every state transition is committed to the record and published to the
// event stream before the next transition begins.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/llm"
	"github.com/cognitionflow/orchestrator/internal/sandbox"
	"github.com/cognitionflow/orchestrator/internal/stream"
	"github.com/cognitionflow/orchestrator/internal/templates"
)

// ApprovalToken is the reviewer's explicit completion signal. Only the
// reviewer's use of it ends the loop; in engineer output it carries no
// control meaning.
const ApprovalToken = "PIPELINE_COMPLETE"

// Phase is the engine's state-machine state.
type Phase string

const (
	PhaseAwaitingTask Phase = "awaiting_task"
	PhaseEngineering  Phase = "engineering"
	PhaseExecuting    Phase = "executing"
	PhaseReviewing    Phase = "reviewing"
	PhaseFeedback     Phase = "feedback"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Config wires an engine instance to its collaborators.
type Config struct {
	Run           *domain.Run
	TaskPrompt    string // resolved task text (template or custom)
	LLM           llm.Client
	Runner        sandbox.Runner
	Broker        *stream.Broker
	Catalog       *templates.Catalog
	MaxIterations int
}

// Engine is the per-run conversation state machine.
type Engine struct {
	run           *domain.Run
	taskPrompt    string
	llm           llm.Client
	runner        sandbox.Runner
	broker        *stream.Broker
	catalog       *templates.Catalog
	maxIterations int

	mu    sync.Mutex
	phase Phase
	seq   int
}

// New creates an engine for the given run.
func New(cfg Config) *Engine {
	max := cfg.MaxIterations
	if max <= 0 {
		max = 5
	}
	return &Engine{
		run:           cfg.Run,
		taskPrompt:    cfg.TaskPrompt,
		llm:           cfg.LLM,
		runner:        cfg.Runner,
		broker:        cfg.Broker,
		catalog:       cfg.Catalog,
		maxIterations: max,
		phase:         PhaseAwaitingTask,
	}
}

// Snapshot returns a copy of the owned run record, safe to read while the
// engine is mutating it.
func (e *Engine) Snapshot() domain.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.run
}

// Phase returns the engine's current state.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// NextSeq returns the sequence number the terminal event should carry.
// Valid only after Run has returned.
func (e *Engine) NextSeq() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq + 1
}

// Run drives the review loop until a terminal state and returns the final
// status with its reason. The context carries both the per-run wall-clock
// ceiling and external cancellation; the engine checks it before every
// external call and issues none afterwards.
func (e *Engine) Run(ctx context.Context) (domain.RunStatus, domain.FailReason) {
	engineerSystem, err := e.catalog.EngineerPrompt(e.run.Config.AgentMode)
	if err != nil {
		return e.fail(domain.ReasonUpstreamError, fmt.Sprintf("loading engineer prompt: %v", err))
	}
	reviewerSystem, err := e.catalog.ReviewerPrompt()
	if err != nil {
		return e.fail(domain.ReasonUpstreamError, fmt.Sprintf("loading reviewer prompt: %v", err))
	}
	executorFraming, err := e.catalog.ExecutorPrompt()
	if err != nil {
		return e.fail(domain.ReasonUpstreamError, fmt.Sprintf("loading executor prompt: %v", err))
	}

	turns := []llm.Turn{{Role: "user", Content: buildTaskTurn(e.taskPrompt, e.run.Config.OutputFormat)}}

	e.setIteration(1)
	for {
		// Engineering
		if status, reason, done := e.guard(ctx); done {
			return status, reason
		}
		e.changePhase(PhaseEngineering)
		engineerOut, err := e.complete(ctx, engineerSystem, turns)
		if err != nil {
			return e.terminalFromErr(err, "engineer completion")
		}
		// The engineer cannot end the loop; an approval token here is
		// recorded but ignored.
		if strings.Contains(engineerOut, ApprovalToken) {
			log.Printf("[engine] run %s: ignoring self-termination signal from engineer", e.run.ID)
		}
		e.emit(domain.RoleEngineer, domain.MessageChat, engineerOut)
		turns = append(turns, llm.Turn{Role: "assistant", Content: engineerOut})

		// Executing
		if status, reason, done := e.guard(ctx); done {
			return status, reason
		}
		e.changePhase(PhaseExecuting)
		code, hasCode := sandbox.ExtractCode(engineerOut)
		var result *sandbox.Result
		if hasCode {
			result, err = e.runner.Run(ctx, code, e.run.Workspace)
			if err != nil {
				if ctx.Err() != nil {
					return e.terminalFromErr(err, "code execution")
				}
				return e.fail(domain.ReasonExecutionError, fmt.Sprintf("executor failure: %v", err))
			}
		} else {
			// No code is still fed through review: the reviewer decides
			// whether to demand a resubmission.
			result = &sandbox.Result{
				ExitCode: 1,
				Stderr:   "no Python code block found in engineer response",
			}
		}
		execReport := formatExecutionReport(result)
		e.emit(domain.RoleExecutor, domain.MessageChat, frameExecutorMessage(executorFraming, execReport))

		// Reviewing
		if status, reason, done := e.guard(ctx); done {
			return status, reason
		}
		e.changePhase(PhaseReviewing)
		reviewTurn := buildReviewTurn(e.taskPrompt, code, execReport, e.run.Workspace,
			e.iteration(), e.maxIterations)
		reviewOut, err := e.complete(ctx, reviewerSystem, []llm.Turn{{Role: "user", Content: reviewTurn}})
		if err != nil {
			return e.terminalFromErr(err, "reviewer completion")
		}

		if strings.Contains(reviewOut, ApprovalToken) {
			e.emit(domain.RoleReviewer, domain.MessageReviewApproved, reviewOut)
			return e.finish(domain.RunCompleted, domain.ReasonNone)
		}

		e.emit(domain.RoleReviewer, domain.MessageChat, reviewOut)
		if e.iteration() >= e.maxIterations {
			return e.fail(domain.ReasonMaxIterationsExceeded,
				fmt.Sprintf("no approval after %d iterations", e.maxIterations))
		}

		// Feedback -> next engineering cycle
		e.changePhase(PhaseFeedback)
		e.setIteration(e.iteration() + 1)
		turns = append(turns, llm.Turn{Role: "user", Content: buildFeedbackTurn(reviewOut)})
	}
}

func (e *Engine) complete(ctx context.Context, system string, turns []llm.Turn) (string, error) {
	return e.llm.Complete(ctx, llm.Request{
		System:      system,
		Turns:       turns,
		Model:       e.run.Config.Model,
		Temperature: e.run.Config.Temperature,
	})
}

// guard checks for cancellation or run timeout before an external call.
func (e *Engine) guard(ctx context.Context) (domain.RunStatus, domain.FailReason, bool) {
	if err := ctx.Err(); err != nil {
		status, reason := e.terminalFromErr(err, "run aborted")
		return status, reason, true
	}
	return "", "", false
}

func (e *Engine) terminalFromErr(err error, during string) (domain.RunStatus, domain.FailReason) {
	switch {
	case errors.Is(err, context.Canceled):
		return e.finish(domain.RunCancelled, domain.ReasonCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return e.fail(domain.ReasonTimeout, "run exceeded its wall-clock ceiling during "+during)
	case errors.Is(err, llm.ErrUpstream):
		return e.fail(domain.ReasonUpstreamError, fmt.Sprintf("%s: %v", during, err))
	default:
		return e.fail(domain.ReasonExecutionError, fmt.Sprintf("%s: %v", during, err))
	}
}

func (e *Engine) fail(reason domain.FailReason, detail string) (domain.RunStatus, domain.FailReason) {
	e.emit(domain.RoleOrchestrator, domain.MessageError, detail)
	return e.finish(domain.RunFailed, reason)
}

// finish commits the terminal status to the run record. The terminal done
// event itself is published by the orchestrator when it closes the stream.
func (e *Engine) finish(status domain.RunStatus, reason domain.FailReason) (domain.RunStatus, domain.FailReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch status {
	case domain.RunCompleted:
		e.phase = PhaseComplete
	case domain.RunCancelled:
		e.phase = PhaseCancelled
	default:
		e.phase = PhaseFailed
	}
	e.run.Reason = reason
	if err := e.run.Transition(status); err != nil {
		log.Printf("[engine] run %s: %v", e.run.ID, err)
	}
	return status, reason
}

// changePhase commits a non-terminal transition and publishes it.
func (e *Engine) changePhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.emit(domain.RoleOrchestrator, domain.MessagePhaseChange, string(p))
}

// emit publishes a message with the next per-run sequence number.
func (e *Engine) emit(role domain.Role, typ domain.MessageType, content string) {
	e.mu.Lock()
	e.seq++
	msg := domain.Message{
		RunID:     e.run.ID,
		Seq:       e.seq,
		Role:      role,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now(),
	}
	e.mu.Unlock()

	if err := e.broker.Publish(e.run.ID, msg); err != nil {
		log.Printf("[engine] run %s: publish: %v", e.run.ID, err)
	}
}

func (e *Engine) iteration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Iteration
}

func (e *Engine) setIteration(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.Iteration = n
}
