package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cognitionflow/orchestrator/internal/artifacts"
	"github.com/cognitionflow/orchestrator/internal/config"
	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/engine"
	"github.com/cognitionflow/orchestrator/internal/history"
	"github.com/cognitionflow/orchestrator/internal/llm"
	"github.com/cognitionflow/orchestrator/internal/notify"
	"github.com/cognitionflow/orchestrator/internal/observer"
	"github.com/cognitionflow/orchestrator/internal/sandbox"
	"github.com/cognitionflow/orchestrator/internal/stream"
	"github.com/cognitionflow/orchestrator/internal/templates"
)

var (
	// ErrNotFound means no run with the given ID exists.
	ErrNotFound = errors.New("run not found")
	// ErrResourceExhausted means every run slot is occupied.
	ErrResourceExhausted = errors.New("all run slots are busy")
)

// ValidationError rejects a malformed create request.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// CreateRequest carries the user-supplied parameters for a new run.
type CreateRequest struct {
	TaskPrompt    string              `json:"task_prompt"`
	TemplateID    string              `json:"template_id"`
	Model         string              `json:"model"`
	Temperature   *float32            `json:"temperature"`
	AgentMode     domain.AgentMode    `json:"agent_mode"`
	OutputFormat  domain.OutputFormat `json:"output_format"`
	MaxIterations int                 `json:"max_iterations"`
}

// RunView is a point-in-time snapshot of a run for external consumers.
type RunView struct {
	ID           string            `json:"id"`
	Config       domain.RunConfig  `json:"config"`
	Workspace    string            `json:"-"`
	Status       domain.RunStatus  `json:"status"`
	Reason       domain.FailReason `json:"reason,omitempty"`
	Phase        engine.Phase      `json:"phase"`
	Iteration    int               `json:"iteration"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Artifacts    []domain.Artifact `json:"artifacts,omitempty"`
	ArtifactPrev []domain.Artifact `json:"artifact_preview,omitempty"`
}

// Metrics combines persisted aggregates with live state.
type Metrics struct {
	history.Metrics
	ActiveRuns int `json:"active_runs"`
}

type runHandle struct {
	engine    *engine.Engine
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	artifacts []domain.Artifact
}

// Orchestrator owns the run lifecycle: admission, launch, cancellation,
// terminal bookkeeping.
type Orchestrator struct {
	cfg      *config.Config
	catalog  *templates.Catalog
	llm      llm.Client
	runner   sandbox.Runner
	broker   *stream.Broker
	store    *history.Store
	watcher  *observer.WorkspaceWatcher
	notifier notify.Notifier
	slots    *semaphore.Weighted

	mu   sync.RWMutex
	runs map[string]*runHandle
}

// Options wires the orchestrator's collaborators. Watcher and Notifier
// are optional.
type Options struct {
	Config   *config.Config
	Catalog  *templates.Catalog
	LLM      llm.Client
	Runner   sandbox.Runner
	Broker   *stream.Broker
	Store    *history.Store
	Watcher  *observer.WorkspaceWatcher
	Notifier notify.Notifier
}

// New assembles an orchestrator from its collaborators.
func New(opts Options) *Orchestrator {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	runner := opts.Runner
	if runner == nil {
		runner = &sandbox.PythonRunner{
			Interpreter: opts.Config.Runs.PythonInterpreter,
			Timeout:     opts.Config.ExecTimeout(),
		}
	}
	return &Orchestrator{
		cfg:      opts.Config,
		catalog:  opts.Catalog,
		llm:      opts.LLM,
		runner:   runner,
		broker:   opts.Broker,
		store:    opts.Store,
		watcher:  opts.Watcher,
		notifier: notifier,
		slots:    semaphore.NewWeighted(int64(opts.Config.Runs.MaxConcurrent)),
		runs:     make(map[string]*runHandle),
	}
}

// CreateRun validates the request, claims a slot and launches the run
// asynchronously. It returns the initial snapshot without waiting for
// the first agent turn.
func (o *Orchestrator) CreateRun(req CreateRequest) (*RunView, error) {
	runCfg, err := o.resolve(req)
	if err != nil {
		return nil, err
	}

	if !o.slots.TryAcquire(1) {
		return nil, ErrResourceExhausted
	}

	id := uuid.NewString()
	workspace := filepath.Join(o.cfg.Runs.WorkspaceDir, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		o.slots.Release(1)
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	run := &domain.Run{
		ID:        id,
		Config:    *runCfg,
		Workspace: workspace,
		Status:    domain.RunPending,
		CreatedAt: time.Now(),
	}

	o.broker.Open(id)
	if o.watcher != nil {
		if err := o.watcher.AddRun(id, workspace); err != nil {
			log.Printf("[orchestrator] run %s: artifact preview unavailable: %v", id, err)
		}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), o.cfg.RunTimeout())
	eng := engine.New(engine.Config{
		Run:           run,
		TaskPrompt:    taskPrompt(runCfg, o.catalog),
		LLM:           o.llm,
		Runner:        o.runner,
		Broker:        o.broker,
		Catalog:       o.catalog,
		MaxIterations: runCfg.MaxIterations,
	})
	handle := &runHandle{engine: eng, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.runs[id] = handle
	o.mu.Unlock()

	if err := run.Transition(domain.RunRunning); err != nil {
		// Unreachable for a freshly created run; kept as a guard.
		cancel()
		o.slots.Release(1)
		return nil, err
	}

	go o.drive(runCtx, run, handle)

	view := o.view(handle)
	return &view, nil
}

// drive runs the engine to completion and performs terminal bookkeeping
// exactly once: artifact scan, history record, stream close, notify.
func (o *Orchestrator) drive(ctx context.Context, run *domain.Run, handle *runHandle) {
	defer o.slots.Release(1)
	defer handle.cancel()
	defer close(handle.done)

	status, reason := handle.engine.Run(ctx)
	log.Printf("[orchestrator] run %s finished: %s %s", run.ID, status, reason)

	var found []domain.Artifact
	if status == domain.RunCompleted {
		var err error
		found, err = artifacts.Scan(run.Workspace)
		if err != nil {
			log.Printf("[orchestrator] run %s: artifact scan: %v", run.ID, err)
		}
	}
	handle.mu.Lock()
	handle.artifacts = found
	handle.mu.Unlock()

	if o.watcher != nil {
		o.watcher.RemoveRun(run.ID)
	}

	if err := o.store.Record(history.FromRun(run, len(found))); err != nil {
		log.Printf("[orchestrator] run %s: recording history: %v", run.ID, err)
	}

	content := string(status)
	if reason != domain.ReasonNone {
		content = fmt.Sprintf("%s: %s", status, reason)
	}
	final := domain.Message{
		RunID:     run.ID,
		Seq:       handle.engine.NextSeq(),
		Role:      domain.RoleOrchestrator,
		Type:      domain.MessageDone,
		Content:   content,
		Timestamp: time.Now(),
	}
	if err := o.broker.Close(run.ID, final); err != nil {
		log.Printf("[orchestrator] run %s: closing stream: %v", run.ID, err)
	}

	if err := o.notifier.Send(notify.ForRun(run, len(found))); err != nil {
		log.Printf("[orchestrator] run %s: notify: %v", run.ID, err)
	}
}

// resolve validates a create request against the catalog and fills
// defaults from the server configuration.
func (o *Orchestrator) resolve(req CreateRequest) (*domain.RunConfig, error) {
	cfg := &domain.RunConfig{
		TaskPrompt:    strings.TrimSpace(req.TaskPrompt),
		TemplateID:    req.TemplateID,
		Model:         req.Model,
		AgentMode:     req.AgentMode,
		OutputFormat:  req.OutputFormat,
		MaxIterations: req.MaxIterations,
	}

	if cfg.TemplateID != "" {
		if _, ok := o.catalog.Template(cfg.TemplateID); !ok {
			return nil, &ValidationError{Field: "template_id", Detail: "unknown template " + cfg.TemplateID}
		}
	} else if cfg.TaskPrompt == "" {
		return nil, &ValidationError{Field: "task_prompt", Detail: "a task prompt or template is required"}
	}

	if cfg.Model == "" {
		cfg.Model = o.cfg.LLM.Model
	}
	if !o.catalog.KnownModel(cfg.Model) {
		return nil, &ValidationError{Field: "model", Detail: "unknown model " + cfg.Model}
	}

	if cfg.AgentMode == "" {
		cfg.AgentMode = domain.ModeStandard
	}
	if !cfg.AgentMode.Valid() {
		return nil, &ValidationError{Field: "agent_mode", Detail: "unknown mode " + string(cfg.AgentMode)}
	}
	if cfg.OutputFormat != "" && !cfg.OutputFormat.Valid() {
		return nil, &ValidationError{Field: "output_format", Detail: "unknown format " + string(cfg.OutputFormat)}
	}

	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			return nil, &ValidationError{Field: "temperature", Detail: "must be between 0 and 2"}
		}
		cfg.Temperature = *req.Temperature
	} else {
		cfg.Temperature = o.cfg.LLM.Temperature
	}

	if cfg.MaxIterations < 0 {
		return nil, &ValidationError{Field: "max_iterations", Detail: "must be positive"}
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = o.cfg.Runs.MaxIterations
	}

	return cfg, nil
}

// taskPrompt resolves the effective task text: an explicit prompt wins,
// otherwise the template body is used.
func taskPrompt(cfg *domain.RunConfig, catalog *templates.Catalog) string {
	if cfg.TaskPrompt != "" {
		return cfg.TaskPrompt
	}
	if tpl, ok := catalog.Template(cfg.TemplateID); ok {
		return tpl.Prompt
	}
	return ""
}

// GetRun returns a snapshot of a run, live or finished.
func (o *Orchestrator) GetRun(id string) (*RunView, error) {
	o.mu.RLock()
	handle, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	view := o.view(handle)
	return &view, nil
}

// view assembles a snapshot under the engine's lock.
func (o *Orchestrator) view(handle *runHandle) RunView {
	snap := handle.engine.Snapshot()
	view := RunView{
		ID:         snap.ID,
		Config:     snap.Config,
		Workspace:  snap.Workspace,
		Status:     snap.Status,
		Reason:     snap.Reason,
		Phase:      handle.engine.Phase(),
		Iteration:  snap.Iteration,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}
	handle.mu.Lock()
	view.Artifacts = handle.artifacts
	handle.mu.Unlock()
	if !snap.Status.Terminal() && o.watcher != nil {
		view.ArtifactPrev = o.watcher.Preview(snap.ID)
	}
	return view
}

// CancelRun requests cancellation. Cancelling a terminal run is a no-op.
func (o *Orchestrator) CancelRun(id string) error {
	o.mu.RLock()
	handle, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	handle.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal state.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.RLock()
	handle, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches to a run's message stream with full replay.
func (o *Orchestrator) Subscribe(id string) (<-chan domain.Message, func(), error) {
	feed, cancel, err := o.broker.Subscribe(id)
	if errors.Is(err, stream.ErrUnknownRun) {
		return nil, nil, ErrNotFound
	}
	return feed, cancel, err
}

// IsActive reports whether a run is still in flight. Used by the
// workspace janitor to skip live workspaces. Status is read through the
// engine snapshot so the check is safe against a concurrent finish.
func (o *Orchestrator) IsActive(id string) bool {
	o.mu.RLock()
	handle, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return !handle.engine.Snapshot().Status.Terminal()
}

// EvictRun drops a terminal run's in-memory record and stream topic.
// The persisted history record is unaffected. Evicting a live or
// unknown run is a no-op.
func (o *Orchestrator) EvictRun(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.runs[id]
	if !ok || !handle.engine.Snapshot().Status.Terminal() {
		return
	}
	delete(o.runs, id)
	o.broker.Drop(id)
}

// ArtifactPath resolves an artifact download to a path inside the run's
// workspace. The filename is reduced to its base name so a crafted path
// cannot escape the workspace.
func (o *Orchestrator) ArtifactPath(id, filename string) (string, error) {
	o.mu.RLock()
	handle, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	workspace := handle.engine.Snapshot().Workspace

	base := filepath.Base(filename)
	handle.mu.Lock()
	defer handle.mu.Unlock()
	for _, a := range handle.artifacts {
		if a.Filename == base {
			return filepath.Join(workspace, base), nil
		}
	}
	return "", ErrNotFound
}

// History returns persisted run records, most recent first.
func (o *Orchestrator) History(limit, offset int) ([]*history.Record, error) {
	return o.store.List(limit, offset)
}

// Metrics returns persisted aggregates plus the live run count.
func (o *Orchestrator) Metrics() (*Metrics, error) {
	agg, err := o.store.Aggregate()
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	handles := make([]*runHandle, 0, len(o.runs))
	for _, h := range o.runs {
		handles = append(handles, h)
	}
	o.mu.RUnlock()
	active := 0
	for _, h := range handles {
		if !h.engine.Snapshot().Status.Terminal() {
			active++
		}
	}
	return &Metrics{Metrics: *agg, ActiveRuns: active}, nil
}

// Shutdown cancels every live run and waits for their terminal
// bookkeeping to finish, up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	handles := make([]*runHandle, 0, len(o.runs))
	for _, h := range o.runs {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
