package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cognitionflow/orchestrator/internal/config"
	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/history"
	"github.com/cognitionflow/orchestrator/internal/llm"
	"github.com/cognitionflow/orchestrator/internal/notify"
	"github.com/cognitionflow/orchestrator/internal/sandbox"
	"github.com/cognitionflow/orchestrator/internal/stream"
	"github.com/cognitionflow/orchestrator/internal/templates"
)

// gatedLLM blocks every completion until released, then replays a script.
type gatedLLM struct {
	mu        sync.Mutex
	gate      chan struct{}
	responses []string
	calls     int
}

func newGatedLLM(responses ...string) *gatedLLM {
	return &gatedLLM{gate: make(chan struct{}), responses: responses}
}

func (g *gatedLLM) release() { close(g.gate) }

func (g *gatedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	g.calls++
	if idx >= len(g.responses) {
		idx = len(g.responses) - 1
	}
	return g.responses[idx], nil
}

// stubRunner skips real execution but materializes the artifact the
// canned engineer code would have written.
type stubRunner struct {
	result sandbox.Result
}

func (s *stubRunner) Run(ctx context.Context, code, workdir string) (*sandbox.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workdir, "report.md"), []byte("# done"), 0o644); err != nil {
		return nil, err
	}
	r := s.result
	return &r, nil
}

const engineerReply = "```python\nwith open('report.md', 'w') as f:\n    f.write('# done')\n```"

func approveReply() string { return "All checks passed. PIPELINE_COMPLETE" }

func newTestOrchestrator(t *testing.T, client llm.Client, maxConcurrent int) *Orchestrator {
	t.Helper()

	cfg := config.Default()
	cfg.Runs.WorkspaceDir = t.TempDir()
	cfg.Runs.MaxConcurrent = maxConcurrent
	cfg.Runs.RunTimeoutSec = 10

	catalog, err := templates.Load()
	if err != nil {
		t.Fatal(err)
	}
	store, err := history.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return New(Options{
		Config:   cfg,
		Catalog:  catalog,
		LLM:      client,
		Runner:   &stubRunner{result: sandbox.Result{ExitCode: 0, Stdout: "ok"}},
		Broker:   stream.NewBroker(cfg.Runs.StreamBufferSize, cfg.Runs.SubscriberQueue),
		Store:    store,
		Notifier: notify.NoopNotifier{},
	})
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) *RunView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx, id); err != nil {
		t.Fatalf("run %s never finished: %v", id, err)
	}
	view, err := o.GetRun(id)
	if err != nil {
		t.Fatal(err)
	}
	return view
}

func TestCreateRun_CompletesAndRecords(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	client.release()
	o := newTestOrchestrator(t, client, 3)

	view, err := o.CreateRun(CreateRequest{TaskPrompt: "write a report"})
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.RunRunning {
		t.Errorf("initial status = %s, want running", view.Status)
	}

	final := waitTerminal(t, o, view.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s/%s, want completed", final.Status, final.Reason)
	}
	if final.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", final.Iteration)
	}
	if len(final.Artifacts) != 1 || final.Artifacts[0].Filename != "report.md" {
		t.Errorf("artifacts = %v", final.Artifacts)
	}

	rec, err := o.store.Get(view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("run missing from history")
	}
	if rec.Status != string(domain.RunCompleted) || rec.ArtifactCount != 1 {
		t.Errorf("record = %+v", rec)
	}
}

func TestCreateRun_StreamEndsWithDone(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	client.release()
	o := newTestOrchestrator(t, client, 3)

	view, err := o.CreateRun(CreateRequest{TaskPrompt: "write a report"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, view.ID)

	// A late subscriber still sees the full history ending in done.
	feed, cancel, err := o.Subscribe(view.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var msgs []domain.Message
	for m := range feed {
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		t.Fatal("no messages replayed")
	}
	last := msgs[len(msgs)-1]
	if last.Type != domain.MessageDone {
		t.Errorf("last message type = %s, want done", last.Type)
	}
	if last.Seq != len(msgs) {
		t.Errorf("done seq = %d with %d messages", last.Seq, len(msgs))
	}
}

func TestCreateRun_SlotsExhausted(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 1)

	first, err := o.CreateRun(CreateRequest{TaskPrompt: "long running"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.CreateRun(CreateRequest{TaskPrompt: "rejected"})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("second create = %v, want resource exhausted", err)
	}

	client.release()
	waitTerminal(t, o, first.ID)

	// The slot is free again once the run is terminal.
	if _, err := o.CreateRun(CreateRequest{TaskPrompt: "admitted"}); err != nil {
		t.Fatalf("create after slot release = %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 1)

	view, err := o.CreateRun(CreateRequest{TaskPrompt: "to be cancelled"})
	if err != nil {
		t.Fatal(err)
	}

	if err := o.CancelRun(view.ID); err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, o, view.ID)

	if final.Status != domain.RunCancelled || final.Reason != domain.ReasonCancelled {
		t.Fatalf("terminal = %s/%s, want cancelled", final.Status, final.Reason)
	}

	// The workspace is preserved for inspection.
	if _, err := os.Stat(final.Workspace); err != nil {
		t.Errorf("workspace after cancel: %v", err)
	}

	rec, err := o.store.Get(view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != string(domain.RunCancelled) {
		t.Errorf("history record = %+v", rec)
	}

	// Cancelling again is a no-op.
	if err := o.CancelRun(view.ID); err != nil {
		t.Errorf("second cancel = %v", err)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	client := newGatedLLM(engineerReply)
	o := newTestOrchestrator(t, client, 3)

	bad := float32(7)
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty request", CreateRequest{}},
		{"unknown template", CreateRequest{TemplateID: "nope"}},
		{"unknown model", CreateRequest{TaskPrompt: "x", Model: "gpt-imaginary"}},
		{"unknown mode", CreateRequest{TaskPrompt: "x", AgentMode: "verbose"}},
		{"unknown format", CreateRequest{TaskPrompt: "x", OutputFormat: "sculpture"}},
		{"temperature out of range", CreateRequest{TaskPrompt: "x", Temperature: &bad}},
		{"negative iterations", CreateRequest{TaskPrompt: "x", MaxIterations: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateRun(tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateRun_TemplateProvidesPrompt(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	client.release()
	o := newTestOrchestrator(t, client, 3)

	view, err := o.CreateRun(CreateRequest{TemplateID: "data_analysis"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, o, view.ID)
	if final.Status != domain.RunCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Config.TemplateID != "data_analysis" {
		t.Errorf("template id = %q", final.Config.TemplateID)
	}
}

func TestGetRun_Unknown(t *testing.T) {
	o := newTestOrchestrator(t, newGatedLLM("x"), 1)
	if _, err := o.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
	if err := o.CancelRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel err = %v, want not found", err)
	}
	if _, _, err := o.Subscribe("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("subscribe err = %v, want not found", err)
	}
}

func TestArtifactPath(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	client.release()
	o := newTestOrchestrator(t, client, 3)

	view, err := o.CreateRun(CreateRequest{TaskPrompt: "write a report"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, view.ID)

	path, err := o.ArtifactPath(view.ID, "report.md")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact path %s: %v", path, err)
	}

	if _, err := o.ArtifactPath(view.ID, "../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("traversal lookup = %v, want not found", err)
	}
	if _, err := o.ArtifactPath(view.ID, "absent.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent artifact = %v, want not found", err)
	}
}

func TestMetrics_CountsActiveRuns(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 2)

	view, err := o.CreateRun(CreateRequest{TaskPrompt: "busy"})
	if err != nil {
		t.Fatal(err)
	}

	m, err := o.Metrics()
	if err != nil {
		t.Fatal(err)
	}
	if m.ActiveRuns != 1 {
		t.Errorf("active runs = %d, want 1", m.ActiveRuns)
	}

	client.release()
	waitTerminal(t, o, view.ID)

	m, err = o.Metrics()
	if err != nil {
		t.Fatal(err)
	}
	if m.ActiveRuns != 0 {
		t.Errorf("active runs after finish = %d, want 0", m.ActiveRuns)
	}
	if m.TotalRuns != 1 || m.Completed != 1 {
		t.Errorf("aggregates = %+v", m.Metrics)
	}
}

// Exercised under -race: status reads from IsActive and Metrics must
// not race with the engine marking runs terminal.
func TestIsActive_ConcurrentWithFinish(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 8)

	ids := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		view, err := o.CreateRun(CreateRequest{TaskPrompt: "race check"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, view.ID)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, id := range ids {
					o.IsActive(id)
				}
				if _, err := o.Metrics(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	client.release()
	for _, id := range ids {
		waitTerminal(t, o, id)
	}
	close(stop)
	wg.Wait()

	for _, id := range ids {
		if o.IsActive(id) {
			t.Errorf("run %s still active after finish", id)
		}
	}
}

func TestEvictRun(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 2)

	live, err := o.CreateRun(CreateRequest{TaskPrompt: "still running"})
	if err != nil {
		t.Fatal(err)
	}

	// Evicting a live run is a no-op.
	o.EvictRun(live.ID)
	if _, err := o.GetRun(live.ID); err != nil {
		t.Fatalf("live run evicted: %v", err)
	}

	client.release()
	waitTerminal(t, o, live.ID)

	o.EvictRun(live.ID)
	if _, err := o.GetRun(live.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after evict = %v, want not found", err)
	}
	if _, _, err := o.Subscribe(live.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("subscribe after evict = %v, want not found", err)
	}
	if o.IsActive(live.ID) {
		t.Error("evicted run reported active")
	}

	// The persisted record survives eviction.
	rec, err := o.store.Get(live.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Error("history record lost on evict")
	}

	// Evicting an unknown run is a no-op.
	o.EvictRun("missing")
}

func TestShutdown_CancelsLiveRuns(t *testing.T) {
	client := newGatedLLM(engineerReply, approveReply())
	o := newTestOrchestrator(t, client, 2)

	a, err := o.CreateRun(CreateRequest{TaskPrompt: "one"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.CreateRun(CreateRequest{TaskPrompt: "two"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{a.ID, b.ID} {
		view, err := o.GetRun(id)
		if err != nil {
			t.Fatal(err)
		}
		if view.Status != domain.RunCancelled {
			t.Errorf("run %s status = %s, want cancelled", id, view.Status)
		}
	}
}
