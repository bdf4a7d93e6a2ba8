package observer

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cognitionflow/orchestrator/internal/artifacts"
	"github.com/cognitionflow/orchestrator/internal/domain"
)

// WorkspaceWatcher monitors run workspaces and keeps a live artifact
// preview per run. The preview is advisory: the authoritative artifact
// list is produced by the terminal scan and never changes afterwards.
type WorkspaceWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration

	runs     map[string]string // run ID -> workspace path
	previews map[string][]domain.Artifact

	// Debounce state - runs with unscanned changes
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewWorkspaceWatcher creates a watcher with no workspaces registered.
func NewWorkspaceWatcher() (*WorkspaceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &WorkspaceWatcher{
		watcher:  watcher,
		debounce: 500 * time.Millisecond, // Debounce rapid changes
		runs:     make(map[string]string),
		previews: make(map[string][]domain.Artifact),
		pending:  make(map[string]struct{}),
	}, nil
}

// AddRun starts watching a run's workspace directory.
func (w *WorkspaceWatcher) AddRun(runID, workspace string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.runs[runID]; exists {
		return nil // Already watching
	}
	if err := w.watcher.Add(workspace); err != nil {
		return err
	}
	w.runs[runID] = workspace
	return nil
}

// RemoveRun stops watching a run's workspace and drops its preview.
func (w *WorkspaceWatcher) RemoveRun(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	workspace, exists := w.runs[runID]
	if !exists {
		return
	}
	w.watcher.Remove(workspace)
	delete(w.runs, runID)
	delete(w.previews, runID)
	delete(w.pending, runID)
}

// Preview returns the most recent artifact snapshot for a run, or nil
// if nothing has been produced yet.
func (w *WorkspaceWatcher) Preview(runID string) []domain.Artifact {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.previews[runID]
}

// Start begins processing filesystem events.
func (w *WorkspaceWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[observer] watch error: %v", err)
			}
		}
	}()
}

// Stop stops watching for file changes.
func (w *WorkspaceWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *WorkspaceWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	runID := w.findRun(event.Name)
	if runID == "" {
		return // Not in a watched workspace
	}
	w.pending[runID] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// findRun returns the run whose workspace contains the given path.
func (w *WorkspaceWatcher) findRun(path string) string {
	for id, workspace := range w.runs {
		if strings.HasPrefix(path, workspace) {
			return id
		}
	}
	return ""
}

func (w *WorkspaceWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	workspaces := make(map[string]string, len(pending))
	for id := range pending {
		if ws, ok := w.runs[id]; ok {
			workspaces[id] = ws
		}
	}
	w.mu.Unlock()

	for id, workspace := range workspaces {
		found, err := artifacts.Scan(workspace)
		if err != nil {
			log.Printf("[observer] preview scan for run %s: %v", id, err)
			continue
		}
		w.mu.Lock()
		if _, still := w.runs[id]; still {
			w.previews[id] = found
		}
		w.mu.Unlock()
	}
}

// SetDebounce sets the debounce duration for batching file changes.
func (w *WorkspaceWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}
