package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ActiveFunc reports whether the run owning a workspace directory is
// still in flight. Active workspaces are never pruned.
type ActiveFunc func(runID string) bool

// EvictFunc releases the in-memory state of a pruned run: its record
// and stream topic outlive the run only until the janitor reclaims the
// workspace. May be nil.
type EvictFunc func(runID string)

// Janitor removes workspaces of terminal runs once they age past the
// retention window.
type Janitor struct {
	workspaceDir string
	retention    time.Duration
	active       ActiveFunc
	evict        EvictFunc

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

// New creates a janitor over the given workspace root.
func New(workspaceDir string, retention time.Duration, active ActiveFunc, evict EvictFunc) *Janitor {
	return &Janitor{
		workspaceDir: workspaceDir,
		retention:    retention,
		active:       active,
		evict:        evict,
		cron:         cron.New(),
	}
}

// Start schedules the prune job with the given cron expression and
// begins the scheduler loop.
func (j *Janitor) Start(spec string) error {
	id, err := j.cron.AddFunc(spec, func() {
		if n, err := j.Prune(); err != nil {
			log.Printf("[cleanup] prune: %v", err)
		} else if n > 0 {
			log.Printf("[cleanup] pruned %d workspace(s)", n)
		}
	})
	if err != nil {
		return err
	}
	j.entryID = id
	j.cron.Start()
	return nil
}

// Stop halts the scheduler. Running prune jobs finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// NextRun returns the next scheduled prune time.
func (j *Janitor) NextRun() time.Time {
	return j.cron.Entry(j.entryID).Next
}

// Prune removes every expired workspace and returns how many were
// deleted. Each workspace directory is named after its run ID.
func (j *Janitor) Prune() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-j.retention)
	pruned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if j.active != nil && j.active(runID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.workspaceDir, runID)
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[cleanup] removing %s: %v", path, err)
			continue
		}
		if j.evict != nil {
			j.evict(runID)
		}
		pruned++
	}
	return pruned, nil
}
