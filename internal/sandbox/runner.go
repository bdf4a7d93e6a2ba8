// Package sandbox executes engineer-produced code inside a run's workspace,
// capturing exit status and output for the reviewer.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ScriptName is the file the engineer's code is written to before execution.
// It is dot-prefixed so the artifact scanner never reports it.
const ScriptName = ".cognitionflow_step.py"

const defaultMaxOutput = 64 * 1024

// Result is the outcome of one code execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner executes a code block in a workspace directory.
type Runner interface {
	Run(ctx context.Context, code, workdir string) (*Result, error)
}

// PythonRunner runs code with a local Python interpreter. Each call writes
// the code to the workspace and executes it with the workspace as cwd, so
// produced files land where the artifact scanner looks.
type PythonRunner struct {
	Interpreter string        // defaults to python3
	Timeout     time.Duration // per-execution bound, 0 means no bound
	MaxOutput   int           // bytes kept per stream, tail-truncated beyond
}

// Run executes the code and returns its result. A non-zero exit or an
// execution timeout is a normal Result, not an error; errors are reserved
// for structural failures (unwritable workspace, missing interpreter) and
// caller cancellation.
func (r *PythonRunner) Run(ctx context.Context, code, workdir string) (*Result, error) {
	interpreter := r.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	scriptPath := filepath.Join(workdir, ScriptName)
	if err := os.WriteFile(scriptPath, []byte(code), 0644); err != nil {
		return nil, fmt.Errorf("writing script: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, interpreter, ScriptName)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	// Caller cancellation (run cancelled or run-level timeout) propagates;
	// only the per-execution bound is folded into the result.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &Result{
		Stdout:   truncateTail(stdout.String(), maxOutput),
		Stderr:   truncateTail(stderr.String(), maxOutput),
		Duration: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		result.Stderr = appendNote(result.Stderr,
			fmt.Sprintf("execution timed out after %s", r.Timeout))
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("starting %s: %w", interpreter, err)
	}

	return result, nil
}

func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "...[truncated]...\n" + s[len(s)-max:]
}

func appendNote(s, note string) string {
	if s == "" {
		return note
	}
	return s + "\n" + note
}
