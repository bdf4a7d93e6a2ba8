package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cognitionflow/orchestrator/internal/domain"
	"github.com/cognitionflow/orchestrator/internal/sandbox"
)

// formatHints maps the requested output format to an extra engineer
// instruction. Auto and empty add nothing.
var formatHints = map[domain.OutputFormat]string{
	domain.FormatMarkdown: "The primary deliverable is a Markdown report (.md file).",
	domain.FormatJSON:     "The primary deliverable is a structured JSON file (.json).",
	domain.FormatCode:     "The primary deliverable is a Python source file (.py).",
	domain.FormatPlot:     "The primary deliverable is a chart image (.png file).",
}

// buildTaskTurn renders the opening user turn for the engineer.
func buildTaskTurn(task string, format domain.OutputFormat) string {
	var b strings.Builder
	b.WriteString(task)
	if hint, ok := formatHints[format]; ok {
		b.WriteString("\n\n**Output Format:** ")
		b.WriteString(hint)
	}
	return b.String()
}

// formatExecutionReport packages an execution result the way the executor
// role reports it to the conversation.
func formatExecutionReport(res *sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exitcode: %d (execution %s)\n", res.ExitCode, executionVerdict(res))
	if res.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if res.Stderr != "" {
		b.WriteString("stderr:\n")
		b.WriteString(res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// frameExecutorMessage prefixes the execution report with the executor
// role framing for the stream. The reviewer turn carries the bare report.
func frameExecutorMessage(framing, report string) string {
	if framing == "" {
		return report
	}
	return framing + "\n\n" + report
}

func executionVerdict(res *sandbox.Result) string {
	switch {
	case res.TimedOut:
		return "timed out"
	case res.ExitCode == 0:
		return "succeeded"
	default:
		return "failed"
	}
}

// buildReviewTurn renders the reviewer's user turn for one cycle: the task,
// the code that ran, its execution report, and the files currently present
// in the workspace.
func buildReviewTurn(task, code, execReport, workspace string, iteration, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review round %d of %d.\n\n", iteration, max)
	b.WriteString("### Task\n")
	b.WriteString(task)
	b.WriteString("\n\n### Engineer's code\n```python\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n\n### Execution result\n")
	b.WriteString(execReport)
	b.WriteString("\n\n### Files in workspace\n")
	files := workspaceListing(workspace)
	if len(files) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

// buildFeedbackTurn renders the user turn sent back to the engineer after
// a rejection.
func buildFeedbackTurn(review string) string {
	return "The Reviewer rejected the result with this feedback:\n\n" + review +
		"\n\nFix the specific issues and provide ONE updated, complete Python code block."
}

// workspaceListing returns visible filenames in the workspace, sorted.
// This is prompt context only; the artifact scanner owns discovery.
func workspaceListing(workspace string) []string {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
