package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier raises a desktop notification when a run reaches a
// terminal state.
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return d.sendMacOS(n)
	case "linux":
		return d.sendLinux(n)
	default:
		return nil // Unsupported
	}
}

func (d *DesktopNotifier) sendMacOS(n Notification) error {
	script := `display notification "` + escapeAppleScript(n.Message) +
		`" with title "` + escapeAppleScript(n.Title) +
		`" subtitle "run ` + escapeAppleScript(shortRunID(n.RunID)) + `"`
	cmd := exec.Command("osascript", "-e", script)
	return cmd.Run()
}

func (d *DesktopNotifier) sendLinux(n Notification) error {
	cmd := exec.Command("notify-send", linuxArgs(n)...)
	return cmd.Run()
}

// linuxArgs builds the notify-send invocation: outcome icon, urgency,
// title and body.
func linuxArgs(n Notification) []string {
	args := []string{"-i", IconForType(n.Type), "-a", "CognitionFlow"}
	if n.Type == NotifyError {
		args = append(args, "-u", "critical")
	}
	title := n.Title
	if n.RunID != "" {
		title += " (" + shortRunID(n.RunID) + ")"
	}
	return append(args, title, n.Message)
}

// IconForType maps a run outcome to a freedesktop icon name.
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
