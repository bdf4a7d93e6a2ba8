package notify

import (
	"fmt"
	"time"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// ForRun builds the terminal notification for a finished run.
func ForRun(run *domain.Run, artifactCount int) Notification {
	n := Notification{RunID: run.ID}
	switch run.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = "Run completed"
		n.Message = fmt.Sprintf("%d iteration(s), %d artifact(s) in %s",
			run.Iteration, artifactCount, run.Duration().Round(time.Second))
	case domain.RunCancelled:
		n.Type = NotifyWarning
		n.Title = "Run cancelled"
		n.Message = fmt.Sprintf("stopped after %d iteration(s)", run.Iteration)
	default:
		n.Type = NotifyError
		n.Title = "Run failed"
		n.Message = fmt.Sprintf("%s after %d iteration(s)", run.Reason, run.Iteration)
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig assembles the notifier chain for the configured channels.
func FromConfig(desktop bool, slackWebhook string) Notifier {
	var chain []Notifier
	if desktop {
		chain = append(chain, NewDesktopNotifier(true))
	}
	if slackWebhook != "" {
		chain = append(chain, NewSlackNotifier(slackWebhook))
	}
	if len(chain) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(chain...)
}
