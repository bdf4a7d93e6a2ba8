package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestForRun(t *testing.T) {
	now := time.Now()
	finished := now.Add(42 * time.Second)

	tests := []struct {
		name     string
		status   domain.RunStatus
		reason   domain.FailReason
		wantType NotificationType
	}{
		{"completed", domain.RunCompleted, domain.ReasonNone, NotifySuccess},
		{"cancelled", domain.RunCancelled, domain.ReasonCancelled, NotifyWarning},
		{"failed", domain.RunFailed, domain.ReasonTimeout, NotifyError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &domain.Run{
				ID:         "run-9",
				Status:     tt.status,
				Reason:     tt.reason,
				Iteration:  3,
				CreatedAt:  now,
				FinishedAt: &finished,
			}
			n := ForRun(run, 2)
			if n.Type != tt.wantType {
				t.Errorf("type = %d, want %d", n.Type, tt.wantType)
			}
			if n.RunID != "run-9" {
				t.Errorf("run id = %q", n.RunID)
			}
		})
	}
}

func TestMultiNotifierSendsAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("webhook down")}
	c := &recordingNotifier{}

	m := NewMultiNotifier(a, b, c)
	err := m.Send(Notification{Title: "Run completed"})

	if err == nil {
		t.Error("expected the failing notifier's error")
	}
	for i, r := range []*recordingNotifier{a, b, c} {
		if len(r.sent) != 1 {
			t.Errorf("notifier %d received %d notifications", i, len(r.sent))
		}
	}
}

func TestLinuxArgs(t *testing.T) {
	tests := []struct {
		name     string
		n        Notification
		wantIcon string
		critical bool
	}{
		{"success", Notification{Title: "Run completed", Type: NotifySuccess, RunID: "0123456789ab"}, "dialog-positive", false},
		{"cancelled", Notification{Title: "Run cancelled", Type: NotifyWarning, RunID: "run-9"}, "dialog-warning", false},
		{"failed", Notification{Title: "Run failed", Type: NotifyError, RunID: "run-9"}, "dialog-error", true},
		{"info", Notification{Title: "Heads up", Type: NotifyInfo}, "dialog-information", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := linuxArgs(tt.n)
			if args[0] != "-i" || args[1] != tt.wantIcon {
				t.Errorf("icon args = %v, want -i %s", args[:2], tt.wantIcon)
			}
			critical := false
			for i, a := range args {
				if a == "-u" && i+1 < len(args) && args[i+1] == "critical" {
					critical = true
				}
			}
			if critical != tt.critical {
				t.Errorf("critical urgency = %v, want %v", critical, tt.critical)
			}
		})
	}

	args := linuxArgs(Notification{Title: "Run completed", Type: NotifySuccess, RunID: "0123456789ab"})
	if args[len(args)-2] != "Run completed (01234567)" {
		t.Errorf("title = %q", args[len(args)-2])
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(false, "").(NoopNotifier); !ok {
		t.Error("no channels should yield NoopNotifier")
	}
	if _, ok := FromConfig(true, "https://hooks.example/x").(*MultiNotifier); !ok {
		t.Error("configured channels should yield MultiNotifier")
	}
}
