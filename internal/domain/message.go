package domain

import "time"

// Message is one entry in a run's event stream. Sequence numbers are
// assigned by the engine, gapless and strictly increasing per run.
// Messages are immutable once created.
type Message struct {
	RunID     string      `json:"run_id"`
	Seq       int         `json:"seq"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}
