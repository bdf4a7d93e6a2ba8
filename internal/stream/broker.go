// Package stream provides the per-run event broadcast: ordered fan-out to
// any number of subscribers with a bounded replay buffer for late joiners.
package stream

import (
	"errors"
	"sync"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

var (
	// ErrClosed is returned when publishing to a run whose stream has ended.
	ErrClosed = errors.New("stream closed")
	// ErrUnknownRun is returned for run ids with no open stream.
	ErrUnknownRun = errors.New("unknown run stream")
)

const (
	defaultBufferSize = 256
	defaultQueueSize  = 64
)

// Broker owns one topic per run. Slow subscribers are dropped rather than
// ever blocking a publish.
type Broker struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	bufferSize int
	queueSize  int
}

type topic struct {
	mu     sync.Mutex
	buffer []domain.Message
	subs   map[chan domain.Message]struct{}
	closed bool
	max    int
}

// NewBroker creates a broker with the given replay buffer size and
// per-subscriber queue size. Non-positive values take defaults.
func NewBroker(bufferSize, queueSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broker{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
		queueSize:  queueSize,
	}
}

// Open creates the stream for a run. Idempotent.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{
			subs: make(map[chan domain.Message]struct{}),
			max:  b.bufferSize,
		}
	}
}

func (b *Broker) topic(runID string) *topic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[runID]
}

// Publish appends the message to the replay buffer and forwards it to every
// attached subscriber. A subscriber with a full queue is disconnected; the
// publish itself never blocks.
func (b *Broker) Publish(runID string, msg domain.Message) error {
	t := b.topic(runID)
	if t == nil {
		return ErrUnknownRun
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.append(msg)
	t.fanOut(msg)
	return nil
}

// append adds to the replay buffer, evicting the oldest entry beyond the bound.
func (t *topic) append(msg domain.Message) {
	t.buffer = append(t.buffer, msg)
	if len(t.buffer) > t.max {
		t.buffer = t.buffer[len(t.buffer)-t.max:]
	}
}

// fanOut delivers to all subscribers; callers hold t.mu.
func (t *topic) fanOut(msg domain.Message) {
	for ch := range t.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber: drop it, not the publish.
			delete(t.subs, ch)
			close(ch)
		}
	}
}

// Subscribe attaches to a run's stream. The returned channel first replays
// the buffered messages, then carries live messages in publish order. The
// cancel func detaches; it is safe to call more than once. Subscribing to
// an already-closed stream replays the buffer and ends the feed.
func (b *Broker) Subscribe(runID string) (<-chan domain.Message, func(), error) {
	t := b.topic(runID)
	if t == nil {
		return nil, nil, ErrUnknownRun
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan domain.Message, len(t.buffer)+b.queueSize)
	for _, msg := range t.buffer {
		ch <- msg
	}

	if t.closed {
		close(ch)
		return ch, func() {}, nil
	}

	t.subs[ch] = struct{}{}
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Close publishes the terminal message and ends all subscriber feeds. After
// Close, Publish returns ErrClosed; late subscribers still get the replay.
func (b *Broker) Close(runID string, final domain.Message) error {
	t := b.topic(runID)
	if t == nil {
		return ErrUnknownRun
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.append(final)
	t.fanOut(final)
	t.closed = true
	for ch := range t.subs {
		delete(t.subs, ch)
		close(ch)
	}
	return nil
}

// Drop discards a run's stream entirely, including its replay buffer.
func (b *Broker) Drop(runID string) {
	b.mu.Lock()
	t := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()

	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		for ch := range t.subs {
			delete(t.subs, ch)
			close(ch)
		}
	}
}
