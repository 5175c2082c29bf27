// Package streaming provides the in-memory pub/sub bus that carries queue
// and run progress events to external monitors (websocket clients, logs).
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the queue fabric and the controller.
const (
	TypeJobEnqueued    = "job_enqueued"
	TypeJobStarted     = "job_started"
	TypeJobProgress    = "job_progress"
	TypeJobCompleted   = "job_completed"
	TypeJobFailed      = "job_failed"
	TypePhaseChanged   = "phase_changed"
	TypeRunCompleted   = "run_completed"
	TypeRunFailed      = "run_failed"
	TypeEvidenceAdded  = "evidence_added"
	TypeReflectionDone = "reflection_done"
)

// Event is one progress/log event scoped to a research run.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Queue     string    `json:"queue,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in websocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus provides per-run pub/sub with a bounded replay ring. Construct one at
// process start and inject it; publishing never blocks — slow subscribers
// drop events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewBus creates a bus whose per-run replay ring holds capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a run; the caller must drain it
// and call Unsubscribe.
func (b *Bus) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (b *Bus) Unsubscribe(runID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[runID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay ring,
// and delivers it to all subscribers of the run without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	rg := b.history[evt.RunID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[evt.RunID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	// Delivery stays under the lock: sends never block (slow subscribers
	// drop) and Unsubscribe closes channels under the same lock, so a send
	// can never race a close.
	for ch := range b.subscribers[evt.RunID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// ReplaySince returns events with Seq > since, best effort within the ring.
func (b *Bus) ReplaySince(runID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[runID]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a run once it is archived.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	delete(b.history, runID)
	b.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(0) means "from the beginning".
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
