// Package logrelay fans a session's event stream out to live observers
// without coupling observer speed to agent throughput.
package logrelay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a relayed log event.
type EventType string

const (
	TypeToolStart EventType = "tool_start"
	TypeToolEnd   EventType = "tool_end"
	TypeText      EventType = "text"
	TypeQuestion  EventType = "question"
	TypeComplete  EventType = "complete"
	TypeError     EventType = "error"
)

// Event is one immutable entry in a session's log stream.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Tool    string    `json:"tool,omitempty"`
	Content string    `json:"content,omitempty"`
}

// Observer receives live events for one session. A Deliver error drops the
// observer; the relay never retries.
type Observer interface {
	Deliver(ev Event) error
}

// DefaultCapacity is the per-session ring buffer size.
const DefaultCapacity = 256

// DefaultFlushDelay is the quiet period before buffered text is flushed.
const DefaultFlushDelay = 500 * time.Millisecond

// Relay is the live-log fan-out service. Safe for concurrent use.
type Relay struct {
	logger     zerolog.Logger
	capacity   int
	flushDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*stream
}

type stream struct {
	ring []Event
	subs []Observer

	pendingText   []string
	pendingSince  time.Time
	flushTimer    *time.Timer
}

// New creates a Relay with default capacity and flush delay.
func New(logger zerolog.Logger) *Relay {
	return &Relay{
		logger:     logger.With().Str("component", "logrelay").Logger(),
		capacity:   DefaultCapacity,
		flushDelay: DefaultFlushDelay,
		sessions:   make(map[string]*stream),
	}
}

// SetFlushDelay overrides the text coalescing window (tests).
func (r *Relay) SetFlushDelay(d time.Duration) { r.flushDelay = d }

// SetCapacity overrides the ring buffer capacity (tests).
func (r *Relay) SetCapacity(n int) { r.capacity = n }

func (r *Relay) stream(sessionID string) *stream {
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &stream{}
		r.sessions[sessionID] = s
	}
	return s
}

// Publish appends an event to the session's ring buffer and pushes it to
// every subscribed observer. Consecutive text events are coalesced: they
// are buffered and flushed as one merged event after a quiet period, or
// immediately when a non-text event arrives, so non-text events never
// overtake buffered text.
func (r *Relay) Publish(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stream(sessionID)

	if ev.Type == TypeText {
		if len(s.pendingText) == 0 {
			s.pendingSince = ev.Time
		}
		s.pendingText = append(s.pendingText, ev.Content)
		if s.flushTimer == nil {
			s.flushTimer = time.AfterFunc(r.flushDelay, func() {
				r.mu.Lock()
				defer r.mu.Unlock()
				if cur, ok := r.sessions[sessionID]; ok {
					r.flushLocked(sessionID, cur)
				}
			})
		}
		return
	}

	r.flushLocked(sessionID, s)
	r.emitLocked(sessionID, s, ev)
}

// flushLocked merges buffered text into one event and emits it.
func (r *Relay) flushLocked(sessionID string, s *stream) {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.pendingText) == 0 {
		return
	}
	merged := Event{
		Type: TypeText,
		Time: s.pendingSince,
	}
	for _, chunk := range s.pendingText {
		merged.Content += chunk
	}
	s.pendingText = nil
	r.emitLocked(sessionID, s, merged)
}

func (r *Relay) emitLocked(sessionID string, s *stream, ev Event) {
	s.ring = append(s.ring, ev)
	if len(s.ring) > r.capacity {
		s.ring = s.ring[len(s.ring)-r.capacity:]
	}

	// Best-effort fan-out; a failed observer is dropped, never retried.
	kept := s.subs[:0]
	for _, obs := range s.subs {
		if err := obs.Deliver(ev); err != nil {
			r.logger.Debug().Err(err).Str("session", sessionID).Msg("dropping observer")
			continue
		}
		kept = append(kept, obs)
	}
	s.subs = kept
}

// Subscribe adds an observer and immediately replays the ring buffer to it,
// so a late subscriber sees recent history instead of a blank stream.
func (r *Relay) Subscribe(sessionID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stream(sessionID)
	for _, ev := range s.ring {
		if err := obs.Deliver(ev); err != nil {
			return // already gone; don't subscribe
		}
	}
	s.subs = append(s.subs, obs)
}

// Unsubscribe removes an observer.
func (r *Relay) Unsubscribe(sessionID string, obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for i, o := range s.subs {
		if o == obs {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

// Backfill returns a copy of the session's ring buffer.
func (r *Relay) Backfill(sessionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.ring))
	copy(out, s.ring)
	return out
}

// CloseSession flushes any pending coalesced text, disconnects every
// observer, and discards the ring buffer. Called once, when the session
// reaches a terminal state.
func (r *Relay) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	r.flushLocked(sessionID, s)
	for _, obs := range s.subs {
		if closer, ok := obs.(interface{ Close() }); ok {
			closer.Close()
		}
	}
	delete(r.sessions, sessionID)
}
