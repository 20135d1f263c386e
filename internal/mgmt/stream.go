package mgmt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	ferrors "github.com/foremanhq/foreman/internal/errors"
	"github.com/foremanhq/foreman/internal/logrelay"
)

// streamObserver buffers relay events for one SSE connection. Deliver
// never blocks the relay: a full buffer fails the delivery, and the
// relay drops the observer, which ends the stream.
type streamObserver struct {
	events chan logrelay.Event
	once   sync.Once
}

func newStreamObserver() *streamObserver {
	return &streamObserver{events: make(chan logrelay.Event, 64)}
}

func (o *streamObserver) Deliver(ev logrelay.Event) error {
	select {
	case o.events <- ev:
		return nil
	default:
		return fmt.Errorf("stream buffer full: %w", ferrors.ErrUnavailable)
	}
}

// Close ends the stream. Called by the relay when the session closes.
func (o *streamObserver) Close() {
	o.once.Do(func() { close(o.events) })
}

// StreamLogs handles GET /api/v1/sessions/:id/logs/stream as a
// server-sent-events stream. The ring buffer is replayed first, then
// live events follow until the client disconnects or the session
// closes.
func (h *Handlers) StreamLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.sessions.Get(id); !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found", "No such session")
	}

	obs := newStreamObserver()
	h.logs.Subscribe(id, obs)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	logs, logger := h.logs, h.logger
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer logs.Unsubscribe(id, obs)
		for ev := range obs.events {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				logger.Debug().Str("session", id).Msg("log stream client disconnected")
				return
			}
		}
	}))
	return nil
}
