// Package bridge owns one agent subprocess per session and translates
// between the orchestrator's command/event vocabulary and the subprocess's
// line-delimited JSON stdio protocol.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	ferrors "github.com/foremanhq/foreman/internal/errors"
)

// Spec describes the subprocess to launch for one session.
type Spec struct {
	Bin       string
	Args      []string
	Workdir   string
	SessionID string
}

// Handlers receives events and the exit notification for one session.
// OnEvent is called once per parsed stdout line, in emission order.
// OnExit fires exactly once, after all events have been dispatched, even
// when the process dies without a clean run_finished event.
type Handlers struct {
	OnEvent func(ev Event)
	OnExit  func(exitCode int, err error)
}

// Handle is the bridge's view of one live subprocess.
type Handle struct {
	SessionID string

	cmd     *exec.Cmd
	out     io.Writer // subprocess stdin
	writeMu sync.Mutex
	exited  chan struct{}
	kill    func() error
	logger  zerolog.Logger
}

// writeLine marshals one command and writes it as a single line.
func (h *Handle) writeLine(c command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// Bridge manages the set of live subprocess handles.
type Bridge struct {
	logger zerolog.Logger
	clock  Clock

	mu      sync.Mutex
	handles map[string]*Handle

	// onDrop is invoked for every malformed protocol line (metrics hook).
	onDrop func()
}

// New creates a Bridge.
func New(logger zerolog.Logger) *Bridge {
	return &Bridge{
		logger:  logger.With().Str("component", "bridge").Logger(),
		clock:   RealClock(),
		handles: make(map[string]*Handle),
	}
}

// SetClock overrides the clock (tests).
func (b *Bridge) SetClock(c Clock) { b.clock = c }

// SetDropHook registers a callback fired on every dropped protocol line.
func (b *Bridge) SetDropHook(fn func()) { b.onDrop = fn }

// Spawn launches the agent subprocess for a session and begins reading its
// stdout. Fails if a handle already exists for the session ID. The lock is
// held from the duplicate check through the handle insert, so two Spawn
// calls racing on one session ID cannot both launch a process.
func (b *Bridge) Spawn(spec Spec, h Handlers) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handles[spec.SessionID]; exists {
		return nil, fmt.Errorf("session %s: %w", spec.SessionID, ferrors.ErrSessionExists)
	}

	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}

	logger := b.logger.With().Str("session", spec.SessionID).Logger()
	handle := &Handle{
		SessionID: spec.SessionID,
		cmd:       cmd,
		out:       stdin,
		exited:    make(chan struct{}),
		kill:      func() error { return cmd.Process.Kill() },
		logger:    logger,
	}

	b.handles[spec.SessionID] = handle

	logger.Info().
		Str("bin", spec.Bin).
		Str("workdir", spec.Workdir).
		Int("pid", cmd.Process.Pid).
		Msg("agent subprocess started")

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		dispatched, dropped := b.readEvents(stdout, logger, h.OnEvent)
		logger.Debug().
			Int("dispatched", dispatched).
			Int("dropped", dropped).
			Msg("stdout closed")
	}()

	go func() {
		defer readers.Done()
		// stderr is diagnostics only
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()

	go func() {
		// Drain both pipes before Wait so every event reaches the caller
		// before the exit handler fires.
		readers.Wait()
		waitErr := cmd.Wait()
		close(handle.exited)
		b.remove(spec.SessionID)

		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		logger.Info().Int("exit_code", code).Msg("agent subprocess exited")
		if h.OnExit != nil {
			h.OnExit(code, waitErr)
		}
	}()

	return handle, nil
}

// readEvents reads one JSON event per line and dispatches each to onEvent.
// A malformed line is logged and dropped; the loop keeps reading.
func (b *Bridge) readEvents(r io.Reader, logger zerolog.Logger, onEvent func(Event)) (dispatched, dropped int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			dropped++
			logger.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("dropping malformed protocol line")
			if b.onDrop != nil {
				b.onDrop()
			}
			continue
		}
		dispatched++
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("stdout read error")
	}
	return dispatched, dropped
}

// Get returns the live handle for a session, if any.
func (b *Bridge) Get(sessionID string) (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[sessionID]
	return h, ok
}

// Live returns the number of live handles.
func (b *Bridge) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

func (b *Bridge) remove(sessionID string) {
	b.mu.Lock()
	delete(b.handles, sessionID)
	b.mu.Unlock()
}

// SendPrompt asks the agent to act on a message. Fire-and-forget.
func (b *Bridge) SendPrompt(sessionID, message string) error {
	h, ok := b.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	return h.writeLine(command{Type: "prompt", Message: message})
}

// SendAnswer routes an operator answer back to the agent, tagged with the
// correlation ID from the originating ui_request. The response shape is
// built by the prompt router, not here.
func (b *Bridge) SendAnswer(sessionID, requestID string, response any) error {
	h, ok := b.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	return h.writeLine(command{Type: "answer", RequestID: requestID, Response: response})
}

// termPhase tracks the two-phase terminate state machine.
type termPhase int

const (
	termRequested termPhase = iota
	termWaitingGraceful
	termForceKilling
	termGone
)

// Terminate asks the agent to abort, waits up to grace for a clean exit,
// then kills the process. The handle is gone afterward on every path; the
// returned bool reports only whether the graceful path succeeded.
func (b *Bridge) Terminate(sessionID string, grace time.Duration) (bool, error) {
	h, ok := b.Get(sessionID)
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}

	graceful := false
	phase := termRequested
	for phase != termGone {
		switch phase {
		case termRequested:
			if err := h.writeLine(command{Type: "abort"}); err != nil {
				h.logger.Warn().Err(err).Msg("abort command write failed")
			}
			phase = termWaitingGraceful

		case termWaitingGraceful:
			select {
			case <-h.exited:
				graceful = true
				phase = termGone
			case <-b.clock.After(grace):
				phase = termForceKilling
			}

		case termForceKilling:
			if err := h.kill(); err != nil {
				h.logger.Warn().Err(err).Msg("force kill failed")
			}
			b.remove(sessionID)
			phase = termGone
		}
	}

	h.logger.Info().Bool("graceful", graceful).Msg("session terminated")
	return graceful, nil
}

// TerminateAll terminates every live session. Used during shutdown.
func (b *Bridge) TerminateAll(grace time.Duration) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.handles))
	for id := range b.handles {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = b.Terminate(id, grace)
		}(id)
	}
	wg.Wait()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
