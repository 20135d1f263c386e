// Package session owns the registry of live agent sessions and the state
// machine driven by bridge events. Nothing else mutates session status.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foremanhq/foreman/internal/bridge"
	ferrors "github.com/foremanhq/foreman/internal/errors"
	"github.com/foremanhq/foreman/internal/logrelay"
	"github.com/foremanhq/foreman/internal/metrics"
	"github.com/foremanhq/foreman/internal/prompt"
)

// Notifier is the outward messaging surface. Implementations are
// best-effort: they log failures and never return errors to the caller.
type Notifier interface {
	// SessionNeedsInput announces a pending prompt for a session.
	SessionNeedsInput(sessionID, workItemKey string, p prompt.Prompt)
	// SessionNotice relays an informational agent message (notify method).
	SessionNotice(sessionID, workItemKey, text string)
	// SessionTerminal announces a terminal state. Fires exactly once per session.
	SessionTerminal(sessionID, workItemKey string, status Status, summary string)
}

// NopNotifier discards all notifications. Used when Slack is not configured.
type NopNotifier struct{}

func (NopNotifier) SessionNeedsInput(string, string, prompt.Prompt) {}
func (NopNotifier) SessionNotice(string, string, string)            {}
func (NopNotifier) SessionTerminal(string, string, Status, string)  {}

// Config holds registry configuration.
type Config struct {
	// Commands maps each skill to its agent command line.
	Commands map[Skill]Command

	// GracePeriod is the default terminate grace period.
	GracePeriod time.Duration
}

// ProcessBridge is the subset of bridge operations the registry drives.
type ProcessBridge interface {
	Spawn(spec bridge.Spec, h bridge.Handlers) (*bridge.Handle, error)
	SendPrompt(sessionID, message string) error
	SendAnswer(sessionID, requestID string, response any) error
	Terminate(sessionID string, grace time.Duration) (bool, error)
}

// Registry is the single owner of the session map. All status mutations
// flow through the event-driven handlers here.
type Registry struct {
	cfg      Config
	bridge   ProcessBridge
	relay    *logrelay.Relay
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config, b ProcessBridge, relay *logrelay.Relay, notifier Notifier, logger zerolog.Logger) *Registry {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Registry{
		cfg:      cfg,
		bridge:   b,
		relay:    relay,
		notifier: notifier,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches the metrics collector.
func (r *Registry) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// SetNotifier replaces the notifier. Call before any session is started.
func (r *Registry) SetNotifier(n Notifier) { r.notifier = n }

// Start spawns an agent subprocess for a work item and registers the session.
// instruction is the initial prompt sent once the process is up.
func (r *Registry) Start(workdir string, skill Skill, workItemKey, instruction string) (*Session, error) {
	cmd, ok := r.cfg.Commands[skill]
	if !ok {
		return nil, fmt.Errorf("no command configured for skill %q", skill)
	}

	sessionID := uuid.New().String()
	if workItemKey == "" {
		workItemKey = MaintenanceKey(skill, sessionID)
	}

	s := &Session{
		ID:          sessionID,
		WorkItemKey: workItemKey,
		Skill:       skill,
		Status:      StatusStarting,
		StartedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	_, err := r.bridge.Spawn(bridge.Spec{
		Bin:       cmd.Bin,
		Args:      cmd.Args,
		Workdir:   workdir,
		SessionID: sessionID,
	}, bridge.Handlers{
		OnEvent: func(ev bridge.Event) { r.handleEvent(sessionID, ev) },
		OnExit:  func(code int, err error) { r.handleExit(sessionID, code) },
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return nil, fmt.Errorf("spawning session for %s: %w", workItemKey, err)
	}

	if instruction != "" {
		if err := r.bridge.SendPrompt(sessionID, instruction); err != nil {
			r.logger.Warn().Err(err).Str("session", sessionID).Msg("initial prompt write failed")
		}
	}

	r.logger.Info().
		Str("session", sessionID).
		Str("item", workItemKey).
		Str("skill", string(skill)).
		Msg("session started")
	r.updateGauges()

	return r.snapshot(sessionID), nil
}

// handleEvent is the single write path for session status.
func (r *Registry) handleEvent(sessionID string, ev bridge.Event) {
	r.metrics.RecordEvent(ev.Type)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("session", sessionID).Str("type", ev.Type).Msg("event for unknown session")
		return
	}

	switch ev.Type {
	case bridge.EventRunStarted, bridge.EventTurnStarted:
		if s.Status == StatusStarting {
			s.Status = StatusRunning
		}
		r.mu.Unlock()

	case bridge.EventTurnFinished:
		r.mu.Unlock()

	case bridge.EventToolStarted:
		r.mu.Unlock()
		r.relay.Publish(sessionID, logrelay.Event{Type: logrelay.TypeToolStart, Time: time.Now().UTC(), Tool: ev.Tool})

	case bridge.EventToolFinished:
		r.mu.Unlock()
		r.relay.Publish(sessionID, logrelay.Event{Type: logrelay.TypeToolEnd, Time: time.Now().UTC(), Tool: ev.Tool})

	case bridge.EventToolProgress, bridge.EventTextDelta:
		r.mu.Unlock()
		r.relay.Publish(sessionID, logrelay.Event{Type: logrelay.TypeText, Time: time.Now().UTC(), Content: ev.Text})

	case bridge.EventUIRequest:
		r.handleUIRequestLocked(s, ev) // unlocks

	case bridge.EventRunFinished:
		status := StatusCompleted
		relayType := logrelay.TypeComplete
		switch ev.Outcome {
		case bridge.OutcomeFailed:
			status = StatusFailed
			relayType = logrelay.TypeError
		case bridge.OutcomeBlocked:
			status = StatusBlocked
		}
		r.terminalLocked(s, status, ev.Summary) // unlocks
		r.relay.Publish(sessionID, logrelay.Event{Type: relayType, Time: time.Now().UTC(), Content: ev.Summary})

	case bridge.EventError:
		r.mu.Unlock()
		r.relay.Publish(sessionID, logrelay.Event{Type: logrelay.TypeError, Time: time.Now().UTC(), Content: ev.Text})

	default:
		r.mu.Unlock()
		r.logger.Debug().Str("session", sessionID).Str("type", ev.Type).Msg("unhandled event type")
	}
}

// handleUIRequestLocked processes an interactive UI request. Caller holds
// the lock; this method releases it.
func (r *Registry) handleUIRequestLocked(s *Session, ev bridge.Event) {
	p, err := prompt.Normalize(ev)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn().Err(err).Str("session", s.ID).Msg("bad ui_request")
		return
	}

	switch p.Kind {
	case prompt.KindNotify:
		id, item := s.ID, s.WorkItemKey
		r.mu.Unlock()
		r.notifier.SessionNotice(id, item, p.Question)

	case prompt.KindIgnored:
		r.mu.Unlock()
		r.logger.Debug().Str("session", s.ID).Str("method", ev.Method).Msg("ignoring unsupported ui method")

	default:
		s.Status = StatusWaitingInput
		s.PendingPrompt = &p
		s.AwaitingFreeText = p.Kind == prompt.KindInput
		id, item := s.ID, s.WorkItemKey
		r.mu.Unlock()

		r.relay.Publish(id, logrelay.Event{Type: logrelay.TypeQuestion, Time: time.Now().UTC(), Content: p.Question})
		r.notifier.SessionNeedsInput(id, item, p)
	}
}

// terminalLocked moves a session to a terminal status and emits exactly one
// notification. A session already terminal stays as it is, so a completion
// event racing process exit cannot notify twice.
// Caller holds the lock; this method releases it.
func (r *Registry) terminalLocked(s *Session, status Status, summary string) {
	if s.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Debug().
			Str("session", s.ID).
			Str("status", string(s.Status)).
			Msg("ignoring terminal transition on finished session")
		return
	}
	s.Status = status
	s.PendingPrompt = nil
	s.AwaitingFreeText = false
	id, item := s.ID, s.WorkItemKey
	r.mu.Unlock()

	r.logger.Info().
		Str("session", id).
		Str("item", item).
		Str("status", string(status)).
		Msg("session reached terminal state")
	r.notifier.SessionTerminal(id, item, status, summary)
}

// handleExit destroys the session when the bridge reports process exit. An
// exit while the session was still active is a failure with a synthesized
// reason, never silent.
func (r *Registry) handleExit(sessionID string, code int) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if !s.Status.Terminal() {
		reason := fmt.Sprintf("agent process exited unexpectedly (exit code %d)", code)
		r.terminalLocked(s, StatusFailed, reason) // unlocks
		r.relay.Publish(sessionID, logrelay.Event{Type: logrelay.TypeError, Time: time.Now().UTC(), Content: reason})
	} else {
		r.mu.Unlock()
	}

	r.relay.CloseSession(sessionID)

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.updateGauges()
}

// Answer routes an option answer back to the agent and returns the session
// to running. Racing against a finished session reports not-found.
func (r *Registry) Answer(sessionID string, optionIndex int) error {
	p, err := r.pendingPrompt(sessionID)
	if err != nil {
		return err
	}
	payload, err := prompt.BuildAnswer(p, optionIndex)
	if err != nil {
		return err
	}
	return r.sendAnswer(sessionID, p, payload)
}

// AnswerText routes a free-form text answer back to the agent.
func (r *Registry) AnswerText(sessionID, text string) error {
	p, err := r.pendingPrompt(sessionID)
	if err != nil {
		return err
	}
	payload, err := prompt.BuildTextAnswer(p, text)
	if err != nil {
		return err
	}
	return r.sendAnswer(sessionID, p, payload)
}

func (r *Registry) pendingPrompt(sessionID string) (prompt.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return prompt.Prompt{}, fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	if s.Status != StatusWaitingInput || s.PendingPrompt == nil {
		return prompt.Prompt{}, fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNoPendingInput)
	}
	return *s.PendingPrompt, nil
}

// sendAnswer writes the answer to the agent and only then clears the
// pending state, so a failed write leaves the prompt answerable.
func (r *Registry) sendAnswer(sessionID string, p prompt.Prompt, payload any) error {
	if err := r.bridge.SendAnswer(sessionID, p.RequestID, payload); err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok && s.Status == StatusWaitingInput && s.PendingPrompt != nil && s.PendingPrompt.RequestID == p.RequestID {
		s.Status = StatusRunning
		s.PendingPrompt = nil
		s.AwaitingFreeText = false
	}
	r.mu.Unlock()
	return nil
}

// RequestFreeText marks a waiting session as expecting a typed answer
// instead of an option pick.
func (r *Registry) RequestFreeText(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	if s.Status != StatusWaitingInput {
		return fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNoPendingInput)
	}
	s.AwaitingFreeText = true
	return nil
}

// Prompt sends an additional operator instruction to a running session.
func (r *Registry) Prompt(sessionID, message string) error {
	if _, ok := r.Get(sessionID); !ok {
		return fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	return r.bridge.SendPrompt(sessionID, message)
}

// Stop terminates a session's subprocess. Returns whether the graceful
// path succeeded. A session already gone reports not-found.
func (r *Registry) Stop(sessionID string) (bool, error) {
	if _, ok := r.Get(sessionID); !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, ferrors.ErrNotFound)
	}
	return r.bridge.Terminate(sessionID, r.cfg.GracePeriod)
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	snap := *s
	return &snap, true
}

func (r *Registry) snapshot(sessionID string) *Session {
	s, _ := r.Get(sessionID)
	return s
}

// List returns snapshots of all sessions, newest first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap := *s
		out = append(out, &snap)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartedAt.After(out[i].StartedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// RunningCount returns the number of non-terminal sessions of a skill.
func (r *Registry) RunningCount(skill Skill) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if s.Skill == skill && !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// HasSessionFor reports whether a live session exists for a work item.
func (r *Registry) HasSessionFor(workItemKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.WorkItemKey == workItemKey && !s.Status.Terminal() {
			return true
		}
	}
	return false
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}
	counts := map[Skill]int{SkillImplement: 0, SkillReview: 0, SkillMaintain: 0}
	r.mu.Lock()
	for _, s := range r.sessions {
		counts[s.Skill]++
	}
	r.mu.Unlock()
	for skill, n := range counts {
		r.metrics.SetActive(string(skill), float64(n))
	}
}
