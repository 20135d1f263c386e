package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Sessions is the registry surface the interaction handlers drive.
type Sessions interface {
	Answer(sessionID string, optionIndex int) error
	AnswerText(sessionID, text string) error
	RequestFreeText(sessionID string) error
	Stop(sessionID string) (bool, error)
}

// ThreadIndex resolves prompt-message threads back to sessions.
type ThreadIndex interface {
	SessionForThread(threadTS string) (string, bool)
}

// Handler routes Socket Mode events: button presses become answers or
// stops, thread replies under a prompt become free-text answers.
type Handler struct {
	api      BotAPI
	socket   *socketmode.Client
	sessions Sessions
	threads  ThreadIndex
	logger   zerolog.Logger
}

// NewHandler creates an event handler.
func NewHandler(api BotAPI, sessions Sessions, threads ThreadIndex, logger zerolog.Logger) *Handler {
	return &Handler{
		api:      api,
		sessions: sessions,
		threads:  threads,
		logger:   logger.With().Str("component", "slack.handler").Logger(),
	}
}

// SetThreadIndex wires the thread-to-session index once the notifier exists.
func (h *Handler) SetThreadIndex(threads ThreadIndex) { h.threads = threads }

// HandleEvent routes one Socket Mode event.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeInteractive:
		h.handleInteraction(evt)
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) ack(evt socketmode.Event) {
	// Slack requires an ack within 3 seconds.
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}
}

func (h *Handler) handleEventsAPI(_ context.Context, evt socketmode.Event) {
	h.ack(evt)

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip bot messages and message_changed/deleted subtypes.
	if ev.User == "" || ev.SubType != "" || ev.ThreadTimeStamp == "" {
		return
	}

	sessionID, ok := h.threads.SessionForThread(ev.ThreadTimeStamp)
	if !ok {
		return
	}

	h.logger.Info().
		Str("session", sessionID).
		Str("user", ev.User).
		Msg("thread reply routed as free-text answer")

	if err := h.sessions.AnswerText(sessionID, ev.Text); err != nil {
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("free-text answer rejected")
		h.reply(ev.Channel, ev.ThreadTimeStamp, fmt.Sprintf("Could not deliver that answer: %v", err))
	}
}

func (h *Handler) handleInteraction(evt socketmode.Event) {
	h.ack(evt)

	callback, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		h.logger.Info().
			Str("action", action.ActionID).
			Str("user", callback.User.ID).
			Msg("interaction received")

		switch {
		case strings.HasPrefix(action.ActionID, actionAnswerPrefix):
			h.handleAnswer(callback, action)
		case strings.HasPrefix(action.ActionID, actionFreeTextPrefix):
			h.handleFreeTextRequest(callback, action)
		case strings.HasPrefix(action.ActionID, actionStopPrefix):
			h.handleStop(callback, action)
		}
	}
}

// handleAnswer routes an option button press. Action ID format:
// answer_<sessionID>_<index>; session IDs are UUIDs, so the last
// underscore separates the index.
func (h *Handler) handleAnswer(callback slack.InteractionCallback, action *slack.BlockAction) {
	rest := strings.TrimPrefix(action.ActionID, actionAnswerPrefix)
	sep := strings.LastIndex(rest, "_")
	if sep < 0 {
		h.logger.Warn().Str("action", action.ActionID).Msg("malformed answer action")
		return
	}
	sessionID := rest[:sep]
	index, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		h.logger.Warn().Str("action", action.ActionID).Msg("malformed answer index")
		return
	}

	if err := h.sessions.Answer(sessionID, index); err != nil {
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("answer rejected")
		h.replaceMessage(callback, fmt.Sprintf("Could not deliver that answer: %v", err))
		return
	}
	h.replaceMessage(callback, fmt.Sprintf("Answered with *%s* by <@%s>", action.Text.Text, callback.User.ID))
}

func (h *Handler) handleFreeTextRequest(callback slack.InteractionCallback, action *slack.BlockAction) {
	sessionID := strings.TrimPrefix(action.ActionID, actionFreeTextPrefix)
	if err := h.sessions.RequestFreeText(sessionID); err != nil {
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("free-text request rejected")
		return
	}
	h.reply(callback.Channel.ID, callback.Message.Timestamp, "Reply in this thread with your answer.")
}

func (h *Handler) handleStop(callback slack.InteractionCallback, action *slack.BlockAction) {
	sessionID := strings.TrimPrefix(action.ActionID, actionStopPrefix)
	graceful, err := h.sessions.Stop(sessionID)
	if err != nil {
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("stop rejected")
		h.replaceMessage(callback, fmt.Sprintf("Could not stop the session: %v", err))
		return
	}

	how := "gracefully"
	if !graceful {
		how = "forcefully"
	}
	h.replaceMessage(callback, fmt.Sprintf("Session stopped %s by <@%s>", how, callback.User.ID))
}

// replaceMessage swaps the button message for a plain status line so the
// buttons cannot be pressed twice.
func (h *Handler) replaceMessage(callback slack.InteractionCallback, text string) {
	if h.api == nil {
		return
	}
	_, _, _, err := h.api.UpdateMessage(
		callback.Channel.ID,
		callback.Message.Timestamp,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to update prompt message")
	}
}

func (h *Handler) reply(channelID, threadTS, text string) {
	if h.api == nil {
		return
	}
	_, _, err := h.api.PostMessage(
		channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to post thread reply")
	}
}
