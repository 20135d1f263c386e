package mgmt

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	ferrors "github.com/foremanhq/foreman/internal/errors"
	"github.com/foremanhq/foreman/internal/logrelay"
	"github.com/foremanhq/foreman/internal/session"
)

// SessionService is the registry surface exposed over the API.
type SessionService interface {
	Start(workdir string, skill session.Skill, workItemKey, instruction string) (*session.Session, error)
	Get(sessionID string) (*session.Session, bool)
	List() []*session.Session
	Answer(sessionID string, optionIndex int) error
	AnswerText(sessionID, text string) error
	RequestFreeText(sessionID string) error
	Prompt(sessionID, message string) error
	Stop(sessionID string) (bool, error)
}

// LogService exposes the relay's backfill and live-stream surface.
type LogService interface {
	Backfill(sessionID string) []logrelay.Event
	Subscribe(sessionID string, obs logrelay.Observer)
	Unsubscribe(sessionID string, obs logrelay.Observer)
}

// SchedulerService exposes poll triggers and toggles.
type SchedulerService interface {
	Poll(ctx context.Context, projectKey string) error
	SetEnabled(projectKey string, enabled bool) error
	Projects() []string
}

// Handlers holds the route handlers.
type Handlers struct {
	sessions  SessionService
	logs      LogService
	scheduler SchedulerService
	logger    zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(sessions SessionService, logs LogService, scheduler SchedulerService, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions:  sessions,
		logs:      logs,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "mgmt").Logger(),
	}
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.sessions.List())
}

// StartSession handles POST /api/v1/sessions.
func (h *Handlers) StartSession(c *fiber.Ctx) error {
	var req StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Request body must be valid JSON")
	}

	skill, err := session.ParseSkill(req.Skill)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_skill", "Bad Request", err.Error())
	}
	if req.Workdir == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_workdir", "Bad Request", "workdir is required")
	}

	s, err := h.sessions.Start(req.Workdir, skill, req.WorkItemKey, req.Instruction)
	if err != nil {
		return problemResponse(c, fiber.StatusConflict,
			"start_failed", "Conflict", err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(s)
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	s, ok := h.sessions.Get(c.Params("id"))
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found", "No such session")
	}
	return c.JSON(s)
}

// Answer handles POST /api/v1/sessions/:id/answer.
func (h *Handlers) Answer(c *fiber.Ctx) error {
	var req AnswerRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Request body must be valid JSON")
	}

	id := c.Params("id")
	var err error
	switch {
	case req.OptionIndex != nil:
		err = h.sessions.Answer(id, *req.OptionIndex)
	case req.Text != "":
		err = h.sessions.AnswerText(id, req.Text)
	default:
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_answer", "Bad Request", "Either option_index or text is required")
	}

	if err != nil {
		return h.sessionError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Prompt handles POST /api/v1/sessions/:id/prompt.
func (h *Handlers) Prompt(c *fiber.Ctx) error {
	var req PromptRequest
	if err := c.BodyParser(&req); err != nil || req.Message == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "message is required")
	}
	if err := h.sessions.Prompt(c.Params("id"), req.Message); err != nil {
		return h.sessionError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// StopSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) StopSession(c *fiber.Ctx) error {
	graceful, err := h.sessions.Stop(c.Params("id"))
	if err != nil {
		return h.sessionError(c, err)
	}
	return c.JSON(StopResponse{Graceful: graceful})
}

// SessionLogs handles GET /api/v1/sessions/:id/logs.
func (h *Handlers) SessionLogs(c *fiber.Ctx) error {
	if _, ok := h.sessions.Get(c.Params("id")); !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found", "No such session")
	}
	events := h.logs.Backfill(c.Params("id"))
	if events == nil {
		events = []logrelay.Event{}
	}
	return c.JSON(events)
}

// TriggerPoll handles POST /api/v1/scheduler/:owner/:repo/poll.
func (h *Handlers) TriggerPoll(c *fiber.Ctx) error {
	key := c.Params("owner") + "/" + c.Params("repo")
	if err := h.scheduler.Poll(c.Context(), key); err != nil {
		if errors.Is(err, ferrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"project_not_found", "Not Found", "Project is not tracked")
		}
		return problemResponse(c, fiber.StatusBadGateway,
			"poll_failed", "Bad Gateway", err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetProjectEnabled handles POST /api/v1/scheduler/:owner/:repo/enable
// and .../disable.
func (h *Handlers) SetProjectEnabled(enabled bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("owner") + "/" + c.Params("repo")
		if err := h.scheduler.SetEnabled(key, enabled); err != nil {
			return problemResponse(c, fiber.StatusNotFound,
				"project_not_found", "Not Found", "Project is not tracked")
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// ListProjects handles GET /api/v1/scheduler/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"projects": h.scheduler.Projects()})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ready"})
}

func (h *Handlers) sessionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ferrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found", "No such session")
	case errors.Is(err, ferrors.ErrNoPendingInput):
		return problemResponse(c, fiber.StatusConflict,
			"no_pending_input", "Conflict", "Session is not waiting for input")
	case errors.Is(err, ferrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", err.Error())
	}
}
