package session

import (
	"fmt"
	"time"

	"github.com/foremanhq/foreman/internal/prompt"
)

// Skill identifies the behavior script an agent is launched with.
// The set is closed at compile time.
type Skill string

const (
	SkillImplement Skill = "implement"
	SkillReview    Skill = "review"
	SkillMaintain  Skill = "maintain"
)

// ParseSkill validates a skill name from an external surface.
func ParseSkill(s string) (Skill, error) {
	switch Skill(s) {
	case SkillImplement, SkillReview, SkillMaintain:
		return Skill(s), nil
	}
	return "", fmt.Errorf("unknown skill %q", s)
}

// Status is the session state machine state.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusBlocked      Status = "blocked"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Session is one running or recently-finished agent worker.
type Session struct {
	ID          string    `json:"id"`
	WorkItemKey string    `json:"work_item_key"`
	Skill       Skill     `json:"skill"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`

	// PendingPrompt is present only while Status is waiting_input.
	PendingPrompt *prompt.Prompt `json:"pending_prompt,omitempty"`

	// AwaitingFreeText is set when the operator chose to answer with
	// arbitrary text instead of picking from the offered options.
	AwaitingFreeText bool `json:"awaiting_free_text,omitempty"`
}

// ItemKey builds the logical work-item key for a backlog item.
func ItemKey(projectKey string, number int) string {
	return fmt.Sprintf("%s#%d", projectKey, number)
}

// MaintenanceKey builds a synthetic work-item key for skills with no
// backlog item.
func MaintenanceKey(skill Skill, sessionID string) string {
	return fmt.Sprintf("maintenance:%s:%s", skill, sessionID)
}

// Command is the agent command line for one skill.
type Command struct {
	Bin  string
	Args []string
}
