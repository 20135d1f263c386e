// Package mgmt provides the management API for the orchestrator.
package mgmt

// ProblemDetail is the problem+json error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// StartSessionRequest starts a session manually.
type StartSessionRequest struct {
	Skill       string `json:"skill"`
	WorkItemKey string `json:"work_item_key,omitempty"`
	Workdir     string `json:"workdir"`
	Instruction string `json:"instruction,omitempty"`
}

// AnswerRequest answers a pending prompt, either by option index or
// with free text. Exactly one of the two fields is used.
type AnswerRequest struct {
	OptionIndex *int   `json:"option_index,omitempty"`
	Text        string `json:"text,omitempty"`
}

// PromptRequest sends an additional instruction to a running session.
type PromptRequest struct {
	Message string `json:"message"`
}

// StopResponse reports how a session was terminated.
type StopResponse struct {
	Graceful bool `json:"graceful"`
}
