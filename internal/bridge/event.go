package bridge

// Event types emitted by the agent subprocess. The set is closed; unknown
// types are logged and ignored so newer agent runtimes don't crash the bridge.
const (
	EventRunStarted   = "run_started"
	EventRunFinished  = "run_finished"
	EventTurnStarted  = "turn_started"
	EventTurnFinished = "turn_finished"
	EventUIRequest    = "ui_request"
	EventToolStarted  = "tool_started"
	EventToolProgress = "tool_progress"
	EventToolFinished = "tool_finished"
	EventTextDelta    = "text_delta"
	EventError        = "extension_error"
)

// Interactive UI request methods. Anything else (IDE-only methods like
// open_file) is acknowledged as a no-op.
const (
	MethodSelect  = "select"
	MethodConfirm = "confirm"
	MethodInput   = "input"
	MethodNotify  = "notify"
)

// Run outcomes reported in a run_finished event.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeBlocked   = "blocked"
)

// Event is one parsed line from the agent's stdout. Fields are populated
// depending on Type; zero values mean "not present".
type Event struct {
	Type string `json:"type"`

	// ui_request fields
	RequestID    string   `json:"request_id,omitempty"`
	Method       string   `json:"method,omitempty"`
	Header       string   `json:"header,omitempty"`
	Question     string   `json:"question,omitempty"`
	Options      []string `json:"options,omitempty"`
	MultiSelect  bool     `json:"multi_select,omitempty"`
	ConfirmLabel string   `json:"confirm_label,omitempty"`
	CancelLabel  string   `json:"cancel_label,omitempty"`
	Placeholder  string   `json:"placeholder,omitempty"`

	// tool_* fields
	Tool string `json:"tool,omitempty"`

	// text_delta / notify / error text
	Text string `json:"text,omitempty"`

	// run_finished fields
	Outcome string `json:"outcome,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// command is one line written to the agent's stdin.
type command struct {
	Type      string `json:"type"` // "prompt" | "answer" | "abort"
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Response  any    `json:"response,omitempty"`
}
