// Package prompt normalizes the agent's interactive UI requests into a
// single prompt model shared by the notification layer and the answer path.
package prompt

import (
	"fmt"

	"github.com/foremanhq/foreman/internal/bridge"
	ferrors "github.com/foremanhq/foreman/internal/errors"
)

// Kind classifies a ui_request after normalization.
type Kind int

const (
	// KindSelect asks the operator to pick one (or more) of the options.
	KindSelect Kind = iota
	// KindConfirm is a yes/no question rendered as two options.
	KindConfirm
	// KindInput asks for free-form text; no fixed options.
	KindInput
	// KindNotify carries information only; no answer expected.
	KindNotify
	// KindIgnored is an IDE-only method acknowledged as a no-op.
	KindIgnored
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindConfirm:
		return "confirm"
	case KindInput:
		return "input"
	case KindNotify:
		return "notify"
	default:
		return "ignored"
	}
}

// Prompt is the normalized prompt model. Every interactive method maps onto
// this one shape so the outward surface and the answer path cannot drift.
type Prompt struct {
	RequestID   string
	Kind        Kind
	Header      string
	Question    string
	Options     []string
	MultiSelect bool
}

// Answer payload shapes written back to the agent. Which one applies is
// determined by the prompt's Kind, never by the caller.
type (
	SelectAnswer  struct{ Value string `json:"value"` }
	ConfirmAnswer struct{ Confirmed bool `json:"confirmed"` }
	InputAnswer   struct{ Value string `json:"value"` }
)

// Normalize converts a ui_request event into the prompt model.
//
// confirm prompts put the confirm label at index 0 and the cancel label at
// index 1. BuildAnswer depends on that ordering to reconstruct the
// confirmed boolean, so the two must change together.
func Normalize(ev bridge.Event) (Prompt, error) {
	p := Prompt{
		RequestID: ev.RequestID,
		Header:    ev.Header,
		Question:  ev.Question,
	}

	switch ev.Method {
	case bridge.MethodSelect:
		p.Kind = KindSelect
		p.Options = ev.Options
		p.MultiSelect = ev.MultiSelect
		if p.Question == "" {
			p.Question = ev.Placeholder
		}

	case bridge.MethodConfirm:
		p.Kind = KindConfirm
		confirm := ev.ConfirmLabel
		if confirm == "" {
			confirm = "Yes"
		}
		cancel := ev.CancelLabel
		if cancel == "" {
			cancel = "No"
		}
		p.Options = []string{confirm, cancel}

	case bridge.MethodInput:
		p.Kind = KindInput
		if p.Question == "" {
			p.Question = ev.Placeholder
		}

	case bridge.MethodNotify:
		p.Kind = KindNotify
		if p.Question == "" {
			p.Question = ev.Text
		}

	default:
		p.Kind = KindIgnored
	}

	return p, nil
}

// BuildAnswer reverses the Normalize transform for an option-based answer.
// Passing an index to an input or notify prompt is a caller bug.
func BuildAnswer(p Prompt, optionIndex int) (any, error) {
	switch p.Kind {
	case KindSelect:
		if optionIndex < 0 || optionIndex >= len(p.Options) {
			return nil, fmt.Errorf("option index %d out of range [0,%d): %w",
				optionIndex, len(p.Options), ferrors.ErrInvalidInput)
		}
		return SelectAnswer{Value: p.Options[optionIndex]}, nil

	case KindConfirm:
		if optionIndex != 0 && optionIndex != 1 {
			return nil, fmt.Errorf("confirm index %d must be 0 or 1: %w",
				optionIndex, ferrors.ErrInvalidInput)
		}
		return ConfirmAnswer{Confirmed: optionIndex == 0}, nil

	default:
		return nil, fmt.Errorf("prompt kind %s does not take an option answer: %w",
			p.Kind, ferrors.ErrInvalidInput)
	}
}

// BuildTextAnswer wraps free-form operator text. Input prompts always take
// text; select prompts accept it when the operator types an answer instead
// of picking an option.
func BuildTextAnswer(p Prompt, text string) (any, error) {
	switch p.Kind {
	case KindInput:
		return InputAnswer{Value: text}, nil
	case KindSelect:
		return SelectAnswer{Value: text}, nil
	default:
		return nil, fmt.Errorf("prompt kind %s does not take free text: %w",
			p.Kind, ferrors.ErrInvalidInput)
	}
}
