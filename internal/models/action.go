// Package models defines the engine's outbound action variants.
package models

import (
	"fmt"
	"time"
)

// Action is one engine-produced side effect. Variants carry no
// provider-specific encoding; the dispatcher renders them.
type Action interface {
	// Kind returns a stable tag for logging and tests.
	Kind() string
}

// SendText delivers plain text to the citizen.
type SendText struct {
	Body string
}

// Kind implements Action.
func (SendText) Kind() string { return "send_text" }

// SendChoiceButtons delivers an interactive button message.
type SendChoiceButtons struct {
	Body    string
	Options []Option
}

// Kind implements Action.
func (SendChoiceButtons) Kind() string { return "send_choice_buttons" }

// SendList delivers an interactive list message.
type SendList struct {
	Body        string
	ButtonLabel string
	Options     []Option
}

// Kind implements Action.
func (SendList) Kind() string { return "send_list" }

// Wait pauses this citizen's conversation before the engine continues
// along the chain. Honored by the engine itself, never dispatched.
type Wait struct {
	Duration time.Duration
}

// Kind implements Action.
func (w Wait) Kind() string { return fmt.Sprintf("wait_%s", w.Duration) }

// EndConversation terminates the session. Triggers no network call.
type EndConversation struct{}

// Kind implements Action.
func (EndConversation) Kind() string { return "end_conversation" }
