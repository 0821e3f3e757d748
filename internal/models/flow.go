// Package models defines flow graph types shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// NodeType tags the variant of a flow graph node.
type NodeType string

const (
	// NodeStart marks a flow entry point. Pass-through, no payload.
	NodeStart NodeType = "start"
	// NodeMessage sends static text and auto-advances.
	NodeMessage NodeType = "message"
	// NodeChoice presents interactive buttons and waits for a selection.
	NodeChoice NodeType = "choice"
	// NodeList presents an interactive list and waits for a selection.
	NodeList NodeType = "list"
	// NodeInput prompts for free text and waits for a reply.
	NodeInput NodeType = "input"
	// NodeDelay pauses the conversation and auto-advances.
	NodeDelay NodeType = "delay"
	// NodeEnd terminates the conversation.
	NodeEnd NodeType = "end"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(nt NodeType) bool {
	switch nt {
	case NodeStart, NodeMessage, NodeChoice, NodeList, NodeInput, NodeDelay, NodeEnd:
		return true
	default:
		return false
	}
}

// WaitsForInput reports whether a node of this type pauses the state
// machine until the citizen replies.
func (nt NodeType) WaitsForInput() bool {
	return nt == NodeChoice || nt == NodeList || nt == NodeInput
}

// InputRule names a validation rule applied to input node replies.
type InputRule string

const (
	// RuleNone accepts any non-empty text.
	RuleNone InputRule = ""
	// RuleNumber accepts digits only.
	RuleNumber InputRule = "number"
	// RuleEmail accepts a minimal email shape.
	RuleEmail InputRule = "email"
	// RulePhone accepts digits with an optional leading plus.
	RulePhone InputRule = "phone"
)

// IsValidInputRule checks if the given input rule is supported.
func IsValidInputRule(r InputRule) bool {
	switch r {
	case RuleNone, RuleNumber, RuleEmail, RulePhone:
		return true
	default:
		return false
	}
}

// Validation constants for node payloads.
const (
	// MaxNodeTextLength bounds message/prompt body length.
	MaxNodeTextLength = 4096
	// MaxOptionLabelLength bounds choice/list option labels.
	MaxOptionLabelLength = 100
	// MaxChoiceOptions is the provider limit on interactive buttons.
	MaxChoiceOptions = 3
	// MaxListOptions is the provider limit on interactive list rows.
	MaxListOptions = 10
)

// Validation errors reported at graph load/publish time.
var (
	ErrUnknownNodeType  = errors.New("unknown node type")
	ErrEmptyNodeID      = errors.New("node id cannot be empty")
	ErrEmptyNodeText    = errors.New("node text is required")
	ErrNodeTextTooLong  = errors.New("node text exceeds maximum length")
	ErrMissingOptions   = errors.New("choice/list node requires options")
	ErrTooManyOptions   = errors.New("too many options for node type")
	ErrEmptyOptionID    = errors.New("option id cannot be empty")
	ErrEmptyOptionLabel = errors.New("option label cannot be empty")
	ErrOptionLabelLong  = errors.New("option label exceeds maximum length")
	ErrInvalidDelay     = errors.New("delay node requires a positive duration")
	ErrInvalidInputRule = errors.New("unknown input validation rule")
)

// Option is one selectable branch of a choice or list node. The ID is
// matched against edge source handles when the citizen replies.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Node is one vertex of a flow graph. The payload fields are a tagged
// union keyed by Type; Validate enforces the per-variant schema.
type Node struct {
	ID           string    `json:"id"`
	Type         NodeType  `json:"type"`
	Text         string    `json:"text,omitempty"`          // message/choice/list/input
	Options      []Option  `json:"options,omitempty"`       // choice/list
	ButtonLabel  string    `json:"button_label,omitempty"`  // list open-button text
	Rule         InputRule `json:"rule,omitempty"`          // input
	DelaySeconds int       `json:"delay_seconds,omitempty"` // delay
}

// Validate enforces the payload schema for the node's type. Unknown
// variants are rejected here, at load time, never at traversal time.
func (n Node) Validate() error {
	if n.ID == "" {
		return ErrEmptyNodeID
	}
	if !IsValidNodeType(n.Type) {
		return fmt.Errorf("node %s: %w: %q", n.ID, ErrUnknownNodeType, n.Type)
	}
	switch n.Type {
	case NodeMessage, NodeInput:
		if n.Text == "" {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyNodeText)
		}
		if len(n.Text) > MaxNodeTextLength {
			return fmt.Errorf("node %s: %w", n.ID, ErrNodeTextTooLong)
		}
		if n.Type == NodeInput && !IsValidInputRule(n.Rule) {
			return fmt.Errorf("node %s: %w: %q", n.ID, ErrInvalidInputRule, n.Rule)
		}
	case NodeChoice, NodeList:
		if n.Text == "" {
			return fmt.Errorf("node %s: %w", n.ID, ErrEmptyNodeText)
		}
		if len(n.Options) == 0 {
			return fmt.Errorf("node %s: %w", n.ID, ErrMissingOptions)
		}
		limit := MaxChoiceOptions
		if n.Type == NodeList {
			limit = MaxListOptions
		}
		if len(n.Options) > limit {
			return fmt.Errorf("node %s: %w (limit %d)", n.ID, ErrTooManyOptions, limit)
		}
		for _, opt := range n.Options {
			if opt.ID == "" {
				return fmt.Errorf("node %s: %w", n.ID, ErrEmptyOptionID)
			}
			if opt.Label == "" {
				return fmt.Errorf("node %s: %w", n.ID, ErrEmptyOptionLabel)
			}
			if len(opt.Label) > MaxOptionLabelLength {
				return fmt.Errorf("node %s: %w", n.ID, ErrOptionLabelLong)
			}
		}
	case NodeDelay:
		if n.DelaySeconds <= 0 {
			return fmt.Errorf("node %s: %w", n.ID, ErrInvalidDelay)
		}
	}
	return nil
}

// Edge is a directed connection between two nodes. SourceHandle carries
// the option id for branches out of choice/list nodes; it is empty for
// linear nodes and for a decision node's default branch.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle,omitempty"`
	Target       string `json:"target"`
}

// Trigger starts a new conversation into a specific node when its
// keyword matches the first inbound message. Declaration order is
// significant: first match wins.
type Trigger struct {
	Keyword string `json:"keyword"`
	Target  string `json:"target"`
}

// FlowGraph is a tenant-authored directed graph defining a conversation.
// Inactive flows never match new triggers but sessions already inside
// them remain drivable to completion.
type FlowGraph struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Triggers  []Trigger `json:"triggers"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
