// Package models defines the core data structures for CivicFlow.
//
// It includes tenants, channel bindings, inbound events, and outbound
// delivery receipts, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	// ErrTenantNotFound indicates no active channel binding matched the
	// inbound phone number id. Terminal for the event: log and drop.
	ErrTenantNotFound = errors.New("tenant not found for channel identifier")
	// ErrFlowNotFound indicates the tenant has no active flow.
	ErrFlowNotFound = errors.New("no active flow for tenant")
	// ErrNoTriggerMatch indicates the inbound text matched no trigger.
	// Expected for non-flow traffic, not a failure.
	ErrNoTriggerMatch = errors.New("no trigger matched")
	// ErrMissingNode indicates an edge points at a node that does not
	// exist in the graph. A publish-time validation gap; fail loudly.
	ErrMissingNode = errors.New("edge target node missing from graph")
	// ErrSessionStoreUnavailable indicates the session store could not be
	// reached. The event is dropped; the citizen must re-send.
	ErrSessionStoreUnavailable = errors.New("session store unavailable")
	// ErrEmptyAddress indicates a citizen channel address was empty.
	ErrEmptyAddress = errors.New("citizen address cannot be empty")
)

// Tenant is a company/organization using the platform. Owned by the
// external admin surface; the engine treats it as read-only.
type Tenant struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Modules []string  `json:"modules,omitempty"` // enabled capability flags
	Active  bool      `json:"active"`
	Created time.Time `json:"created_at,omitempty"`
}

// ChannelBinding maps a provider phone number id to exactly one tenant,
// carrying the credentials needed to send on that channel. At most one
// active binding may exist per phone number id; the store enforces this
// at write time with a partial unique index.
type ChannelBinding struct {
	PhoneNumberID     string    `json:"phone_number_id"`
	TenantID          string    `json:"tenant_id"`
	AccessToken       string    `json:"access_token"`
	VerifyToken       string    `json:"verify_token"`
	BusinessAccountID string    `json:"business_account_id,omitempty"`
	DisplayNumber     string    `json:"display_number,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

// EventKind classifies a normalized inbound webhook message.
type EventKind string

const (
	// EventText is a plain text message.
	EventText EventKind = "text"
	// EventChoiceReply is an interactive button selection.
	EventChoiceReply EventKind = "choice-reply"
	// EventListReply is an interactive list selection.
	EventListReply EventKind = "list-reply"
	// EventMedia is an image/document/audio/video message. The caption,
	// if any, is carried in Text and the provider media id in MediaID.
	EventMedia EventKind = "media"
)

// InboundEvent is the normalized form of one provider webhook message.
type InboundEvent struct {
	MessageID     string    `json:"message_id"`      // provider id, used for dedup
	From          string    `json:"from"`            // citizen channel address
	PhoneNumberID string    `json:"phone_number_id"` // receiving channel identifier
	Kind          EventKind `json:"kind"`
	Text          string    `json:"text,omitempty"`
	SelectionID   string    `json:"selection_id,omitempty"` // chosen option id for replies
	MediaID       string    `json:"media_id,omitempty"`
	Timestamp     int64     `json:"timestamp"`
}

// DeliveryReceipt records the outcome of one provider send call.
type DeliveryReceipt struct {
	ID        string    `json:"id"`                   // locally assigned
	MessageID string    `json:"message_id,omitempty"` // provider-assigned, when returned
	To        string    `json:"to"`
	SentAt    time.Time `json:"sent_at"`
}
