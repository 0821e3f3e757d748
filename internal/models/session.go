// Package models defines session types shared across modules.
package models

import "time"

// Session is a per-citizen, per-tenant durable pointer into a flow
// graph. Keyed by (TenantID, Address). CurrentNode empty means the
// conversation is awaiting a trigger. Mutated exclusively by the
// execution engine, which serializes access per key.
type Session struct {
	TenantID    string            `json:"tenant_id"`
	Address     string            `json:"address"`
	FlowID      string            `json:"flow_id,omitempty"`
	CurrentNode string            `json:"current_node,omitempty"`
	Captured    map[string]string `json:"captured,omitempty"` // input values keyed by node id
	Seq         int64             `json:"seq"`                // bumped on every save
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AwaitingTrigger reports whether the session has not yet entered a flow.
func (s *Session) AwaitingTrigger() bool {
	return s.CurrentNode == ""
}

// Capture stores an input value under the given node id.
func (s *Session) Capture(nodeID, value string) {
	if s.Captured == nil {
		s.Captured = make(map[string]string)
	}
	s.Captured[nodeID] = value
}
