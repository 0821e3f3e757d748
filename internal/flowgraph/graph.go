// Package flowgraph provides the immutable, validated representation of
// a tenant's conversation flow and its trigger matching.
package flowgraph

import (
	"fmt"
	"strings"

	"github.com/civicflow/civicflow/internal/models"
)

// Graph is a compiled flow: nodes indexed by id, outgoing edges grouped
// by source in declaration order, triggers in declaration order.
// Immutable after Compile; safe for concurrent readers.
type Graph struct {
	ID       string
	TenantID string
	Active   bool

	nodes    map[string]models.Node
	outgoing map[string][]models.Edge
	triggers []models.Trigger
}

// Compile indexes and checks a flow definition. Node payloads are
// validated per type and unknown node types rejected here, at load
// time, never at traversal time. Structural problems the publish-time
// validator should have caught (dangling edges, branching on linear
// nodes) are reported by Validate; Compile tolerates them so
// already-published graphs stay drivable.
func Compile(g *models.FlowGraph) (*Graph, error) {
	compiled := &Graph{
		ID:       g.ID,
		TenantID: g.TenantID,
		Active:   g.Active,
		nodes:    make(map[string]models.Node, len(g.Nodes)),
		outgoing: make(map[string][]models.Edge),
		triggers: g.Triggers,
	}
	for _, n := range g.Nodes {
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("flow %s: %w", g.ID, err)
		}
		if _, dup := compiled.nodes[n.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %q", g.ID, n.ID)
		}
		compiled.nodes[n.ID] = n
	}
	for _, e := range g.Edges {
		compiled.outgoing[e.Source] = append(compiled.outgoing[e.Source], e)
	}
	return compiled, nil
}

// Validate performs the publish-time structural checks: every edge
// endpoint exists, every trigger target exists, and only choice/list
// nodes branch. Intended for the flow authoring surface.
func Validate(g *models.FlowGraph) error {
	compiled, err := Compile(g)
	if err != nil {
		return err
	}
	for _, edges := range compiled.outgoing {
		for _, e := range edges {
			if _, ok := compiled.nodes[e.Source]; !ok {
				return fmt.Errorf("flow %s: edge source %q not in graph: %w", g.ID, e.Source, models.ErrMissingNode)
			}
			if _, ok := compiled.nodes[e.Target]; !ok {
				return fmt.Errorf("flow %s: edge target %q not in graph: %w", g.ID, e.Target, models.ErrMissingNode)
			}
		}
	}
	for id, n := range compiled.nodes {
		if n.Type.WaitsForInput() && n.Type != models.NodeInput {
			continue // choice/list may branch freely
		}
		if len(compiled.outgoing[id]) > 1 {
			return fmt.Errorf("flow %s: node %q (%s) has %d outgoing edges, at most 1 allowed", g.ID, id, n.Type, len(compiled.outgoing[id]))
		}
	}
	for _, tr := range compiled.triggers {
		if _, ok := compiled.nodes[tr.Target]; !ok {
			return fmt.Errorf("flow %s: trigger %q target %q not in graph: %w", g.ID, tr.Keyword, tr.Target, models.ErrMissingNode)
		}
	}
	return nil
}

// Node returns the node for id.
func (g *Graph) Node(id string) (models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Outgoing returns the outgoing edges of a node in declaration order.
func (g *Graph) Outgoing(id string) []models.Edge {
	return g.outgoing[id]
}

// EdgeFor returns the edge out of node id whose source handle matches
// the given option id, falling back to the node's handle-less default
// edge if one exists.
func (g *Graph) EdgeFor(id, optionID string) (models.Edge, bool) {
	var fallback *models.Edge
	for i, e := range g.outgoing[id] {
		if e.SourceHandle == optionID {
			return e, true
		}
		if e.SourceHandle == "" && fallback == nil {
			fallback = &g.outgoing[id][i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return models.Edge{}, false
}

// MatchTrigger matches inbound text against the flow's triggers,
// case-insensitively: one exact pass over all triggers in declaration
// order first, then a contains pass. First match wins.
func (g *Graph) MatchTrigger(text string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return "", false
	}
	for _, tr := range g.triggers {
		if strings.ToLower(tr.Keyword) == needle {
			return tr.Target, true
		}
	}
	for _, tr := range g.triggers {
		if kw := strings.ToLower(tr.Keyword); kw != "" && strings.Contains(needle, kw) {
			return tr.Target, true
		}
	}
	return "", false
}
