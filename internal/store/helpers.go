package store

import (
	"encoding/json"
	"fmt"

	"github.com/civicflow/civicflow/internal/models"
)

// flowDefinition is the JSON document persisted in the flows.definition
// column: the graph body without the row-level columns.
type flowDefinition struct {
	Nodes    []models.Node    `json:"nodes"`
	Edges    []models.Edge    `json:"edges"`
	Triggers []models.Trigger `json:"triggers"`
}

func encodeFlowDefinition(g *models.FlowGraph) (string, error) {
	raw, err := json.Marshal(flowDefinition{Nodes: g.Nodes, Edges: g.Edges, Triggers: g.Triggers})
	if err != nil {
		return "", fmt.Errorf("encode flow definition: %w", err)
	}
	return string(raw), nil
}

func decodeFlowDefinition(raw string, g *models.FlowGraph) error {
	var def flowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return fmt.Errorf("decode flow definition: %w", err)
	}
	g.Nodes = def.Nodes
	g.Edges = def.Edges
	g.Triggers = def.Triggers
	return nil
}

func encodeCaptured(in map[string]string) (string, error) {
	if in == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode captured values: %w", err)
	}
	return string(raw), nil
}

func decodeCaptured(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	out := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode captured values: %w", err)
	}
	return out, nil
}

func encodeModules(in []string) (string, error) {
	if in == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode modules: %w", err)
	}
	return string(raw), nil
}

func decodeModules(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode modules: %w", err)
	}
	return out, nil
}
