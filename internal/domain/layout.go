package domain

import (
	"errors"
	"fmt"
	"strings"
)

// PlanNode is one node of the compiled plan graph a run executes. NextID
// names the sibling that follows this node on success.
type PlanNode struct {
	NodeID     string   `json:"node_id" yaml:"node_id"`
	Name       string   `json:"name" yaml:"name"`
	StepType   string   `json:"step_type" yaml:"step_type"`
	Group      string   `json:"group" yaml:"group"`
	NextID     string   `json:"next_id,omitempty" yaml:"next_id,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryOn    []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// PlanLayout is the static plan graph, keyed by node id.
type PlanLayout struct {
	Nodes map[string]PlanNode `json:"nodes"`
}

func NewPlanLayout(nodes ...PlanNode) PlanLayout {
	out := PlanLayout{Nodes: make(map[string]PlanNode, len(nodes))}
	for _, n := range nodes {
		out.Nodes[n.NodeID] = n
	}
	return out
}

func (l PlanLayout) Lookup(nodeID string) (PlanNode, bool) {
	n, ok := l.Nodes[nodeID]
	return n, ok
}

func (l PlanLayout) Validate() error {
	for id, n := range l.Nodes {
		if strings.TrimSpace(id) == "" || id != n.NodeID {
			return fmt.Errorf("layout node %q: key must equal node_id", id)
		}
		if n.NextID != "" {
			if _, ok := l.Nodes[n.NextID]; !ok {
				return fmt.Errorf("layout node %q: next_id %q not in layout", id, n.NextID)
			}
		}
		if n.MaxRetries < 0 {
			return errors.New("max_retries must be >= 0")
		}
	}
	return nil
}

func (l PlanLayout) Clone() PlanLayout {
	if l.Nodes == nil {
		return PlanLayout{}
	}
	out := PlanLayout{Nodes: make(map[string]PlanNode, len(l.Nodes))}
	for k, v := range l.Nodes {
		v.RetryOn = append([]string(nil), v.RetryOn...)
		out.Nodes[k] = v
	}
	return out
}
