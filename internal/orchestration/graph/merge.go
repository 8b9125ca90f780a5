package graph

import (
	"slices"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Merge folds node into g. A vertex only moves forward in node version;
// equal versions refresh outcomes. Links to parents and previous siblings
// are added as soon as both ends exist, so out-of-order events converge.
// Merge reports whether g changed.
func Merge(g *domain.OrchestrationGraph, node domain.NodeExecution, outcomes []domain.Outcome) bool {
	if g.Vertices == nil {
		g.Vertices = map[string]domain.GraphVertex{}
	}
	if g.Adjacency == nil {
		g.Adjacency = map[string]domain.EdgeList{}
	}

	existing, seen := g.Vertices[node.RuntimeID]
	switch {
	case seen && existing.NodeVersion > node.Version:
		return false
	case seen && existing.NodeVersion == node.Version && (len(outcomes) == 0 || len(existing.Outcomes) > 0):
		return false
	}

	v := vertexFrom(node, outcomes)
	if len(v.Outcomes) == 0 && seen {
		v.Outcomes = existing.Outcomes
	}
	g.Vertices[node.RuntimeID] = v

	edges := g.Adjacency[node.RuntimeID]
	edges.ParentID = node.ParentID
	edges.PrevID = node.PreviousID
	g.Adjacency[node.RuntimeID] = edges
	if node.ParentID == "" && !slices.Contains(g.RootNodeIDs, node.RuntimeID) {
		g.RootNodeIDs = append(g.RootNodeIDs, node.RuntimeID)
	}
	reconcile(g)
	return true
}

func vertexFrom(node domain.NodeExecution, outcomes []domain.Outcome) domain.GraphVertex {
	n := node.Clone()
	return domain.GraphVertex{
		ID:          n.RuntimeID,
		NodeID:      n.NodeID,
		Name:        n.Name,
		StepType:    n.StepType,
		Group:       n.Group,
		Status:      n.Status,
		StartTs:     n.StartTs,
		EndTs:       n.EndTs,
		Outcomes:    append([]domain.Outcome(nil), outcomes...),
		FailureInfo: n.FailureInfo,
		RetryIndex:  n.RetryIndex,
		OldRetry:    n.OldRetry,
		NodeVersion: n.Version,
	}
}

func reconcile(g *domain.OrchestrationGraph) {
	for id, edges := range g.Adjacency {
		if edges.ParentID != "" {
			if _, ok := g.Vertices[edges.ParentID]; ok {
				link(g, edges.ParentID, func(e *domain.EdgeList) *[]string { return &e.Edges }, id)
			}
		}
		if edges.PrevID != "" {
			if _, ok := g.Vertices[edges.PrevID]; ok {
				link(g, edges.PrevID, func(e *domain.EdgeList) *[]string { return &e.NextIDs }, id)
			}
		}
	}
}

func link(g *domain.OrchestrationGraph, from string, field func(*domain.EdgeList) *[]string, to string) {
	edges := g.Adjacency[from]
	list := field(&edges)
	if slices.Contains(*list, to) {
		return
	}
	*list = append(*list, to)
	g.Adjacency[from] = edges
}
