package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is a named result value produced by a terminal node.
type Outcome struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// GraphVertex is the visualization projection of one NodeExecution.
type GraphVertex struct {
	ID          string       `json:"id"`
	NodeID      string       `json:"node_id"`
	Name        string       `json:"name"`
	StepType    string       `json:"step_type"`
	Group       string       `json:"group,omitempty"`
	Status      Status       `json:"status"`
	StartTs     *time.Time   `json:"start_ts,omitempty"`
	EndTs       *time.Time   `json:"end_ts,omitempty"`
	Outcomes    []Outcome    `json:"outcomes,omitempty"`
	FailureInfo *FailureInfo `json:"failure_info,omitempty"`
	RetryIndex  int          `json:"retry_index"`
	OldRetry    bool         `json:"old_retry,omitempty"`
	NodeVersion int64        `json:"node_version"`
}

// EdgeList is the adjacency entry of a vertex. ParentID and PrevID mirror the
// node's declared links and may name a vertex that has not arrived yet; Edges
// (children) and NextIDs only ever name vertices present in the graph.
type EdgeList struct {
	ParentID string   `json:"parent_id,omitempty"`
	PrevID   string   `json:"prev_id,omitempty"`
	Edges    []string `json:"edges,omitempty"`
	NextIDs  []string `json:"next_ids,omitempty"`
}

// OrchestrationGraph is the cached adjacency view of one plan execution.
type OrchestrationGraph struct {
	PlanExecutionID   string                 `json:"plan_execution_id"`
	RootNodeIDs       []string               `json:"root_node_ids"`
	Status            Status                 `json:"status"`
	StartTs           time.Time              `json:"start_ts"`
	EndTs             *time.Time             `json:"end_ts,omitempty"`
	Vertices          map[string]GraphVertex `json:"vertices"`
	Adjacency         map[string]EdgeList    `json:"adjacency"`
	ArchivedAt        *time.Time             `json:"archived_at,omitempty"`
	CacheContextOrder int64                  `json:"cache_context_order"`
}

func NewOrchestrationGraph(planExecutionID string, now time.Time) OrchestrationGraph {
	return OrchestrationGraph{
		PlanExecutionID: planExecutionID,
		RootNodeIDs:     []string{},
		Status:          StatusRunning,
		StartTs:         now,
		Vertices:        map[string]GraphVertex{},
		Adjacency:       map[string]EdgeList{},
	}
}

// Clone returns a deep copy safe to mutate.
func (g OrchestrationGraph) Clone() OrchestrationGraph {
	out := g
	out.RootNodeIDs = append([]string{}, g.RootNodeIDs...)
	out.EndTs = cloneTime(g.EndTs)
	out.ArchivedAt = cloneTime(g.ArchivedAt)
	out.Vertices = make(map[string]GraphVertex, len(g.Vertices))
	for id, v := range g.Vertices {
		v.StartTs = cloneTime(v.StartTs)
		v.EndTs = cloneTime(v.EndTs)
		v.FailureInfo = v.FailureInfo.Clone()
		v.Outcomes = append([]Outcome(nil), v.Outcomes...)
		out.Vertices[id] = v
	}
	out.Adjacency = make(map[string]EdgeList, len(g.Adjacency))
	for id, e := range g.Adjacency {
		e.Edges = append([]string(nil), e.Edges...)
		e.NextIDs = append([]string(nil), e.NextIDs...)
		out.Adjacency[id] = e
	}
	return out
}

// CheckConsistency reports the first forward reference that names a missing
// vertex.
func (g OrchestrationGraph) CheckConsistency() error {
	for _, id := range g.RootNodeIDs {
		if _, ok := g.Vertices[id]; !ok {
			return fmt.Errorf("root %s has no vertex", id)
		}
	}
	for id, edges := range g.Adjacency {
		if _, ok := g.Vertices[id]; !ok {
			return fmt.Errorf("adjacency key %s has no vertex", id)
		}
		for _, child := range edges.Edges {
			if _, ok := g.Vertices[child]; !ok {
				return fmt.Errorf("edge %s -> %s has no vertex", id, child)
			}
		}
		for _, next := range edges.NextIDs {
			if _, ok := g.Vertices[next]; !ok {
				return fmt.Errorf("next %s -> %s has no vertex", id, next)
			}
		}
	}
	return nil
}
