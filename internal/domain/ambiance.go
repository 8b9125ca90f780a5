package domain

import (
	"encoding/json"
	"strings"
)

// Level groups for ambiance levels.
const (
	GroupPipeline = "PIPELINE"
	GroupStage    = "STAGE"
	GroupStep     = "STEP"
	GroupStrategy = "STRATEGY"
)

// Scope identifies the tenant boundary of a plan execution.
type Scope struct {
	AccountID string `json:"account_id"`
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// StrategyMetadata describes the iteration a repeated node belongs to.
type StrategyMetadata struct {
	CurrentIteration int `json:"current_iteration"`
	TotalIterations  int `json:"total_iterations"`
}

// Level is one position in the execution stack.
type Level struct {
	SetupID          string            `json:"setup_id"`
	RuntimeID        string            `json:"runtime_id"`
	StepType         string            `json:"step_type"`
	Group            string            `json:"group"`
	StrategyMetadata *StrategyMetadata `json:"strategy_metadata,omitempty"`
}

// Ambiance is the append-only execution context threaded through every node.
// Values are immutable: WithLevel returns a new Ambiance and never touches the
// receiver's backing array.
type Ambiance struct {
	planExecutionID string
	scope           Scope
	levels          []Level
}

func NewAmbiance(planExecutionID string, scope Scope) Ambiance {
	return Ambiance{
		planExecutionID: strings.TrimSpace(planExecutionID),
		scope:           scope,
	}
}

func (a Ambiance) PlanExecutionID() string { return a.planExecutionID }

func (a Ambiance) Scope() Scope { return a.scope }

// WithLevel derives the ambiance of a child node.
func (a Ambiance) WithLevel(level Level) Ambiance {
	levels := make([]Level, len(a.levels), len(a.levels)+1)
	copy(levels, a.levels)
	if level.StrategyMetadata != nil {
		meta := *level.StrategyMetadata
		level.StrategyMetadata = &meta
	}
	levels = append(levels, level)
	return Ambiance{
		planExecutionID: a.planExecutionID,
		scope:           a.scope,
		levels:          levels,
	}
}

// Levels returns a copy of the level stack, outermost first.
func (a Ambiance) Levels() []Level {
	out := make([]Level, len(a.levels))
	copy(out, a.levels)
	return out
}

func (a Ambiance) Depth() int { return len(a.levels) }

func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.levels) == 0 {
		return Level{}, false
	}
	return a.levels[len(a.levels)-1], true
}

// RuntimeID is the runtime id of the innermost level.
func (a Ambiance) RuntimeID() string {
	level, ok := a.CurrentLevel()
	if !ok {
		return ""
	}
	return level.RuntimeID
}

func (a Ambiance) SetupID() string {
	level, ok := a.CurrentLevel()
	if !ok {
		return ""
	}
	return level.SetupID
}

// StageLevel finds the nearest enclosing stage, if any.
func (a Ambiance) StageLevel() (Level, bool) {
	for i := len(a.levels) - 1; i >= 0; i-- {
		if a.levels[i].Group == GroupStage {
			return a.levels[i], true
		}
	}
	return Level{}, false
}

type ambianceJSON struct {
	PlanExecutionID string  `json:"plan_execution_id"`
	Scope           Scope   `json:"scope"`
	Levels          []Level `json:"levels"`
}

func (a Ambiance) MarshalJSON() ([]byte, error) {
	levels := a.levels
	if levels == nil {
		levels = []Level{}
	}
	return json.Marshal(ambianceJSON{
		PlanExecutionID: a.planExecutionID,
		Scope:           a.scope,
		Levels:          levels,
	})
}

func (a *Ambiance) UnmarshalJSON(data []byte) error {
	var raw ambianceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.planExecutionID = raw.PlanExecutionID
	a.scope = raw.Scope
	a.levels = raw.Levels
	return nil
}
