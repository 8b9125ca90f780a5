package dispatch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/policy"
)

const FailureStrategySchema = "orchestrator.failure_strategy.v1"

// Verdict is the aggregate status a parent should take once its children
// settle. Complete is false while any child is still live.
type Verdict struct {
	Complete    bool
	Status      domain.Status
	FailureInfo *domain.FailureInfo
}

type FailurePolicy interface {
	Aggregate(parent domain.NodeExecution, children []domain.NodeExecution) Verdict
}

type RuleAction string

const (
	RuleIgnore RuleAction = "ignore"
	RuleFail   RuleAction = "fail"
)

type StrategyRule struct {
	ID     string                `yaml:"id"`
	Action RuleAction            `yaml:"action"`
	When   policy.ConditionGroup `yaml:"when"`
}

// FailureStrategy decides which broken children a parent may ignore. The
// first matching rule wins; with no match the child counts as failed.
// The zero value ignores nothing.
type FailureStrategy struct {
	Schema string         `yaml:"schema"`
	Rules  []StrategyRule `yaml:"rules"`
}

func ParseFailureStrategy(raw []byte) (FailureStrategy, error) {
	var s FailureStrategy
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return FailureStrategy{}, fmt.Errorf("parse failure strategy: %w", err)
	}
	if err := s.Validate(); err != nil {
		return FailureStrategy{}, err
	}
	return s, nil
}

// LoadFailureStrategy reads path. An empty path yields the zero strategy.
func LoadFailureStrategy(path string) (FailureStrategy, error) {
	if strings.TrimSpace(path) == "" {
		return FailureStrategy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return FailureStrategy{}, fmt.Errorf("read failure strategy: %w", err)
	}
	return ParseFailureStrategy(raw)
}

func (s FailureStrategy) Validate() error {
	if err := policy.CheckSchema(s.Schema, FailureStrategySchema); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, rule := range s.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("rules[%d].id %q is duplicated", i, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		switch rule.Action {
		case RuleIgnore, RuleFail:
		default:
			return fmt.Errorf("rules[%d].action must be ignore or fail", i)
		}
		if err := rule.When.Validate(fmt.Sprintf("rules[%d].when", i)); err != nil {
			return err
		}
	}
	return nil
}

// Ignorable reports whether a broken child may be treated as succeeded.
// ABORTED is never ignorable.
func (s FailureStrategy) Ignorable(child domain.NodeExecution) bool {
	if child.Status == domain.StatusAborted {
		return false
	}
	fields := childFields(child)
	for _, rule := range s.Rules {
		if rule.When.Matches(fields) {
			return rule.Action == RuleIgnore
		}
	}
	return false
}

func (s FailureStrategy) Aggregate(parent domain.NodeExecution, children []domain.NodeExecution) Verdict {
	if len(children) == 0 {
		return Verdict{}
	}
	var broken []domain.NodeExecution
	for _, child := range children {
		if !child.Status.IsTerminal() {
			return Verdict{}
		}
		if child.Status == domain.StatusSucceeded || child.Status == domain.StatusSkipped {
			continue
		}
		if s.Ignorable(child) {
			continue
		}
		broken = append(broken, child)
	}
	if len(broken) == 0 {
		return Verdict{Complete: true, Status: domain.StatusSucceeded}
	}

	dominant := broken[0]
	for _, child := range broken[1:] {
		if failureWeight(child.Status) > failureWeight(dominant.Status) {
			dominant = child
		}
	}
	info := dominant.FailureInfo.Clone()
	if info == nil {
		info = &domain.FailureInfo{}
	}
	if info.Message == "" {
		info.Message = fmt.Sprintf("child %s (%s) ended %s", dominant.Name, dominant.RuntimeID, dominant.Status)
	}
	return Verdict{Complete: true, Status: dominant.Status, FailureInfo: info}
}

func failureWeight(s domain.Status) int {
	switch s {
	case domain.StatusAborted:
		return 4
	case domain.StatusErrored:
		return 3
	case domain.StatusExpired:
		return 2
	case domain.StatusFailed:
		return 1
	default:
		return 0
	}
}

func childFields(child domain.NodeExecution) policy.Fields {
	fields := policy.Fields{
		"node.name":        child.Name,
		"node.node_id":     child.NodeID,
		"node.step_type":   child.StepType,
		"node.group":       child.Group,
		"node.status":      string(child.Status),
		"node.retry_index": child.RetryIndex,
	}
	if child.FailureInfo != nil {
		fields["failure.types"] = child.FailureInfo.FailureTypes
		fields["failure.error_code"] = child.FailureInfo.ErrorCode
		fields["failure.message"] = child.FailureInfo.Message
	}
	return fields
}
