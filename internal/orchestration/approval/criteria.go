package approval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/platform/policy"
)

const CriteriaSchema = "orchestrator.approval_criteria.v1"

// Criteria decides a CRITERIA approval from ticket fields. Reject is
// checked before Approve.
type Criteria struct {
	Schema  string                `yaml:"schema"`
	Approve policy.ConditionGroup `yaml:"approve"`
	Reject  policy.ConditionGroup `yaml:"reject,omitempty"`
}

func ParseCriteria(raw []byte) (Criteria, error) {
	var c Criteria
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Criteria{}, fmt.Errorf("parse approval criteria: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Criteria{}, err
	}
	return c, nil
}

func LoadCriteria(path string) (Criteria, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Criteria{}, fmt.Errorf("read approval criteria: %w", err)
	}
	return ParseCriteria(raw)
}

func (c Criteria) Validate() error {
	if err := policy.CheckSchema(c.Schema, CriteriaSchema); err != nil {
		return err
	}
	if err := c.Approve.Validate("approve"); err != nil {
		return err
	}
	if !c.Reject.Empty() {
		if err := c.Reject.Validate("reject"); err != nil {
			return err
		}
	}
	return nil
}

func (c Criteria) Evaluate(fields policy.Fields) domain.ApprovalDecision {
	switch {
	case c.Reject.Matches(fields):
		return domain.DecisionReject
	case c.Approve.Matches(fields):
		return domain.DecisionApprove
	default:
		return domain.DecisionPending
	}
}
