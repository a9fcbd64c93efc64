package risk

import (
	"errors"
	"fmt"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
)

// Идентификаторы бизнес-правил
const (
	RuleEmptyPlan           = "empty_plan"
	RuleUnknownAction       = "unknown_action"
	RuleRequiredFields      = "required_fields"
	RuleTargetCompatibility = "target_compatibility"
	RuleNonCompensatable    = "non_compensatable_ack"
	RuleDefaultCurrency     = "default_currency"
	RuleApprovalRequired    = "approval_required"
)

// CodeRuleWarning код предупреждения бизнес-правила
const CodeRuleWarning = "RULE_WARNING"

// PlanLevel индекс для замечаний, относящихся ко всему плану
const PlanLevel = -1

// Issue замечание валидации
type Issue struct {
	Code        string `json:"code"`
	Rule        string `json:"rule"`
	ActionIndex int    `json:"actionIndex"`
	Message     string `json:"message"`
}

type ruleSet struct {
	policy *Policy
	client Client
	skip   map[string]bool

	errors   []Issue
	warnings []Issue
}

func (r *ruleSet) fail(rule string, index int, format string, args ...interface{}) {
	if r.skip[rule] {
		return
	}
	r.errors = append(r.errors, Issue{Code: core.ErrRule, Rule: rule, ActionIndex: index, Message: fmt.Sprintf(format, args...)})
}

func (r *ruleSet) warn(rule string, index int, format string, args ...interface{}) {
	if r.skip[rule] {
		return
	}
	r.warnings = append(r.warnings, Issue{Code: CodeRuleWarning, Rule: rule, ActionIndex: index, Message: fmt.Sprintf(format, args...)})
}

// checkAction применяет правила, не связанные с оценкой риска
func (r *ruleSet) checkAction(index int, total int, a ProposedAction) {
	if !action.Known(a.ActionType) {
		r.fail(RuleUnknownAction, index, "unknown action type %q", a.ActionType)
		return
	}

	typed, err := action.Decode(a.ActionType, a.Parameters)
	if err != nil {
		var pe *action.ParamsError
		if errors.As(err, &pe) {
			r.fail(RuleRequiredFields, index, "%s", pe.Error())
		} else {
			r.fail(RuleRequiredFields, index, "invalid parameters: %v", err)
		}
	}

	switch {
	case a.TargetSystem == "":
		r.fail(RuleTargetCompatibility, index, "target system is not set")
	case len(r.client.TargetSystems) > 0 && !r.client.SupportsTarget(a.TargetSystem):
		r.fail(RuleTargetCompatibility, index, "target system %q is not configured for client %q", a.TargetSystem, r.client.ID)
	}

	if total > 1 && index < total-1 && !action.IsCompensatable(a.ActionType) && !r.policy.Acknowledges(a.ActionType) {
		r.fail(RuleNonCompensatable, index,
			"%s has no compensating operation and is not acknowledged by policy %s", a.ActionType, r.policy.Version)
	}

	if typed != nil && typed.MonetaryAmount() > 0 {
		if _, ok := a.Parameters["currency"]; !ok {
			currency := r.client.DefaultCurrency
			if currency == "" {
				currency = "client default"
			}
			r.warn(RuleDefaultCurrency, index, "currency not set, %s assumed", currency)
		}
	}
}
