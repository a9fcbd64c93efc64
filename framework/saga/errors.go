package saga

import (
	"strings"

	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

// PlanRejectedError план не прошел предварительную проверку и сага не создана
type PlanRejectedError struct {
	Result *risk.ValidationResult
}

func (e *PlanRejectedError) Error() string {
	return "[" + core.ErrRule + "] action plan rejected: " + joinIssues(e.Result.Errors)
}

// ErrorCode возвращает RULE_ERROR
func (e *PlanRejectedError) ErrorCode() string {
	return core.ErrRule
}

func joinIssues(issues []risk.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		parts = append(parts, is.Rule+": "+is.Message)
	}
	return strings.Join(parts, "; ")
}

// issuesFor отбирает замечания, относящиеся к шагу index или ко всему плану
func issuesFor(issues []risk.Issue, index int) []risk.Issue {
	var out []risk.Issue
	for _, is := range issues {
		if is.ActionIndex == index || is.ActionIndex == risk.PlanLevel {
			out = append(out, is)
		}
	}
	return out
}
