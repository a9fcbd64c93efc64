// Package saga предоставляет транзакционный движок действий: сага ведет
// упорядоченный список действий над учетными системами через проверку рисков,
// одобрение и исполнение, а при сбое откатывает примененные шаги в обратном порядке.
package saga

import (
	"time"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

// SagaStatus статус саги
type SagaStatus string

const (
	SagaStatusPending      SagaStatus = "pending"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompensated  SagaStatus = "compensated"
)

// transitions допустимые переходы по исходному статусу
var transitions = map[SagaStatus][]SagaStatus{
	SagaStatusPending:      {SagaStatusRunning},
	SagaStatusRunning:      {SagaStatusCompleted, SagaStatusFailed},
	SagaStatusFailed:       {SagaStatusCompensating},
	SagaStatusCompensating: {SagaStatusCompensated},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to SagaStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal проверяет, является ли статус конечным.
// failed считается конечным, только если компенсация не нужна; это решает движок.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusCompensated
}

// Valid проверяет, что статус известен
func (s SagaStatus) Valid() bool {
	switch s {
	case SagaStatusPending, SagaStatusRunning, SagaStatusCompleted,
		SagaStatusFailed, SagaStatusCompensating, SagaStatusCompensated:
		return true
	}
	return false
}

// ApprovalState состояние одобрения шага
type ApprovalState string

const (
	ApprovalNone     ApprovalState = ""
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// StepDefinition одно запланированное действие саги. Поля до Executed задаются
// планом и не меняются после старта; остальные отражают исполнение.
type StepDefinition struct {
	ActionType   action.Type            `json:"actionType"`
	TargetSystem string                 `json:"targetSystem"`
	Parameters   map[string]interface{} `json:"parameters"`
	RiskContext  *risk.RiskContext      `json:"riskContext,omitempty"`

	Executed   bool                   `json:"executed"`
	ExecutedAt *time.Time             `json:"executedAt,omitempty"`
	ExternalID string                 `json:"externalId,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Risk       *risk.Assessment       `json:"risk,omitempty"`
	LastError  string                 `json:"lastError,omitempty"`

	Approval  ApprovalState `json:"approval,omitempty"`
	DecidedBy string        `json:"decidedBy,omitempty"`
	DecidedAt *time.Time    `json:"decidedAt,omitempty"`
	Decision  string        `json:"decision,omitempty"`

	Compensated         bool       `json:"compensated,omitempty"`
	CompensatedAt       *time.Time `json:"compensatedAt,omitempty"`
	CompensationSkipped bool       `json:"compensationSkipped,omitempty"`
	CompensationError   string     `json:"compensationError,omitempty"`
}

// Proposed возвращает представление шага для шлюза рисков
func (s StepDefinition) Proposed() risk.ProposedAction {
	return risk.ProposedAction{
		ActionType:   s.ActionType,
		TargetSystem: s.TargetSystem,
		Parameters:   s.Parameters,
		Context:      s.RiskContext,
	}
}

// ActionPlan упорядоченный план действий по одному документу
type ActionPlan struct {
	Client risk.Client      `json:"client"`
	Steps  []StepDefinition `json:"steps"`
}

// Proposed возвращает план в виде, пригодном для шлюза рисков
func (p ActionPlan) Proposed() []risk.ProposedAction {
	out := make([]risk.ProposedAction, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Proposed()
	}
	return out
}

// Saga многошаговая транзакция по одному исходному документу.
// Инварианты: 0 <= CurrentStep <= TotalSteps; Completed тогда и только тогда,
// когда CurrentStep == TotalSteps.
type Saga struct {
	ID            string           `json:"id"`
	EmailID       string           `json:"emailId"`
	Client        risk.Client      `json:"client"`
	Status        SagaStatus       `json:"status"`
	Steps         []StepDefinition `json:"steps"`
	CurrentStep   int              `json:"currentStep"`
	TotalSteps    int              `json:"totalSteps"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	FailedAt      *time.Time       `json:"failedAt,omitempty"`
	CompensatedAt *time.Time       `json:"compensatedAt,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Proposed возвращает шаги саги для шлюза рисков
func (s *Saga) Proposed() []risk.ProposedAction {
	return ActionPlan{Client: s.Client, Steps: s.Steps}.Proposed()
}

// Current возвращает шаг под курсором
func (s *Saga) Current() (*StepDefinition, bool) {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil, false
	}
	return &s.Steps[s.CurrentStep], true
}

// NeedsCompensation сообщает, ждет ли сага отката: она в compensating или
// остановилась в failed, успев применить шаги.
func (s *Saga) NeedsCompensation() bool {
	return s.Status == SagaStatusCompensating ||
		(s.Status == SagaStatusFailed && s.CurrentStep > 0)
}

// Clone возвращает копию саги, не разделяющую изменяемые поля с исходной
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Client.TargetSystems = append([]string(nil), s.Client.TargetSystems...)
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.FailedAt = cloneTime(s.FailedAt)
	cp.CompensatedAt = cloneTime(s.CompensatedAt)
	cp.Steps = cloneSteps(s.Steps)
	return &cp
}

func cloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].Parameters = cloneMap(st.Parameters)
		out[i].Result = cloneMap(st.Result)
		out[i].ExecutedAt = cloneTime(st.ExecutedAt)
		out[i].DecidedAt = cloneTime(st.DecidedAt)
		out[i].CompensatedAt = cloneTime(st.CompensatedAt)
		if st.RiskContext != nil {
			rc := *st.RiskContext
			out[i].RiskContext = &rc
		}
		if st.Risk != nil {
			a := *st.Risk
			a.TriggeredRules = append([]string(nil), st.Risk.TriggeredRules...)
			out[i].Risk = &a
		}
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// stampFor заполняет временную метку, соответствующую статусу
func stampFor(s *Saga, status SagaStatus, at time.Time) {
	t := at
	switch status {
	case SagaStatusRunning:
		s.StartedAt = &t
	case SagaStatusCompleted:
		s.CompletedAt = &t
	case SagaStatusFailed:
		s.FailedAt = &t
	case SagaStatusCompensated:
		s.CompensatedAt = &t
	}
}
