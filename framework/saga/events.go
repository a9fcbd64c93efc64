package saga

import (
	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/events"
	"github.com/akriventsev/ledgersaga/framework/risk"
)

// Типы событий жизненного цикла саги
const (
	EventSagaStarted             = "saga.started"
	EventSagaCompleted           = "saga.completed"
	EventSagaFailed              = "saga.failed"
	EventSagaCompensating        = "saga.compensating"
	EventSagaCompensated         = "saga.compensated"
	EventStepExecuted            = "saga.step.executed"
	EventStepAwaitingApproval    = "saga.step.awaiting_approval"
	EventStepCompensated         = "saga.step.compensated"
	EventStepCompensationFailed  = "saga.step.compensation_failed"
	EventStepCompensationSkipped = "saga.step.compensation_skipped"
)

// SagaStartedEvent сага переведена в running
type SagaStartedEvent struct {
	*events.BaseEvent
	EmailID    string `json:"emailId"`
	TotalSteps int    `json:"totalSteps"`
}

// SagaCompletedEvent все шаги исполнены
type SagaCompletedEvent struct {
	*events.BaseEvent
	EmailID       string `json:"emailId"`
	StepsExecuted int    `json:"stepsExecuted"`
}

// SagaFailedEvent сага остановлена на шаге FailedStep
type SagaFailedEvent struct {
	*events.BaseEvent
	EmailID    string `json:"emailId"`
	FailedStep int    `json:"failedStep"`
	Error      string `json:"error"`
}

// SagaCompensatingEvent начат откат примененных шагов
type SagaCompensatingEvent struct {
	*events.BaseEvent
	StepsToCompensate int `json:"stepsToCompensate"`
}

// SagaCompensatedEvent откат завершен
type SagaCompensatedEvent struct {
	*events.BaseEvent
	CompensatedSteps int `json:"compensatedSteps"`
	SkippedSteps     int `json:"skippedSteps"`
}

// StepExecutedEvent шаг применен во внешней системе
type StepExecutedEvent struct {
	*events.BaseEvent
	StepIndex    int         `json:"stepIndex"`
	ActionType   action.Type `json:"actionType"`
	TargetSystem string      `json:"targetSystem"`
	ExternalID   string      `json:"externalId"`
}

// StepAwaitingApprovalEvent шаг ожидает решения человека
type StepAwaitingApprovalEvent struct {
	*events.BaseEvent
	StepIndex    int              `json:"stepIndex"`
	ActionType   action.Type      `json:"actionType"`
	TargetSystem string           `json:"targetSystem"`
	Assessment   *risk.Assessment `json:"assessment,omitempty"`
}

// StepCompensationEvent результат отката одного шага
type StepCompensationEvent struct {
	*events.BaseEvent
	StepIndex     int         `json:"stepIndex"`
	ActionType    action.Type `json:"actionType"`
	InverseAction action.Type `json:"inverseAction,omitempty"`
	ExternalID    string      `json:"externalId,omitempty"`
	Error         string      `json:"error,omitempty"`
}

func newSagaEvent(eventType string, s *Saga, correlationID string) *events.BaseEvent {
	return events.NewBaseEvent(eventType, s.ID).
		WithMetadata("email_id", s.EmailID).
		WithCorrelationID(correlationID)
}
