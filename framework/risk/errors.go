package risk

import (
	"fmt"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// ValidationError ошибка шлюза: POLICY_ERROR, RULE_ERROR или DATABASE_ERROR
type ValidationError struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ErrorCode возвращает код ошибки
func (e *ValidationError) ErrorCode() string {
	return e.Code
}

func newPolicyError(message string, cause error) *ValidationError {
	return &ValidationError{Code: core.ErrPolicy, Message: message, Cause: cause}
}

func newDatabaseError(message string, cause error) *ValidationError {
	return &ValidationError{Code: core.ErrDatabase, Message: message, Cause: cause}
}
