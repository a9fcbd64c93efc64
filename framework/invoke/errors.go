package invoke

import (
	"fmt"

	"github.com/akriventsev/ledgersaga/framework/core"
)

// RetryExhaustedError возвращается, когда все попытки исчерпаны
type RetryExhaustedError struct {
	Attempts  int
	LastError error
}

// Error реализует интерфейс error
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("[%s] retry exhausted after %d attempts: %v", core.ErrRetryExhausted, e.Attempts, e.LastError)
}

// Unwrap возвращает последнюю ошибку операции
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastError
}

// ErrorCode возвращает код ошибки
func (e *RetryExhaustedError) ErrorCode() string {
	return core.ErrRetryExhausted
}
