// Package invoke предоставляет слой устойчивых вызовов: повторные попытки
// с экспоненциальной задержкой и джиттером для вызовов внешних систем.
package invoke

import (
	"time"

	"github.com/akriventsev/ledgersaga/framework/logger"
)

// Имена профилей повторных попыток
const (
	ProfileExternalAPI = "external_api"
	ProfileLLM         = "llm"
	ProfileDatabase    = "database"
)

// RetryObserver вызывается перед каждой паузой между попытками.
// attempt начинается с 1 и обозначает номер неудавшейся попытки.
type RetryObserver func(attempt int, err error, delay time.Duration)

// RetryOptions конфигурация одной последовательности попыток
type RetryOptions struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFraction доля задержки (0..1), на которую она случайно смещается в обе стороны
	JitterFraction float64
	// RetryableErrors подстроки, сравниваемые без учета регистра с сообщением и видом ошибки.
	// Пустой список означает, что повторяется любая ошибка.
	RetryableErrors []string
	OnRetry         RetryObserver
	Logger          *logger.Logger
	// Rand источник равномерных чисел в [0,1) для джиттера
	Rand func() float64
}

// RetryOption функциональная опция для RetryOptions
type RetryOption func(*RetryOptions)

// With возвращает копию опций с примененными модификаторами
func (o RetryOptions) With(opts ...RetryOption) RetryOptions {
	if len(o.RetryableErrors) > 0 {
		o.RetryableErrors = append([]string(nil), o.RetryableErrors...)
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxAttempts устанавливает число попыток
func WithMaxAttempts(n int) RetryOption {
	return func(o *RetryOptions) {
		o.MaxAttempts = n
	}
}

// WithDelays устанавливает начальную и максимальную задержку
func WithDelays(initial, max time.Duration) RetryOption {
	return func(o *RetryOptions) {
		o.InitialDelay = initial
		o.MaxDelay = max
	}
}

// WithMultiplier устанавливает множитель backoff
func WithMultiplier(m float64) RetryOption {
	return func(o *RetryOptions) {
		o.Multiplier = m
	}
}

// WithJitter устанавливает долю джиттера
func WithJitter(fraction float64) RetryOption {
	return func(o *RetryOptions) {
		o.JitterFraction = fraction
	}
}

// WithRetryableErrors заменяет allow-list повторяемых ошибок
func WithRetryableErrors(patterns ...string) RetryOption {
	return func(o *RetryOptions) {
		o.RetryableErrors = append([]string(nil), patterns...)
	}
}

// WithOnRetry устанавливает наблюдателя повторов
func WithOnRetry(fn RetryObserver) RetryOption {
	return func(o *RetryOptions) {
		o.OnRetry = fn
	}
}

// WithLogger устанавливает логгер для предупреждений о повторах
func WithLogger(l *logger.Logger) RetryOption {
	return func(o *RetryOptions) {
		o.Logger = l
	}
}

// WithRand устанавливает источник случайности для джиттера
func WithRand(fn func() float64) RetryOption {
	return func(o *RetryOptions) {
		o.Rand = fn
	}
}

// ExternalAPIPreset профиль для API внешних учетных систем
func ExternalAPIPreset() RetryOptions {
	return RetryOptions{
		Name:           ProfileExternalAPI,
		MaxAttempts:    5,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableErrors: []string{
			"timeout",
			"timed out",
			"etimedout",
			"econnreset",
			"connection reset",
			"too many requests",
			"internal server error",
			"service unavailable",
			"429",
			"500",
			"503",
		},
	}
}

// LLMPreset профиль для вызовов языковых моделей
func LLMPreset() RetryOptions {
	return RetryOptions{
		Name:           ProfileLLM,
		MaxAttempts:    3,
		InitialDelay:   2 * time.Second,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.3,
		RetryableErrors: []string{
			"overloaded",
			"rate_limit",
			"rate limit",
			"529",
			"429",
		},
	}
}

// DatabasePreset профиль для обращений к базе данных
func DatabasePreset() RetryOptions {
	return RetryOptions{
		Name:           ProfileDatabase,
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableErrors: []string{
			"connection reset",
			"econnreset",
			"deadlock",
			"40p01", // deadlock_detected
			"40001", // serialization_failure
			"08006", // connection_failure
		},
	}
}

// Preset возвращает профиль по имени; неизвестное имя дает профиль внешнего API
func Preset(name string) RetryOptions {
	switch name {
	case ProfileLLM:
		return LLMPreset()
	case ProfileDatabase:
		return DatabasePreset()
	default:
		return ExternalAPIPreset()
	}
}
