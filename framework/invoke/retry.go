package invoke

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akriventsev/ledgersaga/framework/logger"
)

// Operation единица работы, выполняемая с повторами
type Operation[T any] func(ctx context.Context) (T, error)

// StatusCoder реализуется ошибками транспорта, несущими HTTP статус
type StatusCoder interface {
	StatusCode() int
}

// WithRetry выполняет операцию, повторяя ее согласно opts.
// Прерывается только ожидание следующей попытки; уже начатый вызов
// получает ctx как есть.
func WithRetry[T any](ctx context.Context, opts RetryOptions, op Operation[T]) (T, error) {
	var zero T

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err, opts.RetryableErrors) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := opts.Delay(attempt)
		notifyRetry(ctx, opts, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w: %w", attempt, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return zero, &RetryExhaustedError{Attempts: maxAttempts, LastError: lastErr}
}

// Do выполняет операцию без результата с повторами
func Do(ctx context.Context, opts RetryOptions, op func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Delay вычисляет задержку после неудачной попытки attempt (с 1):
// min(initial * multiplier^(attempt-1), max) со смещением до ±jitter.
func (o RetryOptions) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := o.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	base := float64(o.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if o.MaxDelay > 0 && base > float64(o.MaxDelay) {
		base = float64(o.MaxDelay)
	}

	jitter := o.JitterFraction
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		random := o.Rand
		if random == nil {
			random = rand.Float64
		}
		base += (random()*2 - 1) * jitter * base
	}

	if base < 0 {
		return 0
	}
	return time.Duration(base)
}

// IsRetryable проверяет ошибку по allow-list; пустой список разрешает все.
// Шаблон из одних цифр считается кодом статуса: он совпадает с признаком
// ошибки целиком, а в тексте только после "http", "status" или "sqlstate"
// либо в начале сообщения.
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	if len(patterns) == 0 {
		return true
	}

	haystack := strings.ToLower(err.Error())
	kinds := ErrorKinds(err)
	for _, p := range patterns {
		needle := strings.ToLower(p)
		if needle == "" {
			continue
		}
		if isStatusCode(needle) {
			if matchesStatus(haystack, kinds, needle) {
				return true
			}
			continue
		}
		if strings.Contains(haystack, needle) {
			return true
		}
		for _, kind := range kinds {
			if strings.Contains(kind, needle) {
				return true
			}
		}
	}
	return false
}

var statusPatterns sync.Map // код -> *regexp.Regexp

func isStatusCode(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func matchesStatus(message string, kinds []string, code string) bool {
	for _, kind := range kinds {
		if kind == code {
			return true
		}
	}
	re, ok := statusPatterns.Load(code)
	if !ok {
		re, _ = statusPatterns.LoadOrStore(code, regexp.MustCompile(
			`(?:^|\b(?:http(?:/[\d.]+)?|status(?:\s+code)?|sqlstate)[\s:=]*)`+code+`\b`))
	}
	return re.(*regexp.Regexp).MatchString(message)
}

// ErrorKinds собирает машинные признаки ошибки в нижнем регистре:
// коды FrameworkError, SQLSTATE PostgreSQL, HTTP статусы, таймауты сети.
func ErrorKinds(err error) []string {
	var kinds []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if coder, ok := e.(interface{ ErrorCode() string }); ok {
			kinds = append(kinds, strings.ToLower(coder.ErrorCode()))
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kinds = append(kinds, strings.ToLower(pgErr.Code))
	}

	var status StatusCoder
	if errors.As(err, &status) {
		kinds = append(kinds, strconv.Itoa(status.StatusCode()))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kinds = append(kinds, "timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kinds = append(kinds, "timeout")
	}

	return kinds
}

func notifyRetry(ctx context.Context, opts RetryOptions, attempt int, err error, delay time.Duration) {
	if opts.OnRetry != nil {
		opts.OnRetry(attempt, err, delay)
		return
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	fields := map[string]interface{}{
		"profile":      opts.Name,
		"attempt":      attempt,
		"max_attempts": opts.MaxAttempts,
		"delay_ms":     delay.Milliseconds(),
	}
	if id := ExtractCorrelationID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	log.WithContext(ctx).WithError(err).Warnf("operation failed, retrying", fields)
}
