package invoke

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// ExtractCorrelationID возвращает correlation ID или пустую строку
func ExtractCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithCorrelationID связывает контекст с идентификатором; пустой id игнорируется
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID возвращает контекст с correlation ID, порождая новый
// при отсутствии
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
