package risk

import (
	"context"
	"time"

	"github.com/akriventsev/ledgersaga/framework/action"
)

// RiskContext снимок данных, нужных политике помимо самого действия.
// Поставляется вызывающей стороной; шлюз не читает внешние источники.
type RiskContext struct {
	ClientID string `json:"clientId,omitempty"`
	// VendorTransactionCount число прошлых операций с контрагентом
	VendorTransactionCount int `json:"vendorTransactionCount"`
	// VendorAverageAmount средняя сумма прошлых операций с контрагентом
	VendorAverageAmount float64 `json:"vendorAverageAmount"`
	// ExtractionConfidence и AmountConfidence в [0,1]; nil означает "не измерено"
	ExtractionConfidence *float64 `json:"extractionConfidence,omitempty"`
	AmountConfidence     *float64 `json:"amountConfidence,omitempty"`
	// ClientTransactionsLast24h скорость операций клиента
	ClientTransactionsLast24h int `json:"clientTransactionsLast24h"`
	// TimeSinceSimilar время с момента похожей операции; nil если не было
	TimeSinceSimilar *time.Duration `json:"timeSinceSimilar,omitempty"`
}

// Client конфигурация клиента, относительно которой проверяется план
type Client struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name,omitempty" yaml:"name"`
	TargetSystems   []string `json:"targetSystems" yaml:"targetSystems"`
	DefaultCurrency string   `json:"defaultCurrency,omitempty" yaml:"defaultCurrency"`
}

// SupportsTarget проверяет, подключена ли целевая система у клиента
func (c Client) SupportsTarget(target string) bool {
	for _, t := range c.TargetSystems {
		if t == target {
			return true
		}
	}
	return false
}

// ProposedAction одно действие плана в том виде, в каком его видит шлюз
type ProposedAction struct {
	ActionType   action.Type            `json:"actionType"`
	TargetSystem string                 `json:"targetSystem"`
	Parameters   map[string]interface{} `json:"parameters"`
	Context      *RiskContext           `json:"context,omitempty"`
}

// ContextLoader поставляет RiskContext для действий без приложенного контекста.
// Реализуется вызывающей стороной; ошибки превращаются в DATABASE_ERROR.
type ContextLoader interface {
	LoadRiskContext(ctx context.Context, client Client, proposed ProposedAction) (RiskContext, error)
}

// ContextLoaderFunc адаптер функции к ContextLoader
type ContextLoaderFunc func(ctx context.Context, client Client, proposed ProposedAction) (RiskContext, error)

// LoadRiskContext вызывает f
func (f ContextLoaderFunc) LoadRiskContext(ctx context.Context, client Client, proposed ProposedAction) (RiskContext, error) {
	return f(ctx, client, proposed)
}

// Float возвращает указатель на значение; удобно для заполнения RiskContext
func Float(v float64) *float64 {
	return &v
}

// Duration возвращает указатель на значение
func Duration(d time.Duration) *time.Duration {
	return &d
}
