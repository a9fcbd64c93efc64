package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/akriventsev/ledgersaga/framework/action"
)

// Policy декларативная политика рисков. После установки в Gate не изменяется.
type Policy struct {
	Version          string                  `yaml:"version" json:"version" validate:"required"`
	DefaultBaseScore float64                 `yaml:"defaultBaseScore" json:"defaultBaseScore" validate:"gte=0,lte=100"`
	BaseScores       map[action.Type]float64 `yaml:"baseScores" json:"baseScores" validate:"dive,gte=0,lte=100"`
	Levels           LevelThresholds         `yaml:"levels" json:"levels"`
	// ApprovalThreshold балл, начиная с которого требуется одобрение
	ApprovalThreshold float64         `yaml:"approvalThreshold" json:"approvalThreshold" validate:"gt=0,lte=100"`
	Confidence        ConfidenceRules `yaml:"confidence" json:"confidence"`
	Anomaly           AnomalyRules    `yaml:"anomaly" json:"anomaly"`
	// AcknowledgedNonCompensatable действия без обратной операции, допущенные
	// в середине многошагового плана
	AcknowledgedNonCompensatable []action.Type `yaml:"acknowledgedNonCompensatable" json:"acknowledgedNonCompensatable"`
}

// LevelThresholds нижние границы баллов для уровней выше low
type LevelThresholds struct {
	Medium   float64 `yaml:"medium" json:"medium" validate:"gt=0,lte=100"`
	High     float64 `yaml:"high" json:"high" validate:"gtfield=Medium,lte=100"`
	Critical float64 `yaml:"critical" json:"critical" validate:"gtfield=High,lte=100"`
}

// ConfidenceRules модификаторы доверия к извлеченным данным
type ConfidenceRules struct {
	ExtractionMin     float64 `yaml:"extractionMin" json:"extractionMin" validate:"gte=0,lte=1"`
	ExtractionPenalty float64 `yaml:"extractionPenalty" json:"extractionPenalty" validate:"gte=0"`
	AmountMin         float64 `yaml:"amountMin" json:"amountMin" validate:"gte=0,lte=1"`
	AmountPenalty     float64 `yaml:"amountPenalty" json:"amountPenalty" validate:"gte=0"`
}

// AnomalyRules модификаторы аномалий. Нулевой штраф отключает правило.
type AnomalyRules struct {
	AmountMultiplier     float64       `yaml:"amountMultiplier" json:"amountMultiplier" validate:"gte=0"`
	AmountPenalty        float64       `yaml:"amountPenalty" json:"amountPenalty" validate:"gte=0"`
	MinVendorHistory     int           `yaml:"minVendorHistory" json:"minVendorHistory" validate:"gte=0"`
	NewVendorPenalty     float64       `yaml:"newVendorPenalty" json:"newVendorPenalty" validate:"gte=0"`
	LargeAmountThreshold float64       `yaml:"largeAmountThreshold" json:"largeAmountThreshold" validate:"gte=0"`
	LargeAmountPenalty   float64       `yaml:"largeAmountPenalty" json:"largeAmountPenalty" validate:"gte=0"`
	VelocityLimit        int           `yaml:"velocityLimit" json:"velocityLimit" validate:"gte=0"`
	VelocityPenalty      float64       `yaml:"velocityPenalty" json:"velocityPenalty" validate:"gte=0"`
	DuplicateWindow      time.Duration `yaml:"duplicateWindow" json:"duplicateWindow" validate:"gte=0"`
	DuplicatePenalty     float64       `yaml:"duplicatePenalty" json:"duplicatePenalty" validate:"gte=0"`
}

var policyValidate = validator.New()

// DefaultPolicy возвращает встроенную политику
func DefaultPolicy() *Policy {
	return &Policy{
		Version:          "builtin-1",
		DefaultBaseScore: 20,
		BaseScores: map[action.Type]float64{
			action.CreateBill:     10,
			action.CreateInvoice:  10,
			action.CreateExpense:  10,
			action.CreateVendor:   15,
			action.RecordPayment:  20,
			action.UpdateBill:     25,
			action.SendInvoice:    30,
			action.VoidInvoice:    40,
			action.VoidPayment:    45,
			action.DeleteExpense:  45,
			action.ExecutePayment: 55,
			action.DeleteBill:     60,
			action.DeleteVendor:   60,
		},
		Levels:            LevelThresholds{Medium: 25, High: 50, Critical: 80},
		ApprovalThreshold: 50,
		Confidence: ConfidenceRules{
			ExtractionMin:     0.8,
			ExtractionPenalty: 15,
			AmountMin:         0.9,
			AmountPenalty:     20,
		},
		Anomaly: AnomalyRules{
			AmountMultiplier:     3,
			AmountPenalty:        20,
			MinVendorHistory:     3,
			NewVendorPenalty:     10,
			LargeAmountThreshold: 10000,
			LargeAmountPenalty:   15,
			VelocityLimit:        20,
			VelocityPenalty:      10,
			DuplicateWindow:      72 * time.Hour,
			DuplicatePenalty:     30,
		},
	}
}

// Validate проверяет корректность политики
func (p *Policy) Validate() error {
	if p == nil {
		return newPolicyError("policy is nil", nil)
	}
	if err := policyValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return newPolicyError("malformed policy: "+strings.Join(fields, ", "), err)
		}
		return newPolicyError("malformed policy", err)
	}
	for t := range p.BaseScores {
		if !action.Known(t) {
			return newPolicyError(fmt.Sprintf("malformed policy: unknown action type %q in baseScores", t), nil)
		}
	}
	for _, t := range p.AcknowledgedNonCompensatable {
		if !action.Known(t) {
			return newPolicyError(fmt.Sprintf("malformed policy: unknown action type %q in acknowledgedNonCompensatable", t), nil)
		}
	}
	return nil
}

// Clone возвращает глубокую копию политики
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.BaseScores = make(map[action.Type]float64, len(p.BaseScores))
	for k, v := range p.BaseScores {
		cp.BaseScores[k] = v
	}
	cp.AcknowledgedNonCompensatable = append([]action.Type(nil), p.AcknowledgedNonCompensatable...)
	return &cp
}

// BaseScore возвращает базовый балл для типа действия
func (p *Policy) BaseScore(t action.Type) float64 {
	if score, ok := p.BaseScores[t]; ok {
		return score
	}
	return p.DefaultBaseScore
}

// LevelFor отображает балл в уровень
func (p *Policy) LevelFor(score float64) Level {
	switch {
	case score >= p.Levels.Critical:
		return LevelCritical
	case score >= p.Levels.High:
		return LevelHigh
	case score >= p.Levels.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Acknowledges проверяет, допускает ли политика некомпенсируемое действие в середине плана
func (p *Policy) Acknowledges(t action.Type) bool {
	for _, ack := range p.AcknowledgedNonCompensatable {
		if ack == t {
			return true
		}
	}
	return false
}

// ParsePolicy разбирает и проверяет YAML документ политики
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, newPolicyError("failed to parse policy", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
