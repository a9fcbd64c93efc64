package risk

import (
	"github.com/akriventsev/ledgersaga/framework/action"
)

// Идентификаторы правил оценки риска в порядке применения
const (
	RuleBaseSeverity            = "base_severity"
	RuleLowExtractionConfidence = "low_extraction_confidence"
	RuleLowAmountConfidence     = "low_amount_confidence"
	RuleNewVendor               = "new_vendor"
	RuleAmountAnomaly           = "amount_anomaly"
	RuleLargeAmount             = "large_amount"
	RuleHighVelocity            = "high_velocity"
	RulePossibleDuplicate       = "possible_duplicate"
)

const (
	minScore = 0
	maxScore = 100
)

// Assessment результат оценки риска одного действия
type Assessment struct {
	ActionType       action.Type `json:"actionType"`
	Level            Level       `json:"level"`
	Score            float64     `json:"score"`
	RequiresApproval bool        `json:"requiresApproval"`
	TriggeredRules   []string    `json:"triggeredRules"`
}

type scorer struct {
	skip      map[string]bool
	score     float64
	triggered []string
}

func (s *scorer) apply(rule string, penalty float64) {
	if penalty <= 0 || s.skip[rule] {
		return
	}
	s.score += penalty
	s.triggered = append(s.triggered, rule)
}

// assess чистая функция: одинаковые входы дают одинаковый результат
func assess(p *Policy, actionType action.Type, params map[string]interface{}, rc RiskContext, skip map[string]bool) Assessment {
	s := &scorer{skip: skip, triggered: []string{}}

	amount, counterparty := extractSubject(actionType, params)

	// (a) базовая серьезность типа действия
	s.apply(RuleBaseSeverity, p.BaseScore(actionType))

	// (b) модификаторы доверия
	if rc.ExtractionConfidence != nil && *rc.ExtractionConfidence < p.Confidence.ExtractionMin {
		s.apply(RuleLowExtractionConfidence, p.Confidence.ExtractionPenalty)
	}
	if amount > 0 && rc.AmountConfidence != nil && *rc.AmountConfidence < p.Confidence.AmountMin {
		s.apply(RuleLowAmountConfidence, p.Confidence.AmountPenalty)
	}

	// (c) модификаторы аномалий
	a := p.Anomaly
	if counterparty != "" && rc.VendorTransactionCount == 0 {
		s.apply(RuleNewVendor, a.NewVendorPenalty)
	}
	if amount > 0 && a.AmountMultiplier > 0 && rc.VendorAverageAmount > 0 &&
		rc.VendorTransactionCount >= a.MinVendorHistory &&
		amount > rc.VendorAverageAmount*a.AmountMultiplier {
		s.apply(RuleAmountAnomaly, a.AmountPenalty)
	}
	if a.LargeAmountThreshold > 0 && amount >= a.LargeAmountThreshold {
		s.apply(RuleLargeAmount, a.LargeAmountPenalty)
	}
	if a.VelocityLimit > 0 && rc.ClientTransactionsLast24h > a.VelocityLimit {
		s.apply(RuleHighVelocity, a.VelocityPenalty)
	}
	if rc.TimeSinceSimilar != nil && *rc.TimeSinceSimilar >= 0 && *rc.TimeSinceSimilar < a.DuplicateWindow {
		s.apply(RulePossibleDuplicate, a.DuplicatePenalty)
	}

	// (d) ограничение шкалы
	score := s.score
	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}

	level := p.LevelFor(score)
	return Assessment{
		ActionType:       actionType,
		Level:            level,
		Score:            score,
		RequiresApproval: level == LevelCritical || score >= p.ApprovalThreshold,
		TriggeredRules:   s.triggered,
	}
}

// extractSubject достает сумму и контрагента; при невалидных параметрах
// использует нестрогое чтение, чтобы оценка оставалась определенной
func extractSubject(actionType action.Type, params map[string]interface{}) (float64, string) {
	if typed, err := action.Decode(actionType, params); err == nil {
		return typed.MonetaryAmount(), typed.CounterpartyID()
	}
	return action.RawAmount(params), action.RawCounterparty(params)
}
