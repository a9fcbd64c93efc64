package risk

import (
	"context"
	"sync/atomic"

	"github.com/akriventsev/ledgersaga/framework/action"
	"github.com/akriventsev/ledgersaga/framework/core"
	"github.com/akriventsev/ledgersaga/framework/logger"
	"github.com/akriventsev/ledgersaga/framework/metrics"
)

// ValidationResult агрегированный результат проверки плана
type ValidationResult struct {
	Valid            bool         `json:"valid"`
	OverallRisk      Level        `json:"overallRisk"`
	RequiresApproval bool         `json:"requiresApproval"`
	Errors           []Issue      `json:"errors"`
	Warnings         []Issue      `json:"warnings"`
	Assessments      []Assessment `json:"assessments"`
	PolicyVersion    string       `json:"policyVersion"`
}

// ValidateOptions параметры одного вызова Validate или AssessRisk
type ValidateOptions struct {
	// SkipRules подавляет правила с указанными идентификаторами
	SkipRules []string
	// StrictMode превращает предупреждения в ошибки
	StrictMode bool
	// CustomPolicy заменяет активную политику только для этого вызова
	CustomPolicy *Policy
}

// ValidateOption функциональная опция валидации
type ValidateOption func(*ValidateOptions)

// WithSkipRules подавляет правила
func WithSkipRules(rules ...string) ValidateOption {
	return func(o *ValidateOptions) {
		o.SkipRules = append(o.SkipRules, rules...)
	}
}

// WithStrictMode включает строгий режим
func WithStrictMode() ValidateOption {
	return func(o *ValidateOptions) {
		o.StrictMode = true
	}
}

// WithCustomPolicy подменяет политику на время вызова
func WithCustomPolicy(p *Policy) ValidateOption {
	return func(o *ValidateOptions) {
		o.CustomPolicy = p
	}
}

// Gate шлюз валидации. Не хранит состояния саг; единственное изменяемое
// состояние это ссылка на активную политику, заменяемая атомарно.
type Gate struct {
	policy  atomic.Pointer[Policy]
	source  PolicySource
	loader  ContextLoader
	log     *logger.Logger
	metrics *metrics.Metrics
}

// GateOption опция конструктора Gate
type GateOption func(*Gate)

// WithContextLoader задает загрузчик контекста для действий без контекста
func WithContextLoader(l ContextLoader) GateOption {
	return func(g *Gate) {
		g.loader = l
	}
}

// WithGateLogger задает логгер
func WithGateLogger(l *logger.Logger) GateOption {
	return func(g *Gate) {
		g.log = l
	}
}

// WithGateMetrics задает сборщик метрик
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate создает шлюз и загружает начальную политику из source
func NewGate(ctx context.Context, source PolicySource, opts ...GateOption) (*Gate, error) {
	if source == nil {
		return nil, newPolicyError("policy source is required", nil)
	}
	g := &Gate{source: source, log: logger.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.WithComponent("risk-gate")

	if err := g.ReloadPolicy(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Policy возвращает активную политику. Возвращаемое значение нельзя изменять.
func (g *Gate) Policy() *Policy {
	return g.policy.Load()
}

// ReloadPolicy загружает политику из источника и атомарно заменяет активную.
// При ошибке активная политика остается прежней.
func (g *Gate) ReloadPolicy(ctx context.Context) error {
	loaded, err := g.source.Load(ctx)
	if err != nil {
		g.metrics.RecordPolicyReload(ctx, false)
		if ve, ok := err.(*ValidationError); ok {
			return ve
		}
		return newPolicyError("failed to load policy", err)
	}
	if err := loaded.Validate(); err != nil {
		g.metrics.RecordPolicyReload(ctx, false)
		return err
	}

	next := loaded.Clone()
	prev := g.policy.Swap(next)
	g.metrics.RecordPolicyReload(ctx, true)

	fields := map[string]interface{}{"version": next.Version}
	if prev != nil {
		fields["previous_version"] = prev.Version
	}
	g.log.WithContext(ctx).Infof("risk policy installed", fields)
	return nil
}

// AssessRisk оценивает одно действие по активной (или подмененной) политике
func (g *Gate) AssessRisk(ctx context.Context, actionType action.Type, params map[string]interface{}, rc RiskContext, opts ...ValidateOption) (Assessment, error) {
	o := applyOptions(opts)
	p, err := g.resolvePolicy(o)
	if err != nil {
		return Assessment{}, err
	}

	result := assess(p, actionType, params, rc, skipSet(o.SkipRules))
	g.metrics.RecordRiskAssessment(ctx, result.Level.String(), result.RequiresApproval)
	return result, nil
}

// Validate проверяет план: оценивает каждое действие, берет максимальный
// уровень как риск плана и независимо применяет бизнес-правила.
func (g *Gate) Validate(ctx context.Context, plan []ProposedAction, client Client, opts ...ValidateOption) (*ValidationResult, error) {
	o := applyOptions(opts)
	p, err := g.resolvePolicy(o)
	if err != nil {
		return nil, err
	}
	skip := skipSet(o.SkipRules)

	rules := &ruleSet{policy: p, client: client, skip: skip}
	result := &ValidationResult{
		OverallRisk:   LevelLow,
		Errors:        []Issue{},
		Warnings:      []Issue{},
		Assessments:   make([]Assessment, 0, len(plan)),
		PolicyVersion: p.Version,
	}

	if len(plan) == 0 {
		rules.fail(RuleEmptyPlan, PlanLevel, "plan has no actions")
	}

	for i, proposed := range plan {
		rc, err := g.contextFor(ctx, client, proposed)
		if err != nil {
			return nil, err
		}

		assessment := assess(p, proposed.ActionType, proposed.Parameters, rc, skip)
		g.metrics.RecordRiskAssessment(ctx, assessment.Level.String(), assessment.RequiresApproval)
		result.Assessments = append(result.Assessments, assessment)

		result.OverallRisk = MaxLevel(result.OverallRisk, assessment.Level)
		if assessment.RequiresApproval {
			result.RequiresApproval = true
			rules.warn(RuleApprovalRequired, i, "%s assessed %s (score %.0f) requires approval",
				proposed.ActionType, assessment.Level, assessment.Score)
		}

		rules.checkAction(i, len(plan), proposed)
	}

	result.Errors = append(result.Errors, rules.errors...)
	if o.StrictMode {
		for _, w := range rules.warnings {
			w.Code = core.ErrRule
			result.Errors = append(result.Errors, w)
		}
	} else {
		result.Warnings = append(result.Warnings, rules.warnings...)
	}
	result.Valid = len(result.Errors) == 0

	return result, nil
}

func (g *Gate) resolvePolicy(o ValidateOptions) (*Policy, error) {
	if o.CustomPolicy != nil {
		if err := o.CustomPolicy.Validate(); err != nil {
			return nil, err
		}
		return o.CustomPolicy, nil
	}
	p := g.policy.Load()
	if p == nil {
		return nil, newPolicyError("no active policy", nil)
	}
	return p, nil
}

func (g *Gate) contextFor(ctx context.Context, client Client, proposed ProposedAction) (RiskContext, error) {
	if proposed.Context != nil {
		return *proposed.Context, nil
	}
	if g.loader == nil {
		return RiskContext{ClientID: client.ID}, nil
	}
	rc, err := g.loader.LoadRiskContext(ctx, client, proposed)
	if err != nil {
		return RiskContext{}, newDatabaseError("failed to load risk context", err)
	}
	return rc, nil
}

func applyOptions(opts []ValidateOption) ValidateOptions {
	var o ValidateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func skipSet(rules []string) map[string]bool {
	if len(rules) == 0 {
		return nil
	}
	set := make(map[string]bool, len(rules))
	for _, r := range rules {
		set[r] = true
	}
	return set
}
