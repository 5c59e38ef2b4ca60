// Package rules provides the CEL-Go based custom rule engine.
//
// Operators describe extra risk signals as CEL expressions over the
// scoring context of a single login or transaction. A rule's output is
// mapped to a score, and its bands map that score to an outcome and a
// human-readable reason.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/linklock/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Facts is the scoring context exposed to rule expressions. KnownDevice is
// true when the device history could not be read.
type Facts struct {
	Kind            domain.EventKind
	Status          domain.EventStatus
	Amount          float64
	Category        string
	DeviceType      string
	IsBot           bool
	IsHeadless      bool
	ScreenAnomaly   bool
	KnownDevice     bool
	RecentAttempts  int64
	DistanceKm      float64
	SpeedKmh        float64
	Country         string
	PreviousCountry string
	Hour            int
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("is_bot", cel.BoolType),
		cel.Variable("is_headless", cel.BoolType),
		cel.Variable("screen_anomaly", cel.BoolType),
		cel.Variable("known_device", cel.BoolType),
		cel.Variable("recent_attempts", cel.IntType),
		cel.Variable("distance_km", cel.DoubleType),
		cel.Variable("speed_kmh", cel.DoubleType),
		cel.Variable("country", cel.StringType),
		cel.Variable("previous_country", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Facts) activation() map[string]any {
	return map[string]any{
		"kind":             string(f.Kind),
		"status":           string(f.Status),
		"amount":           f.Amount,
		"category":         f.Category,
		"device_type":      f.DeviceType,
		"is_bot":           f.IsBot,
		"is_headless":      f.IsHeadless,
		"screen_anomaly":   f.ScreenAnomaly,
		"known_device":     f.KnownDevice,
		"recent_attempts":  f.RecentAttempts,
		"distance_km":      f.DistanceKm,
		"speed_kmh":        f.SpeedKmh,
		"country":          f.Country,
		"previous_country": f.PreviousCountry,
		"hour":             int64(f.Hour),
	}
}

// EvaluateAll evaluates all loaded rules in parallel.
// Results are ordered by rule ID.
func (e *Engine) EvaluateAll(ctx context.Context, facts *Facts) ([]domain.RuleResult, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 || facts == nil {
		return nil, nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := facts.activation()

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID: rule.Config.ID,
		Weight: rule.Config.Weight,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	score := toScore(out)
	result.Score = score
	result.SubRuleRef, result.Reason = matchBand(score, rule.Config.Bands)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the first band containing score.
// Lower bounds are inclusive and upper bounds exclusive; a nil upper
// bound is unbounded. A rule without bands fails on any positive score.
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	if len(bands) == 0 {
		if score > 0 {
			return domain.RuleOutcomeFail, "rule matched"
		}
		return domain.RuleOutcomePass, "rule not matched"
	}

	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.SubRuleRef, band.Reason
		}
	}

	return domain.RuleOutcomePass, "no matching band"
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules replaces the loaded rules with the enabled ones in configs.
// The previous set stays active if any rule fails to compile.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// GetLoadedRules returns the loaded rule configurations ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close unloads all rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
