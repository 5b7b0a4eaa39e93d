package condition

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/beacon/internal/workflow"
)

// MaxCacheSize is the maximum number of compiled expressions kept.
const MaxCacheSize = 256

// Verdict is the result of evaluating a condition list.
type Verdict struct {
	Passed bool
	// Failed is the first condition that did not hold.
	Failed workflow.ConditionKind
	// Index of Failed in the list, -1 when Passed.
	Index  int
	Reason string
}

// Evaluator evaluates condition lists. The only state it keeps is a cache of
// compiled expressions, so results depend on the Context alone.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger

	mu         sync.RWMutex
	prgCache   map[string]cel.Program
	cacheOrder []string
}

// NewEvaluator creates an Evaluator with the expression environment:
// page (map), source, isNew, device and properties (map).
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("page", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("source", cel.StringType),
		cel.Variable("isNew", cel.BoolType),
		cel.Variable("device", cel.StringType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		env:        env,
		logger:     logger.With("component", "condition"),
		prgCache:   make(map[string]cel.Program),
		cacheOrder: make([]string, 0, MaxCacheSize),
	}, nil
}

// Compile checks every Expression condition in conds so that a broken
// expression fails its workflow at load time.
func (e *Evaluator) Compile(conds []workflow.ConditionSpec) error {
	for i, c := range conds {
		expr, ok := c.Condition.(*workflow.Expression)
		if !ok {
			continue
		}
		if _, err := e.program(expr.Expr); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate AND-combines conds against c. An empty list passes. Evaluation
// stops at the first condition that does not hold; an unknown variant or a
// failing expression does not hold.
func (e *Evaluator) Evaluate(conds []workflow.ConditionSpec, c Context) Verdict {
	for i, spec := range conds {
		ok, reason := e.evaluateOne(spec.Condition, c)
		if !ok {
			var kind workflow.ConditionKind
			if spec.Condition != nil {
				kind = spec.Condition.Kind()
			}
			return Verdict{Failed: kind, Index: i, Reason: reason}
		}
	}
	return Verdict{Passed: true, Index: -1}
}

func (e *Evaluator) evaluateOne(cond workflow.Condition, c Context) (bool, string) {
	switch t := cond.(type) {
	case *workflow.URLPath:
		if MatchPath(t.Pattern, c.Path()) {
			return true, ""
		}
		return false, fmt.Sprintf("path %s does not match %s", c.Path(), t.Pattern)
	case *workflow.TrafficSource:
		if Source(t.Source) == c.Source {
			return true, ""
		}
		return false, fmt.Sprintf("source is %s, want %s", c.Source, t.Source)
	case *workflow.NewVsReturning:
		if t.IsNew == c.IsNew {
			return true, ""
		}
		if c.IsNew {
			return false, "visitor is new, want returning"
		}
		return false, "visitor is returning, want new"
	case *workflow.DeviceType:
		if Device(t.Device) == c.Device {
			return true, ""
		}
		return false, fmt.Sprintf("device is %s, want %s", c.Device, t.Device)
	case *workflow.Expression:
		ok, err := e.evalExpression(t.Expr, c)
		if err != nil {
			e.logger.Warn("Expression evaluation failed", "expr", t.Expr, "error", err)
			return false, err.Error()
		}
		if !ok {
			return false, fmt.Sprintf("%s is false", t.Expr)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown condition %T", cond)
	}
}

func (e *Evaluator) evalExpression(expr string, c Context) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	page := map[string]any{
		"path":     c.Path(),
		"url":      "",
		"host":     "",
		"query":    map[string]any{},
		"title":    c.Title,
		"referrer": c.Referrer,
	}
	if c.URL != nil {
		page["url"] = c.URL.String()
		page["host"] = c.URL.Hostname()
		query := make(map[string]any, len(c.URL.Query()))
		for k, v := range c.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		page["query"] = query
	}
	props := c.Properties
	if props == nil {
		props = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"page":       page,
		"source":     string(c.Source),
		"isNew":      c.IsNew,
		"device":     string(c.Device),
		"properties": props,
	})
	if err != nil {
		return false, fmt.Errorf("expression evaluation error: %w", err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out.Value())
	}
	return match, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.prgCache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	// FIFO eviction
	if len(e.prgCache) >= MaxCacheSize {
		oldest := e.cacheOrder[0]
		delete(e.prgCache, oldest)
		e.cacheOrder = e.cacheOrder[1:]
	}
	e.prgCache[expr] = prg
	e.cacheOrder = append(e.cacheOrder, expr)
	return prg, nil
}

// cacheLen is used by tests.
func (e *Evaluator) cacheLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.prgCache)
}
