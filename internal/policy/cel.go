package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator compiles and caches CUSTOM policy expressions. Programs run
// with a cost limit so an expression cannot stall enforcement.
type CELEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("owner", cel.StringType),
		cel.Variable("agent", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, cache: map[string]cel.Program{}}, nil
}

// Compile checks that expr parses, type-checks and yields a bool.
func (c *CELEvaluator) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

func (c *CELEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.cache[expr] = prg
	return prg, nil
}

// Eval runs expr against vars and returns its boolean result.
func (c *CELEvaluator) Eval(expr string, vars map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
