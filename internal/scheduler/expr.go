// Package scheduler provides DAG execution for flowrun runs.
package scheduler

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEvaluator provides sandboxed expression evaluation with caching.
// Programs are compiled once per source string and reused; evaluation sees
// only the environment passed in, never host state.
type ExprEvaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewExprEvaluator creates a new expression evaluator.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Evaluate evaluates an expression against an environment.
// The environment contains:
//   - inputs: outputs from predecessor nodes keyed by node id
//   - context: run-level context (run_id, node_id, iteration vars)
//   - top-level copies of context vars for convenience
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		// Compile without a typed env so the cached program works for any
		// environment shape.
		var err error
		prog, err = expr.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", expression, err)
		}

		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// false, zero, empty string, and nil are false; anything else is true.
func (e *ExprEvaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	case nil:
		return false
	default:
		return true
	}
}

// EvaluateString evaluates an expression and returns a string result.
// Non-string results are stringified with fmt.Sprint.
func (e *ExprEvaluator) EvaluateString(expression string, env map[string]interface{}) (string, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return "", err
	}

	if s, ok := result.(string); ok {
		return s, nil
	}

	return fmt.Sprint(result), nil
}

// EvaluateSlice evaluates an expression and returns a slice result.
// Any ordered collection is accepted; non-collections are an error.
func (e *ExprEvaluator) EvaluateSlice(expression string, env map[string]interface{}) ([]interface{}, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return nil, err
	}

	return toSlice(result)
}

// toSlice converts collection types to []interface{}.
func toSlice(v interface{}) ([]interface{}, error) {
	switch val := v.(type) {
	case []interface{}:
		return val, nil
	case []string:
		result := make([]interface{}, len(val))
		for i, s := range val {
			result[i] = s
		}
		return result, nil
	case []int:
		result := make([]interface{}, len(val))
		for i, n := range val {
			result[i] = n
		}
		return result, nil
	case []float64:
		result := make([]interface{}, len(val))
		for i, n := range val {
			result[i] = n
		}
		return result, nil
	case []map[string]interface{}:
		result := make([]interface{}, len(val))
		for i, m := range val {
			result[i] = m
		}
		return result, nil
	case nil:
		return []interface{}{}, nil
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			result := make([]interface{}, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				result[i] = rv.Index(i).Interface()
			}
			return result, nil
		}
		return nil, fmt.Errorf("cannot convert %T to slice", v)
	}
}

// BuildEnvironment creates an evaluation environment from node outputs.
// The returned map has structure:
//
//	{
//	  "inputs": { "node_id": { "output_name": value, ... }, ... },
//	  "context": { "run_id": "...", "node_id": "...", ... }
//	}
//
// plus top-level copies of the context vars.
func BuildEnvironment(nodeOutputs map[string]map[string]interface{}, contextVars map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{})

	if nodeOutputs != nil {
		env["inputs"] = nodeOutputs
	} else {
		env["inputs"] = make(map[string]interface{})
	}

	if contextVars != nil {
		env["context"] = contextVars
	} else {
		env["context"] = make(map[string]interface{})
	}

	for k, v := range contextVars {
		if k != "inputs" && k != "context" {
			env[k] = v
		}
	}

	return env
}
