package scheduler

import (
	"strings"
	"testing"
)

func TestExprEvaluator_Evaluate(t *testing.T) {
	e := NewExprEvaluator()

	env := BuildEnvironment(
		map[string]map[string]interface{}{
			"fetch": {"count": 7, "name": "report"},
		},
		map[string]interface{}{"run_id": "r-1", "node_id": "n-1"},
	)

	result, err := e.Evaluate("inputs.fetch.count * 2", env)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result != 14 {
		t.Errorf("result = %v, want 14", result)
	}
}

func TestExprEvaluator_MaxLength(t *testing.T) {
	e := NewExprEvaluator()

	long := "1 + " + strings.Repeat("1 + ", 2000) + "1"
	if len(long) <= e.MaxExpressionLength {
		t.Fatalf("test expression too short: %d", len(long))
	}
	if _, err := e.Evaluate(long, nil); err == nil {
		t.Error("expected error for oversized expression")
	}

	// Exactly at the limit is still fine.
	padded := "1 " + strings.Repeat(" ", e.MaxExpressionLength-4) + "+1"
	if len(padded) > e.MaxExpressionLength {
		t.Fatalf("padded expression too long: %d", len(padded))
	}
	if _, err := e.Evaluate(padded, nil); err != nil {
		t.Errorf("Evaluate at limit: %v", err)
	}
}

func TestExprEvaluator_CompileError(t *testing.T) {
	e := NewExprEvaluator()
	if _, err := e.Evaluate("1 +", nil); err == nil {
		t.Error("expected compile error")
	}
}

func TestExprEvaluator_CachesPrograms(t *testing.T) {
	e := NewExprEvaluator()

	if _, err := e.Evaluate("1 + 1", nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	e.mu.RLock()
	_, cached := e.compiled["1 + 1"]
	e.mu.RUnlock()
	if !cached {
		t.Error("program not cached after evaluation")
	}

	// Same source against a different environment reuses the program.
	env := BuildEnvironment(nil, map[string]interface{}{"run_id": "r-2"})
	if _, err := e.Evaluate("1 + 1", env); err != nil {
		t.Errorf("Evaluate with cached program: %v", err)
	}
}

func TestEvaluateBool_Truthiness(t *testing.T) {
	e := NewExprEvaluator()

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"1", true},
		{"0", false},
		{"0.0", false},
		{"1.5", true},
		{`""`, false},
		{`"yes"`, true},
		{"nil", false},
		{"[1, 2]", true},
		{"{}", true},
		{"2 > 1", true},
		{"2 < 1", false},
	}
	for _, tt := range tests {
		got, err := e.EvaluateBool(tt.expr, nil)
		if err != nil {
			t.Errorf("EvaluateBool(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvaluateBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvaluateString(t *testing.T) {
	e := NewExprEvaluator()

	got, err := e.EvaluateString(`"us-" + "east"`, nil)
	if err != nil {
		t.Fatalf("EvaluateString: %v", err)
	}
	if got != "us-east" {
		t.Errorf("got %q, want us-east", got)
	}

	// Non-string results are stringified.
	got, err = e.EvaluateString("40 + 2", nil)
	if err != nil {
		t.Fatalf("EvaluateString: %v", err)
	}
	if got != "42" {
		t.Errorf("got %q, want 42", got)
	}
}

func TestEvaluateSlice(t *testing.T) {
	e := NewExprEvaluator()

	items, err := e.EvaluateSlice(`["a", "b", "c"]`, nil)
	if err != nil {
		t.Fatalf("EvaluateSlice: %v", err)
	}
	if len(items) != 3 || items[0] != "a" {
		t.Errorf("items = %v", items)
	}

	// nil collections are empty, not an error.
	items, err = e.EvaluateSlice("nil", nil)
	if err != nil {
		t.Fatalf("EvaluateSlice(nil): %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v, want empty", items)
	}

	if _, err := e.EvaluateSlice("42", nil); err == nil {
		t.Error("expected error for scalar collection")
	}
}

func TestEvaluateSlice_Filter(t *testing.T) {
	e := NewExprEvaluator()

	env := BuildEnvironment(
		map[string]map[string]interface{}{
			"scan": {"sizes": []interface{}{1, 5, 10}},
		},
		nil,
	)

	items, err := e.EvaluateSlice("filter(inputs.scan.sizes, # > 3)", env)
	if err != nil {
		t.Fatalf("EvaluateSlice: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("filtered items = %v, want 2 entries", items)
	}
}

func TestBuildEnvironment_Shape(t *testing.T) {
	env := BuildEnvironment(
		map[string]map[string]interface{}{"n1": {"x": 1}},
		map[string]interface{}{"run_id": "r-9", "iteration": 4},
	)

	if _, ok := env["inputs"]; !ok {
		t.Error("missing inputs key")
	}
	if _, ok := env["context"]; !ok {
		t.Error("missing context key")
	}

	// Context vars are mirrored at top level for terser expressions.
	if env["run_id"] != "r-9" {
		t.Errorf("top-level run_id = %v, want r-9", env["run_id"])
	}
	if env["iteration"] != 4 {
		t.Errorf("top-level iteration = %v, want 4", env["iteration"])
	}
}

func TestBuildEnvironment_NilMaps(t *testing.T) {
	env := BuildEnvironment(nil, nil)
	if env["inputs"] == nil {
		t.Error("inputs should default to an empty map")
	}
	if env["context"] == nil {
		t.Error("context should default to an empty map")
	}
}
