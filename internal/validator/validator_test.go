package validator

import (
	"strings"
	"testing"

	"github.com/flexinfer/flowrun/pkg/types"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func hasError(result *ValidationResult, substr string) bool {
	for _, e := range result.Errors {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidatePlan_Valid(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "fetch", Command: []string{"fetch"}},
			{ID: "transform", Command: []string{"transform"}, Inputs: []string{"fetch"}},
			{ID: "publish", Command: []string{"publish"}, Inputs: []string{"transform"}},
		},
	}
	result := v.ValidatePlan(plan)
	if !result.Valid {
		t.Errorf("expected valid plan, got errors: %v", result.Errors)
	}
}

func TestValidatePlan_Empty(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidatePlan(&types.Plan{})
	if result.Valid {
		t.Error("expected invalid result for empty plan")
	}
	if !hasError(result, "no nodes") {
		t.Errorf("errors = %v, want no-nodes error", result.Errors)
	}
}

func TestValidatePlan_DuplicateIDs(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "work"},
			{ID: "work"},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "duplicate node id") {
		t.Errorf("errors = %v, want duplicate id error", result.Errors)
	}
}

func TestValidatePlan_UnknownInput(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Inputs: []string{"ghost"}},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "references unknown node") {
		t.Errorf("errors = %v, want unknown input error", result.Errors)
	}
}

func TestValidatePlan_SelfDependency(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Inputs: []string{"a"}},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "depends on itself") {
		t.Errorf("errors = %v, want self-dependency error", result.Errors)
	}
}

func TestValidatePlan_EdgeErrors(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
		Edges: []types.EdgeSpec{
			{From: "ghost", To: "b"},
			{From: "a", To: "a"},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasError(result, "edge references unknown node") {
		t.Errorf("errors = %v, want unknown edge node error", result.Errors)
	}
	if !hasError(result, "to itself") {
		t.Errorf("errors = %v, want self-edge error", result.Errors)
	}
}

func TestValidatePlan_CycleViaEdges(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []types.EdgeSpec{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "cycle") {
		t.Errorf("errors = %v, want cycle error", result.Errors)
	}
}

func TestValidatePlan_CycleAcrossEdgesAndInputs(t *testing.T) {
	v := newTestValidator(t)

	// a -> b declared via edge, b -> a declared via inputs.
	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Inputs: []string{"b"}},
			{ID: "b"},
		},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "cycle") {
		t.Errorf("errors = %v, want cycle error", result.Errors)
	}
}

func TestValidatePlan_ConditionalConfig(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		node    types.NodeSpec
		wantErr string
	}{
		{
			name:    "missing config",
			node:    types.NodeSpec{ID: "c", Type: types.NodeTypeConditional},
			wantErr: "no conditional config",
		},
		{
			name: "missing expression",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Branches: map[string]types.ConditionalBranch{
					"true":  {Targets: []string{"t"}},
					"false": {Targets: []string{"t"}},
				},
			}},
			wantErr: "no expression",
		},
		{
			name: "if missing false branch",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Expression: "true",
				Branches: map[string]types.ConditionalBranch{
					"true": {Targets: []string{"t"}},
				},
			}},
			wantErr: `missing branch "false"`,
		},
		{
			name: "switch undefined default",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Kind:       "switch",
				Expression: "x",
				Default:    "nope",
				Branches: map[string]types.ConditionalBranch{
					"us": {Targets: []string{"t"}},
				},
			}},
			wantErr: "is not defined",
		},
		{
			name: "unknown kind",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Kind:       "maybe",
				Expression: "x",
				Branches: map[string]types.ConditionalBranch{
					"a": {Targets: []string{"t"}},
				},
			}},
			wantErr: "unknown conditional kind",
		},
		{
			name: "branch targets unknown node",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Expression: "true",
				Branches: map[string]types.ConditionalBranch{
					"true":  {Targets: []string{"ghost"}},
					"false": {Targets: []string{"t"}},
				},
			}},
			wantErr: "targets unknown node",
		},
		{
			name: "branch targets itself",
			node: types.NodeSpec{ID: "c", Type: types.NodeTypeConditional, Conditional: &types.ConditionalConfig{
				Expression: "true",
				Branches: map[string]types.ConditionalBranch{
					"true":  {Targets: []string{"c"}},
					"false": {Targets: []string{"t"}},
				},
			}},
			wantErr: "targets its own node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &types.Plan{Nodes: []types.NodeSpec{tt.node, {ID: "t"}}}
			result := v.ValidatePlan(plan)
			if result.Valid || !hasError(result, tt.wantErr) {
				t.Errorf("errors = %v, want %q", result.Errors, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_ForEachConfig(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		cfg     *types.ForEachConfig
		wantErr string
	}{
		{
			name:    "missing collection",
			cfg:     &types.ForEachConfig{ItemVar: "x", Body: []string{"b"}},
			wantErr: "no collection expression",
		},
		{
			name:    "missing item var",
			cfg:     &types.ForEachConfig{Collection: "[1]", Body: []string{"b"}},
			wantErr: "no item_var",
		},
		{
			name:    "empty body",
			cfg:     &types.ForEachConfig{Collection: "[1]", ItemVar: "x"},
			wantErr: "empty body",
		},
		{
			name:    "negative max parallel",
			cfg:     &types.ForEachConfig{Collection: "[1]", ItemVar: "x", Body: []string{"b"}, MaxParallel: -1},
			wantErr: "must not be negative",
		},
		{
			name:    "body references unknown node",
			cfg:     &types.ForEachConfig{Collection: "[1]", ItemVar: "x", Body: []string{"ghost"}},
			wantErr: "unknown node",
		},
		{
			name:    "loop contains itself",
			cfg:     &types.ForEachConfig{Collection: "[1]", ItemVar: "x", Body: []string{"loop"}},
			wantErr: "contains itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &types.Plan{Nodes: []types.NodeSpec{
				{ID: "loop", Type: types.NodeTypeForEach, ForEach: tt.cfg},
				{ID: "b"},
			}}
			result := v.ValidatePlan(plan)
			if result.Valid || !hasError(result, tt.wantErr) {
				t.Errorf("errors = %v, want %q", result.Errors, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_SubflowRejected(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "sub", Type: types.NodeTypeSubflow, Subflow: &types.SubflowConfig{PlanID: "other"}},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "not supported") {
		t.Errorf("errors = %v, want subflow rejection", result.Errors)
	}
}

func TestValidatePlan_MultipleControlFlowConfigs(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{
				ID:   "both",
				Type: types.NodeTypeConditional,
				Conditional: &types.ConditionalConfig{
					Expression: "true",
					Branches: map[string]types.ConditionalBranch{
						"true":  {Targets: []string{"b"}},
						"false": {Targets: []string{"b"}},
					},
				},
				ForEach: &types.ForEachConfig{Collection: "[1]", ItemVar: "x", Body: []string{"b"}},
			},
			{ID: "b"},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "multiple control flow configs") {
		t.Errorf("errors = %v, want multiple-config error", result.Errors)
	}
}

func TestValidatePlan_TaskWithControlFlowConfig(t *testing.T) {
	v := newTestValidator(t)

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "t", Type: types.NodeTypeTask, ForEach: &types.ForEachConfig{
				Collection: "[1]", ItemVar: "x", Body: []string{"b"},
			}},
			{ID: "b"},
		},
	}
	result := v.ValidatePlan(plan)
	if result.Valid || !hasError(result, "must not declare a control flow config") {
		t.Errorf("errors = %v, want task config error", result.Errors)
	}
}

func TestValidatePlanJSON(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidatePlanJSON([]byte(`{"nodes": [{"id": "a", "command": ["run"]}]}`))
	if !result.Valid {
		t.Errorf("expected valid result, got %v", result.Errors)
	}

	result = v.ValidatePlanJSON([]byte(`not json`))
	if result.Valid || !hasError(result, "invalid JSON") {
		t.Errorf("errors = %v, want JSON error", result.Errors)
	}

	// Schema catches shape errors before graph checks run.
	result = v.ValidatePlanJSON([]byte(`{"nodes": "nope"}`))
	if result.Valid {
		t.Error("expected schema violation for non-array nodes")
	}

	// Bad id pattern is a schema violation.
	result = v.ValidatePlanJSON([]byte(`{"nodes": [{"id": "9starts-with-digit"}]}`))
	if result.Valid {
		t.Error("expected schema violation for invalid id")
	}

	// Oversized expressions are rejected at the schema layer.
	longExpr := strings.Repeat("x", 5000)
	result = v.ValidatePlanJSON([]byte(`{"nodes": [{"id": "c", "type": "conditional", "conditional": {"expression": "` + longExpr + `", "branches": {"true": {"targets": []}, "false": {"targets": []}}}}]}`))
	if result.Valid {
		t.Error("expected schema violation for oversized expression")
	}
}
