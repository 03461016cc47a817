package types

// ConditionalConfig defines branching behavior for conditional nodes.
// Supports both "if" (boolean) and "switch" (multi-way) branching.
type ConditionalConfig struct {
	// Kind is the branching pattern: "if" for boolean or "switch" for multi-way.
	Kind string `json:"kind"`

	// Expression is evaluated to determine which branch to take.
	// For "if": should be truthy/falsy (e.g. "inputs.score.value > 0.8").
	// For "switch": its stringified result is matched against branch labels.
	Expression string `json:"expression"`

	// Branches maps branch labels to their configuration.
	// For "if": must define "true" and "false".
	// For "switch": labels are the expected expression results.
	Branches map[string]ConditionalBranch `json:"branches"`

	// Default is the branch label used when no switch label matches.
	Default string `json:"default,omitempty"`
}

// ConditionalBranch represents a single branch in a conditional node.
type ConditionalBranch struct {
	// Targets contains the IDs of downstream nodes activated when this branch
	// is taken.
	Targets []string `json:"targets"`
}

// ForEachConfig defines iteration behavior for loop nodes.
type ForEachConfig struct {
	// Collection is an expression yielding an ordered collection
	// (e.g. "inputs.fetch.items").
	Collection string `json:"collection"`

	// ItemVar is the variable name bound to the current item.
	ItemVar string `json:"item_var"`

	// IndexVar is an optional variable name bound to the iteration index.
	IndexVar string `json:"index_var,omitempty"`

	// MaxParallel bounds iteration concurrency; 0 or 1 means sequential.
	MaxParallel int `json:"max_parallel,omitempty"`

	// Body contains the IDs of nodes executed for each iteration.
	Body []string `json:"body"`
}

// SubflowConfig defines nested plan execution for subflow nodes.
// Subflows are not executable yet; plans containing them are rejected at
// validation time. The type is kept so stored plans round-trip.
type SubflowConfig struct {
	// PlanID identifies the stored plan to instantiate.
	PlanID string `json:"plan_id"`

	// InputMapping maps parent context variables to subflow input names.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// OutputMapping maps subflow output names back to parent variables.
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// Node type constants.
const (
	NodeTypeTask        = "task"
	NodeTypeConditional = "conditional"
	NodeTypeForEach     = "for_each"
	NodeTypeSubflow     = "subflow"
)

// IsControlFlowType returns true if the node type is a control flow type.
func IsControlFlowType(nodeType string) bool {
	switch nodeType {
	case NodeTypeConditional, NodeTypeForEach, NodeTypeSubflow:
		return true
	default:
		return false
	}
}
