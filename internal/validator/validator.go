// Package validator provides schema and graph validation for execution plans.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/flowrun/pkg/types"
)

// Validator validates execution plans: JSON schema first, then graph-level
// checks the schema cannot express.
type Validator struct {
	planSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with the embedded plan schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}

	planSchema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Validator{planSchema: planSchema}, nil
}

// ValidatePlanJSON validates a JSON-encoded plan against the schema and graph
// rules.
func (v *Validator) ValidatePlanJSON(data []byte) *ValidationResult {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}

	if err := v.planSchema.Validate(raw); err != nil {
		result := &ValidationResult{Valid: false}
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			result.Errors = extractErrors(verr)
		} else {
			result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
		}
		return result
	}

	var plan types.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("decode plan: %v", err)},
			},
		}
	}

	return v.ValidatePlan(&plan)
}

// ValidatePlan runs graph-level checks on a decoded plan.
func (v *Validator) ValidatePlan(plan *types.Plan) *ValidationResult {
	result := &ValidationResult{Valid: true}
	addError := func(path, format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    path,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(plan.Nodes) == 0 {
		addError("$.nodes", "plan has no nodes")
		return result
	}

	nodeIDs := make(map[string]bool, len(plan.Nodes))
	for i, node := range plan.Nodes {
		if node.ID == "" {
			addError(fmt.Sprintf("$.nodes[%d]", i), "node has no id")
			continue
		}
		if nodeIDs[node.ID] {
			addError(fmt.Sprintf("$.nodes[%d].id", i), "duplicate node id %q", node.ID)
		}
		nodeIDs[node.ID] = true
	}

	for i, node := range plan.Nodes {
		path := fmt.Sprintf("$.nodes[%d]", i)
		v.checkNodeConfig(node, path, nodeIDs, addError)

		for _, inputID := range node.Inputs {
			if !nodeIDs[inputID] {
				addError(path+".inputs", "input %q references unknown node", inputID)
			}
			if inputID == node.ID {
				addError(path+".inputs", "node %q depends on itself", node.ID)
			}
		}
	}

	for i, edge := range plan.Edges {
		path := fmt.Sprintf("$.edges[%d]", i)
		if !nodeIDs[edge.From] {
			addError(path+".from", "edge references unknown node %q", edge.From)
		}
		if !nodeIDs[edge.To] {
			addError(path+".to", "edge references unknown node %q", edge.To)
		}
		if edge.From == edge.To {
			addError(path, "edge from %q to itself", edge.From)
		}
	}

	if result.Valid {
		if cycle := findCycle(plan); cycle != "" {
			addError("$", "dependency cycle involving node %q", cycle)
		}
	}

	return result
}

// checkNodeConfig validates control-flow node shapes.
func (v *Validator) checkNodeConfig(node types.NodeSpec, path string, nodeIDs map[string]bool, addError func(path, format string, args ...interface{})) {
	configs := 0
	if node.Conditional != nil {
		configs++
	}
	if node.ForEach != nil {
		configs++
	}
	if node.Subflow != nil {
		configs++
	}
	if configs > 1 {
		addError(path, "node %q declares multiple control flow configs", node.ID)
		return
	}

	switch node.Type {
	case "", types.NodeTypeTask:
		if configs > 0 {
			addError(path, "task node %q must not declare a control flow config", node.ID)
		}
	case types.NodeTypeConditional:
		if node.Conditional == nil {
			addError(path, "conditional node %q has no conditional config", node.ID)
		}
	case types.NodeTypeForEach:
		if node.ForEach == nil {
			addError(path, "for_each node %q has no for_each config", node.ID)
		}
	case types.NodeTypeSubflow:
		addError(path, "subflow nodes are not supported")
		return
	default:
		addError(path+".type", "unknown node type %q", node.Type)
		return
	}

	if cfg := node.Conditional; cfg != nil {
		if cfg.Expression == "" {
			addError(path+".conditional.expression", "conditional node %q has no expression", node.ID)
		}
		switch cfg.Kind {
		case "", "if":
			for _, label := range []string{"true", "false"} {
				if _, ok := cfg.Branches[label]; !ok {
					addError(path+".conditional.branches", "if node %q is missing branch %q", node.ID, label)
				}
			}
		case "switch":
			if len(cfg.Branches) == 0 {
				addError(path+".conditional.branches", "switch node %q has no branches", node.ID)
			}
			if cfg.Default != "" {
				if _, ok := cfg.Branches[cfg.Default]; !ok {
					addError(path+".conditional.default", "default branch %q is not defined", cfg.Default)
				}
			}
		default:
			addError(path+".conditional.kind", "unknown conditional kind %q", cfg.Kind)
		}
		for label, branch := range cfg.Branches {
			for _, target := range branch.Targets {
				if !nodeIDs[target] {
					addError(path+".conditional.branches", "branch %q targets unknown node %q", label, target)
				}
				if target == node.ID {
					addError(path+".conditional.branches", "branch %q targets its own node", label)
				}
			}
		}
	}

	if cfg := node.ForEach; cfg != nil {
		if cfg.Collection == "" {
			addError(path+".for_each.collection", "for_each node %q has no collection expression", node.ID)
		}
		if cfg.ItemVar == "" {
			addError(path+".for_each.item_var", "for_each node %q has no item_var", node.ID)
		}
		if len(cfg.Body) == 0 {
			addError(path+".for_each.body", "for_each node %q has an empty body", node.ID)
		}
		if cfg.MaxParallel < 0 {
			addError(path+".for_each.max_parallel", "max_parallel must not be negative")
		}
		for _, bodyID := range cfg.Body {
			if !nodeIDs[bodyID] {
				addError(path+".for_each.body", "body references unknown node %q", bodyID)
			}
			if bodyID == node.ID {
				addError(path+".for_each.body", "loop %q contains itself", node.ID)
			}
		}
	}
}

// findCycle looks for a dependency cycle over edges plus node inputs.
// Returns an id on the cycle, or "" when the graph is acyclic.
func findCycle(plan *types.Plan) string {
	adj := make(map[string][]string)
	for _, edge := range plan.Edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}
	for _, node := range plan.Nodes {
		for _, inputID := range node.Inputs {
			adj[inputID] = append(adj[inputID], node.ID)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, node := range plan.Nodes {
		if color[node.ID] == white {
			if hit := visit(node.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// extractErrors recursively extracts schema validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "plan.json",
  "title": "Execution Plan",
  "description": "Schema for flowrun execution plans",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
            "description": "Node identifier"
          },
          "type": {
            "type": "string",
            "enum": ["task", "conditional", "for_each", "subflow"],
            "description": "Node type"
          },
          "image": {
            "type": "string",
            "description": "Container image"
          },
          "command": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Command and arguments"
          },
          "env": {
            "type": "object",
            "additionalProperties": {"type": "string"},
            "description": "Environment variables"
          },
          "inputs": {
            "type": "array",
            "items": {"type": "string"},
            "description": "IDs of nodes this depends on"
          },
          "timeout": {
            "type": "integer",
            "minimum": 0,
            "description": "Timeout in nanoseconds"
          },
          "retries": {
            "type": "integer",
            "minimum": 0,
            "maximum": 10,
            "description": "Max retry count"
          },
          "conditional": {
            "type": "object",
            "required": ["expression", "branches"],
            "properties": {
              "kind": {"type": "string", "enum": ["if", "switch"]},
              "expression": {"type": "string", "maxLength": 4096},
              "branches": {
                "type": "object",
                "additionalProperties": {
                  "type": "object",
                  "required": ["targets"],
                  "properties": {
                    "targets": {
                      "type": "array",
                      "items": {"type": "string"}
                    }
                  }
                }
              },
              "default": {"type": "string"}
            }
          },
          "for_each": {
            "type": "object",
            "required": ["collection", "item_var", "body"],
            "properties": {
              "collection": {"type": "string", "maxLength": 4096},
              "item_var": {"type": "string"},
              "index_var": {"type": "string"},
              "max_parallel": {"type": "integer", "minimum": 0},
              "body": {
                "type": "array",
                "minItems": 1,
                "items": {"type": "string"}
              }
            }
          },
          "subflow": {
            "type": "object",
            "required": ["plan_id"],
            "properties": {
              "plan_id": {"type": "string"},
              "input_mapping": {
                "type": "object",
                "additionalProperties": {"type": "string"}
              },
              "output_mapping": {
                "type": "object",
                "additionalProperties": {"type": "string"}
              }
            }
          }
        }
      },
      "description": "Nodes in the execution graph"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"}
        }
      },
      "description": "Data flow edges"
    },
    "metadata": {
      "type": "object",
      "description": "Plan metadata"
    }
  }
}`
