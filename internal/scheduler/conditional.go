package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/flowrun/internal/metrics"
	"github.com/flexinfer/flowrun/pkg/types"
)

// executeConditional evaluates a conditional node and routes execution to the
// selected branch. Targets reachable only through non-selected branches are
// skipped, recursively.
func (s *Scheduler) executeConditional(ctx context.Context, rctx *runContext, spec *types.NodeSpec) error {
	cfg := spec.Conditional

	env, err := s.buildExprEnvironment(ctx, rctx, spec.ID, nil)
	if err != nil {
		return fmt.Errorf("build environment: %w", err)
	}

	var selected string
	switch cfg.Kind {
	case "if", "":
		result, err := s.exprEval.EvaluateBool(cfg.Expression, env)
		if err != nil {
			return fmt.Errorf("evaluate condition: %w", err)
		}
		selected = "false"
		if result {
			selected = "true"
		}
		s.emitEvent(ctx, rctx.runID, string(types.EventTypeConditionEvaluated), map[string]interface{}{
			"expression": cfg.Expression,
			"result":     result,
		}, spec.ID)

	case "switch":
		result, err := s.exprEval.EvaluateString(cfg.Expression, env)
		if err != nil {
			return fmt.Errorf("evaluate switch expression: %w", err)
		}
		s.emitEvent(ctx, rctx.runID, string(types.EventTypeConditionEvaluated), map[string]interface{}{
			"expression": cfg.Expression,
			"result":     result,
		}, spec.ID)

		if _, ok := cfg.Branches[result]; ok {
			selected = result
		} else if cfg.Default != "" {
			selected = cfg.Default
		} else {
			return fmt.Errorf("no branch matches %q and no default branch defined", result)
		}

	default:
		return fmt.Errorf("unknown conditional kind %q", cfg.Kind)
	}

	branch, ok := cfg.Branches[selected]
	if !ok {
		return fmt.Errorf("branch %q not defined", selected)
	}

	s.logger.Info("branch selected",
		slog.String("run_id", rctx.runID),
		slog.String("node_id", spec.ID),
		slog.String("branch", selected))

	s.emitEvent(ctx, rctx.runID, string(types.EventTypeBranchSelected), map[string]interface{}{
		"branch":     selected,
		"expression": cfg.Expression,
		"targets":    branch.Targets,
	}, spec.ID)

	if err := s.store.SetNodeOutputs(ctx, rctx.runID, spec.ID, map[string]interface{}{
		"branch": selected,
	}); err != nil {
		s.logger.Error("set node outputs",
			slog.String("run_id", rctx.runID),
			slog.String("node_id", spec.ID),
			slog.Any("error", err))
	}

	selectedTargets := make(map[string]bool, len(branch.Targets))
	for _, t := range branch.Targets {
		selectedTargets[t] = true
	}

	for label, b := range cfg.Branches {
		if label == selected {
			continue
		}
		for _, target := range b.Targets {
			// A target shared with the selected branch still runs.
			if selectedTargets[target] {
				continue
			}
			s.skipNode(ctx, rctx, target, spec.ID, label)
		}
	}

	return nil
}

// skipNode marks a pending node skipped and propagates: each dependent loses
// the skipped predecessor, and a dependent whose predecessors are all skipped
// is itself skipped. When the skip originates from a conditional (condID is
// non-empty), every skipped node gets a branch_skipped event naming the
// conditional and the non-selected branch.
func (s *Scheduler) skipNode(ctx context.Context, rctx *runContext, nodeID, condID, branch string) {
	state, err := s.store.GetNodeState(ctx, rctx.runID, nodeID)
	if err == nil && state.Status != types.NodeStatusPending {
		return
	}

	now := time.Now().UTC()
	skipped := &types.NodeState{
		NodeID:     nodeID,
		Status:     types.NodeStatusSkipped,
		FinishedAt: &now,
	}
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, skipped); err != nil {
		s.logger.Error("skip node",
			slog.String("run_id", rctx.runID),
			slog.String("node_id", nodeID),
			slog.Any("error", err))
		return
	}
	s.emitNodeStatus(ctx, rctx.runID, nodeID, string(types.NodeStatusSkipped), nil)
	if condID != "" {
		s.emitEvent(ctx, rctx.runID, string(types.EventTypeBranchSkipped), map[string]interface{}{
			"conditional_node": condID,
			"branch":           branch,
		}, nodeID)
	}
	metrics.NodesTotal.WithLabelValues(string(types.NodeStatusSkipped)).Inc()

	rctx.mu.Lock()
	dependents := make([]string, 0, len(rctx.dependents[nodeID]))
	for dep := range rctx.dependents[nodeID] {
		dependents = append(dependents, dep)
		rctx.remainingPreds[dep]--
	}
	rctx.mu.Unlock()

	for _, dep := range dependents {
		rctx.mu.Lock()
		preds := make([]string, 0, len(rctx.predecessors[dep]))
		for p := range rctx.predecessors[dep] {
			preds = append(preds, p)
		}
		rctx.mu.Unlock()

		allSkipped := true
		for _, p := range preds {
			st, err := s.store.GetNodeState(ctx, rctx.runID, p)
			if err != nil || st.Status != types.NodeStatusSkipped {
				allSkipped = false
				break
			}
		}
		if allSkipped {
			s.skipNode(ctx, rctx, dep, condID, branch)
		}
	}
}

// buildExprEnvironment assembles the evaluation environment for a node:
// outputs of its direct predecessors under "inputs", plus run-level context.
func (s *Scheduler) buildExprEnvironment(ctx context.Context, rctx *runContext, nodeID string, extra map[string]interface{}) (map[string]interface{}, error) {
	rctx.mu.Lock()
	preds := make([]string, 0, len(rctx.predecessors[nodeID]))
	for p := range rctx.predecessors[nodeID] {
		preds = append(preds, p)
	}
	rctx.mu.Unlock()

	outputs := make(map[string]map[string]interface{}, len(preds))
	for _, p := range preds {
		out, err := s.store.GetNodeOutputs(ctx, rctx.runID, p)
		if err != nil || len(out) == 0 {
			continue
		}
		outputs[p] = out
	}

	contextVars := map[string]interface{}{
		"run_id":  rctx.runID,
		"node_id": nodeID,
	}
	for k, v := range extra {
		contextVars[k] = v
	}

	return BuildEnvironment(outputs, contextVars), nil
}
