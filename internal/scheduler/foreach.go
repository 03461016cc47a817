package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

// executeForEach evaluates the collection expression and runs the loop body
// once per item. Iterations run under a per-loop semaphore (max_parallel, at
// least 1) and every body execution still goes through the global parallelism
// limiter. The first iteration failure cancels the remaining ones.
func (s *Scheduler) executeForEach(ctx context.Context, rctx *runContext, spec *types.NodeSpec) error {
	cfg := spec.ForEach

	env, err := s.buildExprEnvironment(ctx, rctx, spec.ID, nil)
	if err != nil {
		return fmt.Errorf("build environment: %w", err)
	}

	items, err := s.exprEval.EvaluateSlice(cfg.Collection, env)
	if err != nil {
		return fmt.Errorf("evaluate collection: %w", err)
	}

	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	s.emitEvent(ctx, rctx.runID, string(types.EventTypeLoopStarted), map[string]interface{}{
		"collection":   cfg.Collection,
		"item_count":   len(items),
		"max_parallel": maxParallel,
	}, spec.ID)

	if len(items) == 0 {
		// Empty collection: body nodes are skipped, the loop succeeds.
		for _, bodyID := range cfg.Body {
			s.skipNode(ctx, rctx, bodyID, "", "")
		}
		s.emitEvent(ctx, rctx.runID, string(types.EventTypeLoopComplete), map[string]interface{}{
			"iterations": 0,
			"skipped":    true,
		}, spec.ID)
		return s.store.SetNodeOutputs(ctx, rctx.runID, spec.ID, map[string]interface{}{
			"iterations": 0,
		})
	}

	s.markBodyNodes(ctx, rctx, cfg.Body, types.NodeStatusRunning)

	iterCtx, cancelIters := context.WithCancel(ctx)
	defer cancelIters()

	sem := make(chan struct{}, maxParallel)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		completed int
	)

	for idx, item := range items {
		select {
		case sem <- struct{}{}:
		case <-iterCtx.Done():
		}
		if iterCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(idx int, item interface{}) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.runLoopIteration(iterCtx, rctx, spec, idx, item, len(items)); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("iteration %d: %w", idx, err)
					cancelIters()
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			completed++
			mu.Unlock()
		}(idx, item)
	}

	wg.Wait()

	if firstErr != nil {
		s.markBodyNodes(ctx, rctx, cfg.Body, types.NodeStatusFailed)
		s.emitEvent(ctx, rctx.runID, string(types.EventTypeLoopComplete), map[string]interface{}{
			"iterations": completed,
			"error":      true,
		}, spec.ID)
		return firstErr
	}

	s.markBodyNodes(ctx, rctx, cfg.Body, types.NodeStatusSucceeded)

	s.emitEvent(ctx, rctx.runID, string(types.EventTypeLoopComplete), map[string]interface{}{
		"iterations": len(items),
	}, spec.ID)

	return s.store.SetNodeOutputs(ctx, rctx.runID, spec.ID, map[string]interface{}{
		"iterations": len(items),
	})
}

// runLoopIteration executes every body node once for a single item.
func (s *Scheduler) runLoopIteration(ctx context.Context, rctx *runContext, spec *types.NodeSpec, idx int, item interface{}, total int) error {
	cfg := spec.ForEach

	s.emitEvent(ctx, rctx.runID, string(types.EventTypeLoopIteration), map[string]interface{}{
		"index": idx,
		"item":  item,
		"total": total,
	}, spec.ID)

	for _, bodyID := range cfg.Body {
		rctx.mu.Lock()
		bodySpec, ok := rctx.nodeSpecs[bodyID]
		rctx.mu.Unlock()
		if !ok {
			return fmt.Errorf("body node %s not in plan", bodyID)
		}

		cmd := s.resolveCmd(bodySpec)
		if len(cmd) == 0 {
			continue
		}

		env := make(map[string]string, len(bodySpec.Env)+3)
		for k, v := range bodySpec.Env {
			env[k] = v
		}
		env["ITERATION_INDEX"] = fmt.Sprintf("%d", idx)
		if cfg.ItemVar != "" {
			env["LOOP_"+strings.ToUpper(cfg.ItemVar)] = itemString(item)
		}
		if cfg.IndexVar != "" {
			env["LOOP_"+strings.ToUpper(cfg.IndexVar)] = fmt.Sprintf("%d", idx)
		}

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		timeout := 0.0
		if bodySpec.Timeout > 0 {
			timeout = bodySpec.Timeout.Seconds()
		}
		exitCode, err := s.driver.RunNode(ctx, rctx.runID, bodyID, cmd, env, timeout)
		if s.sem != nil {
			<-s.sem
		}

		if err != nil {
			return fmt.Errorf("body node %s: %w", bodyID, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("body node %s: exit_code=%d", bodyID, exitCode)
		}

		// Per-iteration outputs live under <loop>_iter_<n> so later nodes can
		// reference individual iterations.
		if out, err := s.store.GetNodeOutputs(ctx, rctx.runID, bodyID); err == nil && len(out) > 0 {
			iterID := fmt.Sprintf("%s_iter_%d", spec.ID, idx)
			if err := s.store.SetNodeOutputs(ctx, rctx.runID, iterID, out); err != nil {
				s.logger.Warn("set iteration outputs",
					slog.String("run_id", rctx.runID),
					slog.String("node_id", iterID),
					slog.Any("error", err))
			}
		}
	}

	return nil
}

// markBodyNodes moves loop body nodes through their lifecycle as a unit. The
// loop owns its body: individual iterations never touch body node state.
func (s *Scheduler) markBodyNodes(ctx context.Context, rctx *runContext, body []string, status types.NodeStatus) {
	now := time.Now().UTC()
	for _, bodyID := range body {
		state := &types.NodeState{NodeID: bodyID, Status: status}
		switch status {
		case types.NodeStatusRunning:
			state.StartedAt = &now
		default:
			state.FinishedAt = &now
		}
		if err := s.store.UpdateNodeState(ctx, rctx.runID, bodyID, state); err != nil {
			s.logger.Error("update body node state",
				slog.String("run_id", rctx.runID),
				slog.String("node_id", bodyID),
				slog.Any("error", err))
			continue
		}
		s.emitNodeStatus(ctx, rctx.runID, bodyID, string(status), nil)
	}
}

// itemString renders a collection item for injection into a body node's
// environment. Strings pass through; everything else is JSON.
func itemString(item interface{}) string {
	if s, ok := item.(string); ok {
		return s
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprint(item)
	}
	return string(data)
}
