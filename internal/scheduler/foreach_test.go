package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

func loopPlan(cfg *types.ForEachConfig) *types.Plan {
	return &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "loop", Type: types.NodeTypeForEach, ForEach: cfg},
			{ID: "body", Type: types.NodeTypeTask, Command: []string{"process"}},
		},
	}
}

func TestExecuteForEach_RunsBodyPerItem(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var envs []map[string]string
	drv.runNodeFunc = func(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
		mu.Lock()
		envs = append(envs, env)
		mu.Unlock()
		return 0, nil
	}

	plan := loopPlan(&types.ForEachConfig{
		Collection: `["alpha", "beta"]`,
		ItemVar:    "item",
		IndexVar:   "i",
		Body:       []string{"body"},
	})
	runID, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(envs) != 2 {
		t.Fatalf("body executed %d times, want 2", len(envs))
	}

	seenItems := map[string]bool{}
	for _, env := range envs {
		if env["ITERATION_INDEX"] == "" {
			t.Error("missing ITERATION_INDEX in body env")
		}
		seenItems[env["LOOP_ITEM"]] = true
		if env["LOOP_I"] != env["ITERATION_INDEX"] {
			t.Errorf("LOOP_I = %q, want %q", env["LOOP_I"], env["ITERATION_INDEX"])
		}
	}
	if !seenItems["alpha"] || !seenItems["beta"] {
		t.Errorf("items seen = %v, want alpha and beta", seenItems)
	}

	outputs, _ := store.GetNodeOutputs(ctx, runID, "loop")
	if outputs["iterations"] != 2 {
		t.Errorf("iterations output = %v, want 2", outputs["iterations"])
	}

	state, _ := store.GetNodeState(ctx, runID, "body")
	if state.Status != types.NodeStatusSucceeded {
		t.Errorf("body status = %v, want succeeded", state.Status)
	}
}

func TestExecuteForEach_NonStringItemsAreJSON(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var items []string
	drv.runNodeFunc = func(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
		mu.Lock()
		items = append(items, env["LOOP_ROW"])
		mu.Unlock()
		return 0, nil
	}

	plan := loopPlan(&types.ForEachConfig{
		Collection: `[{"id": 1}]`,
		ItemVar:    "row",
		Body:       []string{"body"},
	})
	_, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(items) != 1 || items[0] != `{"id":1}` {
		t.Errorf("LOOP_ROW = %v, want [{\"id\":1}]", items)
	}
}

func TestExecuteForEach_EmptyCollection(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	plan := loopPlan(&types.ForEachConfig{
		Collection: `[]`,
		ItemVar:    "item",
		Body:       []string{"body"},
	})
	runID, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	if len(drv.callOrder()) != 0 {
		t.Errorf("driver called %v for empty collection", drv.callOrder())
	}

	state, _ := store.GetNodeState(ctx, runID, "body")
	if state.Status != types.NodeStatusSkipped {
		t.Errorf("body status = %v, want skipped", state.Status)
	}

	outputs, _ := store.GetNodeOutputs(ctx, runID, "loop")
	if outputs["iterations"] != 0 {
		t.Errorf("iterations output = %v, want 0", outputs["iterations"])
	}
}

func TestExecuteForEach_CollectionFromInputs(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	plan := &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "list", Type: types.NodeTypeTask, Command: []string{"list"}},
			{ID: "loop", Type: types.NodeTypeForEach, Inputs: []string{"list"}, ForEach: &types.ForEachConfig{
				Collection: "inputs.list.files",
				ItemVar:    "file",
				Body:       []string{"body"},
			}},
			{ID: "body", Type: types.NodeTypeTask, Command: []string{"process"}},
		},
	}
	runID, rctx := setupRun(t, s, store, plan)

	if err := store.SetNodeOutputs(ctx, runID, "list", map[string]interface{}{
		"files": []interface{}{"a.txt", "b.txt", "c.txt"},
	}); err != nil {
		t.Fatalf("SetNodeOutputs: %v", err)
	}

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	if got := len(drv.callOrder()); got != 3 {
		t.Errorf("body executed %d times, want 3", got)
	}
}

func TestExecuteForEach_IterationFailureFailsLoop(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	var mu sync.Mutex
	call := 0
	drv.runNodeFunc = func(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
		mu.Lock()
		call++
		failing := call == 1
		mu.Unlock()
		if failing {
			return 1, nil
		}
		return 0, nil
	}

	plan := loopPlan(&types.ForEachConfig{
		Collection:  `["a", "b", "c"]`,
		ItemVar:     "item",
		Body:        []string{"body"},
		MaxParallel: 1,
	})
	runID, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err == nil {
		t.Fatal("expected loop failure")
	}

	state, _ := store.GetNodeState(ctx, runID, "body")
	if state.Status != types.NodeStatusFailed {
		t.Errorf("body status = %v, want failed", state.Status)
	}

	// A failed loop still announces its completion.
	events, _ := store.GetEventsSince(ctx, runID, 0)
	found := false
	for _, evt := range events {
		if evt.Type != types.EventTypeLoopComplete {
			continue
		}
		found = true
		var data map[string]interface{}
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal loop_complete data: %v", err)
		}
		if data["error"] != true {
			t.Errorf("loop_complete error = %v, want true", data["error"])
		}
		if data["iterations"] == nil {
			t.Error("loop_complete missing iterations count")
		}
	}
	if !found {
		t.Error("loop_complete event not emitted for failed loop")
	}
}

func TestExecuteForEach_MaxParallelBoundsIterations(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	drv.runNodeFunc = func(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 0, nil
	}

	plan := loopPlan(&types.ForEachConfig{
		Collection:  `[1, 2, 3, 4]`,
		ItemVar:     "n",
		Body:        []string{"body"},
		MaxParallel: 2,
	})
	_, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	drv.mu.Lock()
	max := drv.maxObserved
	drv.mu.Unlock()
	if max > 2 {
		t.Errorf("observed %d concurrent iterations, want at most 2", max)
	}
}

func TestExecuteForEach_PerIterationOutputs(t *testing.T) {
	s, store, drv := newTestScheduler(nil)
	ctx := context.Background()

	drv.runNodeFunc = func(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
		// Simulate the body publishing outputs during execution.
		_ = store.SetNodeOutputs(ctx, runID, nodeID, map[string]interface{}{
			"processed": env["LOOP_ITEM"],
		})
		return 0, nil
	}

	plan := loopPlan(&types.ForEachConfig{
		Collection:  `["one"]`,
		ItemVar:     "item",
		Body:        []string{"body"},
		MaxParallel: 1,
	})
	runID, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	iterOut, err := store.GetNodeOutputs(ctx, runID, "loop_iter_0")
	if err != nil {
		t.Fatalf("GetNodeOutputs: %v", err)
	}
	if iterOut["processed"] != "one" {
		t.Errorf("iteration output = %v, want one", iterOut["processed"])
	}
}

func TestExecuteForEach_InvalidCollection(t *testing.T) {
	s, store, _ := newTestScheduler(nil)
	ctx := context.Background()

	plan := loopPlan(&types.ForEachConfig{
		Collection: `"not a list"`,
		ItemVar:    "item",
		Body:       []string{"body"},
	})
	_, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err == nil {
		t.Error("expected error for non-list collection")
	}
}

func TestExecuteForEach_EmitsLoopEvents(t *testing.T) {
	s, store, _ := newTestScheduler(nil)
	ctx := context.Background()

	plan := loopPlan(&types.ForEachConfig{
		Collection: `[1, 2]`,
		ItemVar:    "n",
		Body:       []string{"body"},
	})
	runID, rctx := setupRun(t, s, store, plan)

	if err := s.executeForEach(ctx, rctx, rctx.nodeSpecs["loop"]); err != nil {
		t.Fatalf("executeForEach: %v", err)
	}

	events, _ := store.GetEventsSince(ctx, runID, 0)
	counts := map[types.EventType]int{}
	for _, evt := range events {
		counts[evt.Type]++

		var data map[string]interface{}
		switch evt.Type {
		case types.EventTypeLoopStarted:
			if err := json.Unmarshal(evt.Data, &data); err != nil {
				t.Fatalf("unmarshal loop_started data: %v", err)
			}
			if data["collection"] != `[1, 2]` {
				t.Errorf("loop_started collection = %v, want [1, 2]", data["collection"])
			}
			if data["item_count"] != float64(2) {
				t.Errorf("loop_started item_count = %v, want 2", data["item_count"])
			}
			if data["max_parallel"] == nil {
				t.Error("loop_started missing max_parallel")
			}
		case types.EventTypeLoopIteration:
			if err := json.Unmarshal(evt.Data, &data); err != nil {
				t.Fatalf("unmarshal loop_iteration data: %v", err)
			}
			if data["total"] != float64(2) {
				t.Errorf("loop_iteration total = %v, want 2", data["total"])
			}
		}
	}
	if counts[types.EventTypeLoopStarted] != 1 {
		t.Errorf("loop_started events = %d, want 1", counts[types.EventTypeLoopStarted])
	}
	if counts[types.EventTypeLoopIteration] != 2 {
		t.Errorf("loop_iteration events = %d, want 2", counts[types.EventTypeLoopIteration])
	}
	if counts[types.EventTypeLoopComplete] != 1 {
		t.Errorf("loop_complete events = %d, want 1", counts[types.EventTypeLoopComplete])
	}
}
