package runstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

func testPlan() *types.Plan {
	return &types.Plan{
		Nodes: []types.NodeSpec{
			{ID: "a", Command: []string{"run", "a"}},
			{ID: "b", Command: []string{"run", "b"}, Inputs: []string{"a"}},
		},
	}
}

func createTestRun(t *testing.T, store *MemoryStore) string {
	t.Helper()
	runID, err := store.CreateRun(context.Background(), "test-run", testPlan())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return runID
}

func TestCreateRun_InitializesNodeStates(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	runID := createTestRun(t, store)

	meta, err := store.GetRunMeta(ctx, runID)
	if err != nil {
		t.Fatalf("GetRunMeta: %v", err)
	}
	if meta.Status != types.RunStatusQueued {
		t.Errorf("status = %v, want queued", meta.Status)
	}
	if meta.Name != "test-run" {
		t.Errorf("name = %q, want test-run", meta.Name)
	}

	states, err := store.GetNodeStates(ctx, runID)
	if err != nil {
		t.Fatalf("GetNodeStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d node states, want 2", len(states))
	}
	for id, state := range states {
		if state.Status != types.NodeStatusPending {
			t.Errorf("node %s status = %v, want pending", id, state.Status)
		}
	}
}

func TestGetRun_NotFound(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if _, err := store.GetRunMeta(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRunMeta error = %v, want ErrRunNotFound", err)
	}
	if _, err := store.GetEventsSince(ctx, "missing", 0); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetEventsSince error = %v, want ErrRunNotFound", err)
	}
}

func TestAppendEvent_MonotonicSeq(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	for i := 1; i <= 5; i++ {
		evt, err := store.AppendEvent(ctx, runID, &types.EventInput{
			Type: types.EventTypeLog,
			Data: map[string]interface{}{"line": i},
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if evt.Seq != int64(i) {
			t.Errorf("seq = %d, want %d", evt.Seq, i)
		}
		if evt.ID != fmt.Sprintf("%d", i) {
			t.Errorf("id = %q, want %d", evt.ID, i)
		}
		if evt.RunID != runID {
			t.Errorf("run id = %q, want %q", evt.RunID, runID)
		}
	}

	last, err := store.LastSeq(ctx, runID)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 5 {
		t.Errorf("LastSeq = %d, want 5", last)
	}
}

func TestGetEventsSince(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	for i := 0; i < 4; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := store.GetEventsSince(ctx, runID, 2)
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("seqs = [%d %d], want [3 4]", events[0].Seq, events[1].Seq)
	}

	// afterSeq beyond the log yields nothing.
	events, _ = store.GetEventsSince(ctx, runID, 100)
	if len(events) != 0 {
		t.Errorf("got %d events past the end, want 0", len(events))
	}
}

func TestGetLastNEvents(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := store.GetLastNEvents(ctx, runID, 2)
	if err != nil {
		t.Fatalf("GetLastNEvents: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("unexpected tail: %v", events)
	}

	// Asking for more than exists returns everything.
	events, _ = store.GetLastNEvents(ctx, runID, 50)
	if len(events) != 5 {
		t.Errorf("got %d events, want 5", len(events))
	}

	events, _ = store.GetLastNEvents(ctx, runID, 0)
	if len(events) != 0 {
		t.Errorf("got %d events for n=0, want 0", len(events))
	}
}

func TestAppendEvent_RingBuffer(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 3, SubscriberBuffer: 8})
	ctx := context.Background()
	runID := createTestRun(t, store)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	// Oldest events were evicted but seq keeps counting.
	events, _ := store.GetEventsSince(ctx, runID, 0)
	if len(events) != 3 {
		t.Fatalf("got %d retained events, want 3", len(events))
	}
	if events[0].Seq != 3 {
		t.Errorf("oldest retained seq = %d, want 3", events[0].Seq)
	}

	last, _ := store.LastSeq(ctx, runID)
	if last != 5 {
		t.Errorf("LastSeq = %d, want 5", last)
	}
}

func TestSubscribe_ReceivesLiveEvents(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	ch, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	appended, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Seq != appended.Seq {
			t.Errorf("received seq %d, want %d", evt.Seq, appended.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribe_SlowSubscriberDropped(t *testing.T) {
	store := NewMemoryStore(&Config{EventMaxLen: 100, SubscriberBuffer: 1})
	ctx := context.Background()
	runID := createTestRun(t, store)

	ch, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	// Fill the buffer, then overflow it: the subscriber is dropped and its
	// channel closed rather than delivering a gap.
	for i := 0; i < 3; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	// Drain: one buffered event, then closed.
	var received int
	for {
		evt, ok := <-ch
		if !ok {
			break
		}
		received++
		if evt.Seq != int64(received) {
			t.Errorf("seq = %d, want %d", evt.Seq, received)
		}
	}
	if received != 1 {
		t.Errorf("received %d events before drop, want 1", received)
	}
}

func TestSubscribe_CleanupIdempotent(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	_, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cleanup()
	cleanup() // must not panic on double close
}

func TestUpdateRunStatus_Transitions(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	now := time.Now().UTC()
	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &now, nil); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusSucceeded, nil, &now); err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}

	// Terminal states are final.
	err := store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &now, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("succeeded -> running error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateRunStatus_SkipsIllegalJump(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	now := time.Now().UTC()
	err := store.UpdateRunStatus(ctx, runID, types.RunStatusSucceeded, nil, &now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> succeeded error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateNodeState_Transitions(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	now := time.Now().UTC()
	running := &types.NodeState{NodeID: "a", Status: types.NodeStatusRunning, StartedAt: &now}
	if err := store.UpdateNodeState(ctx, runID, "a", running); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}

	succeeded := &types.NodeState{NodeID: "a", Status: types.NodeStatusSucceeded, FinishedAt: &now}
	if err := store.UpdateNodeState(ctx, runID, "a", succeeded); err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}

	err := store.UpdateNodeState(ctx, runID, "a", running)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("succeeded -> running error = %v, want ErrInvalidTransition", err)
	}

	state, _ := store.GetNodeState(ctx, runID, "a")
	if state.Status != types.NodeStatusSucceeded {
		t.Errorf("final status = %v, want succeeded", state.Status)
	}
}

func TestGetNodeState_Unknown(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	if _, err := store.GetNodeState(ctx, runID, "ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("error = %v, want ErrNodeNotFound", err)
	}
}

func TestNodeOutputs(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	// Absent outputs are nil, not an error.
	out, err := store.GetNodeOutputs(ctx, runID, "a")
	if err != nil || out != nil {
		t.Errorf("GetNodeOutputs = (%v, %v), want (nil, nil)", out, err)
	}

	if err := store.SetNodeOutputs(ctx, runID, "a", map[string]interface{}{"rows": 42}); err != nil {
		t.Fatalf("SetNodeOutputs: %v", err)
	}
	out, err = store.GetNodeOutputs(ctx, runID, "a")
	if err != nil {
		t.Fatalf("GetNodeOutputs: %v", err)
	}
	if out["rows"] != 42 {
		t.Errorf("rows = %v, want 42", out["rows"])
	}
}

func TestCancelRun(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusCancelled {
		t.Errorf("status = %v, want cancelled", meta.Status)
	}
	if meta.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}

	cancelled, _ := store.IsCancelled(ctx, runID)
	if !cancelled {
		t.Error("IsCancelled = false, want true")
	}

	// Idempotent on terminal runs.
	if err := store.CancelRun(ctx, runID); err != nil {
		t.Errorf("second CancelRun: %v", err)
	}
}

func TestCancelRun_TerminalStaysTerminal(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	now := time.Now().UTC()
	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &now, nil); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusSucceeded, nil, &now); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	meta, _ := store.GetRunMeta(ctx, runID)
	if meta.Status != types.RunStatusSucceeded {
		t.Errorf("status = %v, cancel must not override a terminal state", meta.Status)
	}
}

func TestListRuns(t *testing.T) {
	store := NewMemoryStore(nil)

	id1 := createTestRun(t, store)
	id2 := createTestRun(t, store)

	ids, err := store.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[id1] || !found[id2] {
		t.Errorf("ListRuns = %v, want both %s and %s", ids, id1, id2)
	}
}

func TestAdapterInfo(t *testing.T) {
	store := NewMemoryStore(nil)
	createTestRun(t, store)

	info, err := store.AdapterInfo(context.Background())
	if err != nil {
		t.Fatalf("AdapterInfo: %v", err)
	}
	if info["adapter"] != "memory" {
		t.Errorf("adapter = %v, want memory", info["adapter"])
	}
	if info["run_count"] != 1 {
		t.Errorf("run_count = %v, want 1", info["run_count"])
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	runID := createTestRun(t, store)

	ch, _, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
}
