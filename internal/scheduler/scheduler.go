package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/flowrun/internal/driver"
	"github.com/flexinfer/flowrun/internal/metrics"
	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/pkg/types"
)

// CommandResolver resolves a NodeSpec to a command line to execute.
// Returning an empty command makes the node a successful no-op.
type CommandResolver func(node *types.NodeSpec) []string

// maxBackoffSecs caps retry backoff.
const maxBackoffSecs = 60.0

// runContext holds the transient scheduling state for a single run. It is a
// cache derived from the plan plus store state and lives from EnqueueRun until
// the run reaches a terminal status.
type runContext struct {
	runID string
	name  string

	mu             sync.Mutex
	nodeSpecs      map[string]*types.NodeSpec
	dependents     map[string]map[string]bool // node id -> downstream ids
	predecessors   map[string]map[string]bool // node id -> upstream ids
	remainingPreds map[string]int             // node id -> predecessors not yet succeeded/skipped
	loopBody       map[string]string          // body node id -> owning for-each node id
	nextEligible   map[string]time.Time       // retry backoff windows
	active         map[string]context.CancelFunc
	cancelled      bool

	wake chan struct{} // signals the run loop to re-evaluate
	stop context.CancelFunc
	done chan struct{}
}

func (rc *runContext) signal() {
	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

func (rc *runContext) isCancelled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled
}

func (rc *runContext) activeCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.active)
}

// Scheduler owns DAG execution for registered runs. The main loop is
// single-flow per run; node executions run as parallel tasks bounded by a
// process-wide semaphore shared across runs and for-each iterations.
type Scheduler struct {
	store      runstore.RunStore
	driver     driver.Driver
	resolveCmd CommandResolver
	exprEval   *ExprEvaluator
	logger     *slog.Logger
	tracer     trace.Tracer

	runs   map[string]*runContext
	runsMu sync.Mutex

	sem                chan struct{} // global parallelism limiter (nil = unlimited)
	defaultMaxRetries  int
	defaultBackoffSecs int
}

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism limits concurrent node executions across all runs
	// (0 = unlimited).
	MaxParallelism int

	// DefaultMaxRetries is the default retry count for task nodes.
	DefaultMaxRetries int

	// DefaultBackoffSecs is the initial backoff duration in seconds; it
	// doubles per attempt, capped at 60s.
	DefaultBackoffSecs int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism:     0,
		DefaultMaxRetries:  0,
		DefaultBackoffSecs: 2,
	}
}

// New creates a new scheduler.
func New(store runstore.RunStore, drv driver.Driver, resolveCmd CommandResolver, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var sem chan struct{}
	if cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, cfg.MaxParallelism)
	}

	return &Scheduler{
		store:              store,
		driver:             drv,
		resolveCmd:         resolveCmd,
		exprEval:           NewExprEvaluator(),
		logger:             logger,
		tracer:             otel.Tracer("flowrun/scheduler"),
		runs:               make(map[string]*runContext),
		sem:                sem,
		defaultMaxRetries:  cfg.DefaultMaxRetries,
		defaultBackoffSecs: cfg.DefaultBackoffSecs,
	}
}

// EnqueueRun registers a run with the scheduler. The run must already exist in
// the RunStore.
func (s *Scheduler) EnqueueRun(ctx context.Context, runID, name string, plan *types.Plan) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	if _, exists := s.runs[runID]; exists {
		return nil // Already enqueued
	}
	if plan == nil || len(plan.Nodes) == 0 {
		return fmt.Errorf("run %s has no plan", runID)
	}

	nodeSpecs := make(map[string]*types.NodeSpec, len(plan.Nodes))
	for i := range plan.Nodes {
		node := plan.Nodes[i] // copy: defaults must not mutate the stored plan
		if node.Retries == 0 && !node.IsControlFlow() {
			node.Retries = s.defaultMaxRetries
		}
		nodeSpecs[node.ID] = &node
	}

	dependents := make(map[string]map[string]bool, len(nodeSpecs))
	predecessors := make(map[string]map[string]bool, len(nodeSpecs))
	remainingPreds := make(map[string]int, len(nodeSpecs))
	for id := range nodeSpecs {
		dependents[id] = make(map[string]bool)
		predecessors[id] = make(map[string]bool)
		remainingPreds[id] = 0
	}

	addEdge := func(from, to string) {
		if _, ok := nodeSpecs[from]; !ok {
			return
		}
		if _, ok := nodeSpecs[to]; !ok {
			return
		}
		if dependents[from][to] {
			return // edge and inputs may both declare the same dependency
		}
		dependents[from][to] = true
		predecessors[to][from] = true
		remainingPreds[to]++
	}

	for _, edge := range plan.Edges {
		addEdge(edge.From, edge.To)
	}
	for id, node := range nodeSpecs {
		for _, inputID := range node.Inputs {
			addEdge(inputID, id)
		}
	}

	// Loop body nodes are executed by their for-each node, never by the
	// ready-set scan.
	loopBody := make(map[string]string)
	for id, node := range nodeSpecs {
		if node.ForEach == nil {
			continue
		}
		for _, bodyID := range node.ForEach.Body {
			if _, ok := nodeSpecs[bodyID]; ok {
				loopBody[bodyID] = id
			}
		}
	}

	rctx := &runContext{
		runID:          runID,
		name:           name,
		nodeSpecs:      nodeSpecs,
		dependents:     dependents,
		predecessors:   predecessors,
		remainingPreds: remainingPreds,
		loopBody:       loopBody,
		nextEligible:   make(map[string]time.Time),
		active:         make(map[string]context.CancelFunc),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	s.runs[runID] = rctx

	for nodeID := range nodeSpecs {
		s.emitNodeStatus(ctx, runID, nodeID, "queued", nil)
	}
	s.emitRunStatus(ctx, runID, string(types.RunStatusQueued))

	return nil
}

// StartRun transitions the run to running and begins execution.
func (s *Scheduler) StartRun(ctx context.Context, runID string) error {
	s.runsMu.Lock()
	rctx, exists := s.runs[runID]
	s.runsMu.Unlock()

	if !exists {
		return fmt.Errorf("run %s not enqueued", runID)
	}

	startedAt := time.Now().UTC()
	if err := s.store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, &startedAt, nil); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.emitEvent(ctx, runID, string(types.EventTypeHello), map[string]interface{}{
		"runId":       runID,
		"server_time": startedAt.Format(time.RFC3339),
	}, "")
	s.emitRunStatus(ctx, runID, string(types.RunStatusRunning))

	// The run loop outlives the enqueueing request. The stop handle is
	// assigned under the run lock so CancelRun can tell a started run (the
	// loop finalizes it) from a never-started one (CancelRun reaps it).
	loopCtx, stop := context.WithCancel(context.Background())
	rctx.mu.Lock()
	if rctx.cancelled {
		rctx.mu.Unlock()
		stop()
		return fmt.Errorf("run %s is cancelled", runID)
	}
	rctx.stop = stop
	rctx.mu.Unlock()

	metrics.RunsActive.Inc()
	go s.runLoop(loopCtx, rctx, startedAt)

	return nil
}

// CancelRun cancels a queued or running run. It is idempotent and a no-op on
// terminal runs.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	meta, err := s.store.GetRunMeta(ctx, runID)
	if err != nil {
		return err
	}
	if meta.Status.Terminal() {
		return nil
	}

	if err := s.store.CancelRun(ctx, runID); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	s.runsMu.Lock()
	rctx, exists := s.runs[runID]
	s.runsMu.Unlock()

	if exists {
		rctx.mu.Lock()
		alreadyCancelled := rctx.cancelled
		rctx.cancelled = true
		started := rctx.stop != nil
		cancels := make([]context.CancelFunc, 0, len(rctx.active))
		for _, cancel := range rctx.active {
			cancels = append(cancels, cancel)
		}
		rctx.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		rctx.signal()

		// A run that never started has no loop to finalize it: release the
		// context here so Done observers unblock.
		if !started && !alreadyCancelled {
			s.runsMu.Lock()
			delete(s.runs, runID)
			s.runsMu.Unlock()
			close(rctx.done)
		}
	}

	s.emitRunStatus(ctx, runID, string(types.RunStatusCancelled))

	return nil
}

// Done returns a channel closed when the run's main loop has exited.
// Nil if the run is not tracked.
func (s *Scheduler) Done(runID string) <-chan struct{} {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if rctx, ok := s.runs[runID]; ok {
		return rctx.done
	}
	return nil
}

// runLoop is the main execution loop for a run.
func (s *Scheduler) runLoop(ctx context.Context, rctx *runContext, startedAt time.Time) {
	defer close(rctx.done)
	defer metrics.RunsActive.Dec()

	for {
		if rctx.isCancelled() && rctx.activeCount() == 0 {
			s.finalize(ctx, rctx, types.RunStatusCancelled, startedAt)
			return
		}

		s.scheduleReady(ctx, rctx)

		if status, done := s.classify(ctx, rctx); done {
			s.finalize(ctx, rctx, status, startedAt)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-rctx.wake:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// scheduleReady starts every node whose predecessors are satisfied, whose
// store state is pending, whose retry window has elapsed, and that is not
// already active.
func (s *Scheduler) scheduleReady(ctx context.Context, rctx *runContext) {
	if rctx.isCancelled() {
		return
	}

	now := time.Now().UTC()
	var ready []*types.NodeSpec
	pendingDepth := 0

	rctx.mu.Lock()
	for nodeID, spec := range rctx.nodeSpecs {
		if _, owned := rctx.loopBody[nodeID]; owned {
			continue
		}
		if _, isActive := rctx.active[nodeID]; isActive {
			continue
		}
		if rctx.remainingPreds[nodeID] > 0 {
			continue
		}
		if until, ok := rctx.nextEligible[nodeID]; ok && now.Before(until) {
			pendingDepth++
			continue
		}

		state, err := s.store.GetNodeState(ctx, rctx.runID, nodeID)
		if err != nil || state.Status != types.NodeStatusPending {
			continue
		}
		pendingDepth++
		ready = append(ready, spec)
	}
	metrics.SchedulerQueueDepth.Set(float64(pendingDepth))
	rctx.mu.Unlock()

	for _, spec := range ready {
		s.startNode(ctx, rctx, spec)
	}
}

// startNode registers the node as active and launches its task. Slot
// acquisition happens inside the task so the main loop never blocks.
func (s *Scheduler) startNode(ctx context.Context, rctx *runContext, spec *types.NodeSpec) {
	nodeCtx, cancel := context.WithCancel(ctx)

	rctx.mu.Lock()
	if _, isActive := rctx.active[spec.ID]; isActive {
		rctx.mu.Unlock()
		cancel()
		return
	}
	rctx.active[spec.ID] = cancel
	rctx.mu.Unlock()

	go s.runNodeTask(ctx, nodeCtx, rctx, spec)
}

// runNodeTask executes one attempt of a node.
func (s *Scheduler) runNodeTask(ctx, nodeCtx context.Context, rctx *runContext, spec *types.NodeSpec) {
	nodeID := spec.ID

	defer func() {
		rctx.mu.Lock()
		if cancel, ok := rctx.active[nodeID]; ok {
			delete(rctx.active, nodeID)
			cancel()
		}
		rctx.mu.Unlock()
		rctx.signal()
	}()

	// Control-flow nodes run no driver command and take no parallelism slot;
	// for-each body executions acquire their own slots. Holding a slot here
	// would starve the loop's iterations at low parallelism bounds.
	if s.sem != nil && !spec.IsControlFlow() {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-nodeCtx.Done():
			return
		}
	}

	// Attempt count from the store survives retries.
	attempts := 0
	if state, err := s.store.GetNodeState(ctx, rctx.runID, nodeID); err == nil {
		attempts = state.Retries
	}

	startedAt := time.Now().UTC()
	runningState := &types.NodeState{
		NodeID:    nodeID,
		Status:    types.NodeStatusRunning,
		StartedAt: &startedAt,
		Retries:   attempts,
	}
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, runningState); err != nil {
		s.logger.Error("update node state",
			slog.String("run_id", rctx.runID),
			slog.String("node_id", nodeID),
			slog.Any("error", err))
		return
	}
	s.emitNodeStatus(ctx, rctx.runID, nodeID, string(types.NodeStatusRunning), nil)

	if spec.IsControlFlow() {
		s.runControlFlow(nodeCtx, rctx, spec, startedAt)
		return
	}

	cmd := s.resolveCmd(spec)
	if len(cmd) == 0 {
		// No command resolved: successful no-op.
		s.onNodeFinished(ctx, rctx, nodeID, startedAt, 0, "")
		return
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env["ATTEMPT"] = fmt.Sprintf("%d", attempts+1)

	timeout := 0.0
	if spec.Timeout > 0 {
		timeout = spec.Timeout.Seconds()
	}

	spanCtx, span := s.tracer.Start(nodeCtx, "node.run",
		trace.WithAttributes(
			attribute.String("run.id", rctx.runID),
			attribute.String("node.id", nodeID),
			attribute.Int("node.attempt", attempts+1),
		))
	exitCode, err := s.driver.RunNode(spanCtx, rctx.runID, nodeID, cmd, env, timeout)
	errMsg := ""
	if err != nil {
		s.logger.Error("driver error",
			slog.String("run_id", rctx.runID),
			slog.String("node_id", nodeID),
			slog.Any("error", err))
		if exitCode == 0 {
			exitCode = 1
		}
		errMsg = err.Error()
		span.SetStatus(codes.Error, errMsg)
	}
	span.SetAttributes(attribute.Int("node.exit_code", exitCode))
	span.End()

	s.onNodeFinished(ctx, rctx, nodeID, startedAt, exitCode, errMsg)
}

// runControlFlow evaluates a conditional or for-each node. Control-flow nodes
// have no user command and never retry: evaluation errors fail the node.
func (s *Scheduler) runControlFlow(ctx context.Context, rctx *runContext, spec *types.NodeSpec, startedAt time.Time) {
	var err error
	switch {
	case spec.Conditional != nil:
		err = s.executeConditional(ctx, rctx, spec)
	case spec.ForEach != nil:
		err = s.executeForEach(ctx, rctx, spec)
	default:
		err = fmt.Errorf("node %s: unsupported control flow type %q", spec.ID, spec.ControlFlowType())
	}

	finishedAt := time.Now().UTC()
	if err != nil {
		failed := &types.NodeState{
			NodeID:     spec.ID,
			Status:     types.NodeStatusFailed,
			StartedAt:  &startedAt,
			FinishedAt: &finishedAt,
			Error:      err.Error(),
		}
		if uerr := s.store.UpdateNodeState(ctx, rctx.runID, spec.ID, failed); uerr != nil {
			s.logger.Error("update node state",
				slog.String("run_id", rctx.runID),
				slog.String("node_id", spec.ID),
				slog.Any("error", uerr))
		}
		s.emitNodeStatus(ctx, rctx.runID, spec.ID, string(types.NodeStatusFailed), map[string]interface{}{
			"error": err.Error(),
		})
		metrics.NodesTotal.WithLabelValues(string(types.NodeStatusFailed)).Inc()
		return
	}

	s.onNodeFinished(ctx, rctx, spec.ID, startedAt, 0, "")
}

// onNodeFinished handles node completion: success, retry, or failure.
func (s *Scheduler) onNodeFinished(ctx context.Context, rctx *runContext, nodeID string, startedAt time.Time, exitCode int, errMsg string) {
	rctx.mu.Lock()
	spec := rctx.nodeSpecs[nodeID]
	cancelled := rctx.cancelled
	rctx.mu.Unlock()

	finishedAt := time.Now().UTC()

	state, _ := s.store.GetNodeState(ctx, rctx.runID, nodeID)
	attempts := 0
	if state != nil {
		attempts = state.Retries
	}

	if exitCode == 0 {
		newState := &types.NodeState{
			NodeID:     nodeID,
			Status:     types.NodeStatusSucceeded,
			StartedAt:  &startedAt,
			FinishedAt: &finishedAt,
			ExitCode:   &exitCode,
			Retries:    attempts,
		}
		if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
			s.logger.Error("update node state",
				slog.String("run_id", rctx.runID),
				slog.String("node_id", nodeID),
				slog.Any("error", err))
		}
		s.emitNodeStatus(ctx, rctx.runID, nodeID, string(types.NodeStatusSucceeded), nil)
		metrics.NodesTotal.WithLabelValues(string(types.NodeStatusSucceeded)).Inc()
		metrics.NodeDuration.WithLabelValues(string(types.NodeStatusSucceeded)).Observe(finishedAt.Sub(startedAt).Seconds())
		metrics.NodeRetries.WithLabelValues(string(types.NodeStatusSucceeded)).Observe(float64(attempts))

		// Unlock downstream nodes.
		rctx.mu.Lock()
		for downstream := range rctx.dependents[nodeID] {
			rctx.remainingPreds[downstream]--
		}
		rctx.mu.Unlock()
		return
	}

	// Failure. Cancelled runs never schedule retries.
	if !cancelled && attempts < spec.Retries {
		backoff := math.Min(float64(s.defaultBackoffSecs)*math.Pow(2, float64(attempts)), maxBackoffSecs)

		newState := &types.NodeState{
			NodeID:   nodeID,
			Status:   types.NodeStatusPending,
			ExitCode: &exitCode,
			Retries:  attempts + 1,
			Error:    retryError(exitCode, errMsg, backoff),
		}
		if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
			s.logger.Error("update node state",
				slog.String("run_id", rctx.runID),
				slog.String("node_id", nodeID),
				slog.Any("error", err))
		}

		s.emitNodeStatus(ctx, rctx.runID, nodeID, "queued", map[string]interface{}{
			"attempts": attempts + 1,
			"retry_in": backoff,
		})

		window := time.Duration(backoff * float64(time.Second))
		rctx.mu.Lock()
		rctx.nextEligible[nodeID] = time.Now().UTC().Add(window)
		rctx.mu.Unlock()

		// Wake the loop once the window elapses.
		go func() {
			timer := time.NewTimer(window)
			defer timer.Stop()
			select {
			case <-timer.C:
				rctx.signal()
			case <-rctx.done:
			}
		}()
		return
	}

	newState := &types.NodeState{
		NodeID:     nodeID,
		Status:     types.NodeStatusFailed,
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
		ExitCode:   &exitCode,
		Retries:    attempts,
		Error:      finalError(exitCode, errMsg),
	}
	if err := s.store.UpdateNodeState(ctx, rctx.runID, nodeID, newState); err != nil {
		s.logger.Error("update node state",
			slog.String("run_id", rctx.runID),
			slog.String("node_id", nodeID),
			slog.Any("error", err))
	}
	s.emitNodeStatus(ctx, rctx.runID, nodeID, string(types.NodeStatusFailed), map[string]interface{}{
		"error": newState.Error,
	})
	metrics.NodesTotal.WithLabelValues(string(types.NodeStatusFailed)).Inc()
	metrics.NodeDuration.WithLabelValues(string(types.NodeStatusFailed)).Observe(finishedAt.Sub(startedAt).Seconds())
	metrics.NodeRetries.WithLabelValues(string(types.NodeStatusFailed)).Observe(float64(attempts))
	// Predecessor counters of dependents are left untouched: downstream nodes
	// become unreachable and the run finalizes as failed.
}

func retryError(exitCode int, errMsg string, backoff float64) string {
	if errMsg != "" {
		return fmt.Sprintf("%s (exit_code=%d, retry in %.0fs)", errMsg, exitCode, backoff)
	}
	return fmt.Sprintf("exit_code=%d, retry in %.0fs", exitCode, backoff)
}

func finalError(exitCode int, errMsg string) string {
	if errMsg != "" {
		return fmt.Sprintf("%s (exit_code=%d)", errMsg, exitCode)
	}
	return fmt.Sprintf("exit_code=%d", exitCode)
}

// classify inspects node states and decides whether the run is finished.
func (s *Scheduler) classify(ctx context.Context, rctx *runContext) (types.RunStatus, bool) {
	if rctx.activeCount() > 0 {
		return "", false
	}

	states, err := s.store.GetNodeStates(ctx, rctx.runID)
	if err != nil {
		s.logger.Error("read node states", slog.String("run_id", rctx.runID), slog.Any("error", err))
		return "", false
	}

	var total, running, failed, succeeded, skipped, schedulable, blocked int
	rctx.mu.Lock()
	for nodeID := range rctx.nodeSpecs {
		// Body nodes follow their for-each node's outcome.
		if _, owned := rctx.loopBody[nodeID]; owned {
			continue
		}
		total++
		state, ok := states[nodeID]
		status := types.NodeStatusPending
		if ok {
			status = state.Status
		}
		switch status {
		case types.NodeStatusRunning:
			running++
		case types.NodeStatusFailed:
			failed++
		case types.NodeStatusSucceeded:
			succeeded++
		case types.NodeStatusSkipped:
			skipped++
		default:
			// A pending node is schedulable if its predecessors are satisfied
			// (its retry window, if any, will elapse); otherwise it is blocked
			// behind other nodes.
			if rctx.remainingPreds[nodeID] == 0 {
				schedulable++
			} else {
				blocked++
			}
		}
	}
	rctx.mu.Unlock()

	if succeeded+skipped == total {
		return types.RunStatusSucceeded, true
	}
	if failed > 0 && running == 0 && schedulable == 0 {
		return types.RunStatusFailed, true
	}
	_ = blocked
	return "", false
}

// finalize commits the terminal run status, emits the final run_status event,
// and releases the run context. Cancelled runs are already terminal in the
// store and their final event was emitted by CancelRun.
func (s *Scheduler) finalize(ctx context.Context, rctx *runContext, status types.RunStatus, startedAt time.Time) {
	finishedAt := time.Now().UTC()

	if status != types.RunStatusCancelled {
		if err := s.store.UpdateRunStatus(ctx, rctx.runID, status, nil, &finishedAt); err != nil {
			s.logger.Error("finalize run",
				slog.String("run_id", rctx.runID),
				slog.String("status", string(status)),
				slog.Any("error", err))
		}
		s.emitRunStatus(ctx, rctx.runID, string(status))
	}

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(status)).Observe(finishedAt.Sub(startedAt).Seconds())

	if err := s.driver.CleanupRun(ctx, rctx.runID); err != nil {
		s.logger.Warn("driver cleanup",
			slog.String("run_id", rctx.runID),
			slog.Any("error", err))
	}

	s.logger.Info("run finished",
		slog.String("run_id", rctx.runID),
		slog.String("name", rctx.name),
		slog.String("status", string(status)),
		slog.Duration("duration", finishedAt.Sub(startedAt)))

	s.runsMu.Lock()
	delete(s.runs, rctx.runID)
	s.runsMu.Unlock()
}

// Event emission helpers

func (s *Scheduler) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID string) {
	input := &types.EventInput{
		Type:   types.EventType(eventType),
		NodeID: nodeID,
		Data:   data,
	}
	if _, err := s.store.AppendEvent(ctx, runID, input); err != nil {
		s.logger.Error("append event",
			slog.String("run_id", runID),
			slog.String("type", eventType),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(eventType).Inc()
}

func (s *Scheduler) emitRunStatus(ctx context.Context, runID, status string) {
	s.emitEvent(ctx, runID, string(types.EventTypeRunStatus), map[string]interface{}{
		"runId":  runID,
		"status": status,
	}, "")
}

func (s *Scheduler) emitNodeStatus(ctx context.Context, runID, nodeID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"runId":  runID,
		"nodeId": nodeID,
		"status": status,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emitEvent(ctx, runID, string(types.EventTypeNodeStatus), data, nodeID)
}
