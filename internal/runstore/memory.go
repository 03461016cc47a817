package runstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowrun/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	id          string
	name        string
	plan        *types.Plan
	status      types.RunStatus
	startedAt   *time.Time
	finishedAt  *time.Time
	error       string
	nodes       map[string]*types.NodeState
	outputs     map[string]map[string]interface{} // nodeID -> outputs
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	cancelled   bool
	subscribers map[chan *types.Event]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
	logger *slog.Logger
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
		logger: slog.Default(),
	}
}

func (s *MemoryStore) getRun(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.New().String()
	now := time.Now().UTC()

	// Initialize node states from plan
	nodes := make(map[string]*types.NodeState)
	if plan != nil {
		for _, node := range plan.Nodes {
			nodes[node.ID] = &types.NodeState{
				NodeID: node.ID,
				Status: types.NodeStatusPending,
			}
		}
	}

	s.runs[runID] = &memoryRun{
		id:          runID,
		name:        name,
		plan:        plan,
		status:      types.RunStatusQueued,
		nodes:       nodes,
		outputs:     make(map[string]map[string]interface{}),
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}

	return runID, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.RunMeta{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.Run{
		ID:         run.id,
		Name:       run.name,
		Status:     run.status,
		Plan:       run.plan,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		Error:      run.error,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if !validRunTransition(run.status, status) {
		return ErrInvalidTransition
	}

	run.status = status
	run.updatedAt = time.Now().UTC()
	if startedAt != nil {
		run.startedAt = startedAt
	}
	if finishedAt != nil {
		run.finishedAt = finishedAt
	}

	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.status.Terminal() {
		return nil // Idempotent
	}

	now := time.Now().UTC()
	run.cancelled = true
	run.status = types.RunStatusCancelled
	run.finishedAt = &now
	run.updatedAt = now

	return nil
}

func (s *MemoryStore) UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	current := types.NodeStatusPending
	if existing, ok := run.nodes[nodeID]; ok {
		current = existing.Status
	}
	if !validNodeTransition(current, state.Status) {
		return ErrInvalidTransition
	}

	run.nodes[nodeID] = state
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	state, ok := run.nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	return state, nil
}

func (s *MemoryStore) GetNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	states := make(map[string]*types.NodeState, len(run.nodes))
	for id, st := range run.nodes {
		states[id] = st
	}
	return states, nil
}

func (s *MemoryStore) SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs map[string]interface{}) error {
	run, err := s.getRun(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.outputs[nodeID] = outputs
	run.updatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) GetNodeOutputs(ctx context.Context, runID, nodeID string) (map[string]interface{}, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	outputs, ok := run.outputs[nodeID]
	if !ok {
		return nil, nil // No outputs yet, not an error
	}

	return outputs, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()

	event, err := buildEvent(runID, run.nextSeq, input)
	if err != nil {
		run.mu.Unlock()
		return nil, err
	}
	run.nextSeq++

	// Ring buffer: drop oldest once the retention window is full
	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = event.Timestamp

	// Deliver to subscribers while holding the lock so commit order equals
	// delivery order. Slow subscribers are dropped, never skipped past.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			delete(run.subscribers, ch)
			close(ch)
			s.logger.Warn("dropping slow event subscriber",
				slog.String("run_id", runID),
				slog.Int64("seq", event.Seq))
		}
	}
	run.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, afterSeq int64) ([]*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	var result []*types.Event
	for _, evt := range run.events {
		if evt.Seq > afterSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLastNEvents(ctx context.Context, runID string, n int) ([]*types.Event, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if n <= 0 || len(run.events) == 0 {
		return nil, nil
	}
	start := len(run.events) - n
	if start < 0 {
		start = 0
	}
	result := make([]*types.Event, len(run.events)-start)
	copy(result, run.events[start:])
	return result, nil
}

func (s *MemoryStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return 0, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.nextSeq - 1, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.getRun(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, s.config.SubscriberBuffer)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		if _, ok := run.subscribers[ch]; ok {
			delete(run.subscribers, ch)
			close(ch)
		}
		run.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := s.getRun(runID)
	if err != nil {
		return false, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return run.cancelled, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
