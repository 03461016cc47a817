package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/flowrun/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Run metadata and node state live in hashes, the plan in a string key, and
// the event log in a Redis Stream whose entry IDs encode the per-run sequence
// number ("<seq>-0"), which makes seq-addressed range reads natural.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	logger *slog.Logger

	// mu serializes read-modify-write transitions. Per the concurrency model a
	// run is owned by a single engine process, so a process-local lock is
	// sufficient for transition legality and seq assignment.
	mu sync.Mutex

	subsMu  sync.Mutex
	subs    map[string]map[chan *types.Event]struct{} // runID -> channels
	subBuf  int
	closed  bool
	closeMu sync.Mutex
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "flowrun")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// EventMaxLen caps the event stream length per run.
	EventMaxLen int64

	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:              "redis://localhost:6379/0",
		Prefix:           "flowrun",
		TTL:              7 * 24 * time.Hour,
		EventMaxLen:      5000,
		SubscriberBuffer: 256,
		PoolSize:         10,
		MinIdleConns:     2,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flowrun"
	}
	maxLen := cfg.EventMaxLen
	if maxLen <= 0 {
		maxLen = 5000
	}
	subBuf := cfg.SubscriberBuffer
	if subBuf <= 0 {
		subBuf = 256
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: maxLen,
		logger: slog.Default(),
		subs:   make(map[string]map[chan *types.Event]struct{}),
		subBuf: subBuf,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string    { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyNodes(runID string) string   { return fmt.Sprintf("%s:%s:nodes", s.prefix, runID) }
func (s *RedisStore) keyOutputs(runID string) string { return fmt.Sprintf("%s:%s:outputs", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string  { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string     { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyPlan(runID string) string    { return fmt.Sprintf("%s:%s:plan", s.prefix, runID) }
func (s *RedisStore) keyIndex() string               { return fmt.Sprintf("%s:runs", s.prefix) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyNodes(runID), s.ttl)
	pipe.Expire(ctx, s.keyOutputs(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	pipe.Expire(ctx, s.keyPlan(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("refresh run TTL", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (s *RedisStore) CreateRun(ctx context.Context, name string, plan *types.Plan) (string, error) {
	runID := uuid.New().String()
	now := time.Now().UTC()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"id":         runID,
		"name":       name,
		"status":     string(types.RunStatusQueued),
		"cancelled":  "0",
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, s.keyIndex(), runID)

	if plan != nil {
		planJSON, err := json.Marshal(plan)
		if err != nil {
			return "", fmt.Errorf("marshal plan: %w", err)
		}
		pipe.Set(ctx, s.keyPlan(runID), planJSON, s.ttl)

		nodeFields := make(map[string]interface{}, len(plan.Nodes))
		for _, node := range plan.Nodes {
			stateJSON, err := json.Marshal(&types.NodeState{NodeID: node.ID, Status: types.NodeStatusPending})
			if err != nil {
				return "", fmt.Errorf("marshal node state: %w", err)
			}
			nodeFields[node.ID] = stateJSON
		}
		if len(nodeFields) > 0 {
			pipe.HSet(ctx, s.keyNodes(runID), nodeFields)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	s.setTTL(ctx, runID)

	return runID, nil
}

func (s *RedisStore) readMeta(ctx context.Context, runID string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read run meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRunNotFound
	}
	return fields, nil
}

func metaToRunMeta(fields map[string]string) *types.RunMeta {
	meta := &types.RunMeta{
		ID:     fields["id"],
		Name:   fields["name"],
		Status: types.RunStatus(fields["status"]),
		Error:  fields["error"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		meta.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		meta.UpdatedAt = t
	}
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.StartedAt = &t
		}
	}
	if v := fields["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.FinishedAt = &t
		}
	}
	return meta
}

func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	fields, err := s.readMeta(ctx, runID)
	if err != nil {
		return nil, err
	}
	return metaToRunMeta(fields), nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	meta, err := s.GetRunMeta(ctx, runID)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:         meta.ID,
		Name:       meta.Name,
		Status:     meta.Status,
		StartedAt:  meta.StartedAt,
		FinishedAt: meta.FinishedAt,
		Error:      meta.Error,
		CreatedAt:  meta.CreatedAt,
		UpdatedAt:  meta.UpdatedAt,
	}

	planJSON, err := s.client.Get(ctx, s.keyPlan(runID)).Result()
	if err == nil && planJSON != "" {
		var plan types.Plan
		if err := json.Unmarshal([]byte(planJSON), &plan); err == nil {
			run.Plan = &plan
		}
	}

	return run, nil
}

func (s *RedisStore) ListRuns(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, startedAt, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := s.readMeta(ctx, runID)
	if err != nil {
		return err
	}
	if !validRunTransition(types.RunStatus(fields["status"]), status) {
		return ErrInvalidTransition
	}

	update := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if startedAt != nil {
		update["started_at"] = startedAt.Format(time.RFC3339Nano)
	}
	if finishedAt != nil {
		update["finished_at"] = finishedAt.Format(time.RFC3339Nano)
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), update).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := s.readMeta(ctx, runID)
	if err != nil {
		return err
	}
	if types.RunStatus(fields["status"]).Terminal() {
		return nil // Idempotent
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.client.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"status":      string(types.RunStatusCancelled),
		"cancelled":   "1",
		"finished_at": now,
		"updated_at":  now,
	}).Err()
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateNodeState(ctx context.Context, runID, nodeID string, state *types.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result(); err != nil {
		return fmt.Errorf("check run: %w", err)
	} else if exists == 0 {
		return ErrRunNotFound
	}

	current := types.NodeStatusPending
	if raw, err := s.client.HGet(ctx, s.keyNodes(runID), nodeID).Result(); err == nil {
		var existing types.NodeState
		if err := json.Unmarshal([]byte(raw), &existing); err == nil {
			current = existing.Status
		}
	}
	if !validNodeTransition(current, state.Status) {
		return ErrInvalidTransition
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyNodes(runID), nodeID, stateJSON).Err(); err != nil {
		return fmt.Errorf("update node state: %w", err)
	}
	return nil
}

func (s *RedisStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	raw, err := s.client.HGet(ctx, s.keyNodes(runID), nodeID).Result()
	if err == redis.Nil {
		if exists, _ := s.client.Exists(ctx, s.keyMeta(runID)).Result(); exists == 0 {
			return nil, ErrRunNotFound
		}
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read node state: %w", err)
	}

	var state types.NodeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal node state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) GetNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error) {
	fields, err := s.client.HGetAll(ctx, s.keyNodes(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read node states: %w", err)
	}
	if len(fields) == 0 {
		if exists, _ := s.client.Exists(ctx, s.keyMeta(runID)).Result(); exists == 0 {
			return nil, ErrRunNotFound
		}
	}

	states := make(map[string]*types.NodeState, len(fields))
	for id, raw := range fields {
		var state types.NodeState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		states[id] = &state
	}
	return states, nil
}

func (s *RedisStore) SetNodeOutputs(ctx context.Context, runID, nodeID string, outputs map[string]interface{}) error {
	outJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyOutputs(runID), nodeID, outJSON).Err(); err != nil {
		return fmt.Errorf("set node outputs: %w", err)
	}
	return nil
}

func (s *RedisStore) GetNodeOutputs(ctx context.Context, runID, nodeID string) (map[string]interface{}, error) {
	raw, err := s.client.HGet(ctx, s.keyOutputs(runID), nodeID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node outputs: %w", err)
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	return outputs, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result(); err != nil {
		return nil, fmt.Errorf("check run: %w", err)
	} else if exists == 0 {
		return nil, ErrRunNotFound
	}

	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	event, err := buildEvent(runID, seq, input)
	if err != nil {
		return nil, err
	}

	// Stream entry ID "<seq>-0" makes seq-addressed range reads direct.
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     seq,
			"type":    string(event.Type),
			"node_id": event.NodeID,
			"ts":      event.Timestamp.Format(time.RFC3339Nano),
			"data":    string(event.Data),
		},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	s.notify(runID, event)
	return event, nil
}

// notify fans the event out to local subscribers, dropping any whose buffer
// is full.
func (s *RedisStore) notify(runID string, event *types.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs[runID] {
		select {
		case ch <- event:
		default:
			delete(s.subs[runID], ch)
			close(ch)
			s.logger.Warn("dropping slow event subscriber",
				slog.String("run_id", runID),
				slog.Int64("seq", event.Seq))
		}
	}
}

func (s *RedisStore) eventsFromMessages(runID string, msgs []redis.XMessage) []*types.Event {
	events := make([]*types.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt := &types.Event{RunID: runID}
		if v, ok := msg.Values["seq"].(string); ok {
			evt.Seq, _ = strconv.ParseInt(v, 10, 64)
			evt.ID = v
		}
		if v, ok := msg.Values["type"].(string); ok {
			evt.Type = types.EventType(v)
		}
		if v, ok := msg.Values["node_id"].(string); ok {
			evt.NodeID = v
		}
		if v, ok := msg.Values["ts"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				evt.Timestamp = t
			}
		}
		if v, ok := msg.Values["data"].(string); ok && v != "" {
			evt.Data = json.RawMessage(v)
		}
		events = append(events, evt)
	}
	return events
}

func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, afterSeq int64) ([]*types.Event, error) {
	if exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result(); err != nil {
		return nil, fmt.Errorf("check run: %w", err)
	} else if exists == 0 {
		return nil, ErrRunNotFound
	}

	start := fmt.Sprintf("%d-0", afterSeq+1)
	msgs, err := s.client.XRange(ctx, s.keyEvents(runID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return s.eventsFromMessages(runID, msgs), nil
}

func (s *RedisStore) GetLastNEvents(ctx context.Context, runID string, n int) ([]*types.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, s.keyEvents(runID), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	// XREVRANGE returns newest first; restore increasing seq order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return s.eventsFromMessages(runID, msgs), nil
}

func (s *RedisStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	v, err := s.client.Get(ctx, s.keySeq(runID)).Result()
	if err == redis.Nil {
		if exists, _ := s.client.Exists(ctx, s.keyMeta(runID)).Result(); exists == 0 {
			return 0, ErrRunNotFound
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read seq: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	if exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result(); err != nil {
		return nil, nil, fmt.Errorf("check run: %w", err)
	} else if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, s.subBuf)

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan *types.Event]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subsMu.Unlock()

	cleanup := func() {
		s.subsMu.Lock()
		if set, ok := s.subs[runID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(s.subs, runID)
			}
		}
		s.subsMu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	v, err := s.client.HGet(ctx, s.keyMeta(runID), "cancelled").Result()
	if err == redis.Nil {
		if exists, _ := s.client.Exists(ctx, s.keyMeta(runID)).Result(); exists == 0 {
			return false, ErrRunNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancelled flag: %w", err)
	}
	return v == "1", nil
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	count, err := s.client.SCard(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return map[string]interface{}{
		"adapter":    "redis",
		"run_count":  count,
		"max_events": s.maxLen,
		"ttl_secs":   int64(s.ttl.Seconds()),
	}, nil
}

func (s *RedisStore) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.subsMu.Lock()
	for _, set := range s.subs {
		for ch := range set {
			close(ch)
		}
	}
	s.subs = make(map[string]map[chan *types.Event]struct{})
	s.subsMu.Unlock()

	return s.client.Close()
}

// Verify interface compliance
var _ RunStore = (*RedisStore)(nil)
