package planstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	planKeyPrefix = "flowrun:plan:"
	planIndexKey  = "flowrun:plans"
)

// RedisStore implements PlanStore using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed plan store.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) planKey(id string) string {
	return planKeyPrefix + id
}

// Create saves a new plan.
func (s *RedisStore) Create(ctx context.Context, req *CreatePlanRequest) (*StoredPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	exists, err := s.client.Exists(ctx, s.planKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check exists: %w", err)
	}
	if exists > 0 {
		return nil, ErrPlanExists
	}

	now := time.Now().UTC()
	plan := &StoredPlan{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		Plan:        req.Plan,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.planKey(id), data, 0)
	pipe.SAdd(ctx, planIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	return plan, nil
}

// Get retrieves a plan by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*StoredPlan, error) {
	data, err := s.client.Get(ctx, s.planKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	var plan StoredPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	return &plan, nil
}

// Update modifies an existing plan.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdatePlanRequest) (*StoredPlan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		plan.Name = *req.Name
	}
	if req.Description != nil {
		plan.Description = *req.Description
	}
	if req.Version != nil {
		plan.Version = *req.Version
	}
	if req.Plan != nil {
		plan.Plan = req.Plan
	}
	if req.Metadata != nil {
		plan.Metadata = req.Metadata
	}
	plan.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	if err := s.client.Set(ctx, s.planKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}

	return plan, nil
}

// Delete removes a plan.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.planKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrPlanNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.planKey(id))
	pipe.SRem(ctx, planIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}

	return nil
}

// List returns all plans matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*StoredPlan, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, planIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list plan ids: %w", err)
	}

	var plans []*StoredPlan
	for _, id := range ids {
		plan, err := s.Get(ctx, id)
		if err == ErrPlanNotFound {
			// Stale index entry
			s.client.SRem(ctx, planIndexKey, id)
			continue
		}
		if err != nil {
			continue
		}

		if opts.CreatedBy != "" && plan.CreatedBy != opts.CreatedBy {
			continue
		}

		plans = append(plans, plan)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(plans) {
			return []*StoredPlan{}, nil
		}
		plans = plans[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(plans) {
		plans = plans[:opts.Limit]
	}

	return plans, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
