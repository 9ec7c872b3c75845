package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/automation-engine/types"
)

const (
	workflowPrefix  = "workflow:"
	executionPrefix = "execution:"
	ownerPrefix     = "owner:"

	// maxTxRetries bounds optimistic WATCH/MULTI retries per update.
	maxTxRetries = 16
)

// getter is the subset of redis commands used for reads, satisfied by both
// clients and transactions.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func workflowKey(id string) string         { return workflowPrefix + id }
func executionKey(id string) string        { return executionPrefix + id }
func ownerIndexKey(ownerID string) string  { return ownerPrefix + ownerID + ":workflows" }
func executionIndexKey(wfID string) string { return workflowPrefix + wfID + ":executions" }

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client redis.UniversalClient
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client, e.g. one shared with the queue broker.
func NewRedisStorageWithClient(client redis.UniversalClient) *RedisStorage {
	return &RedisStorage{client: client}
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// listFromRedis loads every entity whose ID is a member of the index set.
func listFromRedis[T any](ctx context.Context, client redis.UniversalClient, indexKey, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", indexKey, err)
		}
		result := make([]T, 0, len(ids))
		if len(ids) == 0 {
			return result, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = prefix + id
		}
		values, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s entries: %w", indexKey, err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// Stale index entry.
				continue
			}
			var item T
			if err := json.Unmarshal([]byte(raw), &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			result = append(result, item)
		}
		return result, nil
	})
}

// updateInRedis runs an optimistic WATCH/MULTI read-modify-write on key. extra may
// queue additional commands in the same transaction.
func updateInRedis[T any](
	ctx context.Context,
	client redis.UniversalClient,
	key string,
	errNotFound error,
	fn func(*T) error,
	extra func(pipe redis.Pipeliner, before, after *T),
) (T, error) {
	var zero T
	for i := 0; i < maxTxRetries; i++ {
		var result T
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: key=%s", errNotFound, key)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}
			// Decode twice so the mutator cannot alias "before".
			var before, after T
			if err := json.Unmarshal(raw, &before); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if err := json.Unmarshal(raw, &after); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if err := fn(&after); err != nil {
				return err
			}
			data, err := json.Marshal(after)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if extra != nil {
					extra(pipe, &before, &after)
				}
				return nil
			})
			result = after
			return err
		}, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return zero, err
	}
	return zero, fmt.Errorf("%w: key=%s", ErrConflict, key)
}

// SaveWorkflow saves a workflow to Redis and indexes it by owner.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, workflowKey(wf.ID), data, 0)
			pipe.SAdd(ctx, ownerIndexKey(wf.OwnerID), wf.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save workflow %s in Redis: %w", wf.ID, err)
		}
		return nil
	})
}

// CreateWorkflow stores a workflow unless its key exists. The key is watched
// so a concurrent create of the same ID aborts the transaction.
func (s *RedisStorage) CreateWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	key := workflowKey(wf.ID)
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s in Redis: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("workflow %w: id=%s", ErrAlreadyExists, wf.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, ownerIndexKey(wf.OwnerID), wf.ID)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: key=%s", ErrConflict, key)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, workflowKey(id), ErrWorkflowNotFound)
}

// ListWorkflows returns the workflows of an owner.
func (s *RedisStorage) ListWorkflows(ctx context.Context, ownerID string) ([]types.WorkflowDefinition, error) {
	wfs, err := listFromRedis[types.WorkflowDefinition](ctx, s.client, ownerIndexKey(ownerID), workflowPrefix)
	if err != nil {
		return nil, err
	}
	sortWorkflows(wfs)
	return wfs, nil
}

// UpdateWorkflow atomically applies fn to a workflow, moving it between owner
// indexes if the owner changed.
func (s *RedisStorage) UpdateWorkflow(ctx context.Context, id string, fn WorkflowMutator) (types.WorkflowDefinition, error) {
	return updateInRedis(ctx, s.client, workflowKey(id), ErrWorkflowNotFound, fn,
		func(pipe redis.Pipeliner, before, after *types.WorkflowDefinition) {
			if before.OwnerID != after.OwnerID {
				pipe.SRem(ctx, ownerIndexKey(before.OwnerID), id)
				pipe.SAdd(ctx, ownerIndexKey(after.OwnerID), id)
			}
		})
}

// DeleteWorkflow removes a workflow from Redis.
func (s *RedisStorage) DeleteWorkflow(ctx context.Context, id string) error {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, workflowKey(id))
		pipe.SRem(ctx, ownerIndexKey(wf.OwnerID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	return nil
}

// SaveExecution saves an execution to Redis and indexes it by workflow.
func (s *RedisStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %s: %w", exec.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, executionKey(exec.ID), data, 0)
			pipe.SAdd(ctx, executionIndexKey(exec.WorkflowID), exec.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save execution %s in Redis: %w", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves an execution from Redis.
func (s *RedisStorage) GetExecution(ctx context.Context, id string) (types.WorkflowExecution, error) {
	return getFromRedis[types.WorkflowExecution](ctx, s.client, executionKey(id), ErrExecutionNotFound)
}

// ListExecutions returns the executions of a workflow.
func (s *RedisStorage) ListExecutions(ctx context.Context, workflowID string) ([]types.WorkflowExecution, error) {
	execs, err := listFromRedis[types.WorkflowExecution](ctx, s.client, executionIndexKey(workflowID), executionPrefix)
	if err != nil {
		return nil, err
	}
	sortExecutions(execs)
	return execs, nil
}

// UpdateExecution atomically applies fn to an execution.
func (s *RedisStorage) UpdateExecution(ctx context.Context, id string, fn ExecutionMutator) (types.WorkflowExecution, error) {
	return updateInRedis(ctx, s.client, executionKey(id), ErrExecutionNotFound, fn, nil)
}

// ClearCompleted removes terminal executions finished before the cutoff.
func (s *RedisStorage) ClearCompleted(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		removed := 0
		iter := s.client.Scan(ctx, 0, executionPrefix+"*", 100).Iterator()
		pipe := s.client.Pipeline()
		for iter.Next(ctx) {
			key := iter.Val()
			exec, err := getFromRedis[types.WorkflowExecution](ctx, s.client, key, ErrExecutionNotFound)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return removed, err
			}
			if expired(exec, before) {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, executionIndexKey(exec.WorkflowID), exec.ID)
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("failed to scan execution keys: %w", err)
		}
		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
