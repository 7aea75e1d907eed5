// Package redis provides Redis persistence for execution records.
//
// Records are stored as hashes holding the JSON document and its revision. Updates
// WATCH the record key and compare revisions inside a MULTI/EXEC transaction; a
// concurrent writer aborts the transaction, which is reported as a write conflict.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orquestra/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "orquestra:"

// workflowExecutionKey returns the key of a workflow execution: orquestra:wfex:{id}
func workflowExecutionKey(id string) string { return keyPrefix + "wfex:" + id }

// workflowExecutionIDsKey is the Set tracking all workflow execution ids.
const workflowExecutionIDsKey = keyPrefix + "wfex_ids"

// actionExecutionIndexKey returns the Set of workflow executions owned by an action execution.
func actionExecutionIndexKey(actionExecutionID string) string {
	return keyPrefix + "wfex_by_acex:" + actionExecutionID
}

// taskExecutionKey returns the key of a task execution: orquestra:tkex:{id}
func taskExecutionKey(id string) string { return keyPrefix + "tkex:" + id }

// workflowTasksIndexKey returns the Set of task executions of a workflow execution.
func workflowTasksIndexKey(workflowExecutionID string) string {
	return keyPrefix + "tkex_by_wfex:" + workflowExecutionID
}

const (
	fieldData     = "data"
	fieldRevision = "revision"
)

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client       goredis.UniversalClient
	workflowRepo *WorkflowExecutionRepository
	taskRepo     *TaskExecutionRepository
}

// NewPersistence connects to the Redis server at redisURL (redis://host:port/db).
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	options, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client. Close closes the client.
func NewWithClient(client goredis.UniversalClient, logger *slog.Logger) *Persistence {
	logger = logger.With("module", "redis_persistence")

	return &Persistence{
		client:       client,
		workflowRepo: &WorkflowExecutionRepository{client: client, logger: logger},
		taskRepo:     &TaskExecutionRepository{client: client, logger: logger},
	}
}

func (p *Persistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return p.workflowRepo
}

func (p *Persistence) TaskExecutionRepository() persistence.TaskExecutionRepository {
	return p.taskRepo
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

// create stores a new record with revision 1 and registers it in the given index sets.
func create(ctx context.Context, client goredis.UniversalClient, key string, record any, indexes map[string]string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}

		if exists > 0 {
			return persistence.ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, data, fieldRevision, 1)

			for set, member := range indexes {
				pipe.SAdd(ctx, set, member)
			}

			return nil
		})

		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return persistence.ErrAlreadyExists
	}

	return err
}

// load reads the JSON document stored at key. It returns goredis.Nil when the key is missing.
func load(ctx context.Context, client goredis.Cmdable, key string, out any) error {
	data, err := client.HGet(ctx, key, fieldData).Bytes()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return nil
}

// compareAndSwap replaces the record at key when its stored revision equals revision.
// It returns missing when the key does not exist.
func compareAndSwap(ctx context.Context, client goredis.UniversalClient, key string, revision int64, record any, missing error) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.HGet(ctx, key, fieldRevision).Int64()
		if errors.Is(err, goredis.Nil) {
			return missing
		}

		if err != nil {
			return err
		}

		if stored != revision {
			return persistence.ErrWriteConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldData, data, fieldRevision, revision+1)

			return nil
		})

		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return persistence.ErrWriteConflict
	}

	return err
}
