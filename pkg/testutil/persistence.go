package testutil

import (
	"context"
	"testing"

	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceSuite checks the behavior every persistence backend must share.
func RunPersistenceSuite(t *testing.T, ctx context.Context, p persistence.Persistence) {
	t.Helper()

	t.Run("health check", func(t *testing.T) {
		require.NoError(t, p.HealthCheck(ctx))
	})

	t.Run("workflow execution lifecycle", func(t *testing.T) {
		repo := p.WorkflowExecutionRepository()
		execution := CreateWorkflowExecution()

		require.NoError(t, repo.Create(ctx, execution))

		err := repo.Create(ctx, execution)
		assert.True(t, persistence.IsAlreadyExists(err))

		stored, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, execution.ID, stored.ID)
		assert.Equal(t, execution.ActionExecutionID, stored.ActionExecutionID)
		assert.Equal(t, statuses.Requested, stored.Status)
		assert.True(t, stored.Spec.Inspected)
		assert.Equal(t, []string{"task1"}, stored.Graph.Roots)
		require.Len(t, stored.Flow.Staged, 1)
		assert.Equal(t, "hello", stored.Flow.Vars["greeting"])

		stored.SetStatus(statuses.Running)
		require.NoError(t, repo.Update(ctx, stored))
		assert.Equal(t, execution.Revision+1, stored.Revision)

		reloaded, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, statuses.Running, reloaded.Status)
		assert.Equal(t, stored.Revision, reloaded.Revision)
	})

	t.Run("workflow execution write conflict", func(t *testing.T) {
		repo := p.WorkflowExecutionRepository()
		execution := CreateWorkflowExecution()
		require.NoError(t, repo.Create(ctx, execution))

		first, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)

		second, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)

		first.SetStatus(statuses.Running)
		require.NoError(t, repo.Update(ctx, first))

		second.SetStatus(statuses.Canceled)
		err = repo.Update(ctx, second)
		require.Error(t, err)
		assert.True(t, persistence.IsWriteConflict(err))

		current, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, statuses.Running, current.Status)
	})

	t.Run("workflow execution not found", func(t *testing.T) {
		repo := p.WorkflowExecutionRepository()

		_, err := repo.GetByID(ctx, uuid.New().String())
		assert.True(t, persistence.IsWorkflowExecutionNotFound(err))

		err = repo.Update(ctx, CreateWorkflowExecution())
		assert.True(t, persistence.IsWorkflowExecutionNotFound(err))
	})

	t.Run("workflow execution queries", func(t *testing.T) {
		repo := p.WorkflowExecutionRepository()
		owner := uuid.New().String()

		paused := CreateWorkflowExecution(WithActionExecution(owner), WithStatus(statuses.Paused))
		canceling := CreateWorkflowExecution(WithStatus(statuses.Canceling))

		require.NoError(t, repo.Create(ctx, paused))
		require.NoError(t, repo.Create(ctx, canceling))

		owned, err := repo.GetByActionExecution(ctx, owner)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, paused.ID, owned[0].ID)

		none, err := repo.GetByActionExecution(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Empty(t, none)

		byStatus, err := repo.GetByStatus(ctx, statuses.Paused, statuses.Canceling)
		require.NoError(t, err)

		ids := make([]string, 0, len(byStatus))
		for _, execution := range byStatus {
			ids = append(ids, execution.ID)
		}

		assert.Contains(t, ids, paused.ID)
		assert.Contains(t, ids, canceling.ID)
	})

	t.Run("task execution lifecycle", func(t *testing.T) {
		repo := p.TaskExecutionRepository()
		workflowExecutionID := uuid.New().String()

		first := CreateTaskExecution(workflowExecutionID, "task1", 0)
		second := CreateTaskExecution(workflowExecutionID, "task1", 1)

		require.NoError(t, repo.Create(ctx, first))
		require.NoError(t, repo.Create(ctx, second))

		stale, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "core.noop", stale.TaskSpec.Action)

		require.NoError(t, first.Transition(statuses.Running))
		require.NoError(t, repo.Update(ctx, first))

		require.NoError(t, stale.Transition(statuses.Canceled))
		assert.True(t, persistence.IsWriteConflict(repo.Update(ctx, stale)))

		tasks, err := repo.GetByWorkflowExecution(ctx, workflowExecutionID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, 0, tasks[0].Ordinal)
		assert.Equal(t, 1, tasks[1].Ordinal)
		assert.Equal(t, statuses.Running, tasks[0].Status)

		_, err = repo.GetByID(ctx, uuid.New().String())
		assert.True(t, persistence.IsTaskExecutionNotFound(err))
	})
}
