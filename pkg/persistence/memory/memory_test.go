package memory_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/persistence/memory"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/dukex/orquestra/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence(t *testing.T) {
	testutil.RunPersistenceSuite(t, t.Context(), memory.NewPersistence())
}

func TestPersistence_ConcurrentUpdatesSingleWinner(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewPersistence().WorkflowExecutionRepository()

	execution := testutil.CreateWorkflowExecution()
	require.NoError(t, repo.Create(ctx, execution))

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)

	for range 8 {
		copied, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()

			copied.SetStatus(statuses.Running)

			err := repo.Update(ctx, copied)
			if err == nil {
				winners.Add(1)
			} else if persistence.IsWriteConflict(err) {
				conflicts.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestPersistence_ReturnsCopies(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewPersistence().WorkflowExecutionRepository()

	execution := testutil.CreateWorkflowExecution()
	require.NoError(t, repo.Create(ctx, execution))

	execution.Flow.Vars["greeting"] = "changed"

	stored, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Flow.Vars["greeting"])
}
