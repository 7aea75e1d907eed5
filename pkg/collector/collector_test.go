package collector_test

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/collector"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/mocks"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence/memory"
	"github.com/dukex/orquestra/pkg/spec"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/dukex/orquestra/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCollector_Collect(t *testing.T) {
	service := &mocks.MockWorkflowService{}
	reg := prometheus.NewRegistry()

	orphans := []*models.WorkflowExecution{
		{ID: "wfex-1", ActionExecutionID: "acex-1"},
		{ID: "wfex-2", ActionExecutionID: "acex-2"},
		{ID: "wfex-3", ActionExecutionID: "acex-3"},
	}

	service.On("IdentifyOrphanedWorkflows", mock.Anything, 30*time.Minute).Return(orphans, nil)
	service.On("RequestCancellation", mock.Anything, "acex-1").Return(&models.WorkflowExecution{ID: "wfex-1", Status: statuses.Canceled}, nil)
	service.On("RequestCancellation", mock.Anything, "acex-2").Return(&models.WorkflowExecution{ID: "wfex-2", Status: statuses.Canceling}, nil)
	service.On("RequestCancellation", mock.Anything, "acex-3").Return(nil, errors.New("boom"))
	service.On("ReplayCompletedTasks", mock.Anything, "wfex-2").Return(nil)

	c := collector.New(service, testLogger(), collector.WithMaxIdle(30*time.Minute), collector.WithMetrics(metrics.New(reg)))

	canceled, err := c.Collect(t.Context())
	require.NoError(t, err)
	require.Len(t, canceled, 2)
	assert.Equal(t, "wfex-1", canceled[0].ID)
	assert.Equal(t, "wfex-2", canceled[1].ID)

	service.AssertExpectations(t)
	service.AssertNotCalled(t, "ReplayCompletedTasks", mock.Anything, "wfex-1")

	count, err := testutil.GatherAndCount(reg, "orquestra_orphaned_workflows_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCollector_CollectIdentifyError(t *testing.T) {
	service := &mocks.MockWorkflowService{}
	service.On("IdentifyOrphanedWorkflows", mock.Anything, collector.DefaultMaxIdle).Return(nil, errors.New("store down"))

	_, err := collector.New(service, testLogger()).Collect(t.Context())
	require.ErrorContains(t, err, "store down")
}

func TestCollector_CancelsWorkflowWithLostUpdate(t *testing.T) {
	store := memory.NewPersistence()
	dispatcher := &mocks.MockDispatcher{}
	dispatcher.On("Request", mock.Anything, mock.Anything).Return(nil)
	dispatcher.On("Report", mock.Anything, mock.Anything).Return(nil)

	registry := action.NewDefaultRegistry()
	require.NoError(t, registry.Register(&action.Action{Ref: "examples.flow", Runner: action.RunnerWorkflow, Entry: "flow.yaml"}))

	service := workflow.NewService(store, dispatcher, registry, nil, testLogger())

	definition, err := spec.Load([]byte(`
version: 1.0
tasks:
  task1:
    action: core.noop
    next:
      - do: task2
  task2:
    action: core.noop
`))
	require.NoError(t, err)

	wfEx, err := service.RequestWorkflowExecution(t.Context(), definition, &action.Execution{ID: "acex-1", ActionRef: "examples.flow"})
	require.NoError(t, err)

	tasks, err := store.TaskExecutionRepository().GetByWorkflowExecution(t.Context(), wfEx.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	lost := tasks[0]
	require.NoError(t, lost.Transition(statuses.Succeeded))
	require.NoError(t, store.TaskExecutionRepository().Update(t.Context(), lost))

	canceled, err := collector.New(service, testLogger(), collector.WithMaxIdle(0)).Collect(t.Context())
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, wfEx.ID, canceled[0].ID)

	wfEx, err = store.WorkflowExecutionRepository().GetByID(t.Context(), wfEx.ID)
	require.NoError(t, err)
	assert.Equal(t, statuses.Canceled, wfEx.Status)
	assert.Empty(t, wfEx.Flow.Staged)

	dispatcher.AssertNumberOfCalls(t, "Request", 1)
}

func TestCollector_StartRejectsInvalidSchedule(t *testing.T) {
	c := collector.New(&mocks.MockWorkflowService{}, testLogger(), collector.WithSchedule("every now and then"))

	require.Error(t, c.Start(t.Context()))
	c.Stop()
}

func TestCollector_RunsOnSchedule(t *testing.T) {
	service := &mocks.MockWorkflowService{}
	ran := make(chan struct{}, 1)

	service.On("IdentifyOrphanedWorkflows", mock.Anything, collector.DefaultMaxIdle).
		Run(func(mock.Arguments) {
			select {
			case ran <- struct{}{}:
			default:
			}
		}).
		Return([]*models.WorkflowExecution{}, nil)

	c := collector.New(service, testLogger(), collector.WithSchedule("@every 1s"))
	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(c.Stop)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not run")
	}
}
