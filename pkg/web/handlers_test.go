package web_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/orquestra/pkg/action"
	"github.com/dukex/orquestra/pkg/metrics"
	"github.com/dukex/orquestra/pkg/mocks"
	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence/memory"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/dukex/orquestra/pkg/web"
	"github.com/dukex/orquestra/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	app        *fiber.App
	store      *memory.Persistence
	operator   *mocks.MockWorkflowService
	dispatcher *mocks.MockDispatcher
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics.New(reg).WorkflowStatus("running")

	ta := &testApp{
		store:      memory.NewPersistence(),
		operator:   &mocks.MockWorkflowService{},
		dispatcher: &mocks.MockDispatcher{},
	}

	ta.app = web.NewApp(ta.store, ta.operator, ta.dispatcher, reg)

	return ta
}

func (ta *testApp) do(t *testing.T, method, target string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ta.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))

	kind, _ := problem["type"].(string)

	return kind
}

func TestAPIHandlers_HealthAndMetrics(t *testing.T) {
	ta := setupTestApp(t)

	status, body := ta.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, body = ta.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `orquestra_workflow_execution_status_total{status="running"} 1`)
}

func TestAPIHandlers_HealthCheckFailure(t *testing.T) {
	store := mocks.NewMockPersistence()
	store.On("HealthCheck", mock.Anything).Return(errors.New("connection refused"))

	app := web.NewApp(store, &mocks.MockWorkflowService{}, &mocks.MockDispatcher{}, prometheus.NewRegistry())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIHandlers_CreateExecution(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		requestErr     error
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "accepted",
			body:           web.RunRequest{Action: "examples.flow", Parameters: map[string]any{"name": "world"}, User: "stanley"},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "missing action",
			body:           web.RunRequest{},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "unknown action",
			body:           web.RunRequest{Action: "examples.missing"},
			requestErr:     &action.NotFoundError{Ref: "examples.missing"},
			expectedStatus: http.StatusNotFound,
			expectedType:   "action_not_found",
		},
		{
			name:           "invalid parameters",
			body:           web.RunRequest{Action: "examples.flow"},
			requestErr:     &action.ParameterValidationError{Ref: "examples.flow", Reasons: []string{"name is required"}},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupTestApp(t)

			ta.dispatcher.On("Request", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					execution := args.Get(1).(*action.Execution)
					execution.ID = "acex-1"
					execution.Status = action.StatusRunning
				}).
				Return(tt.requestErr).
				Maybe()

			status, body := ta.do(t, http.MethodPost, "/executions", tt.body)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))

				return
			}

			assert.JSONEq(t, `{"id":"acex-1","action":"examples.flow","status":"running"}`, string(body))

			execution := ta.dispatcher.Calls[0].Arguments.Get(1).(*action.Execution)
			assert.Equal(t, "stanley", execution.Context.User)
			assert.Equal(t, map[string]any{"name": "world"}, execution.Parameters)
		})
	}
}

func TestAPIHandlers_OperatorRequests(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		method         string
		result         *models.WorkflowExecution
		err            error
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "pause",
			path:           "/executions/acex-1/pause",
			method:         "RequestPause",
			result:         &models.WorkflowExecution{ID: "wfex-1", Status: statuses.Pausing},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "resume",
			path:           "/executions/acex-1/resume",
			method:         "RequestResume",
			result:         &models.WorkflowExecution{ID: "wfex-1", Status: statuses.Running},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "cancel",
			path:           "/executions/acex-1/cancel",
			method:         "RequestCancellation",
			result:         &models.WorkflowExecution{ID: "wfex-1", Status: statuses.Canceled},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "not found",
			path:           "/executions/acex-1/cancel",
			method:         "RequestCancellation",
			err:            &workflow.WorkflowExecutionNotFoundError{ActionExecutionID: "acex-1"},
			expectedStatus: http.StatusNotFound,
			expectedType:   "workflow_execution_not_found",
		},
		{
			name:           "already completed",
			path:           "/executions/acex-1/pause",
			method:         "RequestPause",
			err:            &workflow.WorkflowExecutionAlreadyCompletedError{WorkflowExecutionID: "wfex-1", Status: statuses.Succeeded},
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
		{
			name:           "ambiguous",
			path:           "/executions/acex-1/resume",
			method:         "RequestResume",
			err:            &workflow.AmbiguousWorkflowExecutionError{ActionExecutionID: "acex-1", Count: 2},
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
		{
			name:           "conflicting writers",
			path:           "/executions/acex-1/cancel",
			method:         "RequestCancellation",
			err:            workflow.ErrRetryExhausted,
			expectedStatus: http.StatusServiceUnavailable,
			expectedType:   "write_conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupTestApp(t)

			if tt.result != nil {
				ta.operator.On(tt.method, mock.Anything, "acex-1").Return(tt.result, nil)
			} else {
				ta.operator.On(tt.method, mock.Anything, "acex-1").Return(nil, tt.err)
			}

			status, body := ta.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))
			} else {
				var wfEx models.WorkflowExecution
				require.NoError(t, json.Unmarshal(body, &wfEx))
				assert.Equal(t, tt.result.Status, wfEx.Status)
			}

			ta.operator.AssertExpectations(t)
		})
	}
}

func TestAPIHandlers_WorkflowExecutions(t *testing.T) {
	ta := setupTestApp(t)
	ctx := t.Context()

	running := &models.WorkflowExecution{ID: "wfex-1", ActionExecutionID: "acex-1", Status: statuses.Running}
	failed := &models.WorkflowExecution{ID: "wfex-2", ActionExecutionID: "acex-2", Status: statuses.Failed}

	require.NoError(t, ta.store.WorkflowExecutionRepository().Create(ctx, running))
	require.NoError(t, ta.store.WorkflowExecutionRepository().Create(ctx, failed))
	require.NoError(t, ta.store.TaskExecutionRepository().Create(ctx, models.NewTaskExecution("wfex-1", "task1", 0, nil, nil)))

	var list struct {
		WorkflowExecutions []*models.WorkflowExecution `json:"workflow_executions"`
	}

	status, body := ta.do(t, http.MethodGet, "/workflow-executions", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.WorkflowExecutions, 1)
	assert.Equal(t, "wfex-1", list.WorkflowExecutions[0].ID)

	status, body = ta.do(t, http.MethodGet, "/workflow-executions?action_execution_id=acex-2", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.WorkflowExecutions, 1)
	assert.Equal(t, "wfex-2", list.WorkflowExecutions[0].ID)

	status, body = ta.do(t, http.MethodGet, "/workflow-executions?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", problemType(t, body))

	status, body = ta.do(t, http.MethodGet, "/workflow-executions/wfex-2", nil)
	require.Equal(t, http.StatusOK, status)

	var wfEx models.WorkflowExecution
	require.NoError(t, json.Unmarshal(body, &wfEx))
	assert.Equal(t, statuses.Failed, wfEx.Status)

	status, body = ta.do(t, http.MethodGet, "/workflow-executions/wfex-1/tasks", nil)
	require.Equal(t, http.StatusOK, status)

	var tasks struct {
		TaskExecutions []*models.TaskExecution `json:"task_executions"`
	}
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks.TaskExecutions, 1)
	assert.Equal(t, "task1", tasks.TaskExecutions[0].TaskID)

	status, body = ta.do(t, http.MethodGet, "/workflow-executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problemType(t, body))

	status, _ = ta.do(t, http.MethodGet, "/workflow-executions/missing/tasks", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
