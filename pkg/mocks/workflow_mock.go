package mocks

import (
	"context"
	"time"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowService is a mock of the workflow service operations driven by the garbage
// collector and the operator endpoints.
type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) IdentifyOrphanedWorkflows(ctx context.Context, maxIdle time.Duration) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, maxIdle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowService) RequestPause(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, acExID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowService) RequestResume(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, acExID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowService) RequestCancellation(ctx context.Context, acExID string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, acExID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowService) ReplayCompletedTasks(ctx context.Context, wfExID string) error {
	args := m.Called(ctx, wfExID)

	return args.Error(0)
}
