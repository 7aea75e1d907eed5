package mocks

import (
	"context"

	"github.com/dukex/orquestra/pkg/models"
	"github.com/dukex/orquestra/pkg/persistence"
	"github.com/dukex/orquestra/pkg/statuses"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowExecutionRepository is a mock implementation of persistence.WorkflowExecutionRepository interface.
type MockWorkflowExecutionRepository struct {
	mock.Mock
}

func (m *MockWorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockWorkflowExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowExecutionRepository) GetByActionExecution(ctx context.Context, actionExecutionID string) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, actionExecutionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowExecutionRepository) GetByStatus(ctx context.Context, status ...statuses.Status) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockWorkflowExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

// MockTaskExecutionRepository is a mock implementation of persistence.TaskExecutionRepository interface.
type MockTaskExecutionRepository struct {
	mock.Mock
}

func (m *MockTaskExecutionRepository) Create(ctx context.Context, execution *models.TaskExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockTaskExecutionRepository) GetByID(ctx context.Context, id string) (*models.TaskExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.TaskExecution), args.Error(1)
}

func (m *MockTaskExecutionRepository) GetByWorkflowExecution(ctx context.Context, workflowExecutionID string) ([]*models.TaskExecution, error) {
	args := m.Called(ctx, workflowExecutionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.TaskExecution), args.Error(1)
}

func (m *MockTaskExecutionRepository) Update(ctx context.Context, execution *models.TaskExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	workflowExecutions *MockWorkflowExecutionRepository
	taskExecutions     *MockTaskExecutionRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		workflowExecutions: &MockWorkflowExecutionRepository{},
		taskExecutions:     &MockTaskExecutionRepository{},
	}
}

func (m *MockPersistence) GetMockWorkflowExecutionRepository() *MockWorkflowExecutionRepository {
	return m.workflowExecutions
}

func (m *MockPersistence) GetMockTaskExecutionRepository() *MockTaskExecutionRepository {
	return m.taskExecutions
}

func (m *MockPersistence) WorkflowExecutionRepository() persistence.WorkflowExecutionRepository {
	return m.workflowExecutions
}

func (m *MockPersistence) TaskExecutionRepository() persistence.TaskExecutionRepository {
	return m.taskExecutions
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
