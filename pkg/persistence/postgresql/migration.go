package postgresql

import "github.com/dukex/orquestra/pkg/persistence/sqlbase"

func migrations() []sqlbase.Migration {
	return []sqlbase.Migration{
		{Version: 1, Name: "create_workflow_executions", SQL: `
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				action_execution_id VARCHAR(255) NOT NULL,
				action_context JSONB,
				spec JSONB NOT NULL,
				graph JSONB NOT NULL,
				flow JSONB NOT NULL,
				input JSONB DEFAULT '{}',
				output JSONB,
				errors JSONB DEFAULT '[]',
				status VARCHAR(50) NOT NULL,
				revision BIGINT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_action_execution_id ON workflow_executions(action_execution_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_started_at ON workflow_executions(started_at);
		`},
		{Version: 2, Name: "create_task_executions", SQL: `
			CREATE TABLE task_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_execution_id VARCHAR(255) NOT NULL,
				task_id VARCHAR(255) NOT NULL,
				ordinal INT NOT NULL DEFAULT 0,
				task_spec JSONB,
				initial_context JSONB DEFAULT '{}',
				action_execution_id VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				result JSONB,
				revision BIGINT NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_task_executions_workflow_execution_id ON task_executions(workflow_execution_id);
			CREATE INDEX idx_task_executions_status ON task_executions(status);
			CREATE UNIQUE INDEX idx_task_executions_instance ON task_executions(workflow_execution_id, task_id, ordinal);
		`},
	}
}
