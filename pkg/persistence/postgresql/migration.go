package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				steps JSONB NOT NULL DEFAULT '[]',
				goal JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_tenant ON workflows(tenant_id);
			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_deleted_at ON workflows(deleted_at);

			-- Immutable snapshots of active workflow definitions; executions
			-- pin against these.
			CREATE TABLE workflow_versions (
				workflow_id VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, version)
			);

			CREATE TABLE triggers (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				category VARCHAR(50),
				filters JSONB,
				settings JSONB NOT NULL DEFAULT '{}',
				active BOOLEAN NOT NULL DEFAULT false,
				created_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- One trigger per workflow.
			CREATE UNIQUE INDEX idx_triggers_workflow ON triggers(workflow_id);
			CREATE INDEX idx_triggers_tenant_event ON triggers(tenant_id, event_type) WHERE active;

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL,
				subject_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_step_id VARCHAR(255) NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				source VARCHAR(50) NOT NULL,
				event_id VARCHAR(255),
				resume_at TIMESTAMP WITH TIME ZONE,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				cancel_reason TEXT,
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT,
				reason VARCHAR(100)
			);

			CREATE INDEX idx_executions_open ON executions(tenant_id, workflow_id, subject_id)
				WHERE status NOT IN ('completed', 'failed', 'cancelled');
			CREATE INDEX idx_executions_resume_at ON executions(resume_at)
				WHERE resume_at IS NOT NULL AND status NOT IN ('completed', 'failed', 'cancelled');

			CREATE TABLE execution_log (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				step_index INTEGER NOT NULL,
				action_type VARCHAR(100),
				status VARCHAR(50) NOT NULL,
				duration_ns BIGINT NOT NULL DEFAULT 0,
				error TEXT,
				at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_log_execution ON execution_log(execution_id, at);
		`,
		2: `
			CREATE TABLE bulk_jobs (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL DEFAULT 0,
				selection JSONB NOT NULL DEFAULT '{}',
				batch_size INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				counters JSONB NOT NULL DEFAULT '{}',
				failures JSONB,
				unmatched JSONB,
				submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_bulk_jobs_tenant ON bulk_jobs(tenant_id);
			CREATE INDEX idx_bulk_jobs_status ON bulk_jobs(status);

			CREATE TABLE bulk_batches (
				id VARCHAR(255) PRIMARY KEY,
				job_id VARCHAR(255) NOT NULL REFERENCES bulk_jobs(id) ON DELETE CASCADE,
				batch_index INTEGER NOT NULL,
				subject_ids JSONB NOT NULL DEFAULT '[]',
				status VARCHAR(50) NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT
			);

			CREATE INDEX idx_bulk_batches_job ON bulk_batches(job_id, batch_index);
		`,
		3: `
			ALTER TABLE execution_log ADD COLUMN response JSONB;
		`,
	}
}
