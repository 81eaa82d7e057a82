package store

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT NOT NULL DEFAULT 'todo',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    run_id TEXT,
    project_id TEXT NOT NULL,
    profile_id TEXT,
    queued_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    workspace_path TEXT,
    branch TEXT,
    base_commit TEXT,
    head_commit TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    exit_code INTEGER,
    error_message TEXT,
    merge_status TEXT NOT NULL DEFAULT 'not_merged',
    applied_at TIMESTAMP,
    applied_by TEXT,
    apply_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
CREATE INDEX IF NOT EXISTS idx_attempts_project ON attempts(project_id);

CREATE TABLE IF NOT EXISTS factory_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    status TEXT NOT NULL,
    mode TEXT NOT NULL,
    max_parallel INTEGER NOT NULL,
    source_run_id TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    task_count INTEGER DEFAULT 0,
    completed_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    stopped_count INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_factory_runs_project ON factory_runs(project_id);
CREATE INDEX IF NOT EXISTS idx_factory_runs_status ON factory_runs(status);

CREATE TABLE IF NOT EXISTS autopilot_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    state TEXT NOT NULL,
    backlog TEXT,
    batch_size INTEGER NOT NULL,
    batch_index INTEGER NOT NULL DEFAULT 0,
    max_parallel INTEGER NOT NULL,
    current_run TEXT,
    started_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_autopilot_project ON autopilot_runs(project_id);

CREATE TABLE IF NOT EXISTS factory_pr_autofix (
    pr_number INTEGER PRIMARY KEY,
    project_id TEXT NOT NULL,
    task_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attempt_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL REFERENCES attempts(id),
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    stream TEXT,
    line TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempt_logs_attempt ON attempt_logs(attempt_id);
`
