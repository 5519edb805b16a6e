package registry

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    task TEXT NOT NULL,
    instance_count INTEGER NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('active','complete','partial_failure')),
    created_at TIMESTAMP NOT NULL,
    archived_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS instances (
    run_id TEXT NOT NULL REFERENCES runs(id),
    instance_id INTEGER NOT NULL,
    branch TEXT NOT NULL,
    workspace_path TEXT NOT NULL,
    state TEXT NOT NULL,
    result TEXT,
    failure_reason TEXT,
    conflict_paths TEXT,
    review_verdict TEXT,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, instance_id)
);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    instance_id INTEGER NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('pending','running','done','failed','cancelled')),
    token TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    ttl_seconds INTEGER NOT NULL DEFAULT 3600
);

CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_instance_stage ON jobs(run_id, instance_id, stage);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS signal_outcomes (
    token TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    instance_id INTEGER NOT NULL,
    stage TEXT NOT NULL,
    accepted BOOLEAN NOT NULL,
    new_state TEXT NOT NULL,
    consumed_at TIMESTAMP NOT NULL
);
`
