package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    pipeline_id TEXT NOT NULL,
    seed INTEGER NOT NULL,
    status TEXT NOT NULL,
    current_phase INTEGER NOT NULL DEFAULT 0,
    inputs TEXT,
    failure TEXT,
    started_at TEXT,
    finished_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);

CREATE TABLE IF NOT EXISTS phase_outcomes (
    run_id TEXT NOT NULL REFERENCES runs(id),
    phase_index INTEGER NOT NULL,
    phase_name TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    result TEXT,
    ethics TEXT,
    resource TEXT,
    gate TEXT,
    PRIMARY KEY (run_id, phase_index)
);

CREATE TABLE IF NOT EXISTS gate_requests (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id),
    phase_index INTEGER NOT NULL,
    required_role TEXT NOT NULL,
    status TEXT NOT NULL,
    actor_role TEXT,
    rationale TEXT,
    created_at TEXT NOT NULL,
    resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_gate_requests_run_id ON gate_requests(run_id);
CREATE INDEX IF NOT EXISTS idx_gate_requests_status ON gate_requests(status);
`
