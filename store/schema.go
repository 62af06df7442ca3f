package store

// schemaSQL is the DDL for all tables backing the job/chunk/history/
// word-list/coverage data model of spec.md §3. Kept as a single inline
// string, in the teacher's style of embedding schema SQL directly in
// Go source (store/schema.go in the teacher repo).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    original_filename TEXT NOT NULL,
    settings JSON NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    progress_percent INTEGER NOT NULL DEFAULT 0,
    current_step TEXT NOT NULL DEFAULT '',
    total_chunks INTEGER NOT NULL DEFAULT 0,
    processed_chunks INTEGER NOT NULL DEFAULT 0,
    retry_round INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    degraded_persistence INTEGER NOT NULL DEFAULT 0,
    dispatched_task_id TEXT,
    finalizer_task_id TEXT,
    history_id TEXT,
    error_message TEXT,
    started_at DATETIME,
    completed_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    start_page INTEGER NOT NULL,
    end_page INTEGER NOT NULL,
    page_count INTEGER NOT NULL,
    has_overlap INTEGER NOT NULL DEFAULT 0,
    payload BLOB,
    payload_url TEXT,
    file_size_bytes INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    last_error TEXT,
    last_error_code TEXT,
    result JSON,
    dispatched_task_id TEXT,
    processed_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (job_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_job_state ON chunks(job_id, state);

CREATE TABLE IF NOT EXISTS history (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    job_id TEXT NOT NULL REFERENCES jobs(id),
    original_filename TEXT NOT NULL,
    sentences JSON NOT NULL,
    processed_sentence_count INTEGER NOT NULL DEFAULT 0,
    chunk_ids JSON,
    settings_snapshot JSON,
    export_status TEXT NOT NULL DEFAULT 'none',
    export_url TEXT,
    error_summary TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS word_lists (
    id TEXT PRIMARY KEY,
    owner_id TEXT,
    name TEXT NOT NULL,
    is_global INTEGER NOT NULL DEFAULT 0,
    keys JSON NOT NULL,
    ingestion_report JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS coverage_runs (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    word_list_id TEXT NOT NULL REFERENCES word_lists(id),
    config JSON NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    progress_percent INTEGER NOT NULL DEFAULT 0,
    stats JSON,
    dispatched_task_id TEXT,
    error_message TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS coverage_assignments (
    run_id TEXT NOT NULL REFERENCES coverage_runs(id) ON DELETE CASCADE,
    word_key TEXT NOT NULL,
    sentence_index INTEGER NOT NULL,
    sentence_text TEXT NOT NULL,
    sentence_score REAL NOT NULL DEFAULT 0,
    matched_surface TEXT,
    conflicts JSON,
    rank INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, word_key)
);

CREATE INDEX IF NOT EXISTS idx_coverage_assignments_run ON coverage_assignments(run_id);

-- Durable chord counters (spec.md §9 "callback-on-completion"): keyed
-- by (group_id, task_id) so duplicate completion reports from an
-- at-least-once broker are idempotent.
CREATE TABLE IF NOT EXISTS task_groups (
    group_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (group_id, task_id)
);
`
