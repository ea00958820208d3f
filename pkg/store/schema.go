package store

// Timestamps are stored as RFC3339Nano text so lexical order equals creation
// order, which keeps tie-breaking deterministic across readers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    config_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
    cand_id        TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES runs(run_id),
    parent_ids     TEXT NOT NULL DEFAULT '',
    meta_prompt_id TEXT NOT NULL DEFAULT '',
    filepath       TEXT NOT NULL,
    patch          TEXT NOT NULL DEFAULT '',
    code_snapshot  TEXT NOT NULL DEFAULT '',
    gen            INTEGER NOT NULL DEFAULT 0,
    novelty        REAL NOT NULL DEFAULT 0,
    age            INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidates_run_gen
    ON candidates(run_id, gen);

CREATE TABLE IF NOT EXISTS evaluations (
    eval_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    cand_id    TEXT NOT NULL REFERENCES candidates(cand_id),
    metric     TEXT NOT NULL,
    value      REAL NOT NULL DEFAULT 0,
    passed     INTEGER NOT NULL DEFAULT 0,
    cost_ms    INTEGER NOT NULL DEFAULT 0,
    error      TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_cand
    ON evaluations(cand_id);

CREATE TABLE IF NOT EXISTS meta_prompts (
    meta_prompt_id TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL DEFAULT '',
    template       TEXT NOT NULL,
    parent_ids     TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    last_used      TEXT NOT NULL,
    fitness        REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_meta_prompts_run
    ON meta_prompts(run_id);
`
