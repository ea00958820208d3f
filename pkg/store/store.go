package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openevolve/openevolve-go/pkg/errors"
	"github.com/openevolve/openevolve-go/pkg/logging"
)

// Store is the persistent program database backing resumable runs. Reads take
// no lock, but the pool holds a single connection, so database/sql runs
// statements one at a time; all writes flow through a single writer mutex.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string

	initialized sync.Once
}

// timeFormat is RFC3339 with a fixed nine-digit fraction; unlike
// time.RFC3339Nano it keeps trailing zeros, so stored timestamps sort
// lexically in chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Open opens (or creates) the database file at path and ensures the schema.
// If path is ":memory:", the database is created in-memory.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to open database"),
			errors.Fields{"path": path},
		)
	}

	// A single connection sidesteps table-lock races between the writer and
	// concurrent readers on the same in-process handle.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:   db,
		path: path,
	}
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema enables WAL mode and creates tables if they do not exist.
func (s *Store) InitSchema() error {
	var initErr error
	s.initialized.Do(func() {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			initErr = errors.Wrap(err, errors.StoreError, "failed to enable WAL mode")
			return
		}
		if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
			initErr = errors.Wrap(err, errors.StoreError, "failed to enable foreign keys")
			return
		}
		if _, err := s.db.Exec(schemaSQL); err != nil {
			initErr = errors.Wrap(err, errors.StoreError, "failed to initialize schema")
			return
		}
	})
	return initErr
}

// CreateRun inserts a new run row. Inserting an existing run_id is a
// StoreError; resumption must go through GetRun instead.
func (s *Store) CreateRun(runID string, configJSON string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.Exec(
		"INSERT INTO runs(run_id, started_at, config_json) VALUES(?, ?, ?)",
		runID, fmtTime(now), configJSON,
	)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to create run"),
			errors.Fields{"run_id": runID},
		)
	}
	return &Run{RunID: runID, StartedAt: now.UTC(), ConfigJSON: configJSON}, nil
}

// GetRun returns the run row, or nil when the run does not exist.
func (s *Store) GetRun(runID string) (*Run, error) {
	var startedAt string
	run := &Run{RunID: runID}
	err := s.db.QueryRow(
		"SELECT started_at, config_json FROM runs WHERE run_id = ?", runID,
	).Scan(&startedAt, &run.ConfigJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to read run"),
			errors.Fields{"run_id": runID},
		)
	}
	run.StartedAt = parseTime(startedAt)
	return run, nil
}

// InsertCandidateWithEvals persists a candidate row together with all of its
// evaluation rows in one transaction, so resumption never observes a
// candidate with a missing metric.
func (s *Store) InsertCandidateWithEvals(cand *Candidate, evals []Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.StoreError, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logging.GetLogger().Error(context.Background(), "failed to rollback transaction: %v", err)
		}
	}()

	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(
		`INSERT INTO candidates(
            cand_id, run_id, parent_ids, meta_prompt_id, filepath, patch,
            code_snapshot, gen, novelty, age, created_at
        ) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cand.CandID, cand.RunID, joinIDs(cand.ParentIDs), cand.MetaPromptID,
		cand.Filepath, cand.Patch, cand.CodeSnapshot, cand.Generation,
		cand.Novelty, cand.Age, fmtTime(cand.CreatedAt),
	)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to insert candidate"),
			errors.Fields{"cand_id": cand.CandID},
		)
	}

	for i := range evals {
		ev := &evals[i]
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = cand.CreatedAt
		}
		var errStr interface{}
		if ev.Error != "" {
			errStr = ev.Error
		}
		_, err = tx.Exec(
			`INSERT INTO evaluations(cand_id, metric, value, passed, cost_ms, error, created_at)
             VALUES(?, ?, ?, ?, ?, ?, ?)`,
			cand.CandID, ev.Metric, ev.Value, boolToInt(ev.Passed), ev.CostMS,
			errStr, fmtTime(ev.CreatedAt),
		)
		if err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.StoreError, "failed to insert evaluation"),
				errors.Fields{"cand_id": cand.CandID, "metric": ev.Metric},
			)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to commit candidate"),
			errors.Fields{"cand_id": cand.CandID},
		)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) scanCandidates(rows *sql.Rows) ([]*Candidate, error) {
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		var cand Candidate
		var parents, createdAt string
		if err := rows.Scan(
			&cand.CandID, &cand.RunID, &parents, &cand.MetaPromptID,
			&cand.Filepath, &cand.Patch, &cand.CodeSnapshot, &cand.Generation,
			&cand.Novelty, &cand.Age, &createdAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.StoreError, "failed to scan candidate")
		}
		cand.ParentIDs = splitIDs(parents)
		cand.CreatedAt = parseTime(createdAt)
		out = append(out, &cand)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "error iterating candidates")
	}
	return out, nil
}

const candidateColumns = `cand_id, run_id, parent_ids, meta_prompt_id, filepath,
    patch, code_snapshot, gen, novelty, age, created_at`

// ListCandidates returns candidates of a run in deterministic insertion
// order. Pass gen < 0 for all generations.
func (s *Store) ListCandidates(runID string, gen int) ([]*Candidate, error) {
	var rows *sql.Rows
	var err error
	if gen < 0 {
		rows, err = s.db.Query(
			"SELECT "+candidateColumns+" FROM candidates WHERE run_id = ? ORDER BY created_at, cand_id",
			runID,
		)
	} else {
		rows, err = s.db.Query(
			"SELECT "+candidateColumns+" FROM candidates WHERE run_id = ? AND gen = ? ORDER BY created_at, cand_id",
			runID, gen,
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to list candidates")
	}
	return s.scanCandidates(rows)
}

// GetCandidate returns a single candidate, or nil when absent.
func (s *Store) GetCandidate(candID string) (*Candidate, error) {
	rows, err := s.db.Query(
		"SELECT "+candidateColumns+" FROM candidates WHERE cand_id = ?", candID,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to read candidate")
	}
	cands, err := s.scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}
	return cands[0], nil
}

// LatestGeneration returns the highest generation number persisted for the
// run, or -1 when the run has no candidates yet.
func (s *Store) LatestGeneration(runID string) (int, error) {
	var gen sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MAX(gen) FROM candidates WHERE run_id = ?", runID,
	).Scan(&gen)
	if err != nil {
		return -1, errors.Wrap(err, errors.StoreError, "failed to read latest generation")
	}
	if !gen.Valid {
		return -1, nil
	}
	return int(gen.Int64), nil
}

// CandidateEvals returns all evaluation rows for the given candidates,
// keyed by cand_id, each list in insertion order.
func (s *Store) CandidateEvals(candIDs []string) (map[string][]Evaluation, error) {
	out := make(map[string][]Evaluation)
	if len(candIDs) == 0 {
		return out, nil
	}

	placeholders := ""
	args := make([]interface{}, len(candIDs))
	for i, id := range candIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT eval_id, cand_id, metric, value, passed, cost_ms, error, created_at
         FROM evaluations WHERE cand_id IN (`+placeholders+`)
         ORDER BY created_at, eval_id`, args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to read evaluations")
	}
	defer rows.Close()

	for rows.Next() {
		var ev Evaluation
		var passed int
		var errStr sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.EvalID, &ev.CandID, &ev.Metric, &ev.Value, &passed, &ev.CostMS, &errStr, &createdAt); err != nil {
			return nil, errors.Wrap(err, errors.StoreError, "failed to scan evaluation")
		}
		ev.Passed = passed != 0
		ev.Error = errStr.String
		ev.CreatedAt = parseTime(createdAt)
		out[ev.CandID] = append(out[ev.CandID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "error iterating evaluations")
	}
	return out, nil
}

// ListAccepted returns the run's candidates whose every evaluation row
// passed and that have at least one row, in insertion order. These are the
// archive-eligible candidates.
func (s *Store) ListAccepted(runID string) ([]*Candidate, error) {
	rows, err := s.db.Query(
		"SELECT "+candidateColumns+` FROM candidates
         WHERE run_id = ?
           AND cand_id IN (SELECT cand_id FROM evaluations GROUP BY cand_id
                           HAVING MIN(passed) = 1)
         ORDER BY created_at, cand_id`, runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to list accepted candidates")
	}
	return s.scanCandidates(rows)
}

// RecentFailures returns up to n most recently persisted candidates of the
// run that have at least one failed evaluation row, newest first.
func (s *Store) RecentFailures(runID string, n int) ([]*Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT "+candidateColumns+` FROM candidates
         WHERE run_id = ?
           AND cand_id IN (SELECT DISTINCT cand_id FROM evaluations WHERE passed = 0)
         ORDER BY created_at DESC, cand_id DESC LIMIT ?`, runID, n,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to list failed candidates")
	}
	return s.scanCandidates(rows)
}

// PersistArchiveView opportunistically writes back the archive's in-memory
// novelty and age for a candidate. Losing this write is harmless; the
// archive recomputes both on resume.
func (s *Store) PersistArchiveView(candID string, novelty float64, age int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE candidates SET novelty = ?, age = ? WHERE cand_id = ?",
		novelty, age, candID,
	)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to persist archive view"),
			errors.Fields{"cand_id": candID},
		)
	}
	return nil
}

// InsertMetaPrompt persists a new instruction template.
func (s *Store) InsertMetaPrompt(mp *MetaPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if mp.CreatedAt.IsZero() {
		mp.CreatedAt = now
	}
	if mp.LastUsed.IsZero() {
		mp.LastUsed = now
	}
	_, err := s.db.Exec(
		`INSERT INTO meta_prompts(meta_prompt_id, run_id, template, parent_ids, created_at, last_used, fitness)
         VALUES(?, ?, ?, ?, ?, ?, ?)`,
		mp.MetaPromptID, mp.RunID, mp.Template, joinIDs(mp.ParentIDs),
		fmtTime(mp.CreatedAt), fmtTime(mp.LastUsed), mp.Fitness,
	)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to insert meta-prompt"),
			errors.Fields{"meta_prompt_id": mp.MetaPromptID},
		)
	}
	return nil
}

// UpdateMetaPromptFitness updates fitness and last_used in place.
func (s *Store) UpdateMetaPromptFitness(metaPromptID string, fitness float64, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE meta_prompts SET fitness = ?, last_used = ? WHERE meta_prompt_id = ?",
		fitness, fmtTime(lastUsed), metaPromptID,
	)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.StoreError, "failed to update meta-prompt fitness"),
			errors.Fields{"meta_prompt_id": metaPromptID},
		)
	}
	return nil
}

// ListMetaPrompts returns all templates of a run in insertion order.
func (s *Store) ListMetaPrompts(runID string) ([]*MetaPrompt, error) {
	rows, err := s.db.Query(
		`SELECT meta_prompt_id, run_id, template, parent_ids, created_at, last_used, fitness
         FROM meta_prompts WHERE run_id = ? ORDER BY created_at, meta_prompt_id`, runID,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "failed to list meta-prompts")
	}
	defer rows.Close()

	var out []*MetaPrompt
	for rows.Next() {
		var mp MetaPrompt
		var parents, createdAt, lastUsed string
		if err := rows.Scan(&mp.MetaPromptID, &mp.RunID, &mp.Template, &parents, &createdAt, &lastUsed, &mp.Fitness); err != nil {
			return nil, errors.Wrap(err, errors.StoreError, "failed to scan meta-prompt")
		}
		mp.ParentIDs = splitIDs(parents)
		mp.CreatedAt = parseTime(createdAt)
		mp.LastUsed = parseTime(lastUsed)
		out = append(out, &mp)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StoreError, "error iterating meta-prompts")
	}
	return out, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.StoreError, "failed to close database")
	}
	return nil
}
