package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, phase, source, status, scraped, created, processed, linked, skipped, failed, duplicates,
	calls, input_tokens, output_tokens, cost_usd, metadata, error, started_at, finished_at`

// StartRun inserts a run in the running state.
func (s *Store) StartRun(r PipelineRun) error {
	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO pipeline_runs (id, phase, source, status, metadata, started_at)
		VALUES (?, ?, ?, 'running', '{}', ?)`, r.ID, r.Phase, r.Source, formatTime(started))
	return err
}

// FinishRun writes the final counters of a run. A run is finished once;
// later calls for the same id return ErrNotFound.
func (s *Store) FinishRun(r PipelineRun) error {
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	metadata := r.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	res, err := s.db.Exec(`UPDATE pipeline_runs SET status = ?, scraped = ?, created = ?, processed = ?, linked = ?,
			skipped = ?, failed = ?, duplicates = ?, calls = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?,
			metadata = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		r.Status, r.Scraped, r.Created, r.Processed, r.Linked, r.Skipped, r.Failed, r.Duplicates,
		r.Calls, r.InputTokens, r.OutputTokens, r.CostUSD, metadata, r.Error, formatTime(finished), r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("running pipeline run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(id string) (PipelineRun, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return PipelineRun{}, ErrNotFound
	}
	return r, err
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(limit int) ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (PipelineRun, error) {
	var r PipelineRun
	var startedAt string
	var finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.Phase, &r.Source, &r.Status, &r.Scraped, &r.Created, &r.Processed, &r.Linked,
		&r.Skipped, &r.Failed, &r.Duplicates, &r.Calls, &r.InputTokens, &r.OutputTokens, &r.CostUSD,
		&r.Metadata, &r.Error, &startedAt, &finishedAt); err != nil {
		return PipelineRun{}, err
	}
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return PipelineRun{}, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return PipelineRun{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
	}
	return r, nil
}
