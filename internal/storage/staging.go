package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const stagedColumns = `id, source, source_id, url, payload, status, error_message, failure_kind,
	attempts, claimed_at, claimed_by_run, product_id, created_at, updated_at`

// InsertStagedIfNew stores a scraped record unless (source, source_id) is
// already staged. It reports whether a new row was written. Existing rows are
// never updated: a changed listing is a new fact, not a correction.
func (s *Store) InsertStagedIfNew(p StagedProduct) (bool, error) {
	now := time.Now().UTC()
	created := now
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt
	}
	res, err := s.db.Exec(`
		INSERT INTO staged_products (id, source, source_id, url, payload, status, failure_kind, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', 0, ?, ?)
		ON CONFLICT (source, source_id) DO NOTHING`,
		p.ID, p.Source, p.SourceID, p.URL, p.Payload, formatTime(created), formatTime(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StagedExists reports whether (source, sourceID) has already been staged.
func (s *Store) StagedExists(source, sourceID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM staged_products WHERE source = ? AND source_id = ?`, source, sourceID).Scan(&n)
	return n > 0, err
}

func (s *Store) GetStaged(id string) (StagedProduct, error) {
	row := s.db.QueryRow(`SELECT `+stagedColumns+` FROM staged_products WHERE id = ?`, id)
	p, err := scanStaged(row)
	if err == sql.ErrNoRows {
		return StagedProduct{}, ErrNotFound
	}
	return p, err
}

// ClaimPending moves up to limit pending rows, oldest first, to processing and
// returns them. Each row is claimed with a conditional update so a row taken
// by a concurrent claimer is skipped rather than claimed twice.
func (s *Store) ClaimPending(limit int, runID string) ([]StagedProduct, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.claim(`SELECT id FROM staged_products WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC LIMIT ?`, []any{limit}, runID)
}

// ClaimByIDs claims the given rows if they are still pending.
func (s *Store) ClaimByIDs(ids []string, runID string) ([]StagedProduct, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.claim(`SELECT id FROM staged_products WHERE status = 'pending' AND id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, rowid ASC`, args, runID)
}

func (s *Store) claim(selectIDs string, args []any, runID string) ([]StagedProduct, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(selectIDs, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable rows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	var claimed []StagedProduct
	for _, id := range ids {
		res, err := tx.Exec(`UPDATE staged_products
			SET status = 'processing', claimed_at = ?, claimed_by_run = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, now, nullString(runID), now, id)
		if err != nil {
			return nil, fmt.Errorf("claiming staged product %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking claimed rows: %w", err)
		}
		if n != 1 {
			continue
		}
		p, err := scanStaged(tx.QueryRow(`SELECT `+stagedColumns+` FROM staged_products WHERE id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("loading claimed row %s: %w", id, err)
		}
		claimed = append(claimed, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// MarkProcessed finalizes a claimed row that produced productID.
func (s *Store) MarkProcessed(id, productID string) error {
	return s.finish(id, StatusProcessed, productID)
}

// MarkDuplicate finalizes a claimed row whose extraction resolved to the
// already-existing product productID.
func (s *Store) MarkDuplicate(id, productID string) error {
	return s.finish(id, StatusDuplicate, productID)
}

func (s *Store) finish(id, status, productID string) error {
	res, err := s.db.Exec(`UPDATE staged_products
		SET status = ?, product_id = ?, error_message = NULL, failure_kind = '', updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		status, nullString(productID), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// FailStaged records a failed extraction attempt. The failure becomes
// permanent when permanent is set or the attempt count reaches maxAttempts.
// It returns the failure kind that was stored.
func (s *Store) FailStaged(id, errMsg string, permanent bool, maxAttempts int) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT attempts FROM staged_products WHERE id = ? AND status = 'processing'`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	attempts++
	kind := FailureTransient
	if permanent || (maxAttempts > 0 && attempts >= maxAttempts) {
		kind = FailurePermanent
	}

	_, err = tx.Exec(`UPDATE staged_products
		SET status = 'failed', error_message = ?, failure_kind = ?, attempts = ?, updated_at = ?
		WHERE id = ?`, errMsg, kind, attempts, formatTime(time.Now()), id)
	if err != nil {
		return "", err
	}
	return kind, tx.Commit()
}

// ReleaseClaim puts a claimed row back to pending without counting an attempt.
func (s *Store) ReleaseClaim(id string) error {
	res, err := s.db.Exec(`UPDATE staged_products
		SET status = 'pending', claimed_at = NULL, claimed_by_run = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

// RequeueFailed moves up to limit retryable failures back to pending, oldest
// first, and returns their ids. Permanent failures and rows that exhausted
// maxAttempts are left alone.
func (s *Store) RequeueFailed(limit, maxAttempts int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM staged_products
		WHERE status = 'failed' AND failure_kind = 'transient' AND (? <= 0 OR attempts < ?)
		ORDER BY created_at ASC, rowid ASC LIMIT ?`, maxAttempts, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting retryable failures: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	var ids []string
	for _, id := range candidates {
		res, err := tx.Exec(`UPDATE staged_products SET status = 'pending', updated_at = ?
			WHERE id = ? AND status = 'failed'`, now, id)
		if err != nil {
			return nil, fmt.Errorf("requeueing %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			ids = append(ids, id)
		}
	}
	return ids, tx.Commit()
}

// ResetStaleProcessing returns rows stuck in processing since before cutoff
// to pending. It repairs claims orphaned by a crashed worker.
func (s *Store) ResetStaleProcessing(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE staged_products
		SET status = 'pending', claimed_at = NULL, claimed_by_run = NULL, updated_at = ?
		WHERE status = 'processing' AND (claimed_at IS NULL OR claimed_at < ?)`,
		formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountStagedByStatus returns row counts keyed by status. Every status is
// present in the result, zero when empty.
func (s *Store) CountStagedByStatus() (map[string]int, error) {
	counts := map[string]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusProcessed:  0,
		StatusFailed:     0,
		StatusDuplicate:  0,
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM staged_products GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM staged_products WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (s *Store) CountPermanentFailures() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM staged_products WHERE status = 'failed' AND failure_kind = 'permanent'`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaged(row rowScanner) (StagedProduct, error) {
	var p StagedProduct
	var errMsg, claimedAt, claimedBy, productID sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Source, &p.SourceID, &p.URL, &p.Payload, &p.Status, &errMsg, &p.FailureKind,
		&p.Attempts, &claimedAt, &claimedBy, &productID, &createdAt, &updatedAt); err != nil {
		return StagedProduct{}, err
	}
	p.ErrorMessage = errMsg.String
	p.ClaimedByRun = claimedBy.String
	p.ProductID = productID.String

	var err error
	if p.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return StagedProduct{}, fmt.Errorf("parsing claimed_at for %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return StagedProduct{}, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return StagedProduct{}, fmt.Errorf("parsing updated_at for %s: %w", p.ID, err)
	}
	return p, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("staged product %s: %w", id, ErrNotFound)
	}
	return nil
}
