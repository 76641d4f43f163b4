package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the pipeline indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_staged_status_created", "idx_products_link_status", "idx_product_ingredients_ingredient", "idx_pipeline_runs_started"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func stage(t *testing.T, s *Store, id, source, sourceID string, created time.Time) {
	t.Helper()
	inserted, err := s.InsertStagedIfNew(StagedProduct{
		ID:        id,
		Source:    source,
		SourceID:  sourceID,
		Payload:   `{"title":"` + sourceID + `"}`,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("InsertStagedIfNew(%s): %v", id, err)
	}
	if !inserted {
		t.Fatalf("InsertStagedIfNew(%s) reported duplicate", id)
	}
}

// TestInsertStagedIfNew_Dedup verifies the (source, source_id) key keeps one row.
func TestInsertStagedIfNew_Dedup(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "s1", "shop", "sku-1", time.Time{})

	inserted, err := s.InsertStagedIfNew(StagedProduct{ID: "s2", Source: "shop", SourceID: "sku-1", Payload: `{"title":"changed"}`})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert of same source identity reported inserted")
	}

	counts, err := s.CountStagedByStatus()
	if err != nil {
		t.Fatalf("CountStagedByStatus: %v", err)
	}
	if counts[StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", counts[StatusPending])
	}

	got, err := s.GetStaged("s1")
	if err != nil {
		t.Fatalf("GetStaged: %v", err)
	}
	if got.Payload != `{"title":"sku-1"}` {
		t.Errorf("payload was overwritten: %s", got.Payload)
	}

	// Same source id under a different source is a different listing.
	stage(t, s, "s3", "other-shop", "sku-1", time.Time{})

	exists, err := s.StagedExists("other-shop", "sku-1")
	if err != nil || !exists {
		t.Errorf("StagedExists = %v, %v; want true", exists, err)
	}
}

func TestClaimPending_OldestFirstAndExclusive(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)
	stage(t, s, "c", "shop", "3", base.Add(2*time.Second))
	stage(t, s, "a", "shop", "1", base)
	stage(t, s, "b", "shop", "2", base.Add(time.Second))

	claimed, err := s.ClaimPending(2, "run-1")
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "a" || claimed[1].ID != "b" {
		t.Fatalf("claimed = %+v, want a then b", claimed)
	}
	for _, p := range claimed {
		if p.Status != StatusProcessing {
			t.Errorf("%s status = %q, want processing", p.ID, p.Status)
		}
		if p.ClaimedByRun != "run-1" || p.ClaimedAt.IsZero() {
			t.Errorf("%s claim metadata not recorded: %+v", p.ID, p)
		}
	}

	again, err := s.ClaimPending(5, "run-2")
	if err != nil {
		t.Fatalf("second ClaimPending: %v", err)
	}
	if len(again) != 1 || again[0].ID != "c" {
		t.Fatalf("second claim = %+v, want only c", again)
	}

	none, err := s.ClaimPending(5, "run-3")
	if err != nil {
		t.Fatalf("third ClaimPending: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("claimed %d rows from an empty queue", len(none))
	}
}

func TestClaimByIDs_SkipsNonPending(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "a", "shop", "1", time.Time{})
	stage(t, s, "b", "shop", "2", time.Time{})

	if _, err := s.ClaimByIDs([]string{"a"}, ""); err != nil {
		t.Fatalf("ClaimByIDs: %v", err)
	}
	claimed, err := s.ClaimByIDs([]string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("ClaimByIDs: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "b" {
		t.Errorf("claimed = %+v, want only b", claimed)
	}
}

func TestMarkProcessedAndDuplicate(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "a", "shop", "1", time.Time{})
	stage(t, s, "b", "shop", "2", time.Time{})

	if err := s.MarkProcessed("a", "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessed on unclaimed row error = %v, want ErrNotFound", err)
	}

	if _, err := s.ClaimPending(2, ""); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if err := s.MarkProcessed("a", "p1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.MarkDuplicate("b", "p1"); err != nil {
		t.Fatalf("MarkDuplicate: %v", err)
	}

	a, _ := s.GetStaged("a")
	b, _ := s.GetStaged("b")
	if a.Status != StatusProcessed || a.ProductID != "p1" {
		t.Errorf("a = %+v", a)
	}
	if b.Status != StatusDuplicate || b.ProductID != "p1" {
		t.Errorf("b = %+v", b)
	}

	// Terminal rows cannot be claimed again.
	claimed, err := s.ClaimPending(10, "")
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed terminal rows: %+v", claimed)
	}
}

func TestFailStaged_AttemptsCeiling(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "a", "shop", "1", time.Time{})

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := s.ClaimPending(1, ""); err != nil {
			t.Fatalf("ClaimPending: %v", err)
		}
		kind, err := s.FailStaged("a", "timeout", false, 2)
		if err != nil {
			t.Fatalf("FailStaged: %v", err)
		}
		want := FailureTransient
		if attempt == 2 {
			want = FailurePermanent
		}
		if kind != want {
			t.Errorf("attempt %d kind = %q, want %q", attempt, kind, want)
		}
		if attempt == 1 {
			ids, err := s.RequeueFailed(10, 2)
			if err != nil {
				t.Fatalf("RequeueFailed: %v", err)
			}
			if len(ids) != 1 {
				t.Fatalf("requeued %v, want [a]", ids)
			}
		}
	}

	got, _ := s.GetStaged("a")
	if got.Attempts != 2 || got.ErrorMessage != "timeout" || got.FailureKind != FailurePermanent {
		t.Errorf("row = %+v", got)
	}

	ids, err := s.RequeueFailed(10, 2)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("permanent failure requeued: %v", ids)
	}
}

func TestFailStaged_PermanentImmediately(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "a", "shop", "1", time.Time{})
	if _, err := s.ClaimPending(1, ""); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	kind, err := s.FailStaged("a", "payload is not an object", true, 5)
	if err != nil {
		t.Fatalf("FailStaged: %v", err)
	}
	if kind != FailurePermanent {
		t.Errorf("kind = %q, want permanent", kind)
	}
	n, err := s.CountPermanentFailures()
	if err != nil || n != 1 {
		t.Errorf("CountPermanentFailures = %d, %v; want 1", n, err)
	}
}

func TestReleaseClaim(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "a", "shop", "1", time.Time{})
	if _, err := s.ClaimPending(1, "run"); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if err := s.ReleaseClaim("a"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	got, _ := s.GetStaged("a")
	if got.Status != StatusPending || got.Attempts != 0 || got.ClaimedByRun != "" {
		t.Errorf("released row = %+v", got)
	}
	if err := s.ReleaseClaim("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("releasing a pending row: error = %v, want ErrNotFound", err)
	}
}

func TestResetStaleProcessing(t *testing.T) {
	s := openTestStore(t)
	stage(t, s, "old", "shop", "1", time.Time{})
	stage(t, s, "fresh", "shop", "2", time.Time{})
	if _, err := s.ClaimPending(2, ""); err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}

	stale := formatTime(time.Now().Add(-time.Hour))
	if _, err := s.db.Exec(`UPDATE staged_products SET claimed_at = ? WHERE id = 'old'`, stale); err != nil {
		t.Fatalf("backdating claim: %v", err)
	}

	n, err := s.ResetStaleProcessing(time.Now().Add(-15 * time.Minute))
	if err != nil {
		t.Fatalf("ResetStaleProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d rows, want 1", n)
	}
	old, _ := s.GetStaged("old")
	fresh, _ := s.GetStaged("fresh")
	if old.Status != StatusPending {
		t.Errorf("old status = %q, want pending", old.Status)
	}
	if fresh.Status != StatusProcessing {
		t.Errorf("fresh status = %q, want processing", fresh.Status)
	}
}
