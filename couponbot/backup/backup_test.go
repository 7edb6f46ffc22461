package backup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nightcoffee/couponbot/couponbot/database"
	"github.com/nightcoffee/couponbot/couponbot/database/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.New(ctx, database.DBConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "backup_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.InitializeSchema(ctx); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func TestRun_SnapshotIsReadable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	project := &models.Project{Name: "alpha", IsClaimActive: true, ClaimCooldownHours: models.DefaultCooldownHours}
	if _, err := db.BunDB().NewInsert().Model(project).Exec(ctx); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	dir := t.TempDir()
	svc := New(db, dir, DefaultKeep)

	path, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), snapshotPrefix) {
		t.Fatalf("snapshot name %q missing prefix %q", filepath.Base(path), snapshotPrefix)
	}

	// The snapshot is a standalone database holding the seeded rows.
	snap, err := database.New(ctx, database.DBConfig{Driver: database.DriverSQLite, Path: path})
	if err != nil {
		t.Fatalf("failed to open snapshot: %v", err)
	}
	defer snap.Close()

	count, err := snap.BunDB().NewSelect().Model((*models.Project)(nil)).Count(ctx)
	if err != nil {
		t.Fatalf("failed to query snapshot: %v", err)
	}
	if count != 1 {
		t.Fatalf("snapshot holds %d projects, want 1", count)
	}
}

func TestRun_RotationKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	dir := t.TempDir()
	svc := New(db, dir, 3)

	clock := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return clock })

	var last string
	for i := 0; i < 7; i++ {
		path, err := svc.Run(ctx)
		if err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
		last = path
		clock = clock.Add(time.Second)
	}

	_, count, err := svc.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("snapshots after rotation = %d, want 3", count)
	}

	snapshots, err := svc.list()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	found := false
	for _, s := range snapshots {
		if s.path == last {
			found = true
		}
	}
	if !found {
		t.Fatal("rotation dropped the newest snapshot")
	}
}

func TestStatus_EmptyDir(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, filepath.Join(t.TempDir(), "never-created"), DefaultKeep)

	latest, count, err := svc.Status()
	if err != nil {
		t.Fatalf("Status on a missing dir failed: %v", err)
	}
	if count != 0 || !latest.IsZero() {
		t.Fatalf("Status = (%v, %d), want zero values", latest, count)
	}
}
