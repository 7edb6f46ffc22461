package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot/database"
)

const (
	// DefaultKeep is how many snapshots survive rotation.
	DefaultKeep = 5

	snapshotPrefix = "coupon_bot_"
	snapshotSuffix = ".db"
)

// Service produces point-in-time snapshots of the store and rotates old
// ones. Snapshots use SQLite's VACUUM INTO, which reads a consistent
// image without holding writers off for longer than the copy itself.
type Service struct {
	db     *database.DB
	dir    string
	keep   int
	spaces *SpacesClient
	now    func() time.Time
}

func New(db *database.DB, dir string, keep int) *Service {
	if dir == "" {
		dir = "backups"
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Service{
		db:   db,
		dir:  dir,
		keep: keep,
		now:  time.Now,
	}
}

// SetSpaces enables offsite replication of every snapshot.
func (s *Service) SetSpaces(client *SpacesClient) {
	s.spaces = client
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Run writes one snapshot and rotates the backup directory down to the
// newest keep files. Returns the snapshot path.
func (s *Service) Run(ctx context.Context) (string, error) {
	if s.db.Driver() != database.DriverSQLite {
		return "", fmt.Errorf("snapshots require the sqlite driver, store runs on %s", s.db.Driver())
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	name := snapshotPrefix + s.now().UTC().Format("20060102_150405") + snapshotSuffix
	path := filepath.Join(s.dir, name)

	start := time.Now()
	if _, err := s.db.BunDB().ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("snapshot failed: %w", err)
	}

	slog.Info("Database snapshot written",
		slog.String("type", "sys"),
		slog.String("path", path),
		slog.Duration("took", time.Since(start)))

	if err := s.rotate(); err != nil {
		slog.Error("Backup rotation failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}

	if s.spaces != nil {
		if err := s.spaces.Upload(ctx, path); err != nil {
			// Offsite replication is best effort; the local snapshot
			// already succeeded.
			slog.Error("Offsite backup upload failed",
				slog.String("type", "sys"),
				slog.String("path", path),
				slog.Any("error", err))
		}
	}

	return path, nil
}

// rotate deletes the oldest snapshots past the retention count, by file
// modification time.
func (s *Service) rotate() error {
	snapshots, err := s.list()
	if err != nil {
		return err
	}
	if len(snapshots) <= s.keep {
		return nil
	}

	for _, old := range snapshots[s.keep:] {
		if err := os.Remove(old.path); err != nil {
			return fmt.Errorf("failed to remove old snapshot %s: %w", old.path, err)
		}
		slog.Info("Old snapshot removed",
			slog.String("type", "sys"),
			slog.String("path", old.path))
	}
	return nil
}

// Status reports the newest snapshot time and the snapshot count, for
// status surfaces.
func (s *Service) Status() (latest time.Time, count int, err error) {
	snapshots, err := s.list()
	if err != nil {
		return time.Time{}, 0, err
	}
	if len(snapshots) == 0 {
		return time.Time{}, 0, nil
	}
	return snapshots[0].modTime, len(snapshots), nil
}

type snapshot struct {
	path    string
	modTime time.Time
}

// list returns snapshots newest first.
func (s *Service) list() ([]snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snapshots []snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{
			path:    filepath.Join(s.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].modTime.After(snapshots[j].modTime)
	})
	return snapshots, nil
}
