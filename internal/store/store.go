// Package store caches the last known shutter positions in SQLite so they
// survive a restart. The cache is best-effort: callers log failures and go on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jkaflik/rfxshutter/internal/shutter"
)

const (
	dirPermissions = 0750
	busyTimeoutMs  = 5000
	pingTimeout    = 5 * time.Second
	saveTimeout    = 2 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	device_id  TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	target     INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

type Position struct {
	DeviceID  string
	Position  int
	Target    int
	UpdatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (and creates when missing) the positions database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, errors.Wrap(err, "store: create directory")
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMs))
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: migrate")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the cached position of deviceID. found is false when nothing was cached.
func (s *Store) Load(ctx context.Context, deviceID string) (p Position, found bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, position, target, updated_at FROM positions WHERE device_id = ?`, deviceID)

	err = row.Scan(&p.DeviceID, &p.Position, &p.Target, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, errors.Wrapf(err, "store: load %s", deviceID)
	}
	return p, true, nil
}

func (s *Store) Save(ctx context.Context, p Position) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (device_id, position, target, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			position = excluded.position,
			target = excluded.target,
			updated_at = excluded.updated_at`,
		p.DeviceID, p.Position, p.Target, p.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "store: save %s", p.DeviceID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE device_id = ?`, deviceID); err != nil {
		return errors.Wrapf(err, "store: delete %s", deviceID)
	}
	return nil
}

// LastPosition returns the cached position or 0 when there is none or the
// cache cannot be read.
func (s *Store) LastPosition(ctx context.Context, deviceID string) int {
	p, found, err := s.Load(ctx, deviceID)
	if err != nil {
		logrus.Warnf("%s: %s", deviceID, err)
		return shutter.FullClosePosition
	}
	if !found {
		return shutter.FullClosePosition
	}
	return p.Position
}

// Track saves every settled position of the shutter.
func (s *Store) Track(sh shutter.Shutter) {
	sh.OnUpdate(func(u shutter.Update) {
		if u.Motion != shutter.MotionStopped {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := s.Save(ctx, Position{DeviceID: u.DeviceID, Position: u.Position, Target: u.TargetPosition}); err != nil {
			logrus.Warnf("%s: position not cached: %s", u.Name, err)
		}
	})
}
