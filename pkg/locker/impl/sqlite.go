package impl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayhub/go-relay/pkg/locker"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
)

// SQLiteLocker implements the locker primitive with conditional writes on a
// SQLite table. A lock is a row keyed by name; taking it is an upsert that
// only wins when the row is absent or expired.
type SQLiteLocker struct {
	log   zerolog.Logger
	db    *sql.DB
	owner string
}

var _ locker.Locker = (*SQLiteLocker)(nil)

// NewSQLiteLocker creates a locker backed by the given database handle. The
// locks table is created eagerly since the locker also guards schema
// migrations and can't rely on them.
func NewSQLiteLocker(db *sql.DB) (*SQLiteLocker, error) {
	log := logger.With().
		Str("component", "locker").
		Logger()

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS system_locks (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating locks table: %s", err)
	}

	return &SQLiteLocker{
		log:   log,
		db:    db,
		owner: uuid.NewString(),
	}, nil
}

// TryAcquire attempts to take the lock without blocking.
func (l *SQLiteLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO system_locks (key, owner, expires_at) VALUES (?1, ?2, ?3)
		ON CONFLICT(key) DO UPDATE SET owner = ?2, expires_at = ?3
		WHERE system_locks.expires_at < ?4`,
		lockKey(key), l.owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("conditional lock write: %s", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting affected rows: %s", err)
	}
	return rows == 1, nil
}

// Release drops the lock if this locker still holds it.
func (l *SQLiteLocker) Release(ctx context.Context, key string) error {
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM system_locks WHERE key = ?1 AND owner = ?2", lockKey(key), l.owner)
	if err != nil {
		return fmt.Errorf("deleting lock row: %s", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		l.log.Warn().Str("key", key).Msg("released a lock that wasn't held")
	}
	return nil
}

// WaitUntilReleased polls until the key is absent or expired.
func (l *SQLiteLocker) WaitUntilReleased(ctx context.Context, key string) error {
	for {
		var held bool
		err := l.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM system_locks WHERE key = ?1 AND expires_at >= ?2)",
			lockKey(key), time.Now().UnixMilli()).Scan(&held)
		if err != nil {
			return fmt.Errorf("checking lock row: %s", err)
		}
		if !held {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * 100):
		}
	}
}

func lockKey(key string) string {
	return "lock:" + key
}
