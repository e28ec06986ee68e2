package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT    PRIMARY KEY,
	payload    BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Snapshot keys shared by the service and its callers.
const (
	SnapshotTickers = "tickers"
	SnapshotFunding = "funding"
)

// SnapshotRepository caches short-lived exchange snapshots (tickers, funding
// rates) as msgpack blobs with an expiry timestamp.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates the repository and ensures the schema exists.
func NewSnapshotRepository(db *sql.DB) (*SnapshotRepository, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, fmt.Errorf("failed to create snapshots schema: %w", err)
	}
	return &SnapshotRepository{db: db}, nil
}

// Put stores value under key with expiry now+ttl.
func (r *SnapshotRepository) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot %s: %w", key, err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (key, payload, updated_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		key, payload, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", key, err)
	}
	return nil
}

// GetFresh unmarshals the payload into out when the entry exists and has not
// expired. Returns false when missing or stale; stale entries are left in
// place for Get.
func (r *SnapshotRepository) GetFresh(ctx context.Context, key string, out interface{}) (bool, error) {
	return r.get(ctx, key, out, true)
}

// Get unmarshals the payload into out regardless of expiry. Stale data is
// a usable fallback when the exchange is unreachable.
func (r *SnapshotRepository) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	return r.get(ctx, key, out, false)
}

func (r *SnapshotRepository) get(ctx context.Context, key string, out interface{}, freshOnly bool) (bool, error) {
	query := `SELECT payload FROM snapshots WHERE key = ?`
	args := []interface{}{key}
	if freshOnly {
		query += ` AND expires_at > ?`
		args = append(args, time.Now().UTC().Unix())
	}

	var payload []byte
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(payload, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot %s: %w", key, err)
	}
	return true, nil
}

// DeleteExpired removes entries past their expiry. Returns rows deleted.
func (r *SnapshotRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE expires_at < ?`,
		time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
