package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offlinenav/pkg/db"
	"offlinenav/pkg/model"
)

// Store composes all sub-interfaces for full store access.
// Consumers should depend on specific sub-interfaces when possible.
type Store interface {
	BlobStore
	ManifestStore
	PackStore
	CacheStore
	StateStore

	// Close closes the store connection.
	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *db.DB

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock serializes operations on one pack id. refs tracks holders so the
// entry can be dropped from the map once nobody uses it.
type idLock struct {
	mu   sync.RWMutex
	refs int
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(d *db.DB) *SQLiteStore {
	return &SQLiteStore{db: d, locks: make(map[string]*idLock)}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) lock(id string, write bool) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &idLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	if write {
		l.mu.Lock()
	} else {
		l.mu.RLock()
	}

	return func() {
		if write {
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// --- Blobs ---

func (s *SQLiteStore) PutBlob(ctx context.Context, id string, data []byte) error {
	defer s.lock(id, true)()
	return putBlob(ctx, s.db, id, data)
}

func (s *SQLiteStore) GetBlob(ctx context.Context, id string) ([]byte, error) {
	defer s.lock(id, false)()
	return getBlob(ctx, s.db, id)
}

func (s *SQLiteStore) DeleteBlob(ctx context.Context, id string) error {
	defer s.lock(id, true)()
	_, err := s.db.ExecContext(ctx, "DELETE FROM pack_data WHERE id = ?", id)
	return err
}

// --- Manifests ---

func (s *SQLiteStore) PutManifest(ctx context.Context, m *model.PackManifest) error {
	defer s.lock(m.ID, true)()
	return putManifest(ctx, s.db, m)
}

func (s *SQLiteStore) GetManifest(ctx context.Context, id string) (*model.PackManifest, error) {
	defer s.lock(id, false)()
	return getManifest(ctx, s.db, id)
}

func (s *SQLiteStore) ListManifests(ctx context.Context) ([]*model.PackManifest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, manifest FROM pack_manifests")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []*model.PackManifest{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var m model.PackManifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			// One corrupt row must not hide the rest of the list
			slog.Warn("Store: skipping unreadable manifest", "id", id, "error", err)
			continue
		}
		results = append(results, &m)
	}
	return results, rows.Err()
}

func (s *SQLiteStore) DeleteManifest(ctx context.Context, id string) error {
	defer s.lock(id, true)()
	_, err := s.db.ExecContext(ctx, "DELETE FROM pack_manifests WHERE id = ?", id)
	return err
}

// --- Packs (manifest + blob as one unit) ---

func (s *SQLiteStore) SavePack(ctx context.Context, m *model.PackManifest, data []byte) error {
	defer s.lock(m.ID, true)()
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := putManifest(ctx, tx, m); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
		if err := putBlob(ctx, tx, m.ID, data); err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LoadPack(ctx context.Context, id string) (m *model.PackManifest, data []byte, err error) {
	defer s.lock(id, false)()
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		if m, err = getManifest(ctx, tx, id); err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		data, err = getBlob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

func (s *SQLiteStore) DeletePack(ctx context.Context, id string) (bool, error) {
	defer s.lock(id, true)()
	var removed int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM pack_manifests WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete manifest: %w", err)
		}
		n1, _ := res.RowsAffected()
		res, err = tx.ExecContext(ctx, "DELETE FROM pack_data WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete blob: %w", err)
		}
		n2, _ := res.RowsAffected()
		removed = n1 + n2
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *SQLiteStore) RemoveOrphans(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pack_manifests WHERE id NOT IN (SELECT id FROM pack_data)`)
		if err != nil {
			return err
		}
		n1, _ := res.RowsAffected()
		res, err = tx.ExecContext(ctx, `DELETE FROM pack_data WHERE id NOT IN (SELECT id FROM pack_manifests)`)
		if err != nil {
			return err
		}
		n2, _ := res.RowsAffected()
		removed = n1 + n2
		return nil
	})
	return removed, err
}

// execer is satisfied by both *db.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func putBlob(ctx context.Context, e execer, id string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := e.ExecContext(ctx, `INSERT OR REPLACE INTO pack_data (id, payload) VALUES (?, ?)`, id, data)
	return err
}

func getBlob(ctx context.Context, e execer, id string) ([]byte, error) {
	var data []byte
	err := e.QueryRowContext(ctx, "SELECT payload FROM pack_data WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func putManifest(ctx context.Context, e execer, m *model.PackManifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = e.ExecContext(ctx,
		`INSERT OR REPLACE INTO pack_manifests (id, manifest, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, string(raw), m.SizeBytes, createdAt)
	return err
}

func getManifest(ctx context.Context, e execer, id string) (*model.PackManifest, error) {
	var raw string
	err := e.QueryRowContext(ctx, "SELECT manifest FROM pack_manifests WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}
	var m model.PackManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", id, err)
	}
	return &m, nil
}

// --- Cache ---

func (s *SQLiteStore) GetCache(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		slog.Debug("Store: cache read failed", "key", key, "error", err)
		return nil, false
	}

	// Transparent Decompression
	if IsGzip(val) {
		decompressed, err := Decompress(val)
		if err == nil {
			return decompressed, true
		}
		// Not actually gzipped or corrupted: return raw
	}
	return val, true
}

func (s *SQLiteStore) SetCache(ctx context.Context, key string, val []byte) error {
	// Transparent Compression
	compressed, err := Compress(val)
	if err == nil {
		val = compressed
	}

	query := `INSERT OR REPLACE INTO cache (key, value, created_at) VALUES (?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, key, val, time.Now().UTC().Format("2006-01-02 15:04:05"))
	return err
}

func (s *SQLiteStore) DeleteCache(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLiteStore) ListCacheKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM cache WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- State ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM persistent_state WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *SQLiteStore) SetState(ctx context.Context, key, val string) error {
	query := `INSERT OR REPLACE INTO persistent_state (key, value, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, key, val, time.Now())
	return err
}

func (s *SQLiteStore) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM persistent_state WHERE key = ?", key)
	return err
}
