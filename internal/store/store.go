// Package store provides the namespaced key-value persistence used by
// both node roles: app_state, water_meter, dev_manager and per-device
// dev_<id> records. Backed by SQLite, following the same connection and
// migration idiom as the teacher's relational storage layer.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a single-writer namespaced KV abstraction over SQLite.
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open opens or creates the backing database at path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
	CREATE TABLE IF NOT EXISTS kv_store (
		namespace TEXT NOT NULL,
		key       TEXT NOT NULL,
		value     TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Namespace is a handle scoping reads/writes to one logical bucket, per
// the open(namespace)/close() contract.
type Namespace struct {
	store *Store
	name  string
}

// OpenNamespace returns a handle for namespace name. Opening is cheap and
// reentrant; there is no exclusive lock since the store is accessed only
// from a single execution context per node.
func (s *Store) OpenNamespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

// Close releases the namespace handle. No-op: namespaces carry no
// per-handle resources beyond the shared connection.
func (n *Namespace) Close() {}

func (n *Namespace) put(key, value string) bool {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	_, err := n.store.conn.Exec(
		`INSERT INTO kv_store (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		n.name, key, value)
	return err == nil
}

func (n *Namespace) get(key string) (string, bool) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	var value string
	err := n.store.conn.QueryRow(
		`SELECT value FROM kv_store WHERE namespace = ? AND key = ?`,
		n.name, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// PutU32 writes an unsigned 32-bit value, committed before returning.
func (n *Namespace) PutU32(key string, v uint32) bool {
	return n.put(key, strconv.FormatUint(uint64(v), 10))
}

// GetU32 returns the last written value for key, or def if absent or
// unreadable.
func (n *Namespace) GetU32(key string, def uint32) uint32 {
	raw, ok := n.get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}

// PutF32 writes a 32-bit float value.
func (n *Namespace) PutF32(key string, v float32) bool {
	return n.put(key, strconv.FormatFloat(float64(v), 'f', -1, 32))
}

// GetF32 returns the last written float value for key, or def.
func (n *Namespace) GetF32(key string, def float32) float32 {
	raw, ok := n.get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return def
	}
	return float32(v)
}

// PutI64 writes a signed 64-bit value, wide enough for an epoch
// millisecond timestamp.
func (n *Namespace) PutI64(key string, v int64) bool {
	return n.put(key, strconv.FormatInt(v, 10))
}

// GetI64 returns the last written 64-bit value for key, or def if
// absent or unreadable.
func (n *Namespace) GetI64(key string, def int64) int64 {
	raw, ok := n.get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// PutStr writes a string value.
func (n *Namespace) PutStr(key string, v string) bool {
	return n.put(key, v)
}

// GetStr returns the last written string value for key, or def.
func (n *Namespace) GetStr(key string, def string) string {
	raw, ok := n.get(key)
	if !ok {
		return def
	}
	return raw
}
