package ripple

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Storage is the local durable store shared by the offline write buffer and
// the sync reconciler. It is deliberately best-effort: implementations catch
// and log read/write failures and hand callers an empty result or a no-op
// instead of a fault. Callers that need strict guarantees do not exist in
// this SDK.
type Storage interface {
	// Put upserts a pending item by primary key. Idempotent.
	Put(item *PendingItem)
	// Get returns an item by id, or nil.
	Get(id string) *PendingItem
	// AllByStatus returns every item with the given status, in insertion
	// order across collections.
	AllByStatus(status SyncStatus) []*PendingItem
	// AllByIndex returns every item whose field equals value. Supported
	// fields: collection, status, recipient_id.
	AllByIndex(field, value string) []*PendingItem
	// AllUnsynced returns every pending and failed item, in insertion order.
	AllUnsynced() []*PendingItem
	// Remove deletes an item permanently.
	Remove(id string)
	// Clear empties a logical collection.
	Clear(collection string)
	// PendingCount counts items still awaiting a successful sync. Failed
	// items count: they are retried on the next pass. Only synced items
	// are excluded.
	PendingCount() int

	// Setting returns a persisted key/value preference, or "".
	Setting(key string) string
	SetSetting(key, value string)

	// Cached profile and friends list, for offline reads.
	PutProfile(u *User)
	Profile() *User
	PutFriends(friends []User)
	Friends() []User

	Close() error
}

// indexableFields guards AllByIndex against arbitrary column injection.
var indexableFields = map[string]bool{
	"collection":   true,
	"status":       true,
	"recipient_id": true,
}

// ============================================================================
// SQLiteStorage
// ============================================================================

// SQLiteStorage persists the offline state in a local SQLite database so it
// survives process restarts.
type SQLiteStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type migration struct {
	version int
	sql     string
}

var storeMigrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

		CREATE TABLE IF NOT EXISTS pending_items (
			id             TEXT PRIMARY KEY,
			collection     TEXT NOT NULL,
			content        TEXT NOT NULL,
			attachment_url TEXT NOT NULL DEFAULT '',
			recipient_id   TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			error          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_items(status);
		CREATE INDEX IF NOT EXISTS idx_pending_collection ON pending_items(collection);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS profile (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS friends (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);

		INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// NewSQLiteStorage opens (or creates) the local database at dbPath, enables
// WAL mode, and applies any pending schema migrations.
func NewSQLiteStorage(dbPath string, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return err
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return err
		}
	}

	for _, m := range storeMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Put(item *PendingItem) {
	// ON CONFLICT keeps the original rowid, so insertion order is stable
	// across status updates.
	_, err := s.db.Exec(`
		INSERT INTO pending_items (id, collection, content, attachment_url, recipient_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection = excluded.collection,
			content = excluded.content,
			attachment_url = excluded.attachment_url,
			recipient_id = excluded.recipient_id,
			status = excluded.status,
			error = excluded.error,
			created_at = excluded.created_at`,
		item.ID, item.Collection, item.Content, item.AttachmentURL,
		item.RecipientID, item.Status, item.Error, item.CreatedAt.UTC())
	if err != nil {
		s.logger.Error("store: put failed", zap.String("id", item.ID), zap.Error(err))
	}
}

func (s *SQLiteStorage) Get(id string) *PendingItem {
	var item PendingItem
	err := s.db.Get(&item, "SELECT * FROM pending_items WHERE id = ?", id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("store: get failed", zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	return &item
}

func (s *SQLiteStorage) AllByStatus(status SyncStatus) []*PendingItem {
	return s.query("SELECT * FROM pending_items WHERE status = ? ORDER BY rowid", status)
}

func (s *SQLiteStorage) AllByIndex(field, value string) []*PendingItem {
	if !indexableFields[field] {
		s.logger.Warn("store: unsupported index field", zap.String("field", field))
		return nil
	}
	return s.query("SELECT * FROM pending_items WHERE "+field+" = ? ORDER BY rowid", value)
}

func (s *SQLiteStorage) AllUnsynced() []*PendingItem {
	return s.query("SELECT * FROM pending_items WHERE status != ? ORDER BY rowid", StatusSynced)
}

func (s *SQLiteStorage) query(q string, args ...any) []*PendingItem {
	var items []*PendingItem
	if err := s.db.Select(&items, q, args...); err != nil {
		s.logger.Error("store: query failed", zap.Error(err))
		return nil
	}
	return items
}

func (s *SQLiteStorage) Remove(id string) {
	if _, err := s.db.Exec("DELETE FROM pending_items WHERE id = ?", id); err != nil {
		s.logger.Error("store: remove failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *SQLiteStorage) Clear(collection string) {
	if _, err := s.db.Exec("DELETE FROM pending_items WHERE collection = ?", collection); err != nil {
		s.logger.Error("store: clear failed", zap.String("collection", collection), zap.Error(err))
	}
}

func (s *SQLiteStorage) PendingCount() int {
	var count int
	err := s.db.Get(&count, "SELECT COUNT(*) FROM pending_items WHERE status != ?", StatusSynced)
	if err != nil {
		s.logger.Error("store: pending count failed", zap.Error(err))
		return 0
	}
	return count
}

func (s *SQLiteStorage) Setting(key string) string {
	var value string
	if err := s.db.Get(&value, "SELECT value FROM settings WHERE key = ?", key); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("store: setting lookup failed", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	return value
}

func (s *SQLiteStorage) SetSetting(key, value string) {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		s.logger.Error("store: set setting failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *SQLiteStorage) PutProfile(u *User) {
	data, err := json.Marshal(u)
	if err != nil {
		s.logger.Error("store: marshal profile failed", zap.Error(err))
		return
	}
	_, err = s.db.Exec(`
		INSERT INTO profile (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	if err != nil {
		s.logger.Error("store: put profile failed", zap.Error(err))
	}
}

func (s *SQLiteStorage) Profile() *User {
	var data string
	if err := s.db.Get(&data, "SELECT data FROM profile WHERE id = 1"); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("store: profile lookup failed", zap.Error(err))
		}
		return nil
	}
	var u User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		s.logger.Error("store: unmarshal profile failed", zap.Error(err))
		return nil
	}
	return &u
}

func (s *SQLiteStorage) PutFriends(friends []User) {
	tx, err := s.db.Beginx()
	if err != nil {
		s.logger.Error("store: put friends failed", zap.Error(err))
		return
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM friends"); err != nil {
		s.logger.Error("store: put friends failed", zap.Error(err))
		return
	}
	for _, f := range friends {
		data, err := json.Marshal(f)
		if err != nil {
			s.logger.Error("store: marshal friend failed", zap.String("id", f.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec("INSERT INTO friends (id, data) VALUES (?, ?)", f.ID, string(data)); err != nil {
			s.logger.Error("store: put friend failed", zap.String("id", f.ID), zap.Error(err))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("store: put friends commit failed", zap.Error(err))
	}
}

func (s *SQLiteStorage) Friends() []User {
	var rows []string
	if err := s.db.Select(&rows, "SELECT data FROM friends ORDER BY id"); err != nil {
		s.logger.Error("store: friends query failed", zap.Error(err))
		return nil
	}
	friends := make([]User, 0, len(rows))
	for _, data := range rows {
		var u User
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			continue
		}
		friends = append(friends, u)
	}
	return friends
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage. It does not survive
// restarts; it exists for tests and for callers that opt out of local
// persistence.
type MemoryStorage struct {
	mu       sync.RWMutex
	items    map[string]*PendingItem
	seq      map[string]int
	nextSeq  int
	settings map[string]string
	profile  *User
	friends  []User
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:    make(map[string]*PendingItem),
		seq:      make(map[string]int),
		settings: make(map[string]string),
	}
}

func (s *MemoryStorage) Put(item *PendingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[item.ID]; !ok {
		s.nextSeq++
		s.seq[item.ID] = s.nextSeq
	}
	cp := *item
	s.items[item.ID] = &cp
}

func (s *MemoryStorage) Get(id string) *PendingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil
	}
	cp := *item
	return &cp
}

func (s *MemoryStorage) AllByStatus(status SyncStatus) []*PendingItem {
	return s.filter(func(it *PendingItem) bool { return it.Status == status })
}

func (s *MemoryStorage) AllByIndex(field, value string) []*PendingItem {
	if !indexableFields[field] {
		return nil
	}
	return s.filter(func(it *PendingItem) bool {
		switch field {
		case "collection":
			return it.Collection == value
		case "status":
			return string(it.Status) == value
		case "recipient_id":
			return it.RecipientID == value
		}
		return false
	})
}

func (s *MemoryStorage) AllUnsynced() []*PendingItem {
	return s.filter(func(it *PendingItem) bool { return it.Status != StatusSynced })
}

func (s *MemoryStorage) filter(keep func(*PendingItem) bool) []*PendingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*PendingItem
	for _, item := range s.items {
		if keep(item) {
			cp := *item
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return s.seq[result[i].ID] < s.seq[result[j].ID] })
	return result
}

func (s *MemoryStorage) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	delete(s.seq, id)
}

func (s *MemoryStorage) Clear(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.Collection == collection {
			delete(s.items, id)
			delete(s.seq, id)
		}
	}
}

func (s *MemoryStorage) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range s.items {
		if item.Status != StatusSynced {
			count++
		}
	}
	return count
}

func (s *MemoryStorage) Setting(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key]
}

func (s *MemoryStorage) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
}

func (s *MemoryStorage) PutProfile(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.profile = &cp
}

func (s *MemoryStorage) Profile() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	return &cp
}

func (s *MemoryStorage) PutFriends(friends []User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends = append([]User{}, friends...)
}

func (s *MemoryStorage) Friends() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]User{}, s.friends...)
}

func (s *MemoryStorage) Close() error { return nil }

// Interface checks.
var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*MemoryStorage)(nil)
)

// nowUTC is a seam for tests that need deterministic timestamps.
var nowUTC = func() time.Time { return time.Now().UTC() }
