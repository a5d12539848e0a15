package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Storage is an interface for a named-store cache backend.
// It manages any number of named stores, each mapping a request key
// to a []byte value representing a serialized HTTP response.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns a handle to the store with the given name,
	// creating the store if it does not exist.
	Open(name string) (Store, error)
	// Names returns the names of all existing stores.
	Names() ([]string, error)
	// Delete removes the named store and all of its entries.
	// Deleting a non-existent store is not an error.
	Delete(name string) error
	// Match searches all stores for the given key.
	// It returns the cached bytes and a boolean indicating a hit.
	Match(key string) ([]byte, bool, error)
}

// Store is a handle to one named store.
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns the cached bytes for the given key, if they exist.
	Match(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key,
	// overwriting any previous entry.
	Put(key string, bytes []byte) error
	// AddAll stores all given entries as a single all-or-nothing operation.
	// If it returns an error, none of the entries are stored.
	AddAll(entries map[string][]byte) error
	// Keys returns all keys currently in the store.
	Keys() ([]string, error)
}

type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string][]byte),
	}
}

func (m *MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string][]byte)
	}
	return &memStore{storage: m, name: name}, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStorage) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.stores, name)
	return nil
}

func (m *MemStorage) Match(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	// iterate stores in name order so lookups are deterministic
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if bytes, ok := m.stores[name][key]; ok {
			return bytes, true, nil
		}
	}
	return nil, false, nil
}

type memStore struct {
	storage *MemStorage
	name    string
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(key string) ([]byte, bool, error) {
	s.storage.mutex.RLock()
	defer s.storage.mutex.RUnlock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return nil, false, fmt.Errorf("store %q deleted", s.name)
	}
	bytes, ok := entries[key]
	return bytes, ok, nil
}

func (s *memStore) Put(key string, bytes []byte) error {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return fmt.Errorf("store %q deleted", s.name)
	}
	entries[key] = bytes
	return nil
}

func (s *memStore) AddAll(entries map[string][]byte) error {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	store, ok := s.storage.stores[s.name]
	if !ok {
		return fmt.Errorf("store %q deleted", s.name)
	}
	for key, bytes := range entries {
		store[key] = bytes
	}
	return nil
}

func (s *memStore) Keys() ([]string, error) {
	s.storage.mutex.RLock()
	defer s.storage.mutex.RUnlock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return nil, fmt.Errorf("store %q deleted", s.name)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If the filename is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		// a unique name keeps separate storages from sharing one db,
		// cache=shared keeps the pooled connections on the same one
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS entries (store TEXT, key TEXT, bytes BLOB, PRIMARY KEY (store, key))"); err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(name string) (Store, error) {
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM stores WHERE name = ?", name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE key = ? ORDER BY store LIMIT 1", key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", s.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *sqliteStore) Put(key string, bytes []byte) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (store, key, bytes) VALUES (?, ?, ?)", s.name, key, bytes)
	return err
}

func (s *sqliteStore) AddAll(entries map[string][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for key, bytes := range entries {
		if _, err := tx.Exec("INSERT OR REPLACE INTO entries (store, key, bytes) VALUES (?, ?, ?)", s.name, key, bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
