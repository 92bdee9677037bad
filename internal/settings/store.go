package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var ErrNotFound = errors.New("settings: record not found")

// Store keeps named settings records.
type Store interface {
	Put(name string, n *Node) error
	Get(name string) (*Node, error)
	Delete(name string) error
	Close() error
}

// MemStore keeps encoded records in a map, so a Get never aliases a Put.
type MemStore struct {
	mu   sync.RWMutex
	recs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string][]byte)}
}

func (s *MemStore) Put(name string, n *Node) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[name] = data
	return nil
}

func (s *MemStore) Get(name string) (*Node, error) {
	s.mu.RLock()
	data, ok := s.recs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Decode(data)
}

func (s *MemStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, name)
	return nil
}

func (s *MemStore) Close() error { return nil }

// LevelStore persists records in a LevelDB database.
type LevelStore struct {
	db *leveldb.DB
}

func OpenLevelStore(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("open settings store %s: %w", dir, err)
	}
	return &LevelStore{db: db}, nil
}

// OpenMemLevelStore is a LevelStore backed by memory, for tests and
// throwaway sessions.
func OpenMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory settings store: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Put(name string, n *Node) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(name), data, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("put settings %s: %w", name, err)
	}
	return nil
}

func (s *LevelStore) Get(name string) (*Node, error) {
	data, err := s.db.Get([]byte(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get settings %s: %w", name, err)
	}
	return Decode(data)
}

func (s *LevelStore) Delete(name string) error {
	if err := s.db.Delete([]byte(name), nil); err != nil {
		return fmt.Errorf("delete settings %s: %w", name, err)
	}
	return nil
}

func (s *LevelStore) Close() error { return s.db.Close() }
