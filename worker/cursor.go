package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CursorStore persists the id of the last log entry the worker finished.
type CursorStore interface {
	// Load returns ok=false when no cursor has been saved yet.
	Load(ctx context.Context) (id string, ok bool, err error)
	Save(ctx context.Context, id string) error
}

type MemoryCursorStore struct {
	mu sync.Mutex
	id string
}

func (m *MemoryCursorStore) Load(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.id != "", nil
}

func (m *MemoryCursorStore) Save(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

var cursorBucket = []byte("cursors")

// BoltCursorStore keeps the cursor in a local bbolt file under a per-consumer
// key, so several consumers of the same stream can share one file.
type BoltCursorStore struct {
	db  *bolt.DB
	key []byte
}

func OpenBoltCursorStore(path, consumer string) (*BoltCursorStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursor bucket: %w", err)
	}
	return &BoltCursorStore{db: db, key: []byte(consumer)}, nil
}

func (s *BoltCursorStore) Load(context.Context) (string, bool, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(cursorBucket).Get(s.key); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("load cursor: %w", err)
	}
	return id, id != "", nil
}

func (s *BoltCursorStore) Save(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(s.key, []byte(id))
	})
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", id, err)
	}
	return nil
}

func (s *BoltCursorStore) Close() error {
	return s.db.Close()
}
