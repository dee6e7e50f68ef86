package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// BoltStore keeps both snapshots as keys of a single BoltDB bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshots)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Save(key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSnapshots)
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
