package kv

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var defaultBucket = []byte("fleetadmin")

// BoltStore persists keys in a single bucket of a bolt database file.
type BoltStore struct {
	DB     *bolt.DB
	bucket []byte
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}

	store := &BoltStore{DB: db, bucket: defaultBucket}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(store.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return store, nil
}

func (s *BoltStore) Get(key string) ([]byte, bool, error) {
	var value []byte

	err := s.DB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v != nil {
			// bolt values are only valid for the lifetime of the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return value, value != nil, nil
}

func (s *BoltStore) Set(key string, value []byte) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) DeletePrefix(prefix string) (int, error) {
	removed := 0

	err := s.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		p := []byte(prefix)

		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})

	return removed, err
}

func (s *BoltStore) Scan(prefix string, fn func(key string, value []byte) bool) error {
	return s.DB.View(func(tx *bolt.Tx) error {
		p := []byte(prefix)
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if !fn(string(k), append([]byte(nil), v...)) {
				return nil
			}
		}
		return nil
	})
}

// Close the database and release the file lock.
func (s *BoltStore) Close() error {
	return s.DB.Close()
}
