package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

const filesBucket = "files"

// BoltBackend keeps file payloads in a single BoltDB bucket keyed by file id.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the BoltDB file at path and ensures
// the files bucket exists.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(filesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure bucket %q: %w", filesBucket, err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Put(key string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(filesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket %q not found", filesBucket)
		}
		return bucket.Put([]byte(key), data)
	})
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(filesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket %q not found", filesBucket)
		}
		k, v := bucket.Cursor().Seek([]byte(key))
		if k == nil || !bytes.Equal(k, []byte(key)) {
			return nil
		}
		found = true
		// bolt values are only valid for the life of the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (b *BoltBackend) Size(key string) (int64, bool, error) {
	var (
		size  int64
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(filesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket %q not found", filesBucket)
		}
		k, v := bucket.Cursor().Seek([]byte(key))
		if k == nil || !bytes.Equal(k, []byte(key)) {
			return nil
		}
		found = true
		size = int64(len(v))
		return nil
	})
	return size, found, err
}

func (b *BoltBackend) Keys() ([]string, error) {
	keys := []string{}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(filesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket %q not found", filesBucket)
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(filesBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltBackend) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(filesBucket)) != nil {
			if err := tx.DeleteBucket([]byte(filesBucket)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(filesBucket))
		return err
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
