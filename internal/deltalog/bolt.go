package deltalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	co "github.com/ilnaes/quillsync/internal/common"
)

var logsBucket = []byte("logs")

// BoltStore keeps every log as a nested bucket under "logs", keyed by the
// big-endian position so cursor order is append order. bolt allows one
// writer at a time, which serializes appends.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func positionKey(pos uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], pos)
	return buf[:]
}

func (b *BoltStore) Append(_ context.Context, docId string, delta co.Delta) (int, error) {
	var length int
	err := b.db.Update(func(tx *bolt.Tx) error {
		log, err := tx.Bucket(logsBucket).CreateBucketIfNotExists([]byte(docId))
		if err != nil {
			return err
		}

		// sequences start at 1 so the sequence is the new length
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		length = int(seq)
		return log.Put(positionKey(seq-1), delta)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", docId, err)
	}
	return length, nil
}

func (b *BoltStore) ReadAll(_ context.Context, docId string) ([]co.Delta, error) {
	res := []co.Delta{}
	err := b.db.View(func(tx *bolt.Tx) error {
		log := tx.Bucket(logsBucket).Bucket([]byte(docId))
		if log == nil {
			return nil
		}
		// values are only valid inside the transaction
		return log.ForEach(func(_, v []byte) error {
			res = append(res, clone(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", docId, err)
	}
	return res, nil
}

func (b *BoltStore) Clear(_ context.Context, docId string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(logsBucket).DeleteBucket([]byte(docId))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", docId, err)
	}
	return nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BoltStore)(nil)
