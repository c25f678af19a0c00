package wal

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

var checkpointBucket = []byte("checkpoint")

const checkpointKey = "lastGoodOffset"

// checkpointStore persists a resumption hint for the WAL's last known-good
// write offset, per SPEC_FULL.md §4.2. Neither Open nor Replay reads the
// hint: Replay always scans the log from byte zero, so a stale or missing
// checkpoint file has no effect on recovery.
type checkpointStore struct {
	db *bbolt.DB
}

func openCheckpointStore(path string) (*checkpointStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &checkpointStore{db: db}, nil
}

// commit records offset as the last write position known to be durable.
func (c *checkpointStore) commit(offset int64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(offset))
		return b.Put([]byte(checkpointKey), buf)
	})
}

// hint returns the last committed offset, or 0 if none was ever recorded.
func (c *checkpointStore) hint() int64 {
	var offset int64
	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		v := b.Get([]byte(checkpointKey))
		if len(v) == 8 {
			offset = int64(binary.LittleEndian.Uint64(v))
		}
		return nil
	})
	return offset
}

func (c *checkpointStore) close() error {
	return c.db.Close()
}
