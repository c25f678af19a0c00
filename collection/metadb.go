package collection

import (
	"encoding/binary"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var forwardBucket = []byte("forward")

// metaDB durably mirrors the in-memory forward metadata map into a bbolt
// bucket keyed by big-endian InternalId, per SPEC_FULL.md §3: metadata
// written between a WAL append and the next snapshot must survive a crash.
type metaDB struct {
	db *bbolt.DB
}

func openMetaDB(dir string) (*metaDB, error) {
	db, err := bbolt.Open(filepath.Join(dir, "meta.db"), 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(forwardBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &metaDB{db: db}, nil
}

func idKey(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

// Put durably records id's metadata. Values are stored as a simple
// length-prefixed key/value sequence; the in-memory forward map in
// index.Index remains the hot lookup path, this is crash-recovery backing.
func (m *metaDB) Put(id uint32, meta map[string]string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(forwardBucket)
		return b.Put(idKey(id), encodeMeta(meta))
	})
}

func (m *metaDB) Close() error { return m.db.Close() }

func encodeMeta(meta map[string]string) []byte {
	buf := make([]byte, 0, 64)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(meta)))
	buf = append(buf, tmp[:]...)
	for k, v := range meta {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(k)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, k...)
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, v...)
	}
	return buf
}

func decodeMeta(raw []byte) map[string]string {
	if len(raw) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(raw[:4])
	off := 4
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(raw) {
			break
		}
		klen := int(binary.BigEndian.Uint32(raw[off:]))
		off += 4
		if off+klen+4 > len(raw) {
			break
		}
		k := string(raw[off : off+klen])
		off += klen
		vlen := int(binary.BigEndian.Uint32(raw[off:]))
		off += 4
		if off+vlen > len(raw) {
			break
		}
		v := string(raw[off : off+vlen])
		off += vlen
		out[k] = v
	}
	return out
}
