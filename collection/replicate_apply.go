package collection

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/hyperspacedb/hyperspace/wal"
)

// ApplyReplicated is the follower apply path of SPEC_FULL.md §4.7: it
// writes a leader-originated ReplicationLog into this engine's own storage,
// WAL, digest, and indexing queue, assigning the same InternalID the leader
// assigned rather than minting a new one. The record is still written to
// this engine's own WAL (for local crash recovery), not the leader's.
func (e *Engine) ApplyReplicated(rec ReplicationLog) error {
	switch rec.Op {
	case LogInsert:
		return e.applyReplicatedInsert(rec)
	case LogDelete:
		return e.applyReplicatedDelete(rec)
	default:
		return fmt.Errorf("collection: unknown replication op %d", rec.Op)
	}
}

func (e *Engine) applyReplicatedInsert(rec ReplicationLog) error {
	raw := encodeVector(rec.Vector)
	count := e.store.Count()
	var old []byte
	var hadOld bool

	switch {
	case rec.InternalID < count:
		// Already applied (or a leader retransmit), or a bucket-diff repair
		// overwriting a diverged id: idempotent overwrite, per SPEC_FULL.md
		// §7's "duplicate replication" recoverable case. The digest's XOR
		// fold is only correct if the stale leaf hash is removed before the
		// new one goes in, so the old bytes must be read before Update
		// clobbers them.
		var getErr error
		old, getErr = e.store.Get(rec.InternalID)
		hadOld = getErr == nil
		if err := e.store.Update(rec.InternalID, raw); err != nil {
			return err
		}
	case rec.InternalID == count:
		if _, err := e.store.Append(raw); err != nil {
			return err
		}
	default:
		// A gap: the leader has assigned ids this follower never saw
		// (e.g. a prior subscription drop). Pad with placeholder slots;
		// anti-entropy's bucket-diff/export repair backfills their real
		// contents, since the digest over a zero-vector placeholder will
		// mismatch the leader's and trigger repair.
		placeholder := make([]byte, e.store.Stride())
		for e.store.Count() < rec.InternalID {
			if _, err := e.store.Append(placeholder); err != nil {
				return err
			}
		}
		if _, err := e.store.Append(raw); err != nil {
			return err
		}
	}

	if err := e.log.Append(wal.Record{Op: wal.OpInsert, ID: rec.InternalID, Coords: rec.Vector, Metadata: rec.Metadata}); err != nil {
		return err
	}
	if err := e.db.Put(rec.InternalID, rec.Metadata); err != nil {
		level.Warn(e.logger).Log("msg", "metadata durability write failed", "id", rec.InternalID, "err", err)
	}
	if hadOld {
		e.dig.Delete(rec.InternalID, old)
	}
	e.dig.Insert(rec.InternalID, raw)
	e.enqueueIndex(rec.InternalID, rec.Metadata)
	return nil
}

func (e *Engine) applyReplicatedDelete(rec ReplicationLog) error {
	if err := e.log.Append(wal.Record{Op: wal.OpDelete, ID: rec.InternalID}); err != nil {
		return err
	}
	_ = e.idx.Delete(rec.InternalID)
	if raw, err := e.store.Get(rec.InternalID); err == nil {
		e.dig.Delete(rec.InternalID, raw)
	}
	return nil
}
