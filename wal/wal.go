// Package wal implements the write-ahead log described in SPEC_FULL.md
// §4.2/§6: a sequence of CRC-framed records (magic/payload_len/crc32/payload)
// with Async/Strict fsync modes and crash-truncation repair on replay.
//
// The locking and lifecycle shape (single-writer mutex, atomic closed flag,
// Open/Close/checkClosed, prometheus metrics, go-kit logging) follows the
// teacher's hashicorp-style raft WAL (github.com/dreamsxin/wal); the on-disk
// format itself is rebuilt to spec.md's single-file CRC-framed layout rather
// than the teacher's segmented raft log, since the two logs serve different
// contracts.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperspacedb/hyperspace/internal/herr"
)

const (
	magicByte byte = 0xA5

	// OpInsert and OpDelete are the WAL record opcodes, per SPEC_FULL.md §6.
	OpInsert byte = 1
	OpDelete byte = 2

	frameHeaderLen = 1 + 4 + 4 // magic + payload_len + crc32
)

// SyncMode selects the durability/throughput trade-off for Append, per
// SPEC_FULL.md §4.2.
type SyncMode int

const (
	// Async relies on the OS buffer cache only; Append never blocks on disk.
	Async SyncMode = iota
	// Strict fsyncs after every record.
	Strict
)

// Record is a single decoded WAL entry, the callback argument to Replay.
type Record struct {
	Op       byte
	ID       uint32
	Coords   []float64
	Metadata map[string]string
}

// IsInsert reports whether this record is an insert (op=1).
func (r Record) IsInsert() bool { return r.Op == OpInsert }

// IsDelete reports whether this record is a delete (op=2).
func (r Record) IsDelete() bool { return r.Op == OpDelete }

// WAL is a single-writer, append-only log file with CRC-framed records.
type WAL struct {
	closed atomic.Uint32

	path string
	mode SyncMode

	writeMu sync.Mutex
	file    *os.File
	offset  int64 // next write offset; also "end of valid data" after Open/Replay

	logger  log.Logger
	metrics *metrics

	checkpoint *checkpointStore
}

// Option configures a WAL at Open time.
type Option func(*WAL)

// WithLogger sets the go-kit logger used for lifecycle events.
func WithLogger(l log.Logger) Option {
	return func(w *WAL) { w.logger = l }
}

// WithRegisterer registers this WAL's prometheus metrics against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *WAL) { w.metrics = newMetrics(reg) }
}

// WithSyncMode selects Async or Strict fsync behavior.
func WithSyncMode(m SyncMode) Option {
	return func(w *WAL) { w.mode = m }
}

// Open opens (creating if necessary) the WAL file at path. If the file has a
// defective tail record, Open truncates it immediately (see Replay) so the
// WAL is always ready for Append in a consistent state.
func Open(path string, opts ...Option) (*WAL, error) {
	w := &WAL{
		path:   path,
		mode:   Async,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = newMetrics(nil)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	w.file = f

	cp, err := openCheckpointStore(path + ".meta")
	if err != nil {
		f.Close()
		return nil, err
	}
	w.checkpoint = cp

	// Establish a consistent tail: replay-and-discard any defective
	// trailing bytes before accepting new appends.
	n, _, err := w.Replay(func(Record) error { return nil })
	if err != nil {
		f.Close()
		return nil, err
	}
	level.Info(w.logger).Log("msg", "wal opened", "path", path, "records", n)
	return w, nil
}

// Append serializes and writes rec, optionally fsyncing per the configured
// SyncMode. Writers may not interleave: Append takes the single-writer lock
// for its whole duration.
func (w *WAL) Append(rec Record) error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return err
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = magicByte
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[5:9], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderLen:], payload)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	n, err := w.file.WriteAt(frame, w.offset)
	if err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	w.offset += int64(n)
	w.metrics.appends.Inc()
	w.metrics.bytesWritten.Add(float64(n))
	w.metrics.entriesWritten.Inc()

	if w.mode == Strict {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
		if err := w.checkpoint.commit(w.offset); err != nil {
			level.Warn(w.logger).Log("msg", "checkpoint commit failed", "err", err)
		}
	}
	return nil
}

// Replay iterates records from the start of the file, invoking cb for each
// whole, CRC-valid record, until either EOF or the first defective record
// (magic mismatch, short read, CRC mismatch, or unknown opcode). On hitting
// a defective record it truncates the file to the last known-good offset and
// returns (n, lastGoodOffset, nil) — callers observe only the valid prefix.
// This is the crash-truncation repair SPEC_FULL.md §4.2 and §8 scenario 3
// require.
func (w *WAL) Replay(cb func(Record) error) (n int, lastGoodOffset int64, err error) {
	f, err := os.Open(w.path)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: replay open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	header := make([]byte, frameHeaderLen)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				break
			}
			// Short read of the header: a partial trailing write. Truncate.
			break
		}
		if header[0] != magicByte {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(header[1:5])
		wantCRC := binary.LittleEndian.Uint32(header[5:9])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}

		rec, err := decodePayload(payload)
		if err != nil {
			// Unknown opcode or malformed payload: treat as corrupt tail.
			break
		}

		if err := cb(rec); err != nil {
			return n, offset, fmt.Errorf("wal: replay callback: %w", err)
		}
		offset += int64(frameHeaderLen) + int64(payloadLen)
		n++
		w.metrics.entriesRead.Inc()
	}

	if offset < fileSize(f) {
		if err := w.truncateTo(offset); err != nil {
			return n, offset, err
		}
		w.metrics.truncations.Inc()
		level.Warn(w.logger).Log("msg", "wal truncated on replay", "validBytes", offset)
	}
	w.writeMu.Lock()
	w.offset = offset
	w.writeMu.Unlock()

	return n, offset, nil
}

func fileSize(f *os.File) int64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

// truncateTo repairs a defective tail by shortening the file to offset,
// the crash-truncation behavior SPEC_FULL.md §4.2 requires.
func (w *WAL) truncateTo(offset int64) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("wal: truncate repair: %w", err)
	}
	return nil
}

func (w *WAL) checkClosed() error {
	if w.closed.Load() != 0 {
		return herr.ErrClosed
	}
	return nil
}

// Close closes the underlying file. Safe to call more than once.
func (w *WAL) Close() error {
	if !w.closed.CompareAndSwap(0, 1) {
		return nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.checkpoint.close(); err != nil {
		level.Warn(w.logger).Log("msg", "checkpoint close failed", "err", err)
	}
	return w.file.Close()
}

// Sync forces an fsync of the underlying file regardless of SyncMode,
// for callers that need a per-call Strict override on an Async-mode WAL.
func (w *WAL) Sync() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.checkpoint.commit(w.offset)
}

// Offset returns the current end-of-valid-data write offset. Exposed for
// tests exercising scenario 3 of SPEC_FULL.md §8.
func (w *WAL) Offset() int64 {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.offset
}
