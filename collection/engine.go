package collection

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hyperspacedb/hyperspace/digest"
	"github.com/hyperspacedb/hyperspace/index"
	"github.com/hyperspacedb/hyperspace/internal/herr"
	"github.com/hyperspacedb/hyperspace/metric"
	"github.com/hyperspacedb/hyperspace/storage"
	"github.com/hyperspacedb/hyperspace/wal"
)

const (
	snapshotFileName = "index.hnsw"
	walFileName      = "wal.log"

	// indexQueueCapacity bounds the background indexer's backlog. Insert
	// blocks on a full queue (explicit backpressure), per SPEC_FULL.md §5.
	indexQueueCapacity = 4096

	// indexerConcurrency is the fixed size of the HNSW link-in worker pool,
	// the "dedicated blocking-task pool" SPEC_FULL.md §5 calls for.
	indexerConcurrency = 4
)

// Durability selects the fsync behavior for a single Insert call,
// independent of the WAL's own configured SyncMode.
type Durability int

const (
	DurabilityDefault Durability = iota
	DurabilityStrict
)

type indexJob struct {
	id   uint32
	meta map[string]string
}

// Engine is the per-collection orchestrator of SPEC_FULL.md §4.6: one
// VectorStore, one WAL, one HnswIndex, one digest, one replication
// Broadcaster, and a bounded background indexer.
type Engine struct {
	Name string
	Dir  string

	dim    int
	metric metric.Metric
	meta   Meta

	store storage.Store
	log   *wal.WAL
	idx   *index.Index
	dig   *digest.Digest
	cfg   *GlobalConfig
	db    *metaDB

	Broadcast *Broadcaster
	origin    string

	indexQueue      chan indexJob
	outstandingWork atomic.Int64

	logger  log.Logger
	metrics *engineMetrics

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Boot implements SPEC_FULL.md §4.6's boot sequence: load snapshot (if any),
// open the WAL and replay records past the snapshot's recovered_count, then
// start the background indexer and snapshot ticker.
func Boot(name, dir string, cfg *GlobalConfig, origin string, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m, err := LoadMeta(dir)
	if err != nil {
		return nil, err
	}
	met, err := metric.New(m.Metric)
	if err != nil {
		return nil, err
	}

	st, err := storage.OpenMmapStore(filepath.Join(dir, "vectors"), stride(int(m.Dimension)))
	if err != nil {
		return nil, fmt.Errorf("collection: open storage: %w", err)
	}

	db, err := openMetaDB(dir)
	if err != nil {
		return nil, fmt.Errorf("collection: open meta db: %w", err)
	}

	src := storageSource{store: st}

	var idx *index.Index
	var recoveredCount uint32
	snapPath := filepath.Join(dir, snapshotFileName)
	loaded, count, err := index.Load(snapPath, int(m.Dimension), met, src)
	if err != nil {
		level.Warn(logger).Log("msg", "snapshot load failed, starting fresh from WAL", "err", err)
		idx = index.New(int(m.Dimension), met, src)
	} else {
		idx = loaded
		recoveredCount = count
		st.SetCount(count)
	}

	// M/EfConstruction are runtime-adjustable per SPEC_FULL.md §5/§6 (they
	// live as atomic cells on GlobalConfig); EfSearch is instead applied
	// per-call below in Search, since a single index serves concurrent
	// searches that may each want a different ef.
	params := index.DefaultParams()
	params.M = int(cfg.M.Load())
	params.EfConstruction = int(cfg.EfConstruction.Load())
	idx.SetParams(params)

	dig := digest.New()
	// Backfill the digest over every id the snapshot already covers, before
	// replay begins: nothing else repopulates it for ids < recoveredCount,
	// and Digest() must be a pure function of live state (spec.md §4.5/§7)
	// even immediately after a restart with a snapshot present.
	for id := uint32(0); id < recoveredCount; id++ {
		if idx.IsTombstoned(id) {
			continue
		}
		if raw, getErr := st.Get(id); getErr == nil {
			dig.Insert(id, raw)
		}
	}

	// Each collection gets its own metric namespace: Boot may be called
	// repeatedly against one shared registry (one per hosted collection),
	// and bare collector names would collide across them. WrapRegistererWith
	// requires a non-nil Registerer, so resolve promauto's own nil fallback
	// before wrapping.
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	scopedReg := prometheus.WrapRegistererWith(prometheus.Labels{"collection": name}, reg)

	w, err := wal.Open(filepath.Join(dir, walFileName), wal.WithSyncMode(cfg.SyncMode()), wal.WithLogger(logger), wal.WithRegisterer(scopedReg))
	if err != nil {
		return nil, fmt.Errorf("collection: open wal: %w", err)
	}

	e := &Engine{
		Name:       name,
		Dir:        dir,
		dim:        int(m.Dimension),
		metric:     met,
		meta:       m,
		store:      st,
		log:        w,
		idx:        idx,
		dig:        dig,
		cfg:        cfg,
		db:         db,
		Broadcast:  NewBroadcaster(),
		origin:     origin,
		indexQueue: make(chan indexJob, indexQueueCapacity),
		logger:     logger,
		metrics:    newEngineMetrics(scopedReg),
	}

	_, _, err = w.Replay(func(rec wal.Record) error {
		switch {
		case rec.IsInsert():
			raw := encodeVector(rec.Coords)
			if rec.ID >= st.Count() {
				if _, appendErr := st.Append(raw); appendErr != nil {
					return appendErr
				}
			}
			// Ids already covered by the snapshot are already in storage,
			// already indexed, and already backfilled into the digest above;
			// replaying their insert record again must not re-touch any of
			// those three.
			if rec.ID >= recoveredCount {
				e.dig.Insert(rec.ID, raw)
				if putErr := e.db.Put(rec.ID, rec.Metadata); putErr != nil {
					return putErr
				}
				e.enqueueIndex(rec.ID, rec.Metadata)
			}
		case rec.IsDelete():
			// A delete already reflected in the snapshot's tombstone bitmap
			// was excluded from the backfill above, so replaying it again
			// must not subtract it from the digest a second time. A delete
			// that postdates the snapshot (for either a recovered or a
			// freshly-replayed id) must still be applied to both.
			alreadyTombstoned := e.idx.IsTombstoned(rec.ID)
			_ = e.idx.Delete(rec.ID)
			if !alreadyTombstoned {
				if raw, getErr := st.Get(rec.ID); getErr == nil {
					e.dig.Delete(rec.ID, raw)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collection: wal replay: %w", err)
	}

	e.startBackground()
	return e, nil
}

func (e *Engine) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.group = g

	sem := semaphore.NewWeighted(indexerConcurrency)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case job, ok := <-e.indexQueue:
				if !ok {
					return nil
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil
				}
				go func(job indexJob) {
					defer sem.Release(1)
					defer e.outstandingWork.Add(-1)
					defer e.metrics.indexDrainLen.Dec()
					if err := e.idx.Insert(job.id, job.meta); err != nil {
						level.Error(e.logger).Log("msg", "background index insert failed", "id", job.id, "err", err)
						return
					}
					if err := e.db.Put(job.id, job.meta); err != nil {
						level.Warn(e.logger).Log("msg", "metadata durability write failed", "id", job.id, "err", err)
					}
				}(job)
			}
		}
	})

	g.Go(func() error {
		interval := time.Duration(e.cfg.SnapshotInterval.Load()) * time.Second
		if interval <= 0 {
			interval = 60 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.idx.Save(filepath.Join(e.Dir, snapshotFileName)); err != nil {
					level.Error(e.logger).Log("msg", "snapshot save failed", "err", err)
				} else {
					level.Info(e.logger).Log("msg", "snapshot saved")
				}
			}
		}
	})
}

func (e *Engine) enqueueIndex(id uint32, meta map[string]string) {
	e.outstandingWork.Add(1)
	e.metrics.indexDrainLen.Inc()
	e.indexQueue <- indexJob{id: id, meta: meta}
}

// Insert implements SPEC_FULL.md §4.6's Insert operation. idHint is accepted
// for API compatibility but ignored: the engine always assigns its own
// internal_id (see DESIGN.md's Open Question decision).
func (e *Engine) Insert(coords []float64, idHint uint32, meta map[string]string, durability Durability) (uint32, error) {
	if len(coords) != e.dim {
		return 0, herr.ErrDimensionMismatch
	}
	if err := e.metric.Validate(coords); err != nil {
		return 0, err
	}

	raw := encodeVector(coords)
	id, err := e.store.Append(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", herr.ErrStorageFull, err)
	}

	if err := e.log.Append(wal.Record{Op: wal.OpInsert, ID: id, Coords: coords, Metadata: meta}); err != nil {
		return 0, err
	}
	if durability == DurabilityStrict && e.cfg.SyncMode() != wal.Strict {
		if err := e.log.Sync(); err != nil {
			return 0, err
		}
	}

	if err := e.db.Put(id, meta); err != nil {
		level.Warn(e.logger).Log("msg", "metadata durability write failed", "id", id, "err", err)
	}

	e.dig.Insert(id, raw)
	e.metrics.inserts.Inc()

	e.Broadcast.Publish(ReplicationLog{
		Op:           LogInsert,
		InternalID:   id,
		Vector:       coords,
		Metadata:     meta,
		Collection:   e.Name,
		LogicalClock: e.dig.Snapshot().LogicalClock,
		Origin:       e.origin,
	})

	e.enqueueIndex(id, meta)
	return id, nil
}

// Search implements SPEC_FULL.md §4.4's query path through the engine,
// defaulting ef to the GlobalConfig's current ef_search cell when the
// caller passes ef<=0.
func (e *Engine) Search(q []float64, k, ef int, filters map[string]string, complex index.Predicate) ([]index.Result, error) {
	if ef <= 0 {
		ef = int(e.cfg.EfSearch.Load())
	}
	e.metrics.searches.Inc()
	return e.idx.Search(q, k, ef, filters, complex)
}

// Delete implements SPEC_FULL.md §4.6's Delete: WAL append, tombstone,
// digest XOR-out, publish.
func (e *Engine) Delete(id uint32) error {
	if err := e.log.Append(wal.Record{Op: wal.OpDelete, ID: id}); err != nil {
		return err
	}
	if err := e.idx.Delete(id); err != nil {
		return err
	}
	raw, err := e.store.Get(id)
	if err == nil {
		e.dig.Delete(id, raw)
	}
	e.metrics.deletes.Inc()

	e.Broadcast.Publish(ReplicationLog{
		Op:           LogDelete,
		InternalID:   id,
		Collection:   e.Name,
		LogicalClock: e.dig.Snapshot().LogicalClock,
		Origin:       e.origin,
	})
	return nil
}

// Digest returns the current digest state, per SPEC_FULL.md §4.6.
func (e *Engine) Digest() digest.State { return e.dig.Snapshot() }

// Meta returns this collection's dimension/metric/quantization document.
func (e *Engine) Meta() Meta { return e.meta }

// Export returns the raw bytes of every stored slot (the first
// Count()*stride bytes, tombstoned ids included), for full state transfer
// to a diverged follower (SPEC_FULL.md §4.7).
func (e *Engine) Export() []byte { return e.store.Export() }

// ImportFull replaces this engine's entire vector storage with raw (the
// bytes returned by a leader's Export), rebuilding the digest and
// re-enqueueing every id for indexing. This is the full state transfer path
// SPEC_FULL.md §4.7 calls for on a follower's count mismatch: rather than
// patch individual ids, the follower's storage and digest are rebuilt
// wholesale from the leader's authoritative export.
func (e *Engine) ImportFull(raw []byte) error {
	stride := e.store.Stride()
	if stride == 0 || len(raw)%stride != 0 {
		return fmt.Errorf("collection: import: export length %d not a multiple of stride %d", len(raw), stride)
	}
	total := uint32(len(raw) / stride)

	for id := uint32(0); id < total; id++ {
		slot := raw[int(id)*stride : int(id+1)*stride]
		if id < e.store.Count() {
			if err := e.store.Update(id, slot); err != nil {
				return err
			}
		} else if _, err := e.store.Append(slot); err != nil {
			return err
		}
	}

	e.dig.Reset()
	for id := uint32(0); id < total; id++ {
		slot, err := e.store.Get(id)
		if err != nil {
			continue
		}
		e.dig.Insert(id, slot)
		e.enqueueIndex(id, nil)
	}
	return nil
}

// FetchBucket returns (id, vector) records for every live (non-tombstoned)
// id whose digest bucket residue is bucket, for anti-entropy bucket-diff
// repair. The returned records carry no metadata.
func (e *Engine) FetchBucket(bucket int) ([]ReplicationLog, error) {
	var out []ReplicationLog
	count := e.store.Count()
	for id := uint32(0); id < count; id++ {
		if int(id%digest.NumBuckets) != bucket {
			continue
		}
		if e.idx.IsTombstoned(id) {
			continue
		}
		raw, err := e.store.Get(id)
		if err != nil {
			continue
		}
		out = append(out, ReplicationLog{
			Op:         LogInsert,
			InternalID: id,
			Vector:     decodeVector(raw),
			Collection: e.Name,
			Origin:     e.origin,
		})
	}
	return out, nil
}

// OutstandingIndexWork returns the number of ids enqueued for HNSW link-in
// that have not yet completed.
func (e *Engine) OutstandingIndexWork() int64 { return e.outstandingWork.Load() }

// WaitForIndexDrain blocks until OutstandingIndexWork reaches zero or ctx is
// done, the read-after-write mechanism SPEC_FULL.md §5/§8 scenario 6 calls
// for.
func (e *Engine) WaitForIndexDrain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if e.OutstandingIndexWork() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops background tasks and closes the WAL, storage, and metadata
// handles.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	close(e.indexQueue)
	if e.group != nil {
		_ = e.group.Wait()
	}
	var firstErr error
	if err := e.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
