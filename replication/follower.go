package replication

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hyperspacedb/hyperspace/collection"
	"github.com/hyperspacedb/hyperspace/digest"
)

// antiEntropyInterval paces digest polling against the leader, per
// SPEC_FULL.md §4.7 ("Anti-entropy polling on the follower side is paced
// with golang.org/x/time/rate").
const antiEntropyInterval = 2 * time.Second

// Follower drives one node's replication subscriptions against a
// LeaderClient: subscribing, applying the broadcast stream, reconnecting on
// lag, and running anti-entropy on a rate-limited schedule.
type Follower struct {
	baseDir string
	cfg     *collection.GlobalConfig
	origin  string
	logger  log.Logger
	reg     prometheus.Registerer
	leader  LeaderClient

	mu      sync.Mutex
	engines map[string]*collection.Engine
	states  map[string]SubscriptionState
}

// NewFollower builds a Follower that materializes collections under
// baseDir/<name> on demand (auto-create on first sight of an unknown
// collection, per SPEC_FULL.md §4.7).
func NewFollower(baseDir string, cfg *collection.GlobalConfig, origin string, logger log.Logger, reg prometheus.Registerer, leader LeaderClient) *Follower {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Follower{
		baseDir: baseDir,
		cfg:     cfg,
		origin:  origin,
		logger:  logger,
		reg:     reg,
		leader:  leader,
		engines: make(map[string]*collection.Engine),
		states:  make(map[string]SubscriptionState),
	}
}

// Close closes every local engine this follower has booted.
func (f *Follower) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, e := range f.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// State reports a collection's current subscription state (zero value
// Connecting if never subscribed).
func (f *Follower) State(name string) SubscriptionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[name]
}

func (f *Follower) setState(name string, s SubscriptionState) {
	f.mu.Lock()
	f.states[name] = s
	f.mu.Unlock()
}

// Engine returns the local follower-side engine for name, booting (and
// auto-creating, per the leader's declared schema) it on first use.
func (f *Follower) Engine(name string) (*collection.Engine, error) {
	f.mu.Lock()
	e, ok := f.engines[name]
	f.mu.Unlock()
	if ok {
		return e, nil
	}

	dir := filepath.Join(f.baseDir, name)
	if _, err := collection.LoadMeta(dir); err != nil {
		meta, metaErr := f.leader.CollectionMeta(name)
		if metaErr != nil {
			return nil, fmt.Errorf("replication: auto-create %q: %w", name, metaErr)
		}
		if err := collection.SaveMeta(dir, meta); err != nil {
			return nil, fmt.Errorf("replication: auto-create %q: %w", name, err)
		}
	}

	e, err := collection.Boot(name, dir, f.cfg, f.origin, f.logger, f.reg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.engines[name] = e
	f.mu.Unlock()
	return e, nil
}

// Run drives the CONNECTING -> STREAMING -> (LAGGED -> DISCONNECTED ->
// CONNECTING) loop for a single collection until ctx is cancelled. It also
// starts this collection's anti-entropy poller.
func (f *Follower) Run(ctx context.Context, name string) error {
	go f.runAntiEntropy(ctx, name)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.streamOnce(ctx, name); err != nil {
			level.Warn(f.logger).Log("msg", "replication stream ended", "collection", name, "err", err)
		}
		f.setState(name, Disconnected)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		f.setState(name, Connecting)
	}
}

// streamOnce subscribes once and applies messages until the channel closes
// (lag-drop by the leader) or ctx is cancelled.
func (f *Follower) streamOnce(ctx context.Context, name string) error {
	f.setState(name, Connecting)
	e, err := f.Engine(name)
	if err != nil {
		return err
	}

	ch, subID, err := f.leader.Subscribe(name)
	if err != nil {
		return err
	}
	defer f.leader.Unsubscribe(name, subID)

	f.setState(name, Streaming)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				f.setState(name, Lagged)
				return fmt.Errorf("replication: subscription to %q dropped (lag)", name)
			}
			if err := e.ApplyReplicated(rec); err != nil {
				level.Error(f.logger).Log("msg", "apply replicated record failed", "collection", name, "id", rec.InternalID, "err", err)
			}
		}
	}
}

// runAntiEntropy periodically compares this follower's digest against the
// leader's and repairs divergence, per SPEC_FULL.md §4.7. Polling is paced
// with a token-bucket limiter rather than a bare ticker, so bursts of
// reconnect-triggered syncs don't turn into a busy loop against the leader.
func (f *Follower) runAntiEntropy(ctx context.Context, name string) {
	limiter := rate.NewLimiter(rate.Every(antiEntropyInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := f.reconcileOnce(name); err != nil {
			level.Warn(f.logger).Log("msg", "anti-entropy reconcile failed", "collection", name, "err", err)
		}
	}
}

// reconcileOnce runs a single anti-entropy pass: compare digests, and on
// mismatch repair via bucket-diff (same count) or full export (count
// mismatch), per SPEC_FULL.md §4.5/§4.7.
func (f *Follower) reconcileOnce(name string) error {
	e, err := f.Engine(name)
	if err != nil {
		return err
	}
	localDigest := e.Digest()
	remoteDigest, err := f.leader.GetDigest(name)
	if err != nil {
		return err
	}
	if localDigest.StateHash == remoteDigest.StateHash && localDigest.Count == remoteDigest.Count {
		return nil
	}

	f.setState(name, Diverged)
	f.setState(name, Repairing)
	defer f.setState(name, Streaming)

	if localDigest.Count != remoteDigest.Count {
		raw, err := f.leader.Export(name)
		if err != nil {
			return err
		}
		return e.ImportFull(raw)
	}

	for _, bucket := range digest.MismatchedBuckets(localDigest, remoteDigest) {
		recs, err := f.leader.FetchBucket(name, bucket)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := e.ApplyReplicated(rec); err != nil {
				return err
			}
		}
	}
	return nil
}
