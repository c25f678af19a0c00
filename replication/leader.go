package replication

import (
	"fmt"
	"sync"

	"github.com/hyperspacedb/hyperspace/collection"
	"github.com/hyperspacedb/hyperspace/digest"
)

// LeaderClient is the contract a follower needs against a leader, per
// spec.md §6's "Follower -> Leader" interface: get_digest, export,
// fetch_bucket, plus subscribing to the broadcast stream. Transports
// (gRPC/HTTP) are out of scope here; Registry below is the in-process
// implementation this module ships, and any real deployment would implement
// this same interface over a wire client instead.
type LeaderClient interface {
	GetDigest(collectionName string) (digest.State, error)
	Export(collectionName string) ([]byte, error)
	FetchBucket(collectionName string, bucket int) ([]collection.ReplicationLog, error)
	Subscribe(collectionName string) (<-chan collection.ReplicationLog, int, error)
	Unsubscribe(collectionName string, subID int)
	CollectionMeta(collectionName string) (collection.Meta, error)
}

// Registry hosts the leader side of replication for every collection on a
// node: a name-keyed map of *collection.Engine, guarded by a RWMutex since
// collections are created far less often than they're read.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*collection.Engine
}

// NewRegistry returns an empty leader registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*collection.Engine)}
}

// Register adds a booted engine under name, making it reachable to
// followers via the LeaderClient methods below.
func (r *Registry) Register(name string, e *collection.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[name] = e
}

// Unregister removes a collection from the registry (it is not closed).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, name)
}

func (r *Registry) get(name string) (*collection.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("replication: unknown collection %q", name)
	}
	return e, nil
}

func (r *Registry) GetDigest(name string) (digest.State, error) {
	e, err := r.get(name)
	if err != nil {
		return digest.State{}, err
	}
	return e.Digest(), nil
}

func (r *Registry) Export(name string) ([]byte, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return e.Export(), nil
}

func (r *Registry) FetchBucket(name string, bucket int) ([]collection.ReplicationLog, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return e.FetchBucket(bucket)
}

func (r *Registry) Subscribe(name string) (<-chan collection.ReplicationLog, int, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, 0, err
	}
	ch, id := e.Broadcast.Subscribe()
	return ch, id, nil
}

func (r *Registry) Unsubscribe(name string, subID int) {
	e, err := r.get(name)
	if err != nil {
		return
	}
	e.Broadcast.Unsubscribe(subID)
}

func (r *Registry) CollectionMeta(name string) (collection.Meta, error) {
	e, err := r.get(name)
	if err != nil {
		return collection.Meta{}, err
	}
	return e.Meta(), nil
}
