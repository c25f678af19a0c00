package collection

import "sync"

// LogOp distinguishes an insert ReplicationLog from a delete one. The
// spec.md §6 wire contract only names insert's fields explicitly; deletes
// reuse the same envelope with Vector/Metadata empty, the same shape the
// WAL's own insert/delete opcode split already uses.
type LogOp uint8

const (
	LogInsert LogOp = 1
	LogDelete LogOp = 2
)

// ReplicationLog is the wire message an engine publishes on every
// insert/delete, per SPEC_FULL.md §4.6/§4.7/§6.
type ReplicationLog struct {
	Op           LogOp
	InternalID   uint32
	Vector       []float64
	Metadata     map[string]string
	Collection   string
	LogicalClock uint64
	Origin       string
}

// subscriberChanCapacity bounds each follower's replication channel; once a
// subscriber falls this far behind, the leader drops it rather than block
// or grow memory unboundedly, per SPEC_FULL.md §4.7.
const subscriberChanCapacity = 1024

// Broadcaster is the per-collection replication hub a CollectionEngine
// hosts: followers Subscribe to receive a bounded, independent channel of
// ReplicationLog; Publish fans out non-blockingly, dropping (and closing)
// any subscriber whose channel is full.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan ReplicationLog
	nextID      int
}

// NewBroadcaster returns an empty broadcast hub.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan ReplicationLog)}
}

// Subscribe registers a new follower connection and returns its channel plus
// a handle to Unsubscribe later (e.g. on disconnect or after being dropped
// for lag — callers should watch for channel closure as a "you were
// dropped, reconnect" signal).
func (b *Broadcaster) Subscribe() (ch <-chan ReplicationLog, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.nextID
	b.nextID++
	c := make(chan ReplicationLog, subscriberChanCapacity)
	b.subscribers[id] = c
	return c, id
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subscribers[id]; ok {
		close(c)
		delete(b.subscribers, id)
	}
}

// Publish fans log out to every subscriber. Per-leader FIFO is preserved
// per subscriber since Publish holds the lock for its whole duration, so
// concurrent Publish calls cannot interleave individual subscriber sends out
// of order.
func (b *Broadcaster) Publish(log ReplicationLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.subscribers {
		select {
		case c <- log:
		default:
			// Subscriber lagging beyond capacity: drop per SPEC_FULL.md §4.7.
			close(c)
			delete(b.subscribers, id)
		}
	}
}

// SubscriberCount reports the current number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
