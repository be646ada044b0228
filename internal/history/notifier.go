package history

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

// ChangeKind describes what happened to the local history.
type ChangeKind string

const (
	ChangeAdded         ChangeKind = "added"
	ChangeReplaced      ChangeKind = "replaced"
	ChangeOwnerSwitched ChangeKind = "owner-switched"
)

// Change is delivered to subscribers whenever the history they observe is modified.
type Change struct {
	Bucket    string
	Kind      ChangeKind
	Variant   records.Variant
	Timestamp time.Time
}

type notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Change
	nextID      int64
	bufferSize  int
}

func newNotifier() *notifier {
	return &notifier{
		subscribers: make(map[int64]chan Change),
		bufferSize:  16,
	}
}

func (n *notifier) subscribe(ctx context.Context) (<-chan Change, func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	stream := make(chan Change, n.bufferSize)
	n.subscribers[id] = stream
	n.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, id)
			n.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// publish never blocks; a full subscriber buffer drops the change.
func (n *notifier) publish(change Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, stream := range n.subscribers {
		select {
		case stream <- change:
		default:
		}
	}
}
