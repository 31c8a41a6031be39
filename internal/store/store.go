// Package store holds the committed compliance view: latest snapshot and
// bounded history per building, plus the monthly bucket series the trend
// rollup reads. All implementations share the subscription fan-out, so
// external collaborators can watch a building regardless of backend.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// Store is the persistence interface behind the engine. Only fully
// committed aggregation results are ever written, so readers never observe
// a partial update. GetSnapshot returns (nil, nil) for untracked buildings.
type Store interface {
	// Snapshots
	PutSnapshot(ctx context.Context, snap model.ComplianceSnapshot) error
	GetSnapshot(ctx context.Context, buildingID string) (*model.ComplianceSnapshot, error)
	MarkStale(ctx context.Context, buildingID string) error
	History(ctx context.Context, buildingID string, limit int) ([]model.ComplianceSnapshot, error)

	// Monthly buckets
	PutBuckets(ctx context.Context, buildingID string, buckets []model.MonthlyBucket) error
	GetBuckets(ctx context.Context, buildingID string) ([]model.MonthlyBucket, error)
	AllBuckets(ctx context.Context) ([]model.MonthlyBucket, error)

	// Subscribe streams every committed snapshot for the building until the
	// returned cancel function is called.
	Subscribe(buildingID string) (<-chan model.ComplianceSnapshot, func())

	// Sweep applies retention: history entries older than retention or
	// beyond maxUpdates per building are removed. Latest snapshots and
	// buckets are never swept. Returns the number of entries removed.
	Sweep(ctx context.Context, retention time.Duration, maxUpdates int) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// notifier implements the per-building subscription fan-out shared by all
// Store implementations. Notifications never block: a subscriber that falls
// behind misses intermediate snapshots rather than stalling the writer.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan model.ComplianceSnapshot
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]chan model.ComplianceSnapshot)}
}

func (n *notifier) subscribe(buildingID string) (<-chan model.ComplianceSnapshot, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan model.ComplianceSnapshot, 8)
	id := n.next
	n.next++
	if n.subs[buildingID] == nil {
		n.subs[buildingID] = make(map[int]chan model.ComplianceSnapshot)
	}
	n.subs[buildingID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[buildingID][id]; ok {
			delete(n.subs[buildingID], id)
			close(sub)
		}
	}
	return ch, cancel
}

func (n *notifier) notify(snap model.ComplianceSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[snap.BuildingID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, subs := range n.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
