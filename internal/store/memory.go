package store

import (
	"context"
	"sync"
	"time"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// MemoryStore is the in-process Store. It is the default backend and the
// write-through cache in front of the durable backends.
type MemoryStore struct {
	notifier *notifier

	mu         sync.RWMutex
	snapshots  map[string]model.ComplianceSnapshot
	history    map[string][]model.ComplianceSnapshot
	buckets    map[string][]model.MonthlyBucket
	maxHistory int
}

// NewMemory creates an in-memory store keeping at most maxHistory snapshot
// updates per building.
func NewMemory(maxHistory int) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &MemoryStore{
		notifier:   newNotifier(),
		snapshots:  make(map[string]model.ComplianceSnapshot),
		history:    make(map[string][]model.ComplianceSnapshot),
		buckets:    make(map[string][]model.MonthlyBucket),
		maxHistory: maxHistory,
	}
}

func (s *MemoryStore) PutSnapshot(_ context.Context, snap model.ComplianceSnapshot) error {
	s.mu.Lock()
	s.snapshots[snap.BuildingID] = snap
	h := append(s.history[snap.BuildingID], snap)
	if len(h) > s.maxHistory {
		h = h[len(h)-s.maxHistory:]
	}
	s.history[snap.BuildingID] = h
	s.mu.Unlock()

	s.notifier.notify(snap)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, buildingID string) (*model.ComplianceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[buildingID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStore) MarkStale(_ context.Context, buildingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[buildingID]
	if !ok {
		return nil
	}
	snap.Stale = true
	s.snapshots[buildingID] = snap
	return nil
}

func (s *MemoryStore) History(_ context.Context, buildingID string, limit int) ([]model.ComplianceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[buildingID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]model.ComplianceSnapshot, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) PutBuckets(_ context.Context, buildingID string, buckets []model.MonthlyBucket) error {
	series := make([]model.MonthlyBucket, len(buckets))
	copy(series, buckets)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[buildingID] = series
	return nil
}

func (s *MemoryStore) GetBuckets(_ context.Context, buildingID string) ([]model.MonthlyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.buckets[buildingID]
	out := make([]model.MonthlyBucket, len(series))
	copy(out, series)
	return out, nil
}

func (s *MemoryStore) AllBuckets(_ context.Context) ([]model.MonthlyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MonthlyBucket
	for _, series := range s.buckets {
		out = append(out, series...)
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(buildingID string) (<-chan model.ComplianceSnapshot, func()) {
	return s.notifier.subscribe(buildingID)
}

func (s *MemoryStore) Sweep(_ context.Context, retention time.Duration, maxUpdates int) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.history {
		kept := h[:0]
		for _, snap := range h {
			if retention > 0 && snap.LastUpdated.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		if maxUpdates > 0 && len(kept) > maxUpdates {
			removed += len(kept) - maxUpdates
			kept = kept[len(kept)-maxUpdates:]
		}
		s.history[id] = kept
	}
	return removed, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.notifier.closeAll()
	return nil
}
