package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickwatch/compliance-engine/internal/model"
)

func testSnapshot(buildingID string, score float64, at time.Time) model.ComplianceSnapshot {
	return model.ComplianceSnapshot{
		BuildingID:     buildingID,
		Score:          score,
		RiskLevel:      model.RiskLow,
		OpenViolations: 2,
		LastUpdated:    at,
	}
}

func TestMemoryStoreSnapshotRoundtrip(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	got, err := s.GetSnapshot(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "untracked buildings return nil, not an error")

	snap := testSnapshot("b1", 85, time.Now().UTC())
	require.NoError(t, s.PutSnapshot(ctx, snap))

	got, err = s.GetSnapshot(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap, *got)
}

func TestMemoryStoreMarkStale(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, s.MarkStale(ctx, "missing"))

	require.NoError(t, s.PutSnapshot(ctx, testSnapshot("b1", 85, time.Now().UTC())))
	require.NoError(t, s.MarkStale(ctx, "b1"))

	got, err := s.GetSnapshot(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.InDelta(t, 85, got.Score, 0.001, "stale snapshots keep last known good values")
}

func TestMemoryStoreHistoryBounded(t *testing.T) {
	s := NewMemory(3)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutSnapshot(ctx, testSnapshot("b1", float64(50+i), base.Add(time.Duration(i)*time.Minute))))
	}

	history, err := s.History(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3, "history keeps the most recent maxHistory entries")
	assert.InDelta(t, 52, history[0].Score, 0.001)
	assert.InDelta(t, 54, history[2].Score, 0.001)

	limited, err := s.History(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.InDelta(t, 53, limited[0].Score, 0.001)
}

func TestMemoryStoreBuckets(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	buckets := []model.MonthlyBucket{
		{BuildingID: "b1", Month: "2024-05", ViolationCount: 2},
		{BuildingID: "b1", Month: "2024-06", PermitCount: 1},
	}
	require.NoError(t, s.PutBuckets(ctx, "b1", buckets))
	require.NoError(t, s.PutBuckets(ctx, "b2", []model.MonthlyBucket{
		{BuildingID: "b2", Month: "2024-06", DSNYCount: 3},
	}))

	got, err := s.GetBuckets(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, buckets, got)

	all, err := s.AllBuckets(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Replacing a series does not leave stale rows behind.
	require.NoError(t, s.PutBuckets(ctx, "b1", buckets[:1]))
	got, err = s.GetBuckets(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStoreSubscribe(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	ch, cancel := s.Subscribe("b1")
	defer cancel()

	snap := testSnapshot("b1", 77, time.Now().UTC())
	require.NoError(t, s.PutSnapshot(ctx, snap))
	require.NoError(t, s.PutSnapshot(ctx, testSnapshot("b2", 50, time.Now().UTC())))

	select {
	case got := <-ch:
		assert.Equal(t, "b1", got.BuildingID)
		assert.InDelta(t, 77, got.Score, 0.001)
	case <-time.After(time.Second):
		t.Fatal("expected a notification for b1")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected notification for %s", got.BuildingID)
	default:
	}
}

func TestMemoryStoreSubscribeCancelCloses(t *testing.T) {
	s := NewMemory(0)

	ch, cancel := s.Subscribe("b1")
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Double cancel is safe.
	cancel()
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemory(100)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 6; i++ {
		age := time.Duration(6-i) * 24 * time.Hour
		require.NoError(t, s.PutSnapshot(ctx, testSnapshot("b1", float64(i), now.Add(-age))))
	}

	// Entries older than 4 days go; then the count cap trims to 2.
	removed, err := s.Sweep(ctx, 4*24*time.Hour+time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	history, err := s.History(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.InDelta(t, 4, history[0].Score, 0.001)
	assert.InDelta(t, 5, history[1].Score, 0.001)
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	s := NewMemory(1000)
	ctx := context.Background()

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("b%d", w)
				_ = s.PutSnapshot(ctx, testSnapshot(id, float64(i), time.Now().UTC()))
				_, _ = s.GetSnapshot(ctx, id)
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}

	for w := 0; w < 4; w++ {
		history, err := s.History(ctx, fmt.Sprintf("b%d", w), 0)
		require.NoError(t, err)
		assert.Len(t, history, 50)
	}
}
