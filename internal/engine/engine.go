// Package engine wires the refresh pipeline together: fetch through the
// controller, normalize, aggregate, evaluate alerts, commit to the store.
// The engine is constructed explicitly with its collaborators; nothing in
// here reaches for process-global state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brickwatch/compliance-engine/internal/aggregate"
	"github.com/brickwatch/compliance-engine/internal/alert"
	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/normalize"
	"github.com/brickwatch/compliance-engine/internal/scheduler"
	"github.com/brickwatch/compliance-engine/internal/source"
	"github.com/brickwatch/compliance-engine/internal/store"
)

// Retention bounds how much snapshot history the store keeps.
type Retention struct {
	Days       int `yaml:"days" mapstructure:"days"`
	MaxUpdates int `yaml:"max_updates" mapstructure:"max_updates"`
}

// Options are the engine's collaborators and tuning. Controller, Normalizer,
// Aggregator, Evaluator and Store are required.
type Options struct {
	Controller *source.Controller
	Normalizer *normalize.Normalizer
	Aggregator *aggregate.Aggregator
	Evaluator  *alert.Evaluator
	Store      store.Store
	Sinks      []alert.Sink

	Scheduler scheduler.Config
	Push      *scheduler.PushConfig
	Retention Retention
}

// Engine runs refresh cycles for tracked buildings and serves the committed
// compliance view.
type Engine struct {
	controller *source.Controller
	normalizer *normalize.Normalizer
	aggregator *aggregate.Aggregator
	evaluator  *alert.Evaluator
	store      store.Store
	sinks      []alert.Sink
	sched      *scheduler.Scheduler
	push       *scheduler.PushListener
	retention  Retention
	log        *zap.Logger

	// locks serializes the read-aggregate-commit section per building, so
	// two concurrent cycles for the same building cannot interleave writes.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New validates the options and assembles an engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Controller == nil:
		return nil, eris.New("engine: controller is required")
	case opts.Normalizer == nil:
		return nil, eris.New("engine: normalizer is required")
	case opts.Aggregator == nil:
		return nil, eris.New("engine: aggregator is required")
	case opts.Evaluator == nil:
		return nil, eris.New("engine: evaluator is required")
	case opts.Store == nil:
		return nil, eris.New("engine: store is required")
	}

	e := &Engine{
		controller: opts.Controller,
		normalizer: opts.Normalizer,
		aggregator: opts.Aggregator,
		evaluator:  opts.Evaluator,
		store:      opts.Store,
		sinks:      opts.Sinks,
		retention:  opts.Retention,
		log:        zap.L().With(zap.String("component", "engine")),
		locks:      make(map[string]*sync.Mutex),
	}
	e.sched = scheduler.New(opts.Scheduler, e.RefreshBuilding, e.store.MarkStale)
	if opts.Push != nil && opts.Push.URL != "" {
		e.push = scheduler.NewPushListener(*opts.Push, e.TriggerRefresh)
	}
	return e, nil
}

// Track registers a building with the refresh scheduler.
func (e *Engine) Track(bld model.BuildingIdentifier, tier scheduler.Tier) {
	e.sched.Track(bld, tier)
}

// TriggerRefresh requests an immediate refresh, coalescing with any cycle
// already in flight.
func (e *Engine) TriggerRefresh(buildingID string) {
	e.sched.Trigger(buildingID)
}

// Store exposes the committed compliance view for read-side callers.
func (e *Engine) Store() store.Store { return e.store }

// Scheduler exposes refresh state for status reporting.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Start runs the scheduler, the optional push listener, and the retention
// sweeper until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.sched.Run(gctx) })
	if e.push != nil {
		g.Go(func() error { return e.push.Run(gctx) })
	}
	if e.retention.Days > 0 || e.retention.MaxUpdates > 0 {
		g.Go(func() error { return e.sweepLoop(gctx) })
	}

	err := g.Wait()
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// RefreshBuilding runs one full refresh cycle. Sources are fetched
// concurrently and independently: a failed source degrades the snapshot
// instead of failing the cycle. The cycle fails only when every source
// fails.
func (e *Engine) RefreshBuilding(ctx context.Context, bld model.BuildingIdentifier) error {
	if !bld.Valid() {
		return eris.Errorf("engine: building %q has no queryable identifier", bld.ID)
	}
	log := e.log.With(zap.String("building", bld.ID))
	started := time.Now()

	sources := e.controller.Sources()
	if len(sources) == 0 {
		return eris.New("engine: no sources registered")
	}

	var (
		fetchMu  sync.Mutex
		records  []source.RawRecord
		degraded []string
	)
	var g errgroup.Group
	for _, name := range sources {
		g.Go(func() error {
			recs, err := e.controller.Fetch(ctx, name, bld, source.Filter{})
			fetchMu.Lock()
			defer fetchMu.Unlock()
			if err != nil {
				degraded = append(degraded, name)
				log.Warn("source fetch failed",
					zap.String("source", name), zap.Error(err))
				return nil
			}
			records = append(records, recs...)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	// A canceled cycle abandons whatever the faster sources already
	// returned; partial fetches are never merged or committed.
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "engine: refresh cycle canceled")
	}
	if len(degraded) == len(sources) {
		return eris.Errorf("engine: all %d sources failed for %s", len(sources), bld.ID)
	}

	events, skipped := e.normalizer.Normalize(records)

	lock := e.lockFor(bld.ID)
	lock.Lock()
	prev, err := e.store.GetSnapshot(ctx, bld.ID)
	if err != nil {
		lock.Unlock()
		return eris.Wrap(err, "engine: read previous snapshot")
	}

	result := e.aggregator.Aggregate(bld, events, prev)
	result.Snapshot.DegradedSources = degraded
	result.Snapshot.SkippedRecords = skipped

	alerts := e.evaluator.Evaluate(bld, prev, &result.Snapshot)

	if err := e.store.PutBuckets(ctx, bld.ID, result.Buckets); err != nil {
		lock.Unlock()
		return eris.Wrap(err, "engine: commit buckets")
	}
	if err := e.store.PutSnapshot(ctx, result.Snapshot); err != nil {
		lock.Unlock()
		return eris.Wrap(err, "engine: commit snapshot")
	}
	lock.Unlock()

	for _, ev := range alerts {
		e.dispatch(ctx, ev)
	}

	log.Info("refresh cycle committed",
		zap.Float64("score", result.Snapshot.Score),
		zap.String("risk", string(result.Snapshot.RiskLevel)),
		zap.Int("events", len(events)),
		zap.Int("skipped", skipped),
		zap.Strings("degraded", degraded),
		zap.Int("alerts", len(alerts)),
		zap.Duration("took", time.Since(started)),
	)
	return nil
}

// Trend computes the portfolio-wide monthly rollup across every tracked
// building's committed buckets.
func (e *Engine) Trend(ctx context.Context) ([]model.TrendPoint, error) {
	buckets, err := e.store.AllBuckets(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load buckets for trend")
	}
	return aggregate.ComputeTrend(buckets), nil
}

func (e *Engine) dispatch(ctx context.Context, ev model.AlertEvent) {
	for _, sink := range e.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			e.log.Warn("alert delivery failed",
				zap.String("building", ev.BuildingID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	retention := time.Duration(e.retention.Days) * 24 * time.Hour
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := e.store.Sweep(ctx, retention, e.retention.MaxUpdates)
			if err != nil {
				e.log.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				e.log.Info("retention sweep", zap.Int("removed", removed))
			}
		}
	}
}

func (e *Engine) lockFor(buildingID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[buildingID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[buildingID] = l
	}
	return l
}
