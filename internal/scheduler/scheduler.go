// Package scheduler drives the refresh loop: each tracked building cycles
// through Idle, Fetching and BackingOff, with per-tier base intervals,
// exponential backoff on failure and coalescing of triggers that arrive
// while a cycle is already in flight.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// RefreshState is the per-building scheduling state.
type RefreshState int

const (
	StateIdle RefreshState = iota
	StateFetching
	StateBackingOff
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateBackingOff:
		return "backing_off"
	default:
		return "unknown"
	}
}

// Tier is a building's refresh priority. Lower values run first when the
// worker pool is contended.
type Tier int

const (
	TierHigh Tier = iota
	TierNormal
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// TierIntervals holds the base refresh interval per priority tier.
type TierIntervals struct {
	High   time.Duration `yaml:"high" mapstructure:"high"`
	Normal time.Duration `yaml:"normal" mapstructure:"normal"`
	Low    time.Duration `yaml:"low" mapstructure:"low"`
}

// Base returns the tier's configured base interval.
func (ti TierIntervals) Base(t Tier) time.Duration {
	switch t {
	case TierHigh:
		return ti.High
	case TierLow:
		return ti.Low
	default:
		return ti.Normal
	}
}

// Config holds scheduler tuning parameters.
type Config struct {
	MinInterval      time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	MaxInterval      time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	Tiers            TierIntervals `yaml:"tier_intervals" mapstructure:"tier_intervals"`
	MaxConcurrent    int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	StaleMultiple    int           `yaml:"stale_multiple" mapstructure:"stale_multiple"`
	Tick             time.Duration `yaml:"tick" mapstructure:"tick"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:      time.Minute,
		MaxInterval:      6 * time.Hour,
		Tiers:            TierIntervals{High: 15 * time.Minute, Normal: time.Hour, Low: 6 * time.Hour},
		MaxConcurrent:    4,
		FailureThreshold: 3,
		StaleMultiple:    3,
		Tick:             time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Tiers.High <= 0 {
		c.Tiers.High = d.Tiers.High
	}
	if c.Tiers.Normal <= 0 {
		c.Tiers.Normal = d.Tiers.Normal
	}
	if c.Tiers.Low <= 0 {
		c.Tiers.Low = d.Tiers.Low
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.StaleMultiple <= 0 {
		c.StaleMultiple = d.StaleMultiple
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	return c
}

// RefreshFunc runs one full refresh cycle for a building.
type RefreshFunc func(ctx context.Context, bld model.BuildingIdentifier) error

// StaleFunc marks a building's committed snapshot stale.
type StaleFunc func(ctx context.Context, buildingID string) error

type buildingState struct {
	bld  model.BuildingIdentifier
	tier Tier

	state       RefreshState
	interval    time.Duration
	failures    int
	nextRun     time.Time
	lastSuccess time.Time
	rerun       bool
	staleMarked bool
	cancel      context.CancelFunc
}

// Scheduler owns the per-building refresh state machines and the bounded
// worker pool that executes cycles.
type Scheduler struct {
	cfg       Config
	refresh   RefreshFunc
	markStale StaleFunc
	sem       *semaphore.Weighted
	log       *zap.Logger
	nowFunc   func() time.Time

	mu        sync.Mutex
	buildings map[string]*buildingState
	wg        sync.WaitGroup
}

// New creates a scheduler. refresh runs a cycle; markStale is invoked after
// the failure threshold is reached.
func New(cfg Config, refresh RefreshFunc, markStale StaleFunc) *Scheduler {
	cfg = cfg.normalized()
	return &Scheduler{
		cfg:       cfg,
		refresh:   refresh,
		markStale: markStale,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:       zap.L().With(zap.String("component", "scheduler")),
		nowFunc:   time.Now,
		buildings: make(map[string]*buildingState),
	}
}

// Track registers a building at the given tier. The first cycle is due
// immediately. Tracking an already tracked building updates its tier only.
func (s *Scheduler) Track(bld model.BuildingIdentifier, tier Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.buildings[bld.ID]; ok {
		st.tier = tier
		return
	}
	s.buildings[bld.ID] = &buildingState{
		bld:      bld,
		tier:     tier,
		interval: s.clampInterval(s.cfg.Tiers.Base(tier)),
		nextRun:  s.nowFunc(),
	}
}

// Trigger requests an immediate refresh. A trigger during an in-flight cycle
// cancels it and coalesces into a single follow-up run.
func (s *Scheduler) Trigger(buildingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.buildings[buildingID]
	if !ok {
		return
	}
	if st.state == StateFetching {
		st.rerun = true
		if st.cancel != nil {
			st.cancel()
		}
		return
	}
	st.nextRun = s.nowFunc()
}

// State reports a building's current refresh state.
func (s *Scheduler) State(buildingID string) (RefreshState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.buildings[buildingID]
	if !ok {
		return StateIdle, false
	}
	return st.state, true
}

// Interval reports a building's current refresh interval.
func (s *Scheduler) Interval(buildingID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.buildings[buildingID]
	if !ok {
		return 0, false
	}
	return st.interval, true
}

// Run executes the scheduling loop until ctx is done, then waits for
// in-flight cycles to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch starts cycles for due buildings, highest tier first. When the
// worker pool is full, remaining buildings stay due and lower tiers wait.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	var due []*buildingState
	for _, st := range s.buildings {
		if st.state == StateFetching {
			continue
		}
		// Age-checked even when due: a building deferred by a full pool
		// can go stale while it waits for a slot.
		s.checkStaleLocked(st, now)
		if !st.nextRun.After(now) {
			due = append(due, st)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].tier != due[j].tier {
			return due[i].tier < due[j].tier
		}
		return due[i].nextRun.Before(due[j].nextRun)
	})

	for _, st := range due {
		if !s.sem.TryAcquire(1) {
			break
		}
		cycleCtx, cancel := context.WithCancel(ctx)
		st.state = StateFetching
		st.cancel = cancel

		s.wg.Add(1)
		go s.runCycle(cycleCtx, st)
	}
	s.mu.Unlock()
}

func (s *Scheduler) runCycle(ctx context.Context, st *buildingState) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	err := s.refresh(ctx, st.bld)

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	now := s.nowFunc()

	superseded := st.rerun && errors.Is(err, context.Canceled)
	switch {
	case err == nil:
		st.state = StateIdle
		st.failures = 0
		st.interval = s.clampInterval(s.cfg.Tiers.Base(st.tier))
		st.lastSuccess = now
		st.staleMarked = false
		st.nextRun = now.Add(st.interval)
	case superseded:
		// Canceled to make room for a fresher trigger; not a failure.
		st.state = StateIdle
	default:
		st.failures++
		st.interval = s.clampInterval(st.interval * 2)
		st.state = StateBackingOff
		st.nextRun = now.Add(st.interval)
		s.log.Warn("refresh cycle failed",
			zap.String("building", st.bld.ID),
			zap.Int("failures", st.failures),
			zap.Duration("next_in", st.interval),
			zap.Error(err),
		)
		if st.failures >= s.cfg.FailureThreshold && !st.staleMarked {
			st.staleMarked = true
			s.flagStale(st.bld.ID)
		}
	}

	if st.rerun {
		st.rerun = false
		st.nextRun = now
	}
}

// checkStaleLocked marks a building stale when its last successful refresh
// is older than staleMultiple times its current interval.
func (s *Scheduler) checkStaleLocked(st *buildingState, now time.Time) {
	if st.staleMarked || st.lastSuccess.IsZero() {
		return
	}
	if now.Sub(st.lastSuccess) > time.Duration(s.cfg.StaleMultiple)*st.interval {
		st.staleMarked = true
		s.flagStale(st.bld.ID)
	}
}

func (s *Scheduler) flagStale(buildingID string) {
	if s.markStale == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.markStale(ctx, buildingID); err != nil {
			s.log.Warn("failed to mark snapshot stale",
				zap.String("building", buildingID), zap.Error(err))
		}
	}()
}

func (s *Scheduler) clampInterval(d time.Duration) time.Duration {
	if d < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	if d > s.cfg.MaxInterval {
		return s.cfg.MaxInterval
	}
	return d
}
