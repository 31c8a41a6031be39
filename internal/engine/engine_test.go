package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickwatch/compliance-engine/internal/aggregate"
	"github.com/brickwatch/compliance-engine/internal/alert"
	"github.com/brickwatch/compliance-engine/internal/model"
	"github.com/brickwatch/compliance-engine/internal/normalize"
	"github.com/brickwatch/compliance-engine/internal/resilience"
	"github.com/brickwatch/compliance-engine/internal/source"
	"github.com/brickwatch/compliance-engine/internal/store"
)

var engineTestBuilding = model.BuildingIdentifier{
	ID:      "bldg-001",
	BBL:     "1000160100",
	BIN:     "1001234",
	Address: "100 Gold Street",
	Borough: "Manhattan",
}

// openDataStub serves all four dataset routes. The violation count is
// adjustable between refreshes; failing datasets answer 500; hanging
// datasets block until the request is abandoned.
type openDataStub struct {
	srv *httptest.Server

	mu         sync.Mutex
	violations int
	failing    map[string]bool
	hanging    map[string]bool
	requests   map[string]int
}

func newOpenDataStub(t *testing.T) *openDataStub {
	t.Helper()
	stub := &openDataStub{
		failing:  make(map[string]bool),
		hanging:  make(map[string]bool),
		requests: make(map[string]int),
	}

	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.requests[r.URL.Path]++
		failing := stub.failing[r.URL.Path]
		hanging := stub.hanging[r.URL.Path]
		violations := stub.violations
		stub.mu.Unlock()

		if hanging {
			<-r.Context().Done()
			return
		}
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/resource/wvxf-dwi5.json" {
			fmt.Fprint(w, "[]")
			return
		}

		date := time.Now().UTC().Format("2006-01-02T15:04:05")
		rows := make([]map[string]string, violations)
		for i := range rows {
			rows[i] = map[string]string{
				"violationid":     fmt.Sprintf("v-%d", i+1),
				"class":           "B",
				"violationstatus": "Open",
				"inspectiondate":  date,
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *openDataStub) setViolations(n int) {
	s.mu.Lock()
	s.violations = n
	s.mu.Unlock()
}

func (s *openDataStub) setFailing(dataset string, failing bool) {
	s.mu.Lock()
	s.failing["/resource/"+dataset+".json"] = failing
	s.mu.Unlock()
}

func (s *openDataStub) setHanging(dataset string, hanging bool) {
	s.mu.Lock()
	s.hanging["/resource/"+dataset+".json"] = hanging
	s.mu.Unlock()
}

func (s *openDataStub) served(dataset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests["/resource/"+dataset+".json"]
}

func newTestController(baseURL string) *source.Controller {
	client := source.NewSocrataClient(source.SocrataConfig{BaseURL: baseURL})
	ctrl := source.NewController(source.ControllerConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 100},
	})
	budget := source.Budget{RatePerSec: 1000, Burst: 1000}
	ctrl.Register(source.NewViolationsAdapter(client), budget)
	ctrl.Register(source.NewPermitsAdapter(client), budget)
	ctrl.Register(source.NewSanitationAdapter(client), budget)
	ctrl.Register(source.NewEmissionsAdapter(client), budget)
	return ctrl
}

func newTestEngine(t *testing.T, baseURL string, toggles alert.Toggles, sinks ...alert.Sink) *Engine {
	t.Helper()
	e, err := New(Options{
		Controller: newTestController(baseURL),
		Normalizer: normalize.New(),
		Aggregator: aggregate.New(aggregate.Config{}, aggregate.FlatWeigher{}),
		Evaluator:  alert.NewEvaluator(alert.DefaultThresholds(), toggles),
		Store:      store.NewMemory(0),
		Sinks:      sinks,
	})
	require.NoError(t, err)
	return e
}

func TestEngineRefreshCommitsAndAlertsOnCrossing(t *testing.T) {
	stub := newOpenDataStub(t)
	sink := alert.NewChannelSink(8)
	e := newTestEngine(t, stub.srv.URL, alert.Toggles{ComplianceScoreChanged: true}, sink)
	ctx := context.Background()

	drainAlerts := func() []model.AlertEvent {
		var out []model.AlertEvent
		for {
			select {
			case ev := <-sink.C:
				out = append(out, ev)
			default:
				return out
			}
		}
	}

	// First observation establishes the baseline silently.
	stub.setViolations(3)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	snap, err := e.Store().GetSnapshot(ctx, "bldg-001")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.InDelta(t, 85, snap.Score, 0.001)
	assert.Equal(t, model.RiskLow, snap.RiskLevel)
	assert.Equal(t, 3, snap.OpenViolations)
	assert.Empty(t, snap.DegradedSources)
	assert.Empty(t, drainAlerts())

	// 85 to 80 stays on the same side of every threshold.
	stub.setViolations(4)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))
	assert.Empty(t, drainAlerts())

	// 80 to 65 crosses the warning line once.
	stub.setViolations(7)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	alerts := drainAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertComplianceScoreMoved, alerts[0].Kind)
	assert.Equal(t, "warning", alerts[0].ThresholdName)
	assert.InDelta(t, 80, alerts[0].PreviousScore, 0.001)
	assert.InDelta(t, 65, alerts[0].NewScore, 0.001)

	snap, err = e.Store().GetSnapshot(ctx, "bldg-001")
	require.NoError(t, err)
	assert.InDelta(t, 65, snap.Score, 0.001)
	assert.Equal(t, model.RiskMedium, snap.RiskLevel)

	history, err := e.Store().History(ctx, "bldg-001", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestEngineRefreshDegradesFailedSource(t *testing.T) {
	stub := newOpenDataStub(t)
	stub.setViolations(2)
	stub.setFailing("5zyy-y8am", true)

	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})
	ctx := context.Background()

	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	snap, err := e.Store().GetSnapshot(ctx, "bldg-001")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []string{"ll97_emissions"}, snap.DegradedSources)
	assert.InDelta(t, 90, snap.Score, 0.001, "healthy sources still produce a committed snapshot")
}

func TestEngineViolationsOutageDoesNotAlert(t *testing.T) {
	stub := newOpenDataStub(t)
	sink := alert.NewChannelSink(8)
	toggles := alert.Toggles{
		ComplianceScoreChanged: true,
		ViolationAdded:         true,
		ViolationResolved:      true,
	}
	e := newTestEngine(t, stub.srv.URL, toggles, sink)
	ctx := context.Background()

	noAlerts := func(msg string) {
		select {
		case ev := <-sink.C:
			t.Fatalf("%s: got %s", msg, ev.Kind)
		default:
		}
	}

	stub.setViolations(3)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))
	noAlerts("baseline")

	// One transient outage: counts collapse to zero but nothing upstream
	// changed, so no resolved or recovery alerts fire.
	stub.setFailing("wvxf-dwi5", true)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	snap, err := e.Store().GetSnapshot(ctx, "bldg-001")
	require.NoError(t, err)
	assert.Contains(t, snap.DegradedSources, "hpd_violations")
	noAlerts("outage cycle")

	// Recovery restores the same counts silently.
	stub.setFailing("wvxf-dwi5", false)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))
	noAlerts("recovery cycle")

	// A genuine change after recovery alerts normally.
	stub.setViolations(7)
	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	var got []model.AlertKind
	for {
		select {
		case ev := <-sink.C:
			got = append(got, ev.Kind)
			continue
		default:
		}
		break
	}
	assert.ElementsMatch(t,
		[]model.AlertKind{model.AlertComplianceScoreMoved, model.AlertViolationAdded}, got)
}

func TestEngineCanceledCycleCommitsNothing(t *testing.T) {
	stub := newOpenDataStub(t)
	stub.setViolations(3)
	for _, ds := range []string{"ipu4-2q9a", "jz4z-kudi", "5zyy-y8am"} {
		stub.setHanging(ds, true)
	}

	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.RefreshBuilding(ctx, engineTestBuilding) }()

	// Cancel once the fast source has answered and the rest are in flight.
	require.Eventually(t, func() bool { return stub.served("wvxf-dwi5") > 0 },
		2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return after cancellation")
	}

	snap, err := e.Store().GetSnapshot(context.Background(), "bldg-001")
	require.NoError(t, err)
	assert.Nil(t, snap, "a canceled cycle abandons partial fetches instead of committing them")
}

func TestEngineRefreshFailsWhenAllSourcesFail(t *testing.T) {
	stub := newOpenDataStub(t)
	for _, ds := range []string{"wvxf-dwi5", "ipu4-2q9a", "jz4z-kudi", "5zyy-y8am"} {
		stub.setFailing(ds, true)
	}

	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})
	err := e.RefreshBuilding(context.Background(), engineTestBuilding)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 4 sources failed")

	snap, gerr := e.Store().GetSnapshot(context.Background(), "bldg-001")
	require.NoError(t, gerr)
	assert.Nil(t, snap, "a fully failed cycle commits nothing")
}

func TestEngineRefreshRejectsUnqueryableBuilding(t *testing.T) {
	stub := newOpenDataStub(t)
	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})

	err := e.RefreshBuilding(context.Background(), model.BuildingIdentifier{ID: "b-empty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no queryable identifier")
}

func TestEngineConcurrentRefreshesSerializeCommits(t *testing.T) {
	stub := newOpenDataStub(t)
	stub.setViolations(1)
	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.RefreshBuilding(ctx, engineTestBuilding)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	history, err := e.Store().History(ctx, "bldg-001", 0)
	require.NoError(t, err)
	assert.Len(t, history, 4, "each cycle commits exactly one snapshot")

	snap, err := e.Store().GetSnapshot(ctx, "bldg-001")
	require.NoError(t, err)
	assert.InDelta(t, 95, snap.Score, 0.001)
}

func TestEngineTrend(t *testing.T) {
	stub := newOpenDataStub(t)
	stub.setViolations(2)
	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})
	ctx := context.Background()

	require.NoError(t, e.RefreshBuilding(ctx, engineTestBuilding))

	points, err := e.Trend(ctx)
	require.NoError(t, err)
	require.Len(t, points, 12, "the dense window yields one point per month")

	current := model.MonthKeyOf(time.Now().UTC())
	var found bool
	for _, p := range points {
		if p.Month == current {
			found = true
			assert.Equal(t, 2, p.Violations)
		}
	}
	assert.True(t, found)
}

func TestEngineNewValidatesOptions(t *testing.T) {
	base := Options{
		Controller: source.NewController(source.ControllerConfig{}),
		Normalizer: normalize.New(),
		Aggregator: aggregate.New(aggregate.Config{}, nil),
		Evaluator:  alert.NewEvaluator(alert.DefaultThresholds(), alert.AllToggles()),
		Store:      store.NewMemory(0),
	}

	for name, mutate := range map[string]func(*Options){
		"controller": func(o *Options) { o.Controller = nil },
		"normalizer": func(o *Options) { o.Normalizer = nil },
		"aggregator": func(o *Options) { o.Aggregator = nil },
		"evaluator":  func(o *Options) { o.Evaluator = nil },
		"store":      func(o *Options) { o.Store = nil },
	} {
		opts := base
		mutate(&opts)
		_, err := New(opts)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), name)
	}
}

func TestEngineStartStopsCleanlyOnCancel(t *testing.T) {
	stub := newOpenDataStub(t)
	e := newTestEngine(t, stub.srv.URL, alert.Toggles{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown, not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
