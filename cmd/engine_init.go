package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/brickwatch/compliance-engine/internal/aggregate"
	"github.com/brickwatch/compliance-engine/internal/alert"
	"github.com/brickwatch/compliance-engine/internal/config"
	"github.com/brickwatch/compliance-engine/internal/engine"
	"github.com/brickwatch/compliance-engine/internal/normalize"
	"github.com/brickwatch/compliance-engine/internal/scheduler"
	"github.com/brickwatch/compliance-engine/internal/source"
	"github.com/brickwatch/compliance-engine/internal/store"
)

// engineEnv holds the initialized engine and the roster it tracks, for the
// run/serve/snapshot commands.
type engineEnv struct {
	Engine    *engine.Engine
	Buildings []config.TrackedBuilding
}

// Close releases resources held by the engine environment.
func (env *engineEnv) Close() {
	if env.Engine != nil {
		_ = env.Engine.Close()
	}
}

// initStore picks the store backend from config.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemory(cfg.Store.MaxHistory), nil
	case "sqlite":
		return store.NewSQLite(cfg.Store.Path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEngine sets up the store, source adapters, controller, and engine, and
// registers the building roster. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	controller := source.NewController(source.ControllerConfig{})
	for name, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		client := source.NewSocrataClient(source.SocrataConfig{
			BaseURL:   sc.BaseURL,
			AppToken:  cfg.Socrata.AppToken,
			UserAgent: cfg.Socrata.UserAgent,
			Timeout:   time.Duration(sc.TimeoutSecs) * time.Second,
			MaxRows:   sc.MaxRows,
		})
		adapter, err := adapterFor(name, client)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		controller.Register(adapter, source.Budget{RatePerSec: sc.RateLimit, Burst: sc.Burst})
	}

	aggregator := aggregate.New(aggregate.Config{
		WindowMonths:        cfg.WindowMonths,
		PenaltyPerViolation: cfg.Score.PenaltyPerViolation,
		RiskHighBelow:       cfg.Risk.HighBelow,
		RiskMediumBelow:     cfg.Risk.MediumBelow,
	}, aggregate.WeigherFor(cfg.Score.SeverityPolicy))

	evaluator := alert.NewEvaluator(cfg.Thresholds, cfg.Alerts.Toggles())

	var sinks []alert.Sink
	if cfg.Alerts.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alerts.WebhookURL))
		zap.L().Info("alert webhook enabled", zap.String("url", cfg.Alerts.WebhookURL))
	}

	var push *scheduler.PushConfig
	if cfg.Push.URL != "" {
		push = &cfg.Push
	}

	eng, err := engine.New(engine.Options{
		Controller: controller,
		Normalizer: normalize.New(),
		Aggregator: aggregator,
		Evaluator:  evaluator,
		Store:      st,
		Sinks:      sinks,
		Scheduler:  cfg.Refresh,
		Push:       push,
		Retention:  cfg.Retention,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	buildings, err := config.LoadBuildings(cfg.BuildingsFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	for _, tb := range buildings {
		eng.Track(tb.Building, tb.Tier)
	}
	zap.L().Info("engine initialized",
		zap.Int("buildings", len(buildings)),
		zap.Strings("sources", controller.Sources()),
		zap.String("store", cfg.Store.Driver),
	)

	return &engineEnv{Engine: eng, Buildings: buildings}, nil
}

func adapterFor(name string, client *source.SocrataClient) (source.Adapter, error) {
	switch name {
	case source.SourceViolations:
		return source.NewViolationsAdapter(client), nil
	case source.SourcePermits:
		return source.NewPermitsAdapter(client), nil
	case source.SourceSanitation:
		return source.NewSanitationAdapter(client), nil
	case source.SourceEmissions:
		return source.NewEmissionsAdapter(client), nil
	default:
		return nil, eris.Errorf("unknown source %q", name)
	}
}
