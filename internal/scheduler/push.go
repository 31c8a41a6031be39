package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PushConfig configures the optional WebSocket invalidation listener.
type PushConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
}

// invalidation is the wire message a push server sends when a building's
// upstream data changed.
type invalidation struct {
	BuildingID string `json:"building_id"`
}

// PushListener subscribes to a WebSocket feed of building invalidations and
// converts each message into a scheduler trigger. Connection loss is retried
// at the reconnect interval until ctx is done.
type PushListener struct {
	cfg     PushConfig
	trigger func(buildingID string)
	log     *zap.Logger
}

// NewPushListener creates a listener that calls trigger for every
// invalidation received.
func NewPushListener(cfg PushConfig, trigger func(buildingID string)) *PushListener {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &PushListener{
		cfg:     cfg,
		trigger: trigger,
		log:     zap.L().With(zap.String("component", "push"), zap.String("url", cfg.URL)),
	}
}

// Run maintains the connection until ctx is done.
func (p *PushListener) Run(ctx context.Context) error {
	for {
		if err := p.listen(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("push connection lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ReconnectInterval):
		}
	}
}

func (p *PushListener) listen(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	// Unblock ReadMessage when ctx is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() //nolint:errcheck
		case <-done:
		}
	}()

	p.log.Info("push connection established")
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var inv invalidation
		if err := json.Unmarshal(msg, &inv); err != nil {
			p.log.Warn("malformed invalidation message", zap.Error(err))
			continue
		}
		if inv.BuildingID == "" {
			continue
		}
		p.log.Debug("invalidation received", zap.String("building", inv.BuildingID))
		p.trigger(inv.BuildingID)
	}
}
