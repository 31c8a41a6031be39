package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/brickwatch/compliance-engine/internal/model"
)

// Sink receives emitted alert events. Delivery mechanics (push
// notifications, paging, and so on) belong to the collaborator behind the
// sink, not to the engine.
type Sink interface {
	Send(ctx context.Context, ev model.AlertEvent) error
}

// WebhookSink posts each alert as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Send(ctx context.Context, ev model.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "alert: marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alert: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alert: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ChannelSink delivers alerts to an in-process channel. Sends never block:
// when the buffer is full the event is dropped with a warning, so a slow
// consumer cannot stall a refresh cycle.
type ChannelSink struct {
	C chan model.AlertEvent
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan model.AlertEvent, buffer)}
}

func (s *ChannelSink) Send(_ context.Context, ev model.AlertEvent) error {
	select {
	case s.C <- ev:
		return nil
	default:
		zap.L().Warn("alert channel full, dropping event",
			zap.String("building", ev.BuildingID),
			zap.String("kind", string(ev.Kind)),
		)
		return nil
	}
}
