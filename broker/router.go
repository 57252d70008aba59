package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"infusionrelay/metrics"
	"infusionrelay/models"
)

// Inbound message kinds, the last topic segment.
const (
	KindProgress = "progress"
	KindError    = "error"
)

// Recorder writes inbound telemetry to the cache.
type Recorder interface {
	RecordProgress(ctx context.Context, deviceID string, report models.ProgressReport) error
	RecordError(ctx context.Context, deviceID string, payload json.RawMessage) error
}

// Notifier pushes an immediate update to the rooms watching a device.
type Notifier interface {
	NotifyProgress(deviceID string)
	NotifyError(deviceID string, payload json.RawMessage)
}

// Router classifies device-originated messages and feeds them to the cache
// and the live-push layer. It never deduplicates.
type Router struct {
	rec    Recorder
	notify Notifier
	qos    byte
	log    zerolog.Logger
}

func NewRouter(rec Recorder, notify Notifier, qos byte, log zerolog.Logger) *Router {
	return &Router{
		rec:    rec,
		notify: notify,
		qos:    qos,
		log:    log.With().Str("component", "router").Logger(),
	}
}

// Topics returns the wildcard subscriptions the router serves.
func (r *Router) Topics() []string {
	return []string{"devices/+/" + KindProgress, "devices/+/" + KindError}
}

// Attach subscribes the router on c; it survives reconnects.
func (r *Router) Attach(c *Client) {
	for _, t := range r.Topics() {
		c.Subscribe(t, r.qos, func(topic string, payload []byte) {
			_ = r.HandleMessage(context.Background(), topic, payload)
		})
	}
}

// ParseTopic splits devices/{id}/{kind}.
func ParseTopic(topic string) (deviceID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", models.ErrMalformedMessage, topic)
	}
	return parts[1], parts[2], nil
}

// HandleMessage processes one inbound message. Malformed input is logged
// and dropped; the returned error is informational only.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	deviceID, kind, err := ParseTopic(topic)
	if err != nil {
		return r.drop("topic", topic, err)
	}
	metrics.InboundMessages.WithLabelValues(kind).Inc()

	switch kind {
	case KindProgress:
		var report models.ProgressReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return r.drop("json", topic, fmt.Errorf("%w: %v", models.ErrMalformedMessage, err))
		}
		if err := r.rec.RecordProgress(ctx, deviceID, report); err != nil {
			r.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to cache progress")
			return err
		}
		r.log.Debug().Str("device_id", deviceID).Msg("progress update")
		r.notify.NotifyProgress(deviceID)

	case KindError:
		if !json.Valid(payload) {
			return r.drop("json", topic, fmt.Errorf("%w: invalid json", models.ErrMalformedMessage))
		}
		raw := json.RawMessage(append([]byte(nil), payload...))
		r.log.Warn().Str("device_id", deviceID).RawJSON("error", raw).Msg("device reported error")
		if err := r.rec.RecordError(ctx, deviceID, raw); err != nil {
			r.log.Error().Err(err).Str("device_id", deviceID).Msg("failed to cache device error")
		}
		// Operators see the fault even if the cache write failed.
		r.notify.NotifyError(deviceID, raw)

	default:
		return r.drop("kind", topic, fmt.Errorf("%w: unknown kind %q", models.ErrMalformedMessage, kind))
	}
	return nil
}

func (r *Router) drop(reason, topic string, err error) error {
	metrics.DroppedMessages.WithLabelValues(reason).Inc()
	r.log.Warn().Err(err).Str("topic", topic).Msg("dropping inbound message")
	return err
}
