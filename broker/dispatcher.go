package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"infusionrelay/metrics"
	"infusionrelay/models"
)

// Publisher hands a payload to the transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// CommandTopic is the per-device command topic, devices/{id}/commands.
func CommandTopic(deviceID string) string {
	return "devices/" + deviceID + "/commands"
}

// Dispatcher publishes fire-and-forget commands to pumps.
type Dispatcher struct {
	pub Publisher
	qos byte
	log zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewDispatcher(pub Publisher, qos byte, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pub:   pub,
		qos:   qos,
		log:   log.With().Str("component", "dispatcher").Logger(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// PublishCommand sends command to deviceID. Success means the broker took
// the message; device receipt is never tracked.
func (d *Dispatcher) PublishCommand(ctx context.Context, deviceID, command string, payload any) (models.Command, error) {
	if payload == nil {
		payload = struct{}{}
	}
	cmd := models.Command{
		Command:   command,
		Payload:   payload,
		Timestamp: d.now().UTC(),
		CommandID: d.newID(),
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return models.Command{}, fmt.Errorf("encode %s: %w", command, err)
	}

	topic := CommandTopic(deviceID)
	if err := d.pub.Publish(ctx, topic, d.qos, body); err != nil {
		metrics.CommandsPublished.WithLabelValues(command, "error").Inc()
		d.log.Error().Err(err).
			Str("device_id", deviceID).
			Str("command", command).
			Str("command_id", cmd.CommandID).
			Msg("failed to publish command")
		return models.Command{}, err
	}

	metrics.CommandsPublished.WithLabelValues(command, "ok").Inc()
	d.log.Info().
		Str("device_id", deviceID).
		Str("command", command).
		Str("command_id", cmd.CommandID).
		Msg("published command")
	return cmd, nil
}
