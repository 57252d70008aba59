// Package broker owns the MQTT link to the pump fleet: one long-lived
// connection shared by the command dispatcher (egress) and the inbound
// router (ingress).
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"infusionrelay/metrics"
	"infusionrelay/models"
)

// Options configures the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// MaxAttempts bounds connection attempts per (re)connect cycle.
	MaxAttempts uint64
	RetryBase   time.Duration
	RetryMax    time.Duration
	Quiesce     time.Duration
}

// MessageHandler receives a message from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps a paho client with bounded reconnects. Once a cycle of
// MaxAttempts fails the client stays down until the process restarts.
type Client struct {
	opts Options
	log  zerolog.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.RWMutex
	client mqtt.Client
	subs   map[string]subscription

	closed       atomic.Bool
	reconnecting atomic.Bool
	gaveUp       atomic.Bool
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.ClientID == "" {
		opts.ClientID = "backend_" + randomHex(4)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 4 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Client{
		opts:      opts,
		log:       log.With().Str("component", "mqtt").Logger(),
		newClient: mqtt.NewClient,
		subs:      make(map[string]subscription),
	}
}

// Open connects, retrying with exponential backoff up to MaxAttempts.
func (c *Client) Open(ctx context.Context) error {
	o := mqtt.NewClientOptions().
		AddBroker(c.opts.Broker).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetCleanSession(true).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.mu.Lock()
	c.client = c.newClient(o)
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return fmt.Errorf("%w: client not opened", models.ErrTransportUnavailable)
	}

	attempt := 0
	op := func() error {
		if c.closed.Load() {
			return backoff.Permanent(errors.New("client closed"))
		}
		attempt++
		tok := cl.Connect()
		if !tok.WaitTimeout(c.opts.ConnectTimeout) {
			return fmt.Errorf("connect timed out after %s", c.opts.ConnectTimeout)
		}
		return tok.Error()
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn().Err(err).
			Int("attempt", attempt).
			Uint64("max_attempts", c.opts.MaxAttempts).
			Dur("retry_in", next).
			Msg("mqtt connect failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.backOff(), ctx), notify); err != nil {
		if !c.closed.Load() {
			c.gaveUp.Store(true)
		}
		c.log.Error().Err(err).Int("attempts", attempt).Msg("mqtt connect retries exhausted; restart required")
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	c.gaveUp.Store(false)
	c.log.Info().Str("broker", c.opts.Broker).Str("client_id", c.opts.ClientID).Msg("connected to mqtt broker")
	return nil
}

func (c *Client) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.opts.RetryBase > 0 {
		eb.InitialInterval = c.opts.RetryBase
	}
	if c.opts.RetryMax > 0 {
		eb.MaxInterval = c.opts.RetryMax
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, c.opts.MaxAttempts-1)
}

func (c *Client) onConnect(cl mqtt.Client) {
	metrics.BrokerConnected.Set(1)

	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.RUnlock()

	for topic, s := range subs {
		c.subscribe(cl, topic, s)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	metrics.BrokerConnected.Set(0)
	if c.closed.Load() {
		return
	}
	c.log.Error().Err(err).Msg("mqtt connection lost")

	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.reconnecting.Store(false)
		_ = c.connect(context.Background())
	}()
}

func (c *Client) subscribe(cl mqtt.Client, topic string, s subscription) {
	tok := cl.Subscribe(topic, s.qos, func(_ mqtt.Client, m mqtt.Message) {
		s.handler(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		c.log.Error().Str("topic", topic).Msg("mqtt subscribe timed out")
		return
	}
	if err := tok.Error(); err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
		return
	}
	c.log.Info().Str("topic", topic).Msg("subscribed")
}

// Subscribe registers handler for topic. The subscription is (re)issued on
// every successful connect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) {
	s := subscription{qos: qos, handler: handler}
	c.mu.Lock()
	c.subs[topic] = s
	cl := c.client
	c.mu.Unlock()

	if cl != nil && cl.IsConnectionOpen() {
		c.subscribe(cl, topic, s)
	}
}

// IsConnected reports whether publishes can currently be handed to the broker.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	return cl != nil && !c.closed.Load() && cl.IsConnectionOpen()
}

// GaveUp reports whether the last connect cycle exhausted its attempts.
// The client does not try again until the process restarts.
func (c *Client) GaveUp() bool {
	return c.gaveUp.Load()
}

// Publish hands payload to the broker. For QoS > 0 it waits for the
// broker's acknowledgement, never for the device.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: mqtt client not connected", models.ErrTransportUnavailable)
	}
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()

	tok := cl.Publish(topic, qos, false, payload)
	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: publish to %s timed out", models.ErrTransportUnavailable, topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
	}
	return nil
}

// Close disconnects, letting in-flight publishes drain for the quiesce period.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl != nil && cl.IsConnectionOpen() {
		cl.Disconnect(uint(c.opts.Quiesce / time.Millisecond))
		c.log.Info().Msg("mqtt client disconnected")
	}
	metrics.BrokerConnected.Set(0)
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
