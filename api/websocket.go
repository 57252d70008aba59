package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"infusionrelay/metrics"
	"infusionrelay/models"
	"infusionrelay/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds

	maxMessageSize = 4096
	sendBuffer     = 64
	snapshotWait   = 5 * time.Second

	// admitWait bounds how long a subscribe may queue behind the limiter.
	admitWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type Client struct {
	hub     *WebSocketHub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger

	devices *service.DeviceManager
	bs      *service.BroadcastService

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// SafeSend queues data without blocking. It reports false when the client
// is gone or its buffer is full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	// Close can run between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Client) sendEvent(ev models.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}
	if !c.SafeSend(b) {
		c.log.Warn().Str("type", ev.Type).Msg("client buffer full, event dropped")
	}
}

func (c *Client) sendError(message string, err error) {
	ev := models.ErrorEvent{Message: message}
	if err != nil {
		ev.Error = err.Error()
	}
	c.sendEvent(models.Event{Type: models.EventError, Data: ev})
}

type HubOptions struct {
	// ClientRate and ClientBurst limit control messages per client;
	// a non-positive rate disables the limit.
	ClientRate  float64
	ClientBurst int
}

// WebSocketHub tracks connected dashboard clients and their room
// membership. Rooms are named device:{id}:{kind}.
type WebSocketHub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	opts HubOptions
	log  zerolog.Logger
}

func NewWebSocketHub(opts HubOptions, log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		opts:       opts,
		log:        log.With().Str("component", "ws").Logger(),
	}
}

// Run serves registrations until ctx ends, then closes every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedClients.Set(float64(n))
			h.log.Info().Int("total", n).Msg("client connected")

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.Unlock()
			for _, c := range clients {
				h.remove(c)
			}
			return
		}
	}
}

// remove drops client from the hub and from every room it joined.
func (h *WebSocketHub) remove(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		for room := range client.rooms {
			h.leaveLocked(client, room)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !known {
		return
	}
	client.Close()
	metrics.ConnectedClients.Set(float64(n))
	h.log.Info().Int("total", n).Msg("client disconnected")
}

func (h *WebSocketHub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *WebSocketHub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *WebSocketHub) leaveLocked(client *Client, room string) {
	delete(client.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// RoomSize returns the number of clients in room.
func (h *WebSocketHub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToRoom sends ev to every member of room. Slow clients miss the
// event rather than stall the others.
func (h *WebSocketHub) BroadcastToRoom(room string, ev models.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		if !client.SafeSend(b) {
			h.log.Warn().Str("room", room).Msg("client channel full, skipping event")
		}
	}
}

func (h *WebSocketHub) limiter() *rate.Limiter {
	if h.opts.ClientRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.ClientBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.ClientRate), burst)
}

func HandleWebSocket(hub *WebSocketHub, dm *service.DeviceManager, bs *service.BroadcastService, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: hub.limiter(),
		log:     hub.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		devices: dm,
		bs:      bs,
		rooms:   make(map[string]struct{}),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump handles control messages from the client (subscriptions)
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			break
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("Invalid message", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg models.ClientMessage) {
	action, kind, ok := parseControl(msg.Type)
	if !ok {
		c.sendError("Unknown event type", errors.New(msg.Type))
		return
	}
	// Leaving a room is never throttled.
	if action == "unsubscribe" {
		c.hub.Leave(c, models.RoomName(msg.DeviceID, kind))
		c.log.Debug().Str("device_id", msg.DeviceID).Str("kind", kind).Msg("unsubscribed")
		return
	}
	if !c.admit() {
		c.sendError("Too many requests", nil)
		return
	}
	c.subscribe(msg.DeviceID, kind)
}

// admit paces subscribes. A burst beyond the limiter's budget is delayed,
// and refused only when the delay would exceed admitWait.
func (c *Client) admit() bool {
	ctx, cancel := context.WithTimeout(context.Background(), admitWait)
	defer cancel()
	return c.limiter.Wait(ctx) == nil
}

// parseControl splits e.g. "subscribe:device:progress".
func parseControl(t string) (action, kind string, ok bool) {
	action, rest, found := strings.Cut(t, ":device:")
	if !found || (action != "subscribe" && action != "unsubscribe") {
		return "", "", false
	}
	switch rest {
	case models.RoomStatus, models.RoomProgress, models.RoomErrors:
		return action, rest, true
	}
	return "", "", false
}

// subscribe joins the room, sends one snapshot and makes sure the room's
// loop is running.
func (c *Client) subscribe(deviceID, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWait)
	defer cancel()

	if _, err := c.devices.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
			c.sendError("Invalid Device ID", nil)
			return
		}
		c.sendError("Subscription failed", err)
		return
	}

	c.hub.Join(c, models.RoomName(deviceID, kind))
	c.log.Debug().Str("device_id", deviceID).Str("kind", kind).Msg("subscribed")

	switch kind {
	case models.RoomStatus:
		c.sendEvent(c.bs.StatusEvent(ctx, deviceID))
	case models.RoomProgress:
		c.sendEvent(c.bs.ProgressEvent(ctx, deviceID))
	case models.RoomErrors:
		c.sendEvent(c.bs.ErrorEvent(ctx, deviceID))
	}

	if err := c.bs.EnsureLoop(deviceID, kind); err != nil {
		c.sendError("Periodic updates unavailable", err)
	}
}

// writePump sends queued events and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
