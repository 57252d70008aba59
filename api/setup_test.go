package api

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"infusionrelay/cache"
	"infusionrelay/config"
	"infusionrelay/models"
	"infusionrelay/service"
	"infusionrelay/store"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (p *fakePublisher) PublishCommand(_ context.Context, deviceID, command string, payload any) (models.Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return models.Command{}, p.err
	}
	p.sent = append(p.sent, deviceID+" "+command)
	return models.Command{Command: command, Payload: payload, Timestamp: time.Now(), CommandID: "test"}, nil
}

type brokerState struct {
	up     bool
	gaveUp bool
}

func (b brokerState) IsConnected() bool { return b.up }
func (b brokerState) GaveUp() bool      { return b.gaveUp }

type testServer struct {
	engine *gin.Engine
	mr     *miniredis.Miniredis
	repo   *store.SQLite
	pub    *fakePublisher
	hub    *WebSocketHub
	bs     *service.BroadcastService
}

func newTestServer(t *testing.T, bopts service.BroadcastOptions, hopts HubOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := config.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := store.NewSQLite(db)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tc := cache.NewWithClient(rdb, cache.Options{BreakerTrip: 100}, zerolog.Nop())
	t.Cleanup(func() { tc.Close() })

	log := zerolog.Nop()
	pub := &fakePublisher{}
	telemetry := service.NewTelemetryService(repo, tc, service.DefaultTTLs, log)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWebSocketHub(hopts, log)
	go hub.Run(ctx)
	bs := service.NewBroadcastService(telemetry, hub, bopts, log)
	t.Cleanup(func() {
		bs.StopAll()
		cancel()
	})

	engine := gin.New()
	SetupRoutes(engine, Services{
		Devices:   service.NewDeviceManager(repo, log),
		Telemetry: telemetry,
		Machine:   service.NewStateMachine(repo, pub, log),
		Broadcast: bs,
		Broker:    brokerState{up: true},
		Hub:       hub,
	}, log)

	return &testServer{engine: engine, mr: mr, repo: repo, pub: pub, hub: hub, bs: bs}
}

func (s *testServer) device(t *testing.T, status models.Status) string {
	t.Helper()
	d, err := s.repo.Create(context.Background(), "Ward 7")
	require.NoError(t, err)
	require.NoError(t, s.repo.SetStatus(context.Background(), d.DeviceID, status))
	return d.DeviceID
}

func (s *testServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)
	return srv
}
