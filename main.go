package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"infusionrelay/api"
	"infusionrelay/broker"
	"infusionrelay/cache"
	"infusionrelay/config"
	"infusionrelay/service"
	"infusionrelay/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("INFUSIONRELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "infusionrelay:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Msg("starting infusion relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeRepo()

	tc := cache.New(cache.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		BreakerTrip:  cfg.Redis.BreakerTrip,
		BreakerReset: cfg.Redis.BreakerReset,
	}, log)
	defer tc.Close()
	if err := tc.Ping(ctx); err != nil {
		// Reads report unknown status until redis comes back.
		log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
	}

	mq := broker.NewClient(broker.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		MaxAttempts:    cfg.MQTT.MaxRetries,
		RetryBase:      cfg.MQTT.RetryBase,
		RetryMax:       cfg.MQTT.RetryMax,
		Quiesce:        cfg.MQTT.Quiesce,
	}, log)

	// Initialize services
	devices := service.NewDeviceManager(repo, log)
	telemetry := service.NewTelemetryService(repo, tc, service.TelemetryTTLs{
		Status:   cfg.Telemetry.StatusTTL,
		Progress: cfg.Telemetry.ProgressTTL,
		Error:    cfg.Telemetry.ErrorTTL,
		Degraded: cfg.Telemetry.DegradedTTL,
	}, log)
	machine := service.NewStateMachine(repo, broker.NewDispatcher(mq, cfg.MQTT.QoS, log), log)

	// Initialize WebSocket hub
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := api.NewWebSocketHub(api.HubOptions{
		ClientRate:  cfg.Broadcast.ClientRate,
		ClientBurst: cfg.Broadcast.ClientBurst,
	}, log)
	go hub.Run(hubCtx)

	broadcast := service.NewBroadcastService(telemetry, hub, service.BroadcastOptions{
		StatusInterval:   cfg.Broadcast.StatusInterval,
		ProgressInterval: cfg.Broadcast.ProgressInterval,
		MaxLoops:         cfg.Broadcast.MaxLoops,
	}, log)
	defer broadcast.StopAll()

	router := broker.NewRouter(telemetry, broadcast, cfg.MQTT.QoS, log)
	router.Attach(mq)
	if err := mq.Open(ctx); err != nil {
		// Commands fail with 503 until restart; telemetry reads keep working.
		log.Error().Err(err).Msg("mqtt unavailable")
	}
	defer mq.Close()

	if cfg.Sweep.Enabled {
		sweeper := service.NewSweeper(repo, telemetry, log)
		if err := sweeper.Start(cfg.Sweep.Schedule); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, log, func(next *config.Config) {
				level := config.ParseLevel(next.Logging.Level)
				zerolog.SetGlobalLevel(level)
				log.Info().Str("level", level.String()).Msg("log level applied")
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	api.SetupRoutes(engine, api.Services{
		Devices:   devices,
		Telemetry: telemetry,
		Machine:   machine,
		Broadcast: broadcast,
		Broker:    mq,
		Hub:       hub,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("HTTP on %s, WebSocket on %s/ws", cfg.Server.Addr, cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	stopHub()
	// Deferred: broker close drains in-flight publishes before exit.
	return nil
}

func openRepository(ctx context.Context, cfg config.StoreConfig) (service.DeviceRepository, func(), error) {
	switch cfg.Driver {
	case "dynamodb":
		repo, err := store.NewDynamo(ctx, cfg.Table, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		return repo, func() {}, nil
	default:
		db, err := config.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		repo, err := store.NewSQLite(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() { db.Close() }, nil
	}
}
