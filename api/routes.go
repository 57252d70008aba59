package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"infusionrelay/service"
)

// BrokerStatus reports the device messaging link.
type BrokerStatus interface {
	IsConnected() bool
	GaveUp() bool
}

// Services bundles what the HTTP and WebSocket handlers need.
type Services struct {
	Devices   *service.DeviceManager
	Telemetry *service.TelemetryService
	Machine   *service.StateMachine
	Broadcast *service.BroadcastService
	Broker    BrokerStatus
	Hub       *WebSocketHub
}

func SetupRoutes(router *gin.Engine, s Services, log zerolog.Logger) {
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))
	// Enable CORS
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		Health(c, s.Broker)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		devices := api.Group("/device")
		{
			devices.POST("/create", func(c *gin.Context) {
				CreateDevice(c, s.Devices)
			})
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, s.Devices)
			})
			devices.GET("/:deviceId", func(c *gin.Context) {
				GetDevice(c, s.Devices)
			})

			devices.POST("/health", func(c *gin.Context) {
				PostHealthCheck(c, s.Telemetry, s.Broadcast)
			})
			devices.GET("/status/:deviceId", func(c *gin.Context) {
				GetStatus(c, s.Telemetry)
			})
			devices.GET("/progress/:deviceId", func(c *gin.Context) {
				GetProgress(c, s.Telemetry)
			})
			devices.GET("/errors/:deviceId", func(c *gin.Context) {
				GetErrors(c, s.Telemetry)
			})

			infusion := devices.Group("/:deviceId/infusion")
			{
				infusion.POST("/start", func(c *gin.Context) {
					StartInfusion(c, s.Machine)
				})
				infusion.POST("/stop", func(c *gin.Context) {
					StopInfusion(c, s.Machine)
				})
				infusion.POST("/pause", func(c *gin.Context) {
					PauseInfusion(c, s.Machine)
				})
				infusion.POST("/resume", func(c *gin.Context) {
					ResumeInfusion(c, s.Machine)
				})
			}
		}
	}

	// WebSocket route
	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(s.Hub, s.Devices, s.Broadcast, c)
	})
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error().Str("error", c.Errors.String())
		case status >= 400:
			ev = log.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
