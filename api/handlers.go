package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"infusionrelay/models"
	"infusionrelay/service"
)

type createDeviceRequest struct {
	Location string `json:"location"`
}

// statusView is the body of a status query.
type statusView struct {
	Status   models.Status `json:"status"`
	LastPing *string       `json:"lastPing"`
}

// Health reports liveness and broker connectivity.
func Health(c *gin.Context, broker BrokerStatus) {
	mqtt := "disconnected"
	switch {
	case broker == nil:
	case broker.IsConnected():
		mqtt = "connected"
	case broker.GaveUp():
		mqtt = "gave_up"
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status": "ok",
		"mqtt":   mqtt,
	}, "Infusion relay is running"))
}

// CreateDevice registers a new pump
func CreateDevice(c *gin.Context, dm *service.DeviceManager) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(CodeValidation, "Invalid request body"))
		return
	}
	dev, err := dm.CreateDevice(c.Request.Context(), req.Location)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(dev, "Device created"))
}

// GetDevices returns all devices
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	devices, err := dm.GetAllDevices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(devices, ""))
}

func GetDevice(c *gin.Context, dm *service.DeviceManager) {
	dev, err := dm.GetDevice(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(dev, ""))
}

// PostHealthCheck accepts an explicit heartbeat and pushes it to the
// device's status room.
func PostHealthCheck(c *gin.Context, ts *service.TelemetryService, bs *service.BroadcastService) {
	var hc models.HealthCheck
	if err := c.ShouldBindJSON(&hc); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(CodeValidation, "Invalid request body"))
		return
	}
	if _, err := ts.RecordHeartbeat(c.Request.Context(), hc); err != nil {
		respondError(c, err)
		return
	}
	bs.NotifyStatus(hc.DeviceID)
	c.JSON(http.StatusOK, models.MessageResponse("Health check received"))
}

// GetStatus returns the cached status, or the synthesized degraded status
// when the device has gone silent.
func GetStatus(c *gin.Context, ts *service.TelemetryService) {
	snap, err := ts.ReadStatus(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	view := statusView{Status: snap.Status}
	if snap.LastPing != nil {
		lp := models.FormatTime(*snap.LastPing)
		view.LastPing = &lp
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view, ""))
}

func GetProgress(c *gin.Context, ts *service.TelemetryService) {
	p, err := ts.ReadProgress(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(p, ""))
}

func GetErrors(c *gin.Context, ts *service.TelemetryService) {
	rec, err := ts.ReadError(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(rec, ""))
}

func StartInfusion(c *gin.Context, sm *service.StateMachine) {
	var p models.StartInfusion
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(CodeValidation, "Invalid request body"))
		return
	}
	dev, err := sm.Start(c.Request.Context(), c.Param("deviceId"), p)
	transitioned(c, dev, err, "Infusion started")
}

func StopInfusion(c *gin.Context, sm *service.StateMachine) {
	var p models.StopInfusion
	if !bindOptional(c, &p) {
		return
	}
	dev, err := sm.Stop(c.Request.Context(), c.Param("deviceId"), p)
	transitioned(c, dev, err, "Infusion stopped")
}

func PauseInfusion(c *gin.Context, sm *service.StateMachine) {
	var p models.PauseInfusion
	if !bindOptional(c, &p) {
		return
	}
	dev, err := sm.Pause(c.Request.Context(), c.Param("deviceId"), p)
	transitioned(c, dev, err, "Infusion paused")
}

func ResumeInfusion(c *gin.Context, sm *service.StateMachine) {
	dev, err := sm.Resume(c.Request.Context(), c.Param("deviceId"))
	transitioned(c, dev, err, "Infusion resumed")
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(CodeValidation, "Invalid request body"))
		return false
	}
	return true
}

func transitioned(c *gin.Context, dev models.Device, err error, message string) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(dev, message))
}
