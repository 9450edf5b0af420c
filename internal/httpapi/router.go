// Package httpapi is the operator HTTP surface of the relay: device
// inspection, configuration, firmware upload and assignment, tare, static
// firmware serving, health and metrics.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/edgerelay/internal/directory"
	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/danmuck/edgerelay/internal/observability"
	"github.com/danmuck/edgerelay/internal/relay"
	"github.com/danmuck/edgerelay/internal/rollout"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const DefaultMaxUploadBytes int64 = 16 << 20

type Config struct {
	// PublicBaseURL prefixes the firmware urls handed to devices.
	PublicBaseURL  string
	FirmwareDir    string
	CORSOrigins    []string
	MaxUploadBytes int64
}

func DefaultConfig() Config {
	return Config{
		PublicBaseURL:  "http://127.0.0.1:8080",
		FirmwareDir:    "firmware",
		CORSOrigins:    []string{"http://localhost:3000"},
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

type API struct {
	cfg       Config
	svc       *relay.Service
	startedAt time.Time
	log       zerolog.Logger
}

// NewRouter builds the gin engine serving the admin routes and the relay
// WebSocket endpoint.
func NewRouter(cfg Config, svc *relay.Service) *gin.Engine {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	api := &API{
		cfg:       cfg,
		svc:       svc,
		startedAt: time.Now(),
		log:       logging.Component("httpapi"),
	}
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(api.log, "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/health", api.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET(svc.Config().WSPath, gin.WrapF(svc.ServeWS))
	if dir := strings.TrimSpace(cfg.FirmwareDir); dir != "" {
		r.Static("/firmware", dir)
	}

	devices := r.Group("/api/devices")
	devices.GET("", api.listDevices)
	devices.GET("/:id", api.getDevice)
	devices.PUT("/:id/config", api.updateConfig)
	devices.POST("/:id/firmware", api.assignFirmware)
	devices.DELETE("/:id/firmware", api.cancelFirmware)
	devices.POST("/:id/tare", api.tare)

	r.POST("/api/firmware", api.uploadFirmware)
	return r
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(a.startedAt).String(),
		"service":  "edgerelay",
		"sessions": a.svc.Registry().Count(),
	})
}

func (a *API) listDevices(c *gin.Context) {
	recs, err := a.svc.Store().List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": recs})
}

func (a *API) getDevice(c *gin.Context) {
	rec, found, err := a.svc.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if !found {
		a.fail(c, directory.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type configRequest struct {
	SecondsToRead *int     `json:"secondsToRead"`
	Threshold     *float64 `json:"threshold"`
	Enabled       *bool    `json:"enabled"`
}

// updateConfig stores the supplied settings and pushes them to every
// connection bound to the device.
func (a *API) updateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()
	patch := directory.Patch{
		SecondsToRead: req.SecondsToRead,
		Threshold:     req.Threshold,
		Enabled:       req.Enabled,
	}
	if err := patch.Validate(); err != nil {
		a.fail(c, err)
		return
	}
	store := a.svc.Store()
	if _, _, err := store.Upsert(ctx, id, directory.DefaultRecord(id)); err != nil {
		a.fail(c, err)
		return
	}
	rec, err := store.Update(ctx, id, patch)
	if err != nil {
		a.fail(c, err)
		return
	}
	res, err := a.svc.PushConfig(rec)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": rec, "delivered": res.Delivered})
}

type assignRequest struct {
	URL     string  `json:"url"`
	Version *string `json:"version"`
	SHA256  *string `json:"sha256"`
	Size    *int64  `json:"size"`
	Scope   string  `json:"scope"`
}

func (a *API) assignFirmware(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := a.svc.Coordinator().Assign(c.Request.Context(), rollout.Assignment{
		DeviceID: c.Param("id"),
		URL:      req.URL,
		Version:  req.Version,
		SHA256:   req.SHA256,
		Size:     req.Size,
		Scope:    req.Scope,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": out.Record, "delivered": out.Delivery.Delivered})
}

func (a *API) cancelFirmware(c *gin.Context) {
	rec, err := a.svc.Coordinator().Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": rec})
}

func (a *API) tare(c *gin.Context) {
	res, err := a.svc.Tare(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "delivered": res.Delivered})
}

// fail maps domain errors onto status codes.
func (a *API) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.FullPath()).Msg("httpapi.API request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rollout.ErrInvalidAssignment),
		errors.Is(err, directory.ErrInvalidPatch),
		errors.Is(err, directory.ErrInvalidID),
		errors.Is(err, ErrHashMismatch),
		errors.Is(err, ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrDeviceNotConnected), errors.Is(err, directory.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrDeliveryFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
