// Package gateway implements the Request Gateway: a stateless HTTP/duplex
// front end over the composition root. It owns nothing beyond the mapping
// from connection to session identifier — all concurrency correctness
// lives in the components internal/app wires together.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/r3e-labs/instrument-gateway/internal/app"
	"github.com/r3e-labs/instrument-gateway/internal/gwerrors"
	"github.com/r3e-labs/instrument-gateway/pkg/logger"
	"github.com/r3e-labs/instrument-gateway/pkg/metrics"
)

// Config controls rate limiting, duplex heartbeat timing, and CORS.
type Config struct {
	CommandRatePerMin int           // per-client-session token bucket refill rate, default 600
	HeartbeatInterval time.Duration // default 15s; connection closes after 2x this of silence
	CORS              CORSConfig    // empty AllowedOrigins disables cross-origin responses entirely
}

func (c Config) withDefaults() Config {
	if c.CommandRatePerMin <= 0 {
		c.CommandRatePerMin = 600
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Gateway bundles the HTTP and duplex surfaces over one *app.App.
type Gateway struct {
	app     *app.App
	log     *logger.Logger
	cfg     Config
	limiter *limiterStore
}

// New constructs a Gateway. Call Router to obtain a mountable gin.Engine.
func New(a *app.App, cfg Config, log *logger.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	gw := &Gateway{
		app:     a,
		log:     log,
		cfg:     cfg,
		limiter: newLimiterStore(cfg.CommandRatePerMin),
	}
	a.Clients.OnEnd(gw.limiter.Forget)
	return gw
}

// Router builds the gin.Engine exposing every REST and duplex endpoint.
func (gw *Gateway) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gw.accessLog())
	r.Use(gw.cors(gw.cfg.CORS))

	r.GET("/healthz", gw.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	eq := r.Group("/equipment")
	{
		eq.POST("/discover", gw.discover)
		eq.POST("/connect", gw.connect)
		eq.POST("/disconnect/:equipment_id", gw.disconnect)
		eq.GET("/list", gw.list)
		eq.GET("/:equipment_id/status", gw.status)
		eq.POST("/:equipment_id/command", gw.rateLimited(gw.command))

		eq.POST("/:equipment_id/lock/acquire", gw.lockAcquire)
		eq.POST("/:equipment_id/lock/release", gw.lockRelease)
		eq.POST("/:equipment_id/lock/touch", gw.lockTouch)
		eq.GET("/:equipment_id/lock/status", gw.lockStatus)
		eq.GET("/:equipment_id/lock/queue", gw.lockQueue)
		eq.POST("/:equipment_id/lock/resume", gw.lockResume)
		eq.GET("/:equipment_id/lock/events", gw.lockEvents)

		eq.POST("/:equipment_id/state/:state_id/save", gw.saveState)
		eq.POST("/:equipment_id/state/:state_id/recall", gw.recallState)
		eq.GET("/:equipment_id/state", gw.listStates)
		eq.DELETE("/:equipment_id/state/:state_id", gw.deleteState)
	}

	alarms := r.Group("/alarms")
	{
		alarms.POST("", gw.createAlarm)
		alarms.GET("", gw.listAlarms)
		alarms.PUT("/:alarm_id", gw.updateAlarm)
		alarms.DELETE("/:alarm_id", gw.deleteAlarm)
		alarms.POST("/:alarm_id/enable", gw.enableAlarm)
		alarms.POST("/:alarm_id/disable", gw.disableAlarm)
		alarms.POST("/:alarm_id/clear", gw.clearAlarm)
		alarms.GET("/events", gw.listAlarmEvents)
		alarms.POST("/events/:event_id/ack", gw.ackAlarmEvent)
		alarms.GET("/statistics", gw.alarmStatistics)
	}

	jobs := r.Group("/scheduler/jobs")
	{
		jobs.POST("", gw.createJob)
		jobs.GET("", gw.listJobs)
		jobs.GET("/:job_id", gw.getJob)
		jobs.DELETE("/:job_id", gw.deleteJob)
		jobs.POST("/:job_id/enable", gw.enableJob)
		jobs.POST("/:job_id/disable", gw.disableJob)
	}

	r.GET("/stream", gw.serveDuplex)

	return r
}

func (gw *Gateway) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		gw.log.WithField("status", c.Writer.Status()).
			WithField("path", c.Request.URL.Path).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Infof("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func (gw *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionID resolves the caller's client session identifier from, in order,
// the X-Session-Id header, a session_id query parameter, and a session_id
// field on the decoded JSON body — per §4.8's "taken from a header or body
// field."
func sessionID(c *gin.Context, body map[string]any) string {
	if h := strings.TrimSpace(c.GetHeader("X-Session-Id")); h != "" {
		return h
	}
	if q := strings.TrimSpace(c.Query("session_id")); q != "" {
		return q
	}
	if body != nil {
		if v, ok := body["session_id"].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// writeErr converts any error into the gateway's standard error envelope,
// per §7's "every error carries {kind, message, details?}".
func writeErr(c *gin.Context, err error) {
	c.JSON(gwerrors.HTTPStatus(err), gwerrors.ToEnvelope(err))
}

// rateLimited wraps a command handler with the per-client-session token
// bucket from golang.org/x/time/rate; exceeding it returns busy rather than
// dispatching, per SPEC_FULL.md's rate-limiting addition to §4.8.
func (gw *Gateway) rateLimited(next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]any
		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			_ = c.ShouldBindBodyWith(&body, binding.JSON)
		}
		sid := sessionID(c, body)
		if sid != "" && !gw.limiter.Allow(sid) {
			writeErr(c, gwerrors.Busyf("command rate limit exceeded for session %s", sid))
			return
		}
		next(c)
	}
}
