package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trading-bots/internal/engine"
	"trading-bots/internal/events"
	"trading-bots/pkg/logging"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the ops surface of the tick engine: health, manual tick
// trigger, last report, metrics and a websocket report stream.
type Server struct {
	Router      *gin.Engine
	Engine      engine.Service
	Bus         *events.Bus
	DB          Pinger
	Log         *zap.Logger
	TickTimeout time.Duration
	Meta        SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Version  string
	DBDriver string
}

// Options tune the HTTP layer.
type Options struct {
	TickTimeout    time.Duration // bounds POST /api/ticks; <=0 means 30s
	RequestTimeout time.Duration // bounds other API calls; <=0 means 30s
	RateLimit      rate.Limit    // per-IP requests per second; <=0 means 20
	RateBurst      int           // <=0 means 50
}

// NewServer wires the middleware stack and routes around svc.
func NewServer(svc engine.Service, bus *events.Bus, database Pinger, meta SystemMeta, opts Options, log *zap.Logger) *Server {
	log = logging.OrNop(log)
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                           // Panic recovery (first)
	r.Use(RequestIDMiddleware())                                    // Request ID tracking
	r.Use(RequestLogger(log))                                       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst, log)) // Rate limiting
	r.Use(CORSMiddleware())                                         // CORS (last before routes)

	s := &Server{
		Router:      r,
		Engine:      svc,
		Bus:         bus,
		DB:          database,
		Log:         log,
		TickTimeout: opts.TickTimeout,
		Meta:        meta,
	}
	s.routes(opts.RequestTimeout)
	return s
}

func (s *Server) routes(requestTimeout time.Duration) {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(requestTimeout))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		api.POST("/ticks", s.runTick)
		api.GET("/ticks/last", s.getLastTick)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
