// Package api is the REST facade: user endpoints behind handle-scoped JWTs
// and ops endpoints behind the operator token.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"nexus-core/internal/events"
	"nexus-core/internal/firewall"
	"nexus-core/internal/jobs"
	"nexus-core/internal/monitor"
	"nexus-core/internal/portfolio"
	"nexus-core/pkg/db"
)

type Accounts interface {
	Ensure(ctx context.Context, handle string) (*db.Account, error)
	SetAutoTrade(ctx context.Context, handle string, enabled *bool) (*db.Account, error)
	SetRisk(ctx context.Context, handle, level string) (*db.Account, error)
}

type Queue interface {
	Enqueue(ctx context.Context, handle string, p jobs.Payload, opts ...jobs.EnqueueOption) (string, bool, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	DeadLetters(ctx context.Context, limit int) ([]*jobs.Job, error)
	Requeue(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[jobs.Type]map[jobs.Status]int, error)
}

type Breaker interface {
	firewall.Reporter
	IsAlive() bool
	Snapshot() firewall.HealthState
	StatusBar() string
}

type Balances interface {
	Refresh(ctx context.Context, handle string) (*db.Account, error)
}

type Portfolio interface {
	Value(ctx context.Context, handle string) (*portfolio.Portfolio, error)
	History(ctx context.Context, handle string, limit int) ([]db.Snapshot, error)
}

// Deps are the engine components the API fronts.
type Deps struct {
	Bus       *events.Bus
	Accounts  Accounts
	Queue     Queue
	Breaker   Breaker
	Balances  Balances
	Portfolio Portfolio
	Metrics   *monitor.Metrics
}

// Options configure auth and limits.
type Options struct {
	JWTSecret         string
	OperatorTokenHash string
	RateLimit         float64 // requests per second per IP
	RateBurst         int
	RequestTimeout    time.Duration
	Version           string
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	deps    Deps
	opts    Options
	limiter *ipLimiter
	started time.Time
	stop    chan struct{}
	once    sync.Once
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		Router:  gin.New(),
		deps:    deps,
		opts:    opts,
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		started: time.Now(),
		stop:    make(chan struct{}),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger())
	s.Router.Use(s.RateLimitMiddleware())
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	ops := s.Router.Group("/api/ops")
	ops.Use(OperatorMiddleware(s.opts.OperatorTokenHash))
	{
		ops.GET("/firewall", s.getFirewall)
		ops.GET("/metrics", s.getOpsMetrics)
		ops.GET("/jobs/stats", s.getJobStats)
		ops.GET("/jobs/dead", s.getDeadJobs)
		ops.GET("/jobs/:id", s.getJob)
		ops.POST("/jobs/:id/requeue", s.requeueJob)
		ops.POST("/tokens", s.issueToken)
	}
	s.Router.GET("/ws/events", OperatorMiddleware(s.opts.OperatorTokenHash), s.streamEvents)

	v1 := s.Router.Group("/api/v1")
	v1.Use(AuthMiddleware(s.opts.JWTSecret))
	{
		v1.GET("/wallet", s.getWallet)
		v1.GET("/balance", s.getBalance)
		v1.GET("/portfolio", s.getPortfolio)
		v1.GET("/portfolio/history", s.getPortfolioHistory)
		v1.POST("/auto", s.setAuto)
		v1.POST("/risk", s.setRisk)
		v1.POST("/trade", s.postTrade)
		v1.POST("/ask", s.postAsk)
	}
}

// health answers 503 once the firewall is dead so load balancers drain us.
func (s *Server) health(c *gin.Context) {
	if s.deps.Breaker == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	snap := s.deps.Breaker.Snapshot()
	body := gin.H{
		"hp":      snap.HP,
		"max_hp":  snap.MaxHP,
		"uptime":  time.Since(s.started).Truncate(time.Second).String(),
		"version": s.opts.Version,
	}
	if !snap.Alive {
		body["status"] = "dead"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}

// Close ends open event streams; http.Server.Shutdown does not reach
// hijacked connections.
func (s *Server) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Handler exposes the router for an http.Server owned by the caller.
func (s *Server) Handler() http.Handler {
	return s.Router
}
