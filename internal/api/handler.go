package api

import (
	"net/http"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/events"
	"broker-core/internal/gate"
	"broker-core/internal/loop"
	"broker-core/internal/monitor"
	"broker-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server exposes the operator surface over HTTP: status aggregation,
// audit reads, approval release/reject, and per-account loop control.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Queries   *db.AccountQueries
	Registry  *account.Registry
	Gate      *gate.SafetyGate
	Approvals *gate.ApprovalQueue
	Orch      *loop.Orchestrator
	Audit     *audit.Recorder
	Metrics   *monitor.ExecMetrics
	Auth      AuthConfig
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun   bool
	Accounts int
	Brokers  []string
	Version  string
}

func NewServer(bus *events.Bus, queries *db.AccountQueries, registry *account.Registry,
	safetyGate *gate.SafetyGate, approvals *gate.ApprovalQueue, orch *loop.Orchestrator,
	auditRec *audit.Recorder, metrics *monitor.ExecMetrics, auth AuthConfig, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Queries:   queries,
		Registry:  registry,
		Gate:      safetyGate,
		Approvals: approvals,
		Orch:      orch,
		Audit:     auditRec,
		Metrics:   metrics,
		Auth:      auth,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.operatorLogin)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/accounts/:id/status", s.getAccountStatus)
			protected.GET("/accounts/:id/orders", s.getAccountOrders)
			protected.GET("/accounts/:id/audit", s.getAccountAudit)
			protected.GET("/accounts/:id/approvals", s.getAccountApprovals)
			protected.POST("/accounts/:id/approvals/release", s.releaseApprovals)
			protected.POST("/accounts/:id/approvals/:orderID/reject", s.rejectApproval)
			protected.POST("/accounts/:id/start", s.startAccount)
			protected.POST("/accounts/:id/stop", s.stopAccount)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": monitor.InstanceID()})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
