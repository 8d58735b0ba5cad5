package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type orderView struct {
	ID        string    `json:"id"`
	Broker    string    `json:"broker"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Notional  float64   `json:"notional"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type auditView struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	OrderID   string          `json:"order_id,omitempty"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type approvalView struct {
	ID         string          `json:"id"`
	Order      json.RawMessage `json:"order"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// getStatus returns the aggregated view: per-account loop state, shared
// breaker and governor snapshots, and execution metrics.
func (s *Server) getStatus(c *gin.Context) {
	snap := s.Orch.Status()
	c.JSON(http.StatusOK, gin.H{
		"dry_run":  s.Meta.DryRun,
		"version":  s.Meta.Version,
		"brokers":  s.Meta.Brokers,
		"accounts": snap.Accounts,
		"breakers": snap.Breakers,
		"governors": snap.Governors,
		"metrics":  s.Metrics.GetSnapshot(),
		"time":     snap.Time,
	})
}

func (s *Server) getAccountStatus(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	st, _ := s.Orch.StatusFor(id)

	records, err := s.Queries.GetAuditByAccount(c.Request.Context(), id, 10)
	if err != nil {
		log.Printf("account status audit read: %v", err)
	}
	recent := make([]auditView, 0, len(records))
	for _, r := range records {
		recent = append(recent, auditView{
			ID: r.ID, Event: r.Event, OrderID: r.OrderID, Outcome: r.Outcome,
			Detail: rawJSON(r.Detail), CreatedAt: r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": st, "recent_audit": recent})
}

func (s *Server) getAccountOrders(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	limit := queryLimit(c, 50)
	orders, err := s.Queries.GetOrdersByAccount(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{
			ID: o.ID, Broker: o.Broker, Symbol: o.Symbol, Side: o.Side,
			Notional: o.Notional, Status: o.Status, Reason: o.Reason, CreatedAt: o.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

// getAccountAudit serves the persisted audit trail, newest first. Buffered
// records are flushed first so operators see a current view.
func (s *Server) getAccountAudit(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	if err := s.Audit.Flush(); err != nil {
		log.Printf("audit flush before read: %v", err)
	}
	limit := queryLimit(c, 100)
	records, err := s.Queries.GetAuditByAccount(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	views := make([]auditView, 0, len(records))
	for _, r := range records {
		views = append(views, auditView{
			ID: r.ID, Event: r.Event, OrderID: r.OrderID, Outcome: r.Outcome,
			Detail: rawJSON(r.Detail), CreatedAt: r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"audit": views})
}

func (s *Server) getAccountApprovals(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	pending, err := s.Approvals.Pending(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	views := make([]approvalView, 0, len(pending))
	for _, p := range pending {
		views = append(views, approvalView{ID: p.ID, Order: rawJSON(p.OrderJSON), EnqueuedAt: p.EnqueuedAt})
	}
	c.JSON(http.StatusOK, gin.H{"approvals": views})
}

// releaseApprovals forwards up to count queued orders into execution and
// consumes the account's approval quota.
func (s *Server) releaseApprovals(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	released, err := s.Gate.Release(c.Request.Context(), id, CurrentOperator(c), req.Count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

func (s *Server) rejectApproval(c *gin.Context) {
	id := c.Param("id")
	orderID := c.Param("orderID")
	if _, ok := s.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_ACCOUNT", "error": "unknown account"})
		return
	}
	if err := s.Gate.Reject(c.Request.Context(), id, orderID, CurrentOperator(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "UNKNOWN_APPROVAL", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": orderID})
}

func (s *Server) startAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.Orch.Start(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "START_FAILED", "error": err.Error()})
		return
	}
	log.Printf("[API] operator %s started loop %s", CurrentOperator(c), id)
	c.JSON(http.StatusOK, gin.H{"started": id})
}

func (s *Server) stopAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.Orch.Stop(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "STOP_FAILED", "error": err.Error()})
		return
	}
	log.Printf("[API] operator %s stopped loop %s", CurrentOperator(c), id)
	c.JSON(http.StatusOK, gin.H{"stopped": id})
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

// rawJSON passes stored JSON through untouched; anything else is quoted
// so the response stays valid.
func rawJSON(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
