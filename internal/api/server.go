// Package api exposes the operator surface of the bridge: auth, read views
// over orders/positions/plans/findings, trade decision intake, and manual
// reconciliation triggers.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/events"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/monitor"
	"tradebridge/internal/order"
	"tradebridge/internal/reconcile"
	"tradebridge/internal/session"
	"tradebridge/internal/state"
	"tradebridge/pkg/db"
)

// Server wires HTTP endpoints around the bridge components.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Session     *session.Manager
	Tracker     *order.Tracker
	Engine      *reconcile.Engine
	Recorder    *monitor.Recorder
	Plans       *exitplan.Manager
	State       *state.Manager
	JWTSecret   string
	OperatorKey string
}

// NewServer builds the router and registers all routes.
func NewServer(bus *events.Bus, database *db.Database, sess *session.Manager, tracker *order.Tracker, engine *reconcile.Engine, recorder *monitor.Recorder, plans *exitplan.Manager, stateMgr *state.Manager, jwtSecret, operatorKey string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		DB:          database,
		Session:     sess,
		Tracker:     tracker,
		Engine:      engine,
		Recorder:    recorder,
		Plans:       plans,
		State:       stateMgr,
		JWTSecret:   jwtSecret,
		OperatorKey: operatorKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/session/status", s.getSessionStatus)

			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/orders/:id/executions", s.getOrderExecutions)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.GET("/brackets/:correlation_id", s.getBracket)

			protected.GET("/positions", s.getPositions)
			protected.GET("/findings", s.getFindings)

			protected.GET("/reconciliation", s.getReconciliation)
			protected.POST("/reconciliation/run", s.runReconciliation)

			protected.POST("/decisions", s.postDecision)

			protected.GET("/exitplans/stats", s.getExitPlanStats)
			protected.GET("/exitplans/:id", s.getExitPlan)
			protected.GET("/exitplans/:id/overrides", s.getOverrides)
			protected.POST("/exitplans/:id/overrides", s.postOverride)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": s.Session.IsConnected()})
}

func (s *Server) getSessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Session.ConnectionStatus())
}

func (s *Server) getOrders(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	orders, err := s.DB.ListRecentOrders(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid order id")
		return
	}
	o, err := s.DB.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(c, "order not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) getOrderExecutions(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid order id")
		return
	}
	execs, err := s.DB.ListExecutionsByOrder(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid order id")
		return
	}
	if err := s.Session.CancelOrder(c.Request.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":  "NOT_CONNECTED",
				"error": "gateway session is down",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": id, "status": "cancel requested"})
}

func (s *Server) getBracket(c *gin.Context) {
	correlationID := c.Param("correlation_id")
	orders, err := s.DB.ListOrdersByCorrelation(c.Request.Context(), correlationID)
	if err != nil {
		internalError(c, err)
		return
	}
	if len(orders) == 0 {
		notFound(c, "bracket not found")
		return
	}
	resp := gin.H{"correlation_id": correlationID, "orders": orders}
	if plan, err := s.Plans.GetByCorrelation(c.Request.Context(), correlationID); err == nil {
		resp["exit_plan"] = plan
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.State.Positions()})
}

func (s *Server) getFindings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"findings": s.Recorder.Findings(),
		"counts":   s.Recorder.CountBySeverity(),
	})
}

func (s *Server) getReconciliation(c *gin.Context) {
	report := s.Engine.LastReport()
	if report == nil {
		notFound(c, "no reconciliation has run yet")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) runReconciliation(c *gin.Context) {
	report, err := s.Engine.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":  "NOT_CONNECTED",
				"error": "gateway session is down",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) postDecision(c *gin.Context) {
	var d order.TradeDecision
	if err := c.BindJSON(&d); err != nil {
		badRequest(c, "invalid request payload")
		return
	}
	result, err := s.Tracker.PlaceBracket(c.Request.Context(), d)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrInvalidDecision):
			badRequest(c, err.Error())
		case errors.Is(err, order.ErrRejected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"code":  "RISK_REJECTED",
				"error": err.Error(),
			})
		case errors.Is(err, session.ErrNotConnected):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":  "NOT_CONNECTED",
				"error": "gateway session is down",
			})
		default:
			internalError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) getExitPlan(c *gin.Context) {
	plan, err := s.Plans.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(c, "exit plan not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) getExitPlanStats(c *gin.Context) {
	lookback := 7 * 24 * time.Hour
	if v := c.Query("lookback"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			lookback = d
		}
	}
	stats, err := s.Plans.Stats(c.Request.Context(), lookback)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getOverrides(c *gin.Context) {
	overrides, err := s.Plans.Overrides(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides})
}

func (s *Server) postOverride(c *gin.Context) {
	var req struct {
		Field      string `json:"field"`
		OldValue   string `json:"old_value"`
		NewValue   string `json:"new_value"`
		ReasonCode string `json:"reason_code"`
		Note       string `json:"note"`
	}
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request payload")
		return
	}
	if req.Field == "" || req.ReasonCode == "" {
		badRequest(c, "field and reason_code are required")
		return
	}
	err := s.Plans.RecordOverride(c.Request.Context(), c.Param("id"), req.Field, req.OldValue, req.NewValue, req.ReasonCode, req.Note)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			notFound(c, "exit plan not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan_id": c.Param("id"), "field": req.Field})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "error": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": msg})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
