// Package api is the control plane: a gin HTTP server exposing session
// lifecycle, order, and account endpoints over SessionManager (C9),
// plus the vendor-compatible read surface and WebSocket streams that
// back the Alpaca/Polygon/Finnhub adapters. It generalizes the
// teacher's internal/api.Server wiring (router + middleware stack +
// grouped routes) onto the broker-simulator domain.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"broker-sim/internal/fanout"
	"broker-sim/internal/sessionmgr"
	"broker-sim/pkg/config"
	"broker-sim/pkg/db"
)

// Server wires the HTTP router to the session registry, fanout hub,
// and read-only market-data store.
type Server struct {
	Router  *gin.Engine
	Manager *sessionmgr.Manager
	Fanout  *fanout.Fanout
	Store   *db.TickStore
	Users   *db.UserQueries
	Config  *config.Config

	httpSrv *http.Server
}

// NewServer builds a Server with its route table installed.
func NewServer(manager *sessionmgr.Manager, fanoutHub *fanout.Fanout, store *db.TickStore, users *db.UserQueries, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		Router:  gin.New(),
		Manager: manager,
		Fanout:  fanoutHub,
		Store:   store,
		Users:   users,
		Config:  cfg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Router
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	r.GET("/health", s.health)
	r.GET("/ws", s.websocket)

	auth := r.Group("/api/v1/auth")
	{
		auth.POST("/register", s.registerUser)
		auth.POST("/login", s.loginUser)
	}

	control := r.Group("/sessions")
	if s.Config.RequireAuth {
		control.Use(AuthMiddleware(s.Config.JWTSecret))
	}
	{
		control.POST("", s.createSession)
		control.GET("", s.listSessions)
		control.GET("/templates", s.listTemplates)
		control.GET("/:id", s.getSession)
		control.POST("/:id/start", s.startSession)
		control.POST("/:id/pause", s.pauseSession)
		control.POST("/:id/resume", s.resumeSession)
		control.POST("/:id/stop", s.stopSession)
		control.DELETE("/:id", s.destroySession)
		control.POST("/:id/speed", s.setSpeed)
		control.POST("/:id/jump", s.jumpSession)
		control.POST("/:id/fast_forward", s.fastForwardSession)
		control.POST("/:id/orders", s.submitOrder)
		control.GET("/:id/orders", s.listOrders)
		control.POST("/:id/orders/:oid/cancel", s.cancelOrder)
		control.GET("/:id/account", s.getAccount)
		control.GET("/:id/positions", s.getPositions)
		control.GET("/:id/performance", s.getPerformance)
		control.GET("/:id/watermark", s.getWatermark)
		control.POST("/:id/corporate_actions/dividend", s.applyDividend)
		control.POST("/:id/corporate_actions/split", s.applySplit)
	}

	// Vendor-compatible read/write surfaces; resolveVendorSession picks
	// the target session from the X-Session-ID header or the session_id
	// query parameter.
	vendor := r.Group("/v2")
	{
		vendor.GET("/account", s.vendorAccount)
		vendor.GET("/positions", s.vendorPositions)
		vendor.GET("/orders", s.vendorOrders)
		vendor.POST("/orders", s.vendorSubmitOrder)
		vendor.DELETE("/orders/:oid", s.vendorCancelOrder)
		vendor.GET("/stocks/:symbol/trades/latest", s.vendorLatestTrade)
		vendor.GET("/stocks/:symbol/quotes/latest", s.vendorLatestQuote)
		vendor.GET("/stocks/snapshots", s.vendorSnapshot)
		vendor.GET("/stocks/:symbol/bars", s.vendorBars)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
