// Package server provides the Inventra Gin-based REST API.
// Routes are split into two engines:
//   - Control plane (port 5080): JWT-protected; serves the dashboard and machine API.
//   - Data plane    (port 5000): Bearer-token-protected; receives agent snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/events"
	"github.com/vesaa/inventra/internal/store"
)

// Server owns the handlers of both planes and the dependencies they share.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	events  events.Publisher
	auth    *Auth
	metrics *Metrics
	now     func() time.Time
}

// New wires a Server. pub may be nil, in which case events are dropped.
func New(cfg *config.Config, st *store.Store, pub events.Publisher) *Server {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		events:  pub,
		auth:    NewAuth(cfg.JWTSecret, cfg.AgentToken, cfg.AdminUser, cfg.AdminPass),
		metrics: newMetrics(),
		now:     time.Now,
	}
}

// ControlEngine builds the dashboard-facing engine.
func (s *Server) ControlEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), requestID(), cors())
	s.registerControlRoutes(r)
	registerStaticFiles(r)
	return r
}

// DataEngine builds the agent-facing engine.
func (s *Server) DataEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), requestID())
	s.registerDataRoutes(r)
	return r
}

// Run serves both planes until ctx is cancelled, then shuts them down.
func (s *Server) Run(ctx context.Context) error {
	ctrlAddr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ControlPort)
	dataAddr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.DataPort)

	ctrlSrv := s.httpServer(ctrlAddr, s.ControlEngine())
	dataSrv := s.httpServer(dataAddr, s.DataEngine())

	log.Printf("[server] control plane on http://%s", ctrlAddr)
	log.Printf("[server] data plane on http://%s", dataAddr)

	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.ListenAndServe() }()
	go func() { errCh <- dataSrv.ListenAndServe() }()

	var runErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		log.Printf("[server] shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ctrlSrv.Shutdown(shutdownCtx)
	_ = dataSrv.Shutdown(shutdownCtx)
	return runErr
}

func (s *Server) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}

// requestID tags each request with X-Request-ID, keeping one the caller sent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
