package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/inventra/internal/events"
	"github.com/vesaa/inventra/internal/models"
	"github.com/vesaa/inventra/internal/snapshot"
	"github.com/vesaa/inventra/internal/status"
	"github.com/vesaa/inventra/internal/store"
)

// maxSnapshotBytes caps an ingest body. Software lists of a few thousand
// entries stay well under this.
const maxSnapshotBytes = 16 << 20

// registerControlRoutes wires up the control-plane API.
//
//	Public:          POST /api/login, GET /health, GET /api/health
//	Protected (JWT): /api/machines...
func (s *Server) registerControlRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", s.handleHealth)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.auth.JWTMiddleware(), s.metrics.observe())
	{
		auth.GET("/machines", s.handleList)
		auth.GET("/machines/:id", s.handleDetail)
		auth.DELETE("/machines/:id", s.handleDelete)
	}
}

// registerDataRoutes wires up the data-plane API. Ingest requires the agent
// token; health and metrics do not.
func (s *Server) registerDataRoutes(r *gin.Engine) {
	api := r.Group("/api", s.auth.AgentTokenMiddleware(), s.metrics.observe())
	{
		api.POST("/inventory", s.handleIngest)
	}

	// used by agents before sending and by load-balancers
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.metrics.handler())
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
}

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("username and password required"))
		return
	}
	if !s.auth.checkLogin(body.Username, body.Password) {
		log.Printf("[auth] failed login for %q from %s", body.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, errorBody("invalid credentials"))
		return
	}

	token, err := s.auth.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("failed to generate token"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

// handleIngest normalizes a snapshot and upserts it by machine name.
//
//	POST /api/inventory
func (s *Server) handleIngest(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotBytes))
	if err != nil {
		s.metrics.ingests.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, errorBody("could not read request body"))
		return
	}
	doc, err := snapshot.Decode(body)
	if err != nil {
		s.metrics.ingests.WithLabelValues("malformed").Inc()
		log.Printf("[ingest] %s rejected from %s: %v", c.GetString("request_id"), c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	rec := snapshot.Normalize(doc, s.now())
	m, err := s.store.Upsert(c.Request.Context(), rec)
	if err != nil {
		s.metrics.ingests.WithLabelValues("error").Inc()
		s.fail(c, "ingest "+rec.MachineName, err)
		return
	}
	s.metrics.ingests.WithLabelValues("ok").Inc()
	log.Printf("[ingest] %s stored (id=%d, ip=%s)", m.MachineName, m.ID, m.IP)

	s.publish(c, events.MachineUpserted, m)
	c.JSON(http.StatusOK, gin.H{"success": true, "machine_id": m.ID})
}

// handleList returns every machine with status derived at read time.
//
//	GET /api/machines
func (s *Server) handleList(c *gin.Context) {
	machines, err := s.store.List(c.Request.Context())
	if err != nil {
		s.fail(c, "list machines", err)
		return
	}
	now := s.now()
	views := make([]models.MachineView, 0, len(machines))
	for i := range machines {
		views = append(views, s.view(&machines[i], now))
	}
	s.metrics.machines.Set(float64(len(views)))
	c.JSON(http.StatusOK, views)
}

// handleDetail returns a single machine view.
//
//	GET /api/machines/:id
func (s *Server) handleDetail(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.store.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get machine", err)
		return
	}
	c.JSON(http.StatusOK, s.view(m, s.now()))
}

// handleDelete permanently removes a machine and echoes what was removed.
//
//	DELETE /api/machines/:id
func (s *Server) handleDelete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.store.Delete(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.deletes.WithLabelValues("not_found").Inc()
		} else {
			s.metrics.deletes.WithLabelValues("error").Inc()
		}
		s.fail(c, "delete machine", err)
		return
	}
	s.metrics.deletes.WithLabelValues("ok").Inc()
	log.Printf("[api] %s deleted machine %s (id=%d)", c.GetString("username"), m.MachineName, m.ID)

	s.publish(c, events.MachineDeleted, m)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"deleted_machine": models.DeletedMachine{
			ID:           m.ID,
			MachineName:  m.MachineName,
			LastSeen:     m.LastSeen,
			DaysInactive: status.DaysInactive(m.LastSeen, s.now()),
		},
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *Server) view(m *models.Machine, now time.Time) models.MachineView {
	window := s.cfg.HeartbeatWindow
	if window <= 0 {
		window = status.HeartbeatWindow
	}
	st := status.EvaluateWindow(m.LastSeen, now, window)
	return models.MachineView{
		ID:             m.ID,
		MachineName:    m.MachineName,
		Domain:         m.Domain,
		User:           m.User,
		IP:             m.IP,
		OS:             m.OS,
		RAM:            m.RAM,
		Storage:        m.Storage,
		Software:       m.SoftwareList(),
		LastSeen:       m.LastSeen,
		CollectedAt:    m.CollectedAt,
		CreatedAt:      m.CreatedAt,
		Online:         st.Online,
		InCompliance:   st.InCompliance,
		ReferenceMonth: status.ReferenceMonth(now),
	}
}

// publish sends a change event. Failures are logged and never reach the caller.
func (s *Server) publish(c *gin.Context, typ string, m *models.Machine) {
	ev := events.Event{
		Type:        typ,
		RequestID:   c.GetString("request_id"),
		MachineID:   m.ID,
		MachineName: m.MachineName,
		LastSeen:    m.LastSeen,
	}
	if err := s.events.Publish(c.Request.Context(), ev); err != nil {
		log.Printf("[events] publish %s for %s failed: %v", typ, m.MachineName, err)
	}
}

// fail maps a store error onto a status code and writes the error body.
// Not-found is an expected outcome and is not logged.
func (s *Server) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, store.ErrStorageUnavailable):
		log.Printf("[api] %s %s: %v", c.GetString("request_id"), op, err)
		c.JSON(http.StatusServiceUnavailable, errorBody("storage unavailable"))
	default:
		log.Printf("[api] %s %s: %v", c.GetString("request_id"), op, err)
		c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid id"))
		return 0, false
	}
	return uint(id), true
}

func errorBody(msg string) gin.H {
	return gin.H{"success": false, "error": msg}
}
