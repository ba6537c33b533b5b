// Package api serves the read-only status surface described in section
// 11.5, adapted from the teacher's gin.Default()/CORS-middleware/route-
// group shape in api/server.go. It accepts no writes and cannot
// start/stop/reconfigure anything.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"devicepilot/database"
	"devicepilot/eventloop"
)

// Server exposes /healthz, /sessions and /metrics.
type Server struct {
	loop  *eventloop.Loop
	audit database.AuditLog
	addr  string
}

// New builds a Server. audit may be nil (every counter in /metrics then
// reads 0).
func New(addr string, loop *eventloop.Loop, audit database.AuditLog) *Server {
	return &Server{loop: loop, audit: audit, addr: addr}
}

// Start runs the HTTP server until the process exits or Run returns an
// error; callers typically launch it in its own goroutine.
func (s *Server) Start() error {
	if s.addr == "" {
		return nil
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.setupCORS(r)
	s.setupRoutes(r)

	fmt.Printf("Starting status API on %s\n", s.addr)
	return r.Run(s.addr)
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", s.getHealthz)
	r.GET("/sessions", s.getSessions)
	r.GET("/metrics", s.getMetrics)
}

func (s *Server) getHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"buffer_health": s.loop.BufferHealth().String(),
	})
}

type sessionView struct {
	ID               string  `json:"id"`
	Phase            string  `json:"phase"`
	SegmentCount     int     `json:"segmentCount"`
	CooldownDeadline *string `json:"cooldownDeadline,omitempty"`
}

func (s *Server) getSessions(c *gin.Context) {
	sessions := s.loop.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{
			ID:           sess.ID,
			Phase:        sess.Phase().String(),
			SegmentCount: len(sess.Segments()),
		}
		if v.Phase == "COOLDOWN" {
			deadline := sess.Deadline().Format("2006-01-02T15:04:05Z07:00")
			v.CooldownDeadline = &deadline
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")

	counters := map[string]int64{}
	if s.audit != nil {
		if fetched, err := s.audit.Counters(); err == nil {
			counters = fetched
		}
	}

	fmt.Fprintf(c.Writer, "# HELP devicepilot_sessions_live current number of live sessions\n")
	fmt.Fprintf(c.Writer, "# TYPE devicepilot_sessions_live gauge\n")
	fmt.Fprintf(c.Writer, "devicepilot_sessions_live %d\n", len(s.loop.Sessions()))

	for _, name := range []string{"segments_captured", "sessions_completed", "sessions_failed", "buffer_restarts", "buffer_hard_resets"} {
		fmt.Fprintf(c.Writer, "# TYPE devicepilot_%s counter\n", name)
		fmt.Fprintf(c.Writer, "devicepilot_%s %d\n", name, counters[name])
	}
}
