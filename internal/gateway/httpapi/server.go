// Package httpapi exposes the minimal read-only dashboard surface (spec.md
// §5's "dashboard pollers if enabled"): a gin JSON API plus a
// gorilla/websocket live event tail. It is not the CLI surface and does
// not gate any core invariant — external tools read the same durable
// stores the core writes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/digi4care/overstory-sub000/internal/common/logger"
	"github.com/digi4care/overstory-sub000/internal/domain"
	"github.com/digi4care/overstory-sub000/internal/events"
	"github.com/digi4care/overstory-sub000/internal/mail"
	"github.com/digi4care/overstory-sub000/internal/merge"
	"github.com/digi4care/overstory-sub000/internal/metrics"
	"github.com/digi4care/overstory-sub000/internal/session"
)

// Server is the dashboard gateway's HTTP+WS server.
type Server struct {
	sessions   *session.Store
	mailbox    *mail.Store
	mergeQ     *merge.Store
	evStore    *events.Store
	fanout     *events.Fanout
	metricsStr *metrics.Store
	logger     *logger.Logger
	router     *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer builds the gateway router. fanout may be nil; the live
// /events/stream endpoint then rejects upgrades with 503. metricsStr may be
// nil; /metrics then reports 503.
func NewServer(sessions *session.Store, mailbox *mail.Store, mergeQ *merge.Store, evStore *events.Store, fanout *events.Fanout, metricsStr *metrics.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions:   sessions,
		mailbox:    mailbox,
		mergeQ:     mergeQ,
		evStore:    evStore,
		fanout:     fanout,
		metricsStr: metricsStr,
		logger:     log.WithFields(zap.String("component", "gateway-httpapi")),
		router:     gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Router returns the http.Handler to mount behind an http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)
	s.router.GET("/sessions/:agentName", s.handleSession)
	s.router.GET("/mail", s.handleMail)
	s.router.GET("/merge-queue", s.handleMergeQueue)
	s.router.GET("/events", s.handleEvents)
	s.router.GET("/events/stream", s.handleEventsStreamWS)
	s.router.GET("/metrics", s.handleMetrics)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleSessions(c *gin.Context) {
	rows, err := s.sessions.ListAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (s *Server) handleSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("agentName"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleMail(c *gin.Context) {
	filter := domain.MailFilter{
		To:       c.Query("to"),
		From:     c.Query("from"),
		ThreadID: c.Query("thread_id"),
		Unread:   c.Query("unread") == "true",
		Limit:    queryInt(c, "limit", 100),
	}
	msgs, err := s.mailbox.GetAll(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleMergeQueue(c *gin.Context) {
	status := domain.MergeStatus(c.Query("status"))
	rows, err := s.mergeQ.List(status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows})
}

func (s *Server) handleEvents(c *gin.Context) {
	q := domain.EventQuery{Limit: queryInt(c, "limit", 200)}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = &t
		}
	}
	if until := c.Query("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = &t
		}
	}

	var (
		rows []domain.StoredEvent
		err  error
	)
	switch {
	case c.Query("agent") != "":
		rows, err = s.evStore.GetByAgent(c.Query("agent"), q)
	case c.Query("run_id") != "":
		rows, err = s.evStore.GetByRun(c.Query("run_id"), q)
	default:
		rows, err = s.evStore.GetTimeline(q)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

// handleMetrics exposes the completed-session metrics store's ListMetrics
// query — the read side of the write-on-completed path the watchdog drives.
// It reports raw rows only; turning them into a cost estimate is out of
// scope.
func (s *Server) handleMetrics(c *gin.Context) {
	if s.metricsStr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics store is not configured"})
		return
	}
	q := domain.MetricsQuery{
		Capability: domain.Capability(c.Query("capability")),
		Limit:      queryInt(c, "limit", 200),
	}
	if since := c.Query("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = &t
		}
	}
	if until := c.Query("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			q.Until = &t
		}
	}
	rows, err := s.metricsStr.ListMetrics(q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": rows})
}

// handleEventsStreamWS tails the in-process fanout over a WebSocket
// connection — optional history replay, then live events until the
// client disconnects.
func (s *Server) handleEventsStreamWS(c *gin.Context) {
	if s.fanout == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event fanout is not configured"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	log := s.logger.WithFields(zap.String("client_id", clientID))
	log.Info("dashboard subscriber connected")
	defer log.Info("dashboard subscriber disconnected")

	if c.Query("history") == "true" {
		limit := queryInt(c, "history_count", 100)
		rows, err := s.evStore.GetTimeline(domain.EventQuery{Limit: limit})
		if err == nil {
			for _, ev := range rows {
				if !writeJSON(conn, ev) {
					return
				}
			}
		}
	}

	closeCh := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closeCh)
				return
			}
		}
	}()

	evCh := make(chan domain.StoredEvent, 64)
	sub, err := s.fanout.Subscribe(func(ev domain.StoredEvent) {
		select {
		case evCh <- ev:
		default:
			log.Warn("events stream subscriber too slow, dropping event")
		}
	})
	if err != nil {
		log.Error("fanout subscribe failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-evCh:
			if !writeJSON(conn, ev) {
				return
			}
		case <-closeCh:
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return true
	}
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
