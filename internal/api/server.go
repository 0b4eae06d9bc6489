package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"azanhome/internal/announce"
	"azanhome/internal/prayertimes"
	"azanhome/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Planner exposes the current plan and accepts test requests.
// *orchestrator.Orchestrator implements it.
type Planner interface {
	Current() *prayertimes.Schedule
	LastRefresh() (time.Time, error)
	TriggerTest() uuid.UUID
}

// PendingLister lists scheduled work. *scheduler.Scheduler implements it.
type PendingLister interface {
	Pending() []scheduler.EntryInfo
}

// History reports the most recent announcement. *announce.Announcer implements it.
type History interface {
	LastRecord() (announce.Record, bool)
}

// Server provides HTTP status endpoints for the announcer
type Server struct {
	planner Planner
	pending PendingLister
	history History
	logger  *zap.Logger
	engine  *gin.Engine
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(planner Planner, pending PendingLister, history History, logger *zap.Logger, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		planner: planner,
		pending: pending,
		history: history,
		logger:  logger.Named("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/", s.handleSitemap)
	r.GET("/health", s.handleHealth)
	r.GET("/api/schedule", s.handleGetSchedule)
	r.GET("/api/announcements/last", s.handleLastAnnouncement)
	r.POST("/api/announce/test", s.handleTestAnnouncement)
	r.NoRoute(s.handleSitemap)
	s.engine = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()))
	}
}

// PrayerTime is one entry of the schedule response
type PrayerTime struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// ScheduleResponse represents the JSON response for the schedule endpoint
type ScheduleResponse struct {
	Date            string                `json:"date,omitempty"`
	City            string                `json:"city,omitempty"`
	Country         string                `json:"country,omitempty"`
	Method          string                `json:"method,omitempty"`
	ServiceTimezone string                `json:"service_timezone,omitempty"`
	Prayers         []PrayerTime          `json:"prayers"`
	LastRefresh     *time.Time            `json:"last_refresh,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	Pending         []scheduler.EntryInfo `json:"pending"`
}

func (s *Server) handleGetSchedule(c *gin.Context) {
	response := ScheduleResponse{
		Prayers: []PrayerTime{},
		Pending: s.pending.Pending(),
	}
	if response.Pending == nil {
		response.Pending = []scheduler.EntryInfo{}
	}

	if current := s.planner.Current(); current != nil {
		response.Date = current.Date.Format("2006-01-02")
		response.City = current.Query.City
		response.Country = current.Query.Country
		response.Method = current.Query.Method.String()
		response.ServiceTimezone = current.ServiceTimezone
		for _, p := range prayertimes.Prayers {
			response.Prayers = append(response.Prayers, PrayerTime{Name: p.String(), Time: current.At(p)})
		}
	}

	last, err := s.planner.LastRefresh()
	if !last.IsZero() {
		response.LastRefresh = &last
	}
	if err != nil {
		response.LastError = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleLastAnnouncement(c *gin.Context) {
	record, ok := s.history.LastRecord()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no announcement has run yet"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleTestAnnouncement(c *gin.Context) {
	id := s.planner.TriggerTest()
	s.logger.Info("Test announcement queued via API", zap.String("id", id.String()))
	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "queued"})
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/schedule", Method: "GET", Description: "Today's prayer times, last refresh and pending announcements"},
	{Path: "/api/announcements/last", Method: "GET", Description: "Outcome of the most recent announcement"},
	{Path: "/api/announce/test", Method: "POST", Description: "Queue a test announcement on the speaker"},
}

// handleSitemap lists the endpoints. Unknown paths get it too, with a 404.
func (s *Server) handleSitemap(c *gin.Context) {
	status := http.StatusOK
	if c.Request.URL.Path != "/" {
		status = http.StatusNotFound
	}

	accept := c.GetHeader("Accept")
	if strings.Contains(accept, "text/html") {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html>
<html>
<head>
    <title>Azan Announcer API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Azan Announcer API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(&b, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		b.WriteString("</body>\n</html>\n")
		c.Data(status, "text/html; charset=utf-8", []byte(b.String()))
		return
	}

	var b strings.Builder
	b.WriteString("Azan Announcer API\n")
	b.WriteString("==================\n\n")
	b.WriteString("Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "  %-6s %-26s %s\n", ep.Method, ep.Path, ep.Description)
	}
	b.WriteString("\nExamples:\n\n")
	b.WriteString("  curl http://localhost:8081/api/schedule | jq\n")
	b.WriteString("  curl -X POST http://localhost:8081/api/announce/test\n")
	c.Data(status, "text/plain; charset=utf-8", []byte(b.String()))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
