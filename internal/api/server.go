// Package api serves the calibration store read-only over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mice-scifi/adccal/internal/db"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/version"
)

// ANSI escape codes
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// DefaultRunLimit caps /runs when no limit is given.
const DefaultRunLimit = 50

type Server struct {
	db *db.DB
}

func NewServer(database *db.DB) *Server {
	return &Server{db: database}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(c.Writer.Status()), c.Request.Method,
			colorCyan, c.Request.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	}
}

// Router returns the API routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(), gin.Recovery())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/ping", s.ping)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.showRun)
		v1.GET("/runs/:id/channels", s.listChannels)
		v1.GET("/runs/:id/channels/:uid", s.showChannel)
		v1.GET("/runs/:id/issues", s.listIssues)
		v1.GET("/runs/:id/poisson", s.listPoissonFits)
	}
	return r
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errc)
	}()
	monitoring.Logf("serving calibration API on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

func writeJSONError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// storeError maps a store error to a response.
func storeError(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeJSONError(c, http.StatusNotFound, err.Error())
		return
	}
	monitoring.Logf("api: %v", err)
	writeJSONError(c, http.StatusInternalServerError, "failed to query calibration store")
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":    "pong",
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

func (s *Server) listRuns(c *gin.Context) {
	limit := DefaultRunLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(c, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.db.Runs(limit)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// run resolves the :id parameter to a stored run, writing the error response
// when it cannot.
func (s *Server) run(c *gin.Context) (*db.Run, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid run id")
		return nil, false
	}
	run, err := s.db.GetRun(id)
	if err != nil {
		storeError(c, err)
		return nil, false
	}
	return run, true
}

func (s *Server) showRun(c *gin.Context) {
	if run, ok := s.run(c); ok {
		c.JSON(http.StatusOK, run)
	}
}

func (s *Server) listChannels(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	chans, err := s.db.Channels(run.ID)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chans)
}

func (s *Server) showChannel(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid channel uid")
		return
	}
	ch, err := s.db.Channel(run.ID, uid)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) listIssues(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	minSeverity := 0
	if v := c.Query("min_severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(c, http.StatusBadRequest, "invalid 'min_severity' parameter")
			return
		}
		minSeverity = n
	}
	issues, err := s.db.Issues(run.ID, minSeverity)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, issues)
}

func (s *Server) listPoissonFits(c *gin.Context) {
	run, ok := s.run(c)
	if !ok {
		return
	}
	fits, err := s.db.PoissonFits(run.ID)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fits)
}
