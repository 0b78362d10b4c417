package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/islerun/internal/history"
	"github.com/loykin/islerun/internal/job"
	"github.com/loykin/islerun/internal/metrics"
)

// Router provides embeddable HTTP handlers over recorded run history.
// Endpoints:
//
//	GET {basePath}/runs          query: limit=N
//	GET {basePath}/runs/:id      all events of one run
//	GET {basePath}/events        query: run_id=...&type=...&limit=N
//	GET {basePath}/healthz
//	GET /metrics                 Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reader   history.Reader
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/runs, /api/events.
func NewRouter(reader history.Reader, basePath string) *Router {
	return &Router{reader: reader, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:id", r.handleRun)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// The address is bound before returning, so a port in use is an error here.
// Stop it with Shutdown or Close.
func NewServer(addr, basePath string, reader history.Reader) (*http.Server, error) {
	r := NewRouter(reader, basePath)
	return serve(addr, r.Handler())
}

// NewMetricsServer serves only /metrics, for the duration of a run.
func NewMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return serve(addr, mux)
}

func serve(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleRuns(c *gin.Context) {
	q, err := parseQuery("", c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	runs, err := history.Runs(c.Request.Context(), r.reader, q.Limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, runs)
}

func (r *Router) handleRun(c *gin.Context) {
	id := c.Param("id")
	if !job.ValidRunID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid run id"})
		return
	}
	events, err := r.reader.List(c.Request.Context(), history.Query{RunID: id, Limit: history.MaxListLimit})
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "run not found"})
		return
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleEvents(c *gin.Context) {
	q, err := parseQuery(c.Query("type"), c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if id := c.Query("run_id"); id != "" {
		if !job.ValidRunID(id) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid run id"})
			return
		}
		q.RunID = id
	}
	events, err := r.reader.List(c.Request.Context(), q)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
