package handler

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/web-casa/mcstack/internal/audit"
	"github.com/web-casa/mcstack/internal/event"
	"github.com/web-casa/mcstack/internal/service"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Stacks *service.StackService
	Status *service.StatusService
	Audit  *audit.Recorder // nil disables /api/v1/audit
	Bus    *event.Bus
	Logger *slog.Logger

	WebDir        string
	ExposeStderr  bool
	MutationRate  float64
	MutationBurst int
}

// NewRouter wires middleware and routes.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(d.Logger))
	// The watch stream is hijacked and /metrics negotiates its own encoding.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/stacks/watch", "/metrics"})))

	// CORS: allow the web UI from any origin
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Content-Length", requestIDHeader},
		AllowCredentials: false,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "max_stacks": d.Stacks.MaxStacks()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ API Routes ============
	api := r.Group("/api/v1")
	limited := api.Group("")
	if d.MutationRate > 0 {
		limited.Use(NewRateLimiter(d.MutationRate, max(d.MutationBurst, 1)).Middleware())
	}

	stackH := NewStackHandler(d.Stacks, d.Status, d.ExposeStderr)
	api.GET("/stacks", stackH.List)
	api.GET("/stacks/:id", stackH.Get)
	limited.POST("/stacks", stackH.Create)
	limited.DELETE("/stacks/:id", stackH.Delete)
	limited.PATCH("/stacks/:id/status", stackH.UpdateStatus)

	watchH := NewWatchHandler(d.Bus, d.Logger)
	api.GET("/stacks/watch", watchH.Watch)

	if d.Audit != nil {
		auditH := NewAuditHandler(d.Audit)
		api.GET("/audit", auditH.List)
	}

	// Legacy routes used by the bundled web UI
	api.GET("/list", stackH.List)
	limited.POST("/create", stackH.Create)
	limited.DELETE("/:id", stackH.Delete)
	limited.PUT("/:id", stackH.Start)
	limited.POST("/:id", stackH.Stop)

	// ============ Frontend Static Files ============
	setupFrontend(r, d.WebDir, d.Logger)

	return r
}

// setupFrontend serves the web UI from dir if it exists
func setupFrontend(r *gin.Engine, dir string, logger *slog.Logger) {
	notFound := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found", "error_key": "error.not_found"})
	}
	if dir == "" {
		r.NoRoute(notFound)
		return
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Warn("web directory not found, UI disabled", "dir", dir)
		r.NoRoute(notFound)
		return
	}

	// SPA fallback: serve index.html for all non-API routes
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path

		// Don't interfere with API routes
		if strings.HasPrefix(path, "/api") {
			notFound(c)
			return
		}

		// Try to serve the exact file
		filePath := filepath.Join(dir, filepath.Clean("/"+path))
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			c.File(filePath)
			return
		}

		c.File(filepath.Join(dir, "index.html"))
	})

	logger.Info("serving web UI", "dir", dir)
}
