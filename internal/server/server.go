// Package server exposes the build queue over HTTP: uploads, job operations,
// notifications, the live event stream, and static preview serving.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/buildbay/internal/filestore"
	"github.com/zulandar/buildbay/internal/notify"
	"github.com/zulandar/buildbay/internal/scheduler"
	"gorm.io/gorm"
)

// maxUploadSize caps website archive uploads.
const maxUploadSize = 50 << 20 // 50 MiB

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB          *gorm.DB
	Sched       *scheduler.Scheduler
	Hub         *notify.Hub
	Files       filestore.Store
	StagingRoot string // directory holding per-job staging dirs, for static previews
	Port        int
	Out         io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	if opts.Port <= 0 {
		opts.Port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all routes registered. Exposed so
// tests can drive it with httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.Sched == nil {
		return nil, fmt.Errorf("server: scheduler is required")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("server: file store is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = maxUploadSize

	registerRoutes(router, opts)
	return router, nil
}

// requireOwner extracts the caller identity from the X-Owner-ID header and
// rejects requests without one.
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader("X-Owner-ID")
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Owner-ID header is required"})
			return
		}
		c.Set("owner", owner)
		c.Next()
	}
}

// ownerID returns the authenticated owner for a request.
func ownerID(c *gin.Context) string {
	return c.GetString("owner")
}
