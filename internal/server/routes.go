package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/buildbay/internal/filestore"
	"github.com/zulandar/buildbay/internal/job"
	"github.com/zulandar/buildbay/internal/notify"
	"github.com/zulandar/buildbay/internal/site"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	db := opts.DB

	api := router.Group("/api", requireOwner())
	{
		api.POST("/websites", handleUploadWebsite(db, opts.Files))
		api.GET("/websites", handleListWebsites(db))
		api.GET("/websites/:id", handleGetWebsite(db))

		api.POST("/jobs", handleEnqueue(db, opts))
		api.GET("/jobs", handleListJobs(db))
		api.GET("/jobs/:id", handleGetJob(db))
		api.GET("/jobs/:id/position", handleQueuePosition(db))
		api.GET("/jobs/:id/logs", handleJobLogs(db))
		api.DELETE("/jobs/:id", handleCancelJob(opts))
		api.POST("/jobs/:id/retry", handleRetryJob(db, opts))

		api.GET("/queue/stats", handleQueueStats(db))
		api.GET("/queue/health", handleQueueHealth(opts))
		api.POST("/queue/trigger", handleQueueTrigger(opts))

		api.GET("/notifications", handleListNotifications(db))
		api.GET("/notifications/unread", handleUnreadNotifications(db))
		api.GET("/notifications/unread/count", handleUnreadCount(db))
		api.POST("/notifications/:id/read", handleMarkRead(db))
		api.POST("/notifications/read-all", handleMarkAllRead(db))
		api.DELETE("/notifications/:id", handleDeleteNotification(db))

		api.GET("/events", handleEvents(opts.Hub))
	}

	// Static previews are served from the job's staging directory. No owner
	// header: preview URLs are meant to be opened in a browser.
	router.GET("/preview/:jobID/*filepath", handlePreview(opts.StagingRoot))
}

// fail maps domain errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, site.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, job.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, job.ErrTooManyJobs):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func handleUploadWebsite(db *gorm.DB, files filestore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.PostForm("name")
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}
		fh, err := c.FormFile("archive")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
			return
		}
		if fh.Size > maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "archive exceeds upload limit"})
			return
		}

		f, err := fh.Open()
		if err != nil {
			fail(c, err)
			return
		}
		defer f.Close()
		content, err := io.ReadAll(io.LimitReader(f, maxUploadSize+1))
		if err != nil {
			fail(c, err)
			return
		}
		if len(content) > maxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "archive exceeds upload limit"})
			return
		}

		key := uuid.NewString() + ".zip"
		if err := files.Put(key, content); err != nil {
			fail(c, err)
			return
		}

		w, err := site.Create(db, site.CreateOpts{
			OwnerID:    ownerID(c),
			Name:       name,
			ArchiveKey: key,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

func handleListWebsites(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sites, err := site.ListByOwner(db, ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"websites": sites})
	}
}

func handleGetWebsite(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := site.Get(db, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if w.OwnerID != ownerID(c) {
			c.JSON(http.StatusNotFound, gin.H{"error": "website not found"})
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

// enqueueRequest is the POST /api/jobs body.
type enqueueRequest struct {
	WebsiteID string `json:"websiteId" binding:"required"`
	Priority  int    `json:"priority"`
}

func handleEnqueue(db *gorm.DB, opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "websiteId is required"})
			return
		}

		w, err := site.Get(db, req.WebsiteID)
		if err != nil {
			fail(c, err)
			return
		}
		if w.OwnerID != ownerID(c) {
			c.JSON(http.StatusNotFound, gin.H{"error": "website not found"})
			return
		}

		j, err := opts.Sched.Enqueue(req.WebsiteID, ownerID(c), req.Priority)
		if err != nil {
			fail(c, err)
			return
		}
		pos, err := job.QueuePosition(db, j.ID)
		if err != nil {
			// The job may already have been dispatched.
			pos = 0
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":         j.ID,
			"status":        j.Status,
			"queuePosition": pos,
		})
	}
}

func handleListJobs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := job.UserJobs(db, ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

// getOwnedJob loads a job and enforces that the caller owns it.
func getOwnedJob(c *gin.Context, db *gorm.DB) (ok bool, id string) {
	id = c.Param("id")
	j, err := job.Get(db, id)
	if err != nil {
		fail(c, err)
		return false, id
	}
	if j.OwnerID != ownerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return false, id
	}
	return true, id
}

func handleGetJob(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, id := getOwnedJob(c, db)
		if !ok {
			return
		}
		j, err := job.Get(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, j)
	}
}

func handleQueuePosition(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, id := getOwnedJob(c, db)
		if !ok {
			return
		}
		pos, err := job.QueuePosition(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": id, "queuePosition": pos})
	}
}

func handleJobLogs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, id := getOwnedJob(c, db)
		if !ok {
			return
		}
		logs, err := job.Logs(db, id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": id, "logs": logs})
	}
}

func handleCancelJob(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := opts.Sched.Cancel(c.Param("id"), ownerID(c)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": c.Param("id"), "status": "cancelled"})
	}
}

func handleRetryJob(db *gorm.DB, opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		nj, err := opts.Sched.Retry(c.Param("id"), ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		pos, err := job.QueuePosition(db, nj.ID)
		if err != nil {
			pos = 0
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":         nj.ID,
			"status":        nj.Status,
			"queuePosition": pos,
		})
	}
}

func handleQueueStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := job.Stats(db)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handleQueueHealth(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, err := opts.Sched.Health()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h)
	}
}

func handleQueueTrigger(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts.Sched.Trigger()
		c.JSON(http.StatusOK, gin.H{"triggered": true})
	}
}

func handleListNotifications(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		ns, err := notify.List(db, ownerID(c), limit)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": ns})
	}
}

func handleUnreadNotifications(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns, err := notify.Unread(db, ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": ns})
	}
}

func handleUnreadCount(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := notify.UnreadCount(db, ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

func handleMarkRead(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
			return
		}
		if err := notify.MarkRead(db, uint(id), ownerID(c)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"read": true})
	}
}

func handleMarkAllRead(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := notify.MarkAllRead(db, ownerID(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"marked": n})
	}
}

func handleDeleteNotification(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
			return
		}
		if err := notify.Delete(db, uint(id), ownerID(c)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// handlePreview serves static preview files from a job's staging directory.
func handlePreview(stagingRoot string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if stagingRoot == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "previews not configured"})
			return
		}
		jobID := c.Param("jobID")
		rel := strings.TrimPrefix(c.Param("filepath"), "/")
		if rel == "" {
			rel = "index.html"
		}

		base := filepath.Join(stagingRoot, filepath.Clean("/"+jobID))
		path := filepath.Join(base, filepath.Clean("/"+rel))
		if !strings.HasPrefix(path, base+string(filepath.Separator)) && path != base {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
			return
		}
		c.File(path)
	}
}
