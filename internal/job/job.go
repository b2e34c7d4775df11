// Package job provides build-job lifecycle operations. The job row is the
// single source of truth for job state; pipelines mutate it only through the
// conditional transitions here, so a terminal state is never left.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/buildbay/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors for the caller-facing taxonomy.
var (
	ErrNotFound     = errors.New("job: not found")
	ErrForbidden    = errors.New("job: forbidden")
	ErrInvalidState = errors.New("job: invalid state")
	ErrTooManyJobs  = errors.New("job: too many active jobs")
)

// activeStatuses are the non-terminal statuses counted against backpressure
// and concurrency limits.
var activeStatuses = []string{models.JobQueued, models.JobBuilding, models.JobRunning}

// GenerateID creates a unique job ID in job-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("job: generate ID: %w", err)
	}
	return "job-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.BuildJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("job: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("job: failed to generate unique ID after retries")
}

// EnqueueOpts holds parameters for enqueueing a build job.
type EnqueueOpts struct {
	Priority  int
	MaxActive int // per-owner non-terminal job limit; <=0 means unlimited
}

// Enqueue creates a job in queued state. It rejects with ErrTooManyJobs when
// the owner already has MaxActive non-terminal jobs.
func Enqueue(db *gorm.DB, websiteID, ownerID string, opts EnqueueOpts) (*models.BuildJob, error) {
	if websiteID == "" {
		return nil, fmt.Errorf("job: websiteID is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("job: ownerID is required")
	}

	if opts.MaxActive > 0 {
		var active int64
		if err := db.Model(&models.BuildJob{}).
			Where("owner_id = ? AND status IN ?", ownerID, activeStatuses).
			Count(&active).Error; err != nil {
			return nil, fmt.Errorf("job: count active for %s: %w", ownerID, err)
		}
		if active >= int64(opts.MaxActive) {
			return nil, fmt.Errorf("job: owner %s has %d active jobs: %w", ownerID, active, ErrTooManyJobs)
		}
	}

	id, err := generateUniqueID(db)
	if err != nil {
		return nil, err
	}

	j := models.BuildJob{
		ID:          id,
		WebsiteID:   websiteID,
		OwnerID:     ownerID,
		Status:      models.JobQueued,
		Priority:    opts.Priority,
		CurrentStep: "Waiting in queue",
	}
	if err := db.Create(&j).Error; err != nil {
		return nil, fmt.Errorf("job: create: %w", err)
	}
	return &j, nil
}

// Get retrieves a job by ID.
func Get(db *gorm.DB, id string) (*models.BuildJob, error) {
	var j models.BuildJob
	if err := db.Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("job: get %s: %w", id, err)
	}
	return &j, nil
}

// Start transitions a queued job to building and stamps started_at. It fails
// with ErrInvalidState if the job is no longer queued, which is how a cancel
// that lands before dispatch prevents the pipeline from ever running.
func Start(db *gorm.DB, id string) error {
	now := time.Now()
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]interface{}{
			"status":     models.JobBuilding,
			"started_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("job: start %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: start %s: %w", id, ErrInvalidState)
	}
	return nil
}

// UpdateProgress records progress and the current step label. It is a silent
// no-op once the job is terminal.
func UpdateProgress(db *gorm.DB, id string, progress int, step string) error {
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"progress":     progress,
			"current_step": step,
		})
	if result.Error != nil {
		return fmt.Errorf("job: update progress %s: %w", id, result.Error)
	}
	return nil
}

// MarkRunning transitions building -> running once the preview process has
// confirmed readiness, recording the allocated port and preview URL.
func MarkRunning(db *gorm.DB, id string, port int, previewURL string) error {
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status = ?", id, models.JobBuilding).
		Updates(map[string]interface{}{
			"status":         models.JobRunning,
			"allocated_port": port,
			"preview_url":    previewURL,
		})
	if result.Error != nil {
		return fmt.Errorf("job: mark running %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: mark running %s: %w", id, ErrInvalidState)
	}
	return nil
}

// Complete transitions an active job to completed, stamping completed_at.
// port is nil for static projects that run no preview process.
func Complete(db *gorm.DB, id string, previewURL string, port *int) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       models.JobCompleted,
		"progress":     100,
		"current_step": "Completed",
		"preview_url":  previewURL,
		"completed_at": now,
	}
	if port != nil {
		updates["allocated_port"] = *port
	}
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status IN ?", id, []string{models.JobBuilding, models.JobRunning}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("job: complete %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: complete %s: %w", id, ErrInvalidState)
	}
	return nil
}

// Fail transitions an active job to failed, recording the error message. The
// allocated port is cleared here; the pipeline's cleanup releases the pool
// entry, keeping the port column in step with pool ownership.
func Fail(db *gorm.DB, id string, errMsg string) error {
	now := time.Now()
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":         models.JobFailed,
			"current_step":   "Failed",
			"error":          errMsg,
			"allocated_port": nil,
			"completed_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("job: fail %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: fail %s: %w", id, ErrInvalidState)
	}
	return nil
}

// Cancel transitions a job to cancelled on behalf of requesterID. Only the
// owner may cancel; terminal jobs reject with ErrInvalidState. The caller is
// responsible for stopping a running pipeline afterwards.
func Cancel(db *gorm.DB, id, requesterID string) error {
	j, err := Get(db, id)
	if err != nil {
		return err
	}
	if j.OwnerID != requesterID {
		return fmt.Errorf("job: %s is not owned by %s: %w", id, requesterID, ErrForbidden)
	}
	if j.Terminal() {
		return fmt.Errorf("job: %s is already %s: %w", id, j.Status, ErrInvalidState)
	}

	now := time.Now()
	result := db.Model(&models.BuildJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":         models.JobCancelled,
			"current_step":   "Cancelled",
			"allocated_port": nil,
			"completed_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("job: cancel %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job: cancel %s: %w", id, ErrInvalidState)
	}
	return nil
}

// Retry creates a fresh job for the website of a failed job. The original job
// is never mutated; the new job's lifecycle is fully independent.
func Retry(db *gorm.DB, id string, maxActive int) (*models.BuildJob, error) {
	j, err := Get(db, id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobFailed {
		return nil, fmt.Errorf("job: retry %s: status is %s, not failed: %w", id, j.Status, ErrInvalidState)
	}
	return Enqueue(db, j.WebsiteID, j.OwnerID, EnqueueOpts{Priority: j.Priority, MaxActive: maxActive})
}

// QueuePosition returns the number of queued jobs dispatched ahead of this
// one; 0 means next to run. Ordering is priority (higher first), then
// creation time, then job ID as the stable tie-break.
func QueuePosition(db *gorm.DB, id string) (int, error) {
	j, err := Get(db, id)
	if err != nil {
		return 0, err
	}
	if j.Status != models.JobQueued {
		return 0, fmt.Errorf("job: %s is %s, not queued: %w", id, j.Status, ErrInvalidState)
	}

	var ahead int64
	err = db.Model(&models.BuildJob{}).
		Where("status = ?", models.JobQueued).
		Where(
			db.Where("priority > ?", j.Priority).
				Or("priority = ? AND created_at < ?", j.Priority, j.CreatedAt).
				Or("priority = ? AND created_at = ? AND id < ?", j.Priority, j.CreatedAt, j.ID),
		).
		Count(&ahead).Error
	if err != nil {
		return 0, fmt.Errorf("job: queue position %s: %w", id, err)
	}
	return int(ahead), nil
}

// UserJobs returns an owner's jobs, most recent first.
func UserJobs(db *gorm.DB, ownerID string) ([]models.BuildJob, error) {
	var jobs []models.BuildJob
	if err := db.Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("job: list for %s: %w", ownerID, err)
	}
	return jobs, nil
}

// NextQueued returns up to limit queued jobs in dispatch order.
func NextQueued(db *gorm.DB, limit int) ([]models.BuildJob, error) {
	var jobs []models.BuildJob
	if err := db.Where("status = ?", models.JobQueued).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("job: next queued: %w", err)
	}
	return jobs, nil
}

// QueueStats holds per-status job counts.
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Building  int64 `json:"building"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Stats returns job counts grouped by status.
func Stats(db *gorm.DB) (*QueueStats, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := db.Model(&models.BuildJob{}).
		Select("status, COUNT(*) as count").
		Group("status").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("job: stats: %w", err)
	}

	var stats QueueStats
	for _, r := range rows {
		switch r.Status {
		case models.JobQueued:
			stats.Queued = r.Count
		case models.JobBuilding:
			stats.Building = r.Count
		case models.JobRunning:
			stats.Running = r.Count
		case models.JobCompleted:
			stats.Completed = r.Count
		case models.JobFailed:
			stats.Failed = r.Count
		case models.JobCancelled:
			stats.Cancelled = r.Count
		}
	}
	return &stats, nil
}

// Count returns the total number of tracked jobs.
func Count(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(&models.BuildJob{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("job: count: %w", err)
	}
	return n, nil
}

// AppendLog appends one log line for a job. Lines are ordered by their
// autoincrement ID.
func AppendLog(db *gorm.DB, jobID, stage, content string) error {
	if content == "" {
		return nil
	}
	entry := models.JobLog{
		JobID:   jobID,
		Stage:   stage,
		Content: content,
	}
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("job: append log for %s: %w", jobID, err)
	}
	return nil
}

// Logs returns a job's log lines in append order.
func Logs(db *gorm.DB, jobID string) ([]models.JobLog, error) {
	var logs []models.JobLog
	if err := db.Where("job_id = ?", jobID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("job: logs for %s: %w", jobID, err)
	}
	return logs, nil
}
