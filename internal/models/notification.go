package models

import "time"

// Notification type constants, one per job-state transition of interest.
const (
	NotifyQueued    = "build_queued"
	NotifyStarted   = "build_started"
	NotifyCompleted = "build_completed"
	NotifyFailed    = "build_failed"
	NotifyCancelled = "build_cancelled"
)

// Notification records a job-state transition for an owner. Created once by
// the publisher; only the read flag and row existence are ever mutated.
type Notification struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OwnerID   string `gorm:"size:64;not null;index"`
	JobID     string `gorm:"size:32;not null;index"`
	WebsiteID string `gorm:"size:64"`
	Type      string `gorm:"size:32;not null"`
	Message   string `gorm:"size:256"`
	Read      bool   `gorm:"default:false;index"`
	CreatedAt time.Time
}
