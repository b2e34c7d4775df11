package models

import "time"

// BuildJob status constants.
const (
	JobQueued    = "queued"
	JobBuilding  = "building"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// BuildJob is the unit of work: one build-and-preview attempt for a website.
type BuildJob struct {
	ID               string `gorm:"primaryKey;size:32"`
	WebsiteID        string `gorm:"size:64;not null;index"`
	OwnerID          string `gorm:"size:64;not null;index"`
	Status           string `gorm:"size:16;default:queued;index"`
	Priority         int    `gorm:"default:0"`
	Progress         int    `gorm:"default:0"`
	CurrentStep      string `gorm:"size:128"`
	Error            string `gorm:"type:text"`
	AllocatedPort    *int
	PreviewURL       string `gorm:"size:256"`
	NotificationSent bool   `gorm:"default:false"`
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time

	Logs []JobLog `gorm:"foreignKey:JobID"`
}

// Terminal reports whether the job has reached a final state.
func (j *BuildJob) Terminal() bool {
	return TerminalStatus(j.Status)
}

// TerminalStatus reports whether the given status is final.
func TerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}

// JobLog is one append-only log line for a build job. The autoincrement ID
// provides the ordering guarantee.
type JobLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:32;not null;index"`
	Stage     string `gorm:"size:32"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}
