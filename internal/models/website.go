package models

import "time"

// Website represents an uploaded web project.
type Website struct {
	ID            string `gorm:"primaryKey;size:64"`
	OwnerID       string `gorm:"size:64;not null;index"`
	Name          string `gorm:"size:128;not null"`
	ArchiveKey    string `gorm:"size:128"`
	ProjectType   string `gorm:"size:16"`
	Status        string `gorm:"size:16;default:uploaded"`
	PreviewURL    string `gorm:"size:256"`
	AllocatedPort *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
