// Package site provides website record operations.
package site

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/buildbay/internal/models"
	"gorm.io/gorm"
)

// Website status constants.
const (
	StatusUploaded = "uploaded"
	StatusBuilding = "building"
	StatusLive     = "live"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when a website does not exist.
var ErrNotFound = errors.New("site: not found")

// CreateOpts holds parameters for registering an uploaded website.
type CreateOpts struct {
	OwnerID    string
	Name       string
	ArchiveKey string
}

// Create registers a new website with a generated UUID.
func Create(db *gorm.DB, opts CreateOpts) (*models.Website, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("site: ownerID is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("site: name is required")
	}
	if opts.ArchiveKey == "" {
		return nil, fmt.Errorf("site: archiveKey is required")
	}

	w := models.Website{
		ID:         uuid.NewString(),
		OwnerID:    opts.OwnerID,
		Name:       opts.Name,
		ArchiveKey: opts.ArchiveKey,
		Status:     StatusUploaded,
	}
	if err := db.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("site: create: %w", err)
	}
	return &w, nil
}

// Get retrieves a website by ID.
func Get(db *gorm.DB, id string) (*models.Website, error) {
	var w models.Website
	if err := db.Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("site: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("site: get %s: %w", id, err)
	}
	return &w, nil
}

// Update modifies website fields.
func Update(db *gorm.DB, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := db.Model(&models.Website{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("site: update %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("site: %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListByOwner returns an owner's websites, most recent first.
func ListByOwner(db *gorm.DB, ownerID string) ([]models.Website, error) {
	var sites []models.Website
	if err := db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("site: list for %s: %w", ownerID, err)
	}
	return sites, nil
}
