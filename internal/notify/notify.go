// Package notify records job-state transitions as durable notifications,
// streams them to live subscribers, and pushes them to external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/buildbay/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a notification does not exist.
var ErrNotFound = errors.New("notify: not found")

// sendTimeout bounds each external adapter delivery.
const sendTimeout = 10 * time.Second

// Adapter pushes a notification to an external channel (Slack, Discord,
// a shell command). Best-effort: the publisher logs failures and moves on.
type Adapter interface {
	Name() string
	Send(ctx context.Context, n models.Notification) error
}

// Publisher creates notification records and fans them out to the hub and
// any configured adapters.
type Publisher struct {
	db       *gorm.DB
	hub      *Hub
	adapters []Adapter
}

// NewPublisher creates a Publisher. The hub may be nil when no live
// subscribers are expected (CLI usage).
func NewPublisher(db *gorm.DB, hub *Hub, adapters ...Adapter) *Publisher {
	return &Publisher{db: db, hub: hub, adapters: adapters}
}

// terminalType reports whether an event type ends a job's lifecycle.
func terminalType(eventType string) bool {
	switch eventType {
	case models.NotifyCompleted, models.NotifyFailed, models.NotifyCancelled:
		return true
	}
	return false
}

// Publish records one notification and delivers it. For terminal event types
// the job's notification_sent flag is claimed first with a conditional update,
// so a job produces at most one terminal notification no matter how many
// paths race to report its end.
func (p *Publisher) Publish(ownerID, jobID, websiteID, eventType, message string) {
	if terminalType(eventType) {
		result := p.db.Model(&models.BuildJob{}).
			Where("id = ? AND notification_sent = ?", jobID, false).
			Update("notification_sent", true)
		if result.Error != nil {
			log.Printf("notify: claim terminal flag for %s: %v", jobID, result.Error)
			return
		}
		if result.RowsAffected == 0 {
			// Someone else already delivered the terminal notification.
			return
		}
	}

	n := models.Notification{
		OwnerID:   ownerID,
		JobID:     jobID,
		WebsiteID: websiteID,
		Type:      eventType,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := p.db.Create(&n).Error; err != nil {
		log.Printf("notify: record %s for %s: %v", eventType, jobID, err)
		return
	}

	if p.hub != nil {
		p.hub.Broadcast(n)
	}
	for _, a := range p.adapters {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := a.Send(ctx, n); err != nil {
			log.Printf("notify: %s delivery for %s: %v", a.Name(), jobID, err)
		}
		cancel()
	}
}

// List returns an owner's notifications, most recent first.
func List(db *gorm.DB, ownerID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var ns []models.Notification
	if err := db.Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&ns).Error; err != nil {
		return nil, fmt.Errorf("notify: list for %s: %w", ownerID, err)
	}
	return ns, nil
}

// Unread returns an owner's unread notifications, oldest first.
func Unread(db *gorm.DB, ownerID string) ([]models.Notification, error) {
	var ns []models.Notification
	if err := db.Where("owner_id = ? AND read = ?", ownerID, false).
		Order("created_at ASC, id ASC").Find(&ns).Error; err != nil {
		return nil, fmt.Errorf("notify: unread for %s: %w", ownerID, err)
	}
	return ns, nil
}

// UnreadCount returns the number of unread notifications for an owner.
func UnreadCount(db *gorm.DB, ownerID string) (int64, error) {
	var count int64
	if err := db.Model(&models.Notification{}).
		Where("owner_id = ? AND read = ?", ownerID, false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("notify: unread count for %s: %w", ownerID, err)
	}
	return count, nil
}

// MarkRead marks one notification read. The owner check keeps one owner from
// touching another's notifications.
func MarkRead(db *gorm.DB, id uint, ownerID string) error {
	result := db.Model(&models.Notification{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("notify: mark read %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notify: %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAllRead marks every unread notification for an owner read and returns
// how many were affected.
func MarkAllRead(db *gorm.DB, ownerID string) (int64, error) {
	result := db.Model(&models.Notification{}).
		Where("owner_id = ? AND read = ?", ownerID, false).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("notify: mark all read for %s: %w", ownerID, result.Error)
	}
	return result.RowsAffected, nil
}

// Delete removes one notification, owner-checked.
func Delete(db *gorm.DB, id uint, ownerID string) error {
	result := db.Where("id = ? AND owner_id = ?", id, ownerID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("notify: delete %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notify: %d: %w", id, ErrNotFound)
	}
	return nil
}
