package site

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/buildbay/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with all required tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Website{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestCreate_Validation(t *testing.T) {
	db := testDB(t)

	tests := []struct {
		name string
		opts CreateOpts
	}{
		{"missing owner", CreateOpts{Name: "blog", ArchiveKey: "k"}},
		{"missing name", CreateOpts{OwnerID: "alice", ArchiveKey: "k"}},
		{"missing archive key", CreateOpts{OwnerID: "alice", Name: "blog"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Create(db, tt.opts); err == nil {
				t.Error("Create() succeeded, want error")
			}
		})
	}
}

func TestCreateGetUpdate(t *testing.T) {
	db := testDB(t)

	w, err := Create(db, CreateOpts{OwnerID: "alice", Name: "blog", ArchiveKey: "blog.zip"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if w.ID == "" {
		t.Fatal("Create() returned empty ID")
	}
	if w.Status != StatusUploaded {
		t.Errorf("Status = %q, want uploaded", w.Status)
	}

	if err := Update(db, w.ID, map[string]interface{}{
		"status":      StatusLive,
		"preview_url": "http://localhost:3000",
	}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := Get(db, w.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Status != StatusLive || got.PreviewURL != "http://localhost:3000" {
		t.Errorf("after update: status=%q url=%q", got.Status, got.PreviewURL)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := testDB(t)
	if _, err := Get(db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	db := testDB(t)
	err := Update(db, "missing", map[string]interface{}{"status": StatusFailed})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestListByOwner_Order(t *testing.T) {
	db := testDB(t)

	first, _ := Create(db, CreateOpts{OwnerID: "alice", Name: "one", ArchiveKey: "1.zip"})
	db.Model(&models.Website{}).Where("id = ?", first.ID).
		Update("created_at", time.Now().Add(-time.Hour))
	second, _ := Create(db, CreateOpts{OwnerID: "alice", Name: "two", ArchiveKey: "2.zip"})
	Create(db, CreateOpts{OwnerID: "bob", Name: "other", ArchiveKey: "3.zip"})

	sites, err := ListByOwner(db, "alice")
	if err != nil {
		t.Fatalf("ListByOwner() error: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("got %d sites, want 2", len(sites))
	}
	if sites[0].ID != second.ID {
		t.Errorf("first result = %q, want most recent %q", sites[0].ID, second.ID)
	}
}
