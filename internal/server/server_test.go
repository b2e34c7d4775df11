package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/buildbay/internal/filestore"
	"github.com/zulandar/buildbay/internal/job"
	"github.com/zulandar/buildbay/internal/models"
	"github.com/zulandar/buildbay/internal/notify"
	"github.com/zulandar/buildbay/internal/ports"
	"github.com/zulandar/buildbay/internal/scheduler"
	"github.com/zulandar/buildbay/internal/site"
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
	if err := db.AutoMigrate(&models.Website{}, &models.BuildJob{}, &models.JobLog{}, &models.Notification{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	// In-memory SQLite is per-connection; pin the pool to one so worker
	// goroutines see the same database.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return db
}

// blockingExecutor claims dispatched jobs and parks them until their context
// is cancelled, so queued jobs stay queued during a test.
type blockingExecutor struct {
	db *gorm.DB
}

func (e *blockingExecutor) Run(ctx context.Context, j *models.BuildJob) {
	if err := job.Start(e.db, j.ID); err != nil {
		return
	}
	<-ctx.Done()
}

func (e *blockingExecutor) Cleanup(string)     {}
func (e *blockingExecutor) Sweep()             {}
func (e *blockingExecutor) ActivePreviews() int { return 0 }

type testServer struct {
	router      *gin.Engine
	db          *gorm.DB
	hub         *notify.Hub
	stagingRoot string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testDB(t)
	pool, err := ports.NewPool(3000, 3009)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	hub := notify.NewHub()
	sched, err := scheduler.New(scheduler.Opts{
		DB:            db,
		Exec:          &blockingExecutor{db: db},
		Pool:          pool,
		Notifier:      notify.NewPublisher(db, hub),
		MaxConcurrent: 1,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	stagingRoot := t.TempDir()
	files, err := filestore.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}

	router, err := NewRouter(StartOpts{
		DB:          db,
		Sched:       sched,
		Hub:         hub,
		Files:       files,
		StagingRoot: stagingRoot,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return &testServer{router: router, db: db, hub: hub, stagingRoot: stagingRoot}
}

// do performs a request as the given owner and returns the recorder.
func (ts *testServer) do(method, path, owner string, body []byte, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) doJSON(method, path, owner string, payload any) *httptest.ResponseRecorder {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	return ts.do(method, path, owner, body, "application/json")
}

// uploadArchive posts a zip via multipart and returns the created website ID.
func (ts *testServer) uploadArchive(t *testing.T, owner, name string, files map[string]string) string {
	t.Helper()
	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	for fname, content := range files {
		f, _ := zw.Create(fname)
		fmt.Fprint(f, content)
	}
	zw.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", name)
	fw, _ := mw.CreateFormFile("archive", "site.zip")
	fw.Write(zbuf.Bytes())
	mw.Close()

	rec := ts.do(http.MethodPost, "/api/websites", owner, buf.Bytes(), mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rec.Code, rec.Body.String())
	}
	var w models.Website
	if err := json.Unmarshal(rec.Body.Bytes(), &w); err != nil {
		t.Fatalf("decode website: %v", err)
	}
	return w.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRequireOwnerHeader(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/jobs", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d without owner header, want 401", rec.Code)
	}
}

func TestUploadWebsite(t *testing.T) {
	ts := newTestServer(t)
	id := ts.uploadArchive(t, "alice", "demo", map[string]string{"index.html": "<html></html>"})

	w, err := site.Get(ts.db, id)
	if err != nil {
		t.Fatalf("site.Get: %v", err)
	}
	if w.OwnerID != "alice" || w.Status != site.StatusUploaded {
		t.Errorf("website = %+v, want alice/uploaded", w)
	}

	// List shows it; other owners see nothing.
	rec := ts.do(http.MethodGet, "/api/websites", "alice", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), id) {
		t.Errorf("list = %d %s, want website included", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodGet, "/api/websites/"+id, "bob", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner get = %d, want 404", rec.Code)
	}
}

func TestUploadValidation(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "demo")
	mw.Close()
	rec := ts.do(http.MethodPost, "/api/websites", "alice", buf.Bytes(), mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing archive = %d, want 400", rec.Code)
	}
}

func TestEnqueueAndStatus(t *testing.T) {
	ts := newTestServer(t)
	webID := ts.uploadArchive(t, "alice", "demo", map[string]string{"index.html": "x"})

	rec := ts.doJSON(http.MethodPost, "/api/jobs", "alice", gin.H{"websiteId": webID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp.JobID, "job-") {
		t.Fatalf("jobId = %q, want job-xxxxxxxx", resp.JobID)
	}

	rec = ts.do(http.MethodGet, "/api/jobs/"+resp.JobID, "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get job = %d", rec.Code)
	}
	rec = ts.do(http.MethodGet, "/api/jobs/"+resp.JobID, "bob", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner get job = %d, want 404", rec.Code)
	}

	// Enqueue for a website the caller does not own.
	rec = ts.doJSON(http.MethodPost, "/api/jobs", "bob", gin.H{"websiteId": webID})
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner enqueue = %d, want 404", rec.Code)
	}
	// Missing body.
	rec = ts.doJSON(http.MethodPost, "/api/jobs", "alice", gin.H{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty enqueue = %d, want 400", rec.Code)
	}
}

func TestQueuePositionAndCancel(t *testing.T) {
	ts := newTestServer(t)
	webID := ts.uploadArchive(t, "alice", "demo", map[string]string{"index.html": "x"})

	// First job occupies the single worker; second waits in the queue.
	first := ts.doJSON(http.MethodPost, "/api/jobs", "alice", gin.H{"websiteId": webID})
	var firstResp struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	waitFor(t, "first job dispatched", func() bool {
		j, err := job.Get(ts.db, firstResp.JobID)
		return err == nil && j.Status == models.JobBuilding
	})

	second := ts.doJSON(http.MethodPost, "/api/jobs", "alice", gin.H{"websiteId": webID})
	var secondResp struct {
		JobID         string `json:"jobId"`
		QueuePosition int    `json:"queuePosition"`
	}
	json.Unmarshal(second.Body.Bytes(), &secondResp)
	if secondResp.QueuePosition != 0 {
		t.Errorf("queuePosition = %d, want 0 (next to run)", secondResp.QueuePosition)
	}

	rec := ts.do(http.MethodGet, "/api/jobs/"+secondResp.JobID+"/position", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("position = %d: %s", rec.Code, rec.Body.String())
	}

	// Cancel the queued job; it must never dispatch.
	rec = ts.do(http.MethodDelete, "/api/jobs/"+secondResp.JobID, "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", rec.Code, rec.Body.String())
	}
	j, _ := job.Get(ts.db, secondResp.JobID)
	if j.Status != models.JobCancelled {
		t.Errorf("status = %q, want cancelled", j.Status)
	}

	// Cancelling again conflicts.
	rec = ts.do(http.MethodDelete, "/api/jobs/"+secondResp.JobID, "alice", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("double cancel = %d, want 409", rec.Code)
	}
	// Position of a non-queued job conflicts.
	rec = ts.do(http.MethodGet, "/api/jobs/"+secondResp.JobID+"/position", "alice", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("position of cancelled job = %d, want 409", rec.Code)
	}
}

func TestRetry(t *testing.T) {
	ts := newTestServer(t)
	j, _ := job.Enqueue(ts.db, "web-1", "alice", job.EnqueueOpts{})
	job.Start(ts.db, j.ID)
	job.Fail(ts.db, j.ID, "boom")

	rec := ts.do(http.MethodPost, "/api/jobs/"+j.ID+"/retry", "alice", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry = %d: %s", rec.Code, rec.Body.String())
	}

	// Retrying a non-failed job conflicts.
	q, _ := job.Enqueue(ts.db, "web-1", "alice", job.EnqueueOpts{})
	rec = ts.do(http.MethodPost, "/api/jobs/"+q.ID+"/retry", "alice", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("retry queued = %d, want 409", rec.Code)
	}
}

func TestJobLogs(t *testing.T) {
	ts := newTestServer(t)
	j, _ := job.Enqueue(ts.db, "web-1", "alice", job.EnqueueOpts{})
	job.AppendLog(ts.db, j.ID, "install", "added 42 packages")

	rec := ts.do(http.MethodGet, "/api/jobs/"+j.ID+"/logs", "alice", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "42 packages") {
		t.Errorf("logs = %d %s", rec.Code, rec.Body.String())
	}
}

func TestQueueStatsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	job.Enqueue(ts.db, "web-1", "alice", job.EnqueueOpts{})

	rec := ts.do(http.MethodGet, "/api/queue/stats", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var stats job.QueueStats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Queued < 1 {
		t.Errorf("stats.Queued = %d, want >= 1", stats.Queued)
	}

	rec = ts.do(http.MethodGet, "/api/queue/health", "alice", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodPost, "/api/queue/trigger", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("trigger = %d", rec.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	p := notify.NewPublisher(ts.db, nil)
	j, _ := job.Enqueue(ts.db, "web-1", "alice", job.EnqueueOpts{})
	p.Publish("alice", j.ID, "web-1", models.NotifyStarted, "started")

	rec := ts.do(http.MethodGet, "/api/notifications", "alice", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "build_started") {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/notifications/unread/count", "alice", nil, "")
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("unread count = %s, want 1", rec.Body.String())
	}

	var listResp struct {
		Notifications []models.Notification `json:"notifications"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	rec = ts.do(http.MethodGet, "/api/notifications/unread", "alice", nil, "")
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if len(listResp.Notifications) != 1 {
		t.Fatalf("unread = %d items, want 1", len(listResp.Notifications))
	}
	nid := listResp.Notifications[0].ID

	rec = ts.do(http.MethodPost, fmt.Sprintf("/api/notifications/%d/read", nid), "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("mark read = %d", rec.Code)
	}
	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/notifications/%d", nid), "bob", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-owner delete = %d, want 404", rec.Code)
	}
	rec = ts.do(http.MethodDelete, fmt.Sprintf("/api/notifications/%d", nid), "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/api/notifications/read-all", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("read-all = %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("X-Owner-ID", "alice")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ts.router.ServeHTTP(rec, req)
		close(done)
	}()

	waitFor(t, "subscription", func() bool { return ts.hub.Subscribers("alice") == 1 })
	ts.hub.Broadcast(models.Notification{OwnerID: "alice", JobID: "job-1", Type: models.NotifyCompleted})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("stream missing connected event: %s", body)
	}
	if !strings.Contains(body, "build_completed") {
		t.Errorf("stream missing broadcast notification: %s", body)
	}
}

func TestPreviewServing(t *testing.T) {
	ts := newTestServer(t)
	dir := filepath.Join(ts.stagingRoot, "job-abc12345")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hello</html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := ts.do(http.MethodGet, "/preview/job-abc12345/index.html", "", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hello") {
		t.Errorf("preview = %d %s", rec.Code, rec.Body.String())
	}

	// Bare job root falls back to index.html.
	rec = ts.do(http.MethodGet, "/preview/job-abc12345/", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("preview root = %d, want index fallback", rec.Code)
	}

	rec = ts.do(http.MethodGet, "/preview/job-missing1/index.html", "", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing preview = %d, want 404", rec.Code)
	}
}
