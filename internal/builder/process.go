package builder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zulandar/buildbay/internal/models"
	"gorm.io/gorm"
)

// DefaultFlushInterval is the interval between periodic log flushes for a
// supervised preview process.
const DefaultFlushInterval = 5 * time.Second

// readyMarkers are the output substrings (lowercased) that signal a preview
// server is accepting connections.
var readyMarkers = []string{
	"ready",
	"listening",
	"local:",
	"started server",
	"compiled successfully",
}

// PreviewProcess is a supervised long-running preview server.
type PreviewProcess interface {
	// Ready is closed once the process output matches a ready marker.
	Ready() <-chan struct{}
	// Done receives the process exit result, then is closed so that every
	// waiter unblocks.
	Done() <-chan error
	// Stop terminates the process. Safe to call more than once.
	Stop()
	// PID returns the OS process ID, for diagnostics.
	PID() int
}

// SpawnFunc starts a preview process. The Executor holds one so tests can
// substitute a fake.
type SpawnFunc func(ctx context.Context, db *gorm.DB, opts SpawnOpts) (PreviewProcess, error)

// SpawnOpts holds parameters for spawning a preview server.
type SpawnOpts struct {
	JobID string
	Dir   string
	Name  string
	Args  []string
}

// previewSession wraps a spawned preview server with log capture and
// readiness detection.
type previewSession struct {
	pid    int
	cancel context.CancelFunc
	waitCh chan error

	readyOnce sync.Once
	readyCh   chan struct{}
	stopOnce  sync.Once
}

// Spawn starts a preview server process. Its stdout and stderr are captured
// into the job's logs, flushed periodically, and scanned for ready markers.
func Spawn(ctx context.Context, db *gorm.DB, opts SpawnOpts) (PreviewProcess, error) {
	if opts.JobID == "" {
		return nil, fmt.Errorf("builder: jobID is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("builder: command name is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	s := &previewSession{
		cancel:  cancel,
		waitCh:  make(chan error, 1),
		readyCh: make(chan struct{}),
	}

	stdout := newLogWriter(db, opts.JobID, "preview")
	stderr := newLogWriter(db, opts.JobID, "preview")
	stdout.onWrite = s.scanReady
	stderr.onWrite = s.scanReady
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("builder: start preview: %w", err)
	}
	s.pid = cmd.Process.Pid

	// Flusher goroutines stop when the process exits.
	flushCtx, flushCancel := context.WithCancel(context.Background())
	startFlusher(flushCtx, stdout, DefaultFlushInterval)
	startFlusher(flushCtx, stderr, DefaultFlushInterval)

	go func() {
		waitErr := cmd.Wait()
		flushCancel()
		stdout.Close()
		stderr.Close()
		s.waitCh <- waitErr
		// Closed after the send so later waiters (cleanup paths) unblock
		// immediately instead of hanging on a drained channel.
		close(s.waitCh)
	}()

	return s, nil
}

func (s *previewSession) Ready() <-chan struct{} { return s.readyCh }
func (s *previewSession) Done() <-chan error     { return s.waitCh }
func (s *previewSession) PID() int               { return s.pid }

// Stop signals the process to terminate.
func (s *previewSession) Stop() {
	s.stopOnce.Do(s.cancel)
}

// scanReady checks a chunk of process output for a ready marker.
func (s *previewSession) scanReady(p []byte) {
	chunk := strings.ToLower(string(p))
	for _, marker := range readyMarkers {
		if strings.Contains(chunk, marker) {
			s.readyOnce.Do(func() { close(s.readyCh) })
			return
		}
	}
}

// logWriter buffers process output and periodically flushes it to job_logs.
type logWriter struct {
	jobID string
	stage string

	mu      sync.Mutex
	buf     bytes.Buffer
	writeFn func(models.JobLog) error
	onWrite func([]byte) // invoked on each Write, outside the flush path
}

// newLogWriter creates a logWriter that flushes via db.Create.
func newLogWriter(db *gorm.DB, jobID, stage string) *logWriter {
	return &logWriter{
		jobID: jobID,
		stage: stage,
		writeFn: func(entry models.JobLog) error {
			return db.Create(&entry).Error
		},
	}
}

// Write appends bytes to the internal buffer (implements io.Writer).
func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.buf.Write(p)
	w.mu.Unlock()
	if w.onWrite != nil {
		w.onWrite(p)
	}
	return n, err
}

// Flush writes accumulated buffer contents to job_logs and resets the buffer.
func (w *logWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() == 0 {
		return nil
	}
	content := w.buf.String()
	w.buf.Reset()

	return w.writeFn(models.JobLog{
		JobID:   w.jobID,
		Stage:   w.stage,
		Content: content,
	})
}

// Close performs a final flush.
func (w *logWriter) Close() error {
	return w.Flush()
}

// startFlusher launches a goroutine that periodically flushes the logWriter.
func startFlusher(ctx context.Context, w *logWriter, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			}
		}
	}()
}
