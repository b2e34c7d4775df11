// Package builder implements the per-job build pipeline: staging, extraction,
// toolchain detection, install/typecheck/build, and preview-server supervision.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/buildbay/internal/filestore"
	"github.com/zulandar/buildbay/internal/job"
	"github.com/zulandar/buildbay/internal/models"
	"github.com/zulandar/buildbay/internal/ports"
	"github.com/zulandar/buildbay/internal/site"
	"gorm.io/gorm"
)

// Notifier publishes job-transition events. Terminal types must be delivered
// exactly once per job; the publisher enforces that, not the pipeline.
type Notifier interface {
	Publish(ownerID, jobID, websiteID, eventType, message string)
}

// Opts holds construction parameters for an Executor.
type Opts struct {
	DB           *gorm.DB
	Files        filestore.Store
	Pool         *ports.Pool
	Notifier     Notifier
	DataDir      string
	PreviewHost  string
	ServerPort   int // HTTP port used when synthesizing static preview URLs
	ReadyTimeout time.Duration
	StepTimeout  time.Duration
	Runner       CommandRunner // defaults to ExecRunner
	Spawn        SpawnFunc     // defaults to Spawn
	Out          io.Writer
}

// Executor runs build pipelines and supervises the preview processes they
// leave behind.
type Executor struct {
	db           *gorm.DB
	files        filestore.Store
	pool         *ports.Pool
	notifier     Notifier
	dataDir      string
	previewHost  string
	serverPort   int
	readyTimeout time.Duration
	stepTimeout  time.Duration
	runner       CommandRunner
	spawn        SpawnFunc
	out          io.Writer

	mu       sync.Mutex
	previews map[string]*livePreview
}

// livePreview tracks one running preview server.
type livePreview struct {
	proc PreviewProcess
	port int
}

// New creates an Executor.
func New(opts Opts) (*Executor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("builder: db is required")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("builder: file store is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("builder: port pool is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("builder: data dir is required")
	}
	if opts.PreviewHost == "" {
		opts.PreviewHost = "localhost"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Spawn == nil {
		opts.Spawn = Spawn
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	return &Executor{
		db:           opts.DB,
		files:        opts.Files,
		pool:         opts.Pool,
		notifier:     opts.Notifier,
		dataDir:      opts.DataDir,
		previewHost:  opts.PreviewHost,
		serverPort:   opts.ServerPort,
		readyTimeout: opts.ReadyTimeout,
		stepTimeout:  opts.StepTimeout,
		runner:       opts.Runner,
		spawn:        opts.Spawn,
		out:          opts.Out,
		previews:     make(map[string]*livePreview),
	}, nil
}

// StagingDir returns the isolated working directory for a job.
func (e *Executor) StagingDir(jobID string) string {
	return filepath.Join(e.dataDir, "staging", jobID)
}

// buildState carries the resources a pipeline has acquired so far, so the
// failure path can give them all back.
type buildState struct {
	dir  string
	port int // 0 = none allocated
	proc PreviewProcess
}

// Run executes the full pipeline for a dispatched job. Every failure inside
// the pipeline is converted into a failed job here; nothing propagates to the
// scheduler. Returns once the job is terminal or (for non-static projects)
// running with a supervised preview process.
func (e *Executor) Run(ctx context.Context, j *models.BuildJob) {
	if err := job.Start(e.db, j.ID); err != nil {
		// Cancelled (or otherwise moved on) before dispatch: nothing to do,
		// and in particular no process is ever spawned.
		return
	}
	site.Update(e.db, j.WebsiteID, map[string]interface{}{"status": site.StatusBuilding})
	e.publish(j, models.NotifyStarted, "Build started")

	st := &buildState{}
	err := e.build(ctx, j, st)
	if err == nil {
		return
	}

	e.releaseState(j.ID, st)

	if e.cancelled(ctx, j.ID) {
		fmt.Fprintf(e.out, "Job %s cancelled during build\n", j.ID)
		job.AppendLog(e.db, j.ID, "pipeline", "build cancelled")
		return
	}

	fmt.Fprintf(e.out, "Job %s failed: %v\n", j.ID, err)
	if ferr := job.Fail(e.db, j.ID, err.Error()); ferr != nil {
		log.Printf("builder: record failure for %s: %v", j.ID, ferr)
	}
	site.Update(e.db, j.WebsiteID, map[string]interface{}{"status": site.StatusFailed})
	e.publish(j, models.NotifyFailed, fmt.Sprintf("Build failed: %v", err))
}

// build walks the pipeline stages. Progress values are checkpoints; they only
// ever increase.
func (e *Executor) build(ctx context.Context, j *models.BuildJob, st *buildState) error {
	// Stage 1: staging directory.
	e.step(j.ID, 10, "Preparing workspace")
	st.dir = e.StagingDir(j.ID)
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("builder: create staging dir: %w", err)
	}

	// Stage 2: extract the uploaded archive.
	e.step(j.ID, 20, "Extracting files")
	w, err := site.Get(e.db, j.WebsiteID)
	if err != nil {
		return fmt.Errorf("builder: load website: %w", err)
	}
	content, err := e.files.GetContent(w.ArchiveKey)
	if err != nil {
		return fmt.Errorf("builder: fetch archive: %w", err)
	}
	files, err := filestore.ExtractArchive(content)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("builder: archive contains no files")
	}
	if err := filestore.WriteFiles(st.dir, files); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Stage 3: detect the toolchain.
	e.step(j.ID, 30, "Detecting project type")
	ptype, err := DetectProjectType(st.dir)
	if err != nil {
		return err
	}
	job.AppendLog(e.db, j.ID, "detect", "project type: "+ptype)
	site.Update(e.db, j.WebsiteID, map[string]interface{}{"project_type": ptype})

	if ptype == TypeStatic {
		return e.finishStatic(j, st)
	}

	// Stage 4: install dependencies.
	e.step(j.ID, 45, "Installing dependencies")
	if err := e.runStep(ctx, j.ID, st.dir, "install", "npm", "install"); err != nil {
		return err
	}

	// Stage 5: optional type check. Never fatal.
	e.step(j.ID, 55, "Type checking")
	e.typecheck(ctx, j.ID, st.dir)

	// Stage 6: build.
	e.step(j.ID, 70, "Building project")
	if err := e.runStep(ctx, j.ID, st.dir, "build", "npm", "run", "build"); err != nil {
		return err
	}

	// Stage 7: start the preview server.
	e.step(j.ID, 85, "Starting preview server")
	port, err := e.pool.Allocate()
	if err != nil {
		return err
	}
	st.port = port

	name, args := previewCommand(ptype, port)
	proc, err := e.spawn(ctx, e.db, SpawnOpts{JobID: j.ID, Dir: st.dir, Name: name, Args: args})
	if err != nil {
		return err
	}
	st.proc = proc

	if err := e.waitReady(ctx, proc); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d", e.previewHost, port)
	if err := job.MarkRunning(e.db, j.ID, port, url); err != nil {
		return err
	}
	e.step(j.ID, 95, "Preview running")

	// Stage 8: complete.
	if err := job.Complete(e.db, j.ID, url, &port); err != nil {
		return err
	}
	site.Update(e.db, j.WebsiteID, map[string]interface{}{
		"status":         site.StatusLive,
		"preview_url":    url,
		"allocated_port": port,
	})
	e.publish(j, models.NotifyCompleted, "Build completed, preview at "+url)
	fmt.Fprintf(e.out, "Job %s completed (%s on port %d)\n", j.ID, ptype, port)

	e.adopt(j, st)
	return nil
}

// finishStatic completes a static project: no install, no build, no process.
func (e *Executor) finishStatic(j *models.BuildJob, st *buildState) error {
	entry, err := findHTMLEntry(st.dir)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/preview/%s/%s", e.previewHost, e.serverPort, j.ID, entry)
	if err := job.Complete(e.db, j.ID, url, nil); err != nil {
		return err
	}
	site.Update(e.db, j.WebsiteID, map[string]interface{}{
		"status":      site.StatusLive,
		"preview_url": url,
	})
	e.publish(j, models.NotifyCompleted, "Build completed, preview at "+url)
	fmt.Fprintf(e.out, "Job %s completed (static)\n", j.ID)
	return nil
}

// findHTMLEntry locates the HTML entry file for a static project.
func findHTMLEntry(dir string) (string, error) {
	if fileExists(filepath.Join(dir, "index.html")) {
		return "index.html", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("builder: read staging dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".html" {
			return entry.Name(), nil
		}
	}
	return "", fmt.Errorf("builder: no HTML entry file found")
}

// typecheckCandidates returns the ordered type-check/lint commands to try.
func typecheckCandidates(dir string) [][]string {
	var cmds [][]string
	if fileExists(filepath.Join(dir, "tsconfig.json")) {
		cmds = append(cmds, []string{"npx", "tsc", "--noEmit"})
	}
	if m, err := loadManifest(dir); err == nil && m != nil {
		if m.hasScript("typecheck") {
			cmds = append(cmds, []string{"npm", "run", "typecheck"})
		}
		if m.hasScript("lint") {
			cmds = append(cmds, []string{"npm", "run", "lint"})
		}
	}
	return cmds
}

// typecheck tries each candidate command until one succeeds. Failures are
// logged and swallowed.
func (e *Executor) typecheck(ctx context.Context, jobID, dir string) {
	candidates := typecheckCandidates(dir)
	if len(candidates) == 0 {
		job.AppendLog(e.db, jobID, "typecheck", "no type-check command available, skipping")
		return
	}
	for _, cmd := range candidates {
		if err := e.runStep(ctx, jobID, dir, "typecheck", cmd[0], cmd[1:]...); err == nil {
			return
		}
	}
	job.AppendLog(e.db, jobID, "typecheck", "warning: all type-check commands failed, continuing")
}

// runStep executes one bounded subprocess step, capturing its output into the
// job's logs verbatim.
func (e *Executor) runStep(ctx context.Context, jobID, dir, stage, name string, args ...string) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	out, err := e.runner.Run(stepCtx, dir, name, args...)
	job.AppendLog(e.db, jobID, stage, string(out))
	if err != nil {
		return fmt.Errorf("builder: %s step (%s): %w", stage, name, err)
	}
	return nil
}

// waitReady blocks until the preview process signals readiness, exits, or the
// readiness timeout elapses.
func (e *Executor) waitReady(ctx context.Context, proc PreviewProcess) error {
	timer := time.NewTimer(e.readyTimeout)
	defer timer.Stop()

	select {
	case <-proc.Ready():
		return nil
	case err := <-proc.Done():
		return fmt.Errorf("builder: preview exited before ready: %w", exitErr(err))
	case <-timer.C:
		proc.Stop()
		return fmt.Errorf("builder: preview not ready after %s", e.readyTimeout)
	case <-ctx.Done():
		proc.Stop()
		return ctx.Err()
	}
}

// exitErr normalizes a nil exit error into something wrappable.
func exitErr(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

// previewCommand returns the preview server invocation for a project type,
// bound to all interfaces on the given port.
func previewCommand(ptype string, port int) (string, []string) {
	p := strconv.Itoa(port)
	switch ptype {
	case TypeNext:
		return "npx", []string{"next", "start", "-p", p, "-H", "0.0.0.0"}
	default: // vite, react
		return "npm", []string{"run", "preview", "--", "--port", p, "--host", "0.0.0.0"}
	}
}

// adopt registers a completed job's preview process for supervision. When the
// process exits the port goes back to the pool and the job's port column is
// cleared, keeping the port invariant intact.
func (e *Executor) adopt(j *models.BuildJob, st *buildState) {
	lp := &livePreview{proc: st.proc, port: st.port}
	e.mu.Lock()
	e.previews[j.ID] = lp
	e.mu.Unlock()

	go func() {
		<-st.proc.Done()
		e.mu.Lock()
		_, tracked := e.previews[j.ID]
		delete(e.previews, j.ID)
		e.mu.Unlock()
		if !tracked {
			return
		}
		e.pool.Release(lp.port)
		e.db.Model(&models.BuildJob{}).Where("id = ?", j.ID).Update("allocated_port", nil)
		site.Update(e.db, j.WebsiteID, map[string]interface{}{"allocated_port": nil})
		fmt.Fprintf(e.out, "Preview for job %s exited, port %d released\n", j.ID, lp.port)
	}()
}

// Cleanup tears down everything a job may still hold: the preview process,
// its port, and the staging directory. Idempotent and safe to call twice.
func (e *Executor) Cleanup(jobID string) {
	e.mu.Lock()
	lp, ok := e.previews[jobID]
	delete(e.previews, jobID)
	e.mu.Unlock()

	if ok {
		lp.proc.Stop()
		<-lp.proc.Done()
		e.pool.Release(lp.port)
		e.db.Model(&models.BuildJob{}).Where("id = ?", jobID).Update("allocated_port", nil)
	}

	if err := os.RemoveAll(e.StagingDir(jobID)); err != nil {
		log.Printf("builder: remove staging dir for %s: %v", jobID, err)
	}
}

// releaseState gives back resources acquired by a pipeline that did not
// complete. Mirrors Cleanup but works from in-flight state.
func (e *Executor) releaseState(jobID string, st *buildState) {
	if st.proc != nil {
		st.proc.Stop()
		<-st.proc.Done()
	}
	if st.port != 0 {
		e.pool.Release(st.port)
	}
	if st.dir != "" {
		if err := os.RemoveAll(st.dir); err != nil {
			log.Printf("builder: remove staging dir for %s: %v", jobID, err)
		}
	}
}

// ActivePreviews returns the number of supervised preview processes.
func (e *Executor) ActivePreviews() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.previews)
}

// Sweep removes staging directories left behind by failed or cancelled jobs.
// Directories for completed jobs stay: static previews are served from them
// and preview servers run inside them.
func (e *Executor) Sweep() {
	root := filepath.Join(e.dataDir, "staging")
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("builder: sweep read %s: %v", root, err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		j, err := job.Get(e.db, jobID)
		if err != nil || j.Status == models.JobFailed || j.Status == models.JobCancelled {
			if rmErr := os.RemoveAll(filepath.Join(root, jobID)); rmErr != nil {
				log.Printf("builder: sweep %s: %v", jobID, rmErr)
			} else {
				fmt.Fprintf(e.out, "Swept staging dir for %s\n", jobID)
			}
		}
	}
}

// step records a progress checkpoint.
func (e *Executor) step(jobID string, progress int, label string) {
	if err := job.UpdateProgress(e.db, jobID, progress, label); err != nil {
		log.Printf("builder: progress for %s: %v", jobID, err)
	}
}

// publish sends a notification if a notifier is configured.
func (e *Executor) publish(j *models.BuildJob, eventType, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(j.OwnerID, j.ID, j.WebsiteID, eventType, message)
}

// cancelled reports whether the pipeline stopped because the job was
// cancelled rather than because a stage failed.
func (e *Executor) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	j, err := job.Get(e.db, jobID)
	return err == nil && j.Status == models.JobCancelled
}
