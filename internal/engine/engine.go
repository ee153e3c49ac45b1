// Package engine owns the task registry and the acquisition pipeline: it
// accepts gallery URLs, drives each task through its lifecycle, and persists
// every state change so interrupted work survives a restart.
package engine

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/paperstream/paperstream/internal/archive"
	"github.com/paperstream/paperstream/internal/config"
	"github.com/paperstream/paperstream/internal/history"
	"github.com/paperstream/paperstream/internal/progress"
	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/task"
)

// Downloader is the slice of the network layer the engine streams images
// through.
type Downloader interface {
	Download(ctx context.Context, rawURL, referer string, headers map[string]string, w io.Writer) (int64, error)
}

// LoginOpener opens a visible browser session so the user can authenticate
// against a source, returning whether a session was established.
type LoginOpener interface {
	OpenLogin(ctx context.Context, familyKey string) (bool, error)
}

// SessionHeader exposes the current cookie header for a source group so a
// fresh login can be persisted.
type SessionHeader interface {
	Get(group string) (string, bool)
}

// runningTask pairs a task with the cancel handle of its pipeline goroutine.
type runningTask struct {
	task   *task.Task
	cancel context.CancelFunc
}

// Service is the task registry and orchestrator.
type Service struct {
	cfg      config.DownloadConfig
	sources  *source.Registry
	client   Downloader
	login    LoginOpener
	sessions SessionHeader
	history  *history.Service
	emitter  *progress.Emitter
	logger   zerolog.Logger

	slots *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*runningTask
	order []string

	startMu   sync.Mutex
	lastStart time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closing    bool
	wg         sync.WaitGroup
}

// NewService wires the engine. login and sessions may be nil; recovery steps
// that need them are skipped.
func NewService(cfg config.DownloadConfig, sources *source.Registry, client Downloader, login LoginOpener, sessions SessionHeader, hist *history.Service, emitter *progress.Emitter, logger zerolog.Logger) *Service {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		sources:    sources,
		client:     client,
		login:      login,
		sessions:   sessions,
		history:    hist,
		emitter:    emitter,
		logger:     logger.With().Str("component", "engine").Logger(),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		tasks:      make(map[string]*runningTask),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Add accepts a gallery URL, registers a task for it and starts the pipeline.
// Duplicate URLs, either live in the queue or already completed, are rejected.
func (s *Service) Add(ctx context.Context, rawURL string) (task.View, error) {
	adapter, err := s.sources.Resolve(rawURL)
	if err != nil {
		return task.View{}, err
	}

	done, err := s.history.HasCompleted(ctx, rawURL)
	if err != nil {
		return task.View{}, err
	}
	if done {
		return task.View{}, ErrDuplicate
	}

	// A provisional output-path check with the URL-derived name. The real
	// title is checked again once metadata resolves.
	if name := provisionalName(rawURL); name != "" {
		dest := archive.OutputPath(s.cfg.OutputRoot, name)
		if _, statErr := os.Stat(dest); statErr == nil {
			return task.View{}, &ConflictError{Path: dest}
		}
	}

	s.mu.Lock()
	for _, rt := range s.tasks {
		if rt.task.URL() == rawURL && !rt.task.Status().Terminal() {
			s.mu.Unlock()
			return task.View{}, ErrDuplicate
		}
	}
	t := task.New(rawURL, adapter.Key())
	s.tasks[t.ID()] = &runningTask{task: t}
	s.order = append(s.order, t.ID())
	s.mu.Unlock()

	t.Logf("accepted %s via %s", rawURL, adapter.Key())
	view := t.Snapshot()
	s.persist(t)
	s.emitter.TaskAdded(view)

	s.launch(t, adapter)
	return view, nil
}

// RestoreInterrupted re-queues tasks that were mid-flight when the process
// last stopped. Their download progress restarts from zero.
func (s *Service) RestoreInterrupted(ctx context.Context) (int, error) {
	records, err := s.history.ListInterrupted(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		adapter, err := s.sources.Resolve(rec.URL)
		if err != nil {
			s.logger.Warn().Str("url", rec.URL).Msg("Dropping interrupted record with no adapter")
			continue
		}

		t := task.Restore(rec.ID, rec.URL, rec.Source, rec.Title, task.StatusPending, task.Metadata{
			Title:       rec.Title,
			CoverURL:    rec.CoverURL,
			Artist:      rec.Artist,
			Parody:      rec.Parody,
			ContentType: rec.ContentType,
			Tags:        rec.Tags,
		}, task.Progress{}, rec.FilePath, "", rec.AddedAt, rec.Logs)

		s.mu.Lock()
		s.tasks[t.ID()] = &runningTask{task: t}
		s.order = append(s.order, t.ID())
		s.mu.Unlock()

		t.Logf("resumed after restart")
		s.emitter.TaskAdded(t.Snapshot())
		s.launch(t, adapter)
		restored++
	}

	if restored > 0 {
		s.logger.Info().Int("count", restored).Msg("Restored interrupted tasks")
	}
	return restored, nil
}

// launch starts the pipeline goroutine for a task.
func (s *Service) launch(t *task.Task, adapter source.Adapter) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	rt, ok := s.tasks[t.ID()]
	if !ok {
		s.mu.Unlock()
		cancel()
		return
	}
	rt.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, t, adapter)
	}()
}

// Cancel stops a live task. Terminal tasks cannot be cancelled.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	rt, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	if rt.task.Status().Terminal() {
		return ErrTaskFinished
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	return nil
}

// CancelAll stops every live task.
func (s *Service) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rt := range s.tasks {
		if !rt.task.Status().Terminal() && rt.cancel != nil {
			rt.cancel()
			n++
		}
	}
	return n
}

// Retry puts a failed or cancelled task back through the pipeline.
func (s *Service) Retry(id string) error {
	s.mu.Lock()
	rt, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	adapter, err := s.sources.Resolve(rt.task.URL())
	if err != nil {
		return err
	}
	if err := rt.task.ResetForRetry(); err != nil {
		return err
	}

	rt.task.Logf("retry requested")
	s.persist(rt.task)
	s.emitter.TaskUpdated(rt.task.Snapshot())
	s.launch(rt.task, adapter)
	return nil
}

// RetryAll retries every failed task in the queue.
func (s *Service) RetryAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id, rt := range s.tasks {
		if rt.task.Status() == task.StatusFailed {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := s.Retry(id); err == nil {
			n++
		}
	}
	return n
}

// Remove deletes a task outright: a live one is cancelled first, and its
// history record is removed.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	rt, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		s.removeFromOrder(id)
	}
	s.mu.Unlock()

	if ok && rt.cancel != nil && !rt.task.Status().Terminal() {
		rt.cancel()
	}

	if err := s.history.Delete(ctx, id); err != nil && err != history.ErrNotFound {
		return err
	}
	if !ok {
		return nil
	}
	s.emitter.TaskRemoved(id)
	return nil
}

// HideFromQueue drops a finished task from the visible queue while keeping
// its history record.
func (s *Service) HideFromQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	rt, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	if !rt.task.Status().Terminal() {
		return ErrTaskActive
	}

	if err := s.history.SetHidden(ctx, id, true); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tasks, id)
	s.removeFromOrder(id)
	s.mu.Unlock()

	s.emitter.TaskRemoved(id)
	return nil
}

// Queue returns snapshots of all registered tasks in insertion order.
func (s *Service) Queue() []task.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]task.View, 0, len(s.order))
	for _, id := range s.order {
		if rt, ok := s.tasks[id]; ok {
			views = append(views, rt.task.Snapshot())
		}
	}
	return views
}

// Get returns one task snapshot.
func (s *Service) Get(id string) (task.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tasks[id]
	if !ok {
		return task.View{}, ErrTaskNotFound
	}
	return rt.task.Snapshot(), nil
}

// TaskLogs returns the per-task log lines.
func (s *Service) TaskLogs(id string) ([]string, error) {
	s.mu.Lock()
	rt, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rt.task.Logs(), nil
}

// OpenLogin launches a visible browser for the source and persists the
// resulting session cookies on success.
func (s *Service) OpenLogin(ctx context.Context, sourceKey string) error {
	if _, ok := s.sources.Get(sourceKey); !ok {
		return source.ErrNoAdapter
	}
	if s.login == nil {
		return ErrLoginUnavailable
	}

	ok, err := s.login.OpenLogin(ctx, sourceKey)
	if err != nil {
		return err
	}
	if ok && s.sessions != nil {
		if header, found := s.sessions.Get(sourceKey); found {
			if err := s.history.SaveSession(ctx, sourceKey, header); err != nil {
				s.logger.Warn().Err(err).Str("source", sourceKey).Msg("Failed to persist session")
			}
		}
	}
	return nil
}

// Shutdown stops accepting work, interrupts running pipelines without marking
// them cancelled, and waits for them to persist their state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Service) isRegistered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// provisionalName derives a placeholder archive name from the URL, used for
// the acceptance-time conflict check before metadata resolves the real title.
func provisionalName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i]
		}
	}
	return ""
}

func (s *Service) removeFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// persist writes the task's current snapshot to history. Removed tasks are
// skipped so a racing pipeline goroutine cannot resurrect a deleted record.
func (s *Service) persist(t *task.Task) {
	if !s.isRegistered(t.ID()) {
		return
	}

	v := t.Snapshot()
	rec := history.Record{
		ID:               v.ID,
		URL:              v.URL,
		Title:            v.Title,
		Status:           string(v.Status),
		Source:           v.Source,
		CoverURL:         v.CoverURL,
		Artist:           v.Artist,
		Parody:           v.Parody,
		ContentType:      v.ContentType,
		Tags:             v.Tags,
		AddedAt:          v.AddedAt,
		CompletedAt:      v.CompletedAt,
		FilePath:         v.FilePath,
		ErrorMessage:     v.ErrorMessage,
		Logs:             t.Logs(),
		TotalImages:      v.Progress.Total,
		DownloadedImages: v.Progress.Current,
		ProgressPercent:  v.Progress.Percent,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Upsert(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("task", v.ID).Msg("Failed to persist task")
	}
}

// applyStartDelay spaces out consecutive pipeline starts so the engine never
// hammers a hostile site with simultaneous first requests.
func (s *Service) applyStartDelay(ctx context.Context) error {
	if s.cfg.StartDelay <= 0 {
		return nil
	}

	s.startMu.Lock()
	wait := s.cfg.StartDelay - time.Since(s.lastStart)
	if wait < 0 {
		wait = 0
	}
	s.lastStart = time.Now().Add(wait)
	s.startMu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
