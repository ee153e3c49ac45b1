package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paperstream/paperstream/internal/arbiter"
	"github.com/paperstream/paperstream/internal/archive"
	"github.com/paperstream/paperstream/internal/fetch"
	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/task"
)

// retryBackoff spaces out automatic retry attempts. Variable so tests can
// shorten it.
var retryBackoff = 5 * time.Second

// run drives one task to a terminal state, retrying recoverable failures up
// to the configured bound. The concurrency slot is taken before any work and
// held across retries, so parsing, verification and downloading all count
// against the ceiling.
func (s *Service) run(ctx context.Context, t *task.Task, adapter source.Adapter) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		if s.isClosing() {
			t.Logf("interrupted by shutdown")
			s.persist(t)
			return
		}
		t.Logf("cancelled by user")
		s.finish(t, task.StatusCancelled, "")
		return
	}
	defer s.slots.Release(1)

	ctx = fetch.WithChallengeNotify(ctx, s.solveStatusHook(t))

	maxAttempts := s.cfg.MaxRetries + 1
	loginTried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.pipeline(ctx, t, adapter)
		if err == nil {
			s.applyImportPolicy(t)
			s.finish(t, task.StatusCompleted, "")
			s.emitter.Toast("success", "Download complete", t.Snapshot().Title)
			return
		}

		// Interrupted by shutdown: leave the task mid-flight so it is
		// restored as pending on the next start.
		if errors.Is(err, context.Canceled) && s.isClosing() {
			t.Logf("interrupted by shutdown")
			s.persist(t)
			return
		}

		if errors.Is(err, context.Canceled) {
			t.Logf("cancelled by user")
			s.finish(t, task.StatusCancelled, "")
			return
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			t.Logf("filesystem conflict: %s", conflict.Path)
			s.finish(t, task.StatusFailed, conflict.Error())
			s.emitter.Toast("error", "Download failed", conflict.Error())
			return
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			t.Logf("unrecoverable failure: %v", fatal)
			s.finish(t, task.StatusFailed, fatal.Error())
			s.emitter.Toast("error", "Download failed", fatal.Error())
			return
		}

		// A rejected session gets one interactive login before the
		// attempt is repeated. The login itself does not consume an
		// attempt.
		var authErr *source.AuthRequiredError
		if errors.As(err, &authErr) && s.login != nil && !loginTried {
			loginTried = true
			t.Logf("login required for %s, opening browser", authErr.Source)
			if verErr := t.SetStatus(task.StatusVerification); verErr == nil {
				s.persist(t)
				s.emitter.TaskUpdated(t.Snapshot())
			}
			if ok, loginErr := s.login.OpenLogin(ctx, authErr.Source); loginErr == nil && ok {
				t.Logf("login session established")
				attempt--
				continue
			}
			t.Logf("login was not completed")
		}

		if attempt < maxAttempts {
			t.Logf("attempt %d failed: %v, retrying", attempt, err)
			if err := s.reverify(ctx, t); err != nil {
				s.finish(t, task.StatusCancelled, "")
				return
			}
			continue
		}

		t.Logf("failed after %d attempts: %v", maxAttempts, err)
		s.finish(t, task.StatusFailed, err.Error())
		s.emitter.Toast("error", "Download failed", err.Error())
		return
	}
}

// solveStatusHook flips the task into verification while the challenge
// solver runs inside the fetch chain and restores the prior state once the
// solve finishes. Concurrent solves nest.
func (s *Service) solveStatusHook(t *task.Task) func(bool) {
	var mu sync.Mutex
	var depth int
	var resume task.Status
	return func(active bool) {
		mu.Lock()
		defer mu.Unlock()
		if active {
			depth++
			if depth > 1 {
				return
			}
			resume = t.Status()
			if err := t.SetStatus(task.StatusVerification); err != nil {
				return
			}
			t.Logf("challenge solver engaged")
		} else {
			depth--
			if depth > 0 {
				return
			}
			if err := t.SetStatus(resume); err != nil {
				return
			}
		}
		s.persist(t)
		s.emitter.TaskUpdated(t.Snapshot())
	}
}

// applyImportPolicy enforces the strict-import setting on a finished task: a
// content type never seen among completed records is cleared instead of
// creating a new taxonomy entry.
func (s *Service) applyImportPolicy(t *task.Task) {
	if !s.cfg.StrictImport {
		return
	}
	ct := t.Snapshot().ContentType
	if ct == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	known, err := s.history.HasContentType(ctx, ct)
	if err != nil {
		s.logger.Warn().Err(err).Str("task", t.ID()).Msg("Import policy check failed")
		return
	}
	if !known {
		t.SetContentType("")
		t.Logf("content type %q is new to the library, dropped by strict import", ct)
	}
}

// reverify parks the task in the verification state for the retry backoff.
func (s *Service) reverify(ctx context.Context, t *task.Task) error {
	if err := t.SetStatus(task.StatusVerification); err != nil {
		return err
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	timer := time.NewTimer(retryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves the task to a terminal state and persists the outcome.
func (s *Service) finish(t *task.Task, status task.Status, errMsg string) {
	if errMsg != "" {
		t.SetError(errMsg)
	}
	if err := t.SetStatus(status); err != nil {
		s.logger.Error().Err(err).Str("task", t.ID()).Msg("Terminal transition rejected")
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())
}

// pipeline executes one full acquisition attempt: metadata, image list,
// download pool, packaging.
func (s *Service) pipeline(ctx context.Context, t *task.Task, adapter source.Adapter) error {
	if err := t.SetStatus(task.StatusParsing); err != nil {
		return err
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	t.Logf("resolving metadata")
	meta, err := adapter.Metadata(ctx, t.URL())
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	t.SetMetadata(task.Metadata{
		Title:       meta.Title,
		CoverURL:    meta.CoverURL,
		Artist:      meta.Artist,
		Parody:      meta.Parody,
		ContentType: meta.ContentType,
		Tags:        meta.Tags,
		PageCount:   meta.PageCount,
	})
	t.Logf("resolved %q, %d pages", meta.Title, meta.PageCount)
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	// With the real title known the output path is fixed; an existing
	// archive there is a hard stop.
	dest := archive.OutputPath(s.cfg.OutputRoot, meta.Title)
	if _, statErr := os.Stat(dest); statErr == nil {
		return &ConflictError{Path: dest}
	}

	candidates, err := adapter.Images(ctx, t.URL())
	if err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	if len(candidates) == 0 {
		return &source.ParseError{Source: adapter.Key(), URL: t.URL(), Reason: "no images found"}
	}

	candidates = s.arbitrate(ctx, t, adapter, candidates)
	t.SetTotal(len(candidates))

	// The inter-task start delay is served in pending.
	if err := t.SetStatus(task.StatusPending); err != nil {
		return err
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	if err := s.applyStartDelay(ctx); err != nil {
		return err
	}

	if err := t.SetStatus(task.StatusDownloading); err != nil {
		return err
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	staging := filepath.Join(s.cfg.OutputRoot, ".staging", t.ID())
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := s.downloadAll(ctx, t, adapter, candidates, staging); err != nil {
		return err
	}
	v := t.Snapshot()
	t.Logf("downloaded %d pages, %s total", v.Progress.Current, humanize.Bytes(uint64(v.BytesTotal)))

	if err := t.SetStatus(task.StatusZipping); err != nil {
		return err
	}
	s.persist(t)
	s.emitter.TaskUpdated(t.Snapshot())

	t.Logf("packaging archive")
	if err := archive.Pack(ctx, staging, dest); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Packaging failures are local and deterministic, retrying the
		// whole pipeline will not fix them.
		return &fatalError{err: fmt.Errorf("packaging: %w", err)}
	}
	t.SetFilePath(dest)
	t.Logf("archive written to %s", dest)
	return nil
}

// arbitrate upgrades candidates from the source's mirror when the mirror
// carries higher-fidelity versions. Arbitration is best effort and never
// fails the task.
func (s *Service) arbitrate(ctx context.Context, t *task.Task, adapter source.Adapter, candidates []source.ImageCandidate) []source.ImageCandidate {
	mirrored, ok := adapter.(source.Mirrored)
	if !ok {
		return candidates
	}
	catalogID, ok := mirrored.CatalogID(t.URL())
	if !ok {
		return candidates
	}
	mirror, ok := s.sources.Get(mirrored.MirrorKey())
	if !ok {
		return candidates
	}
	lister, ok := mirror.(source.CatalogLister)
	if !ok {
		return candidates
	}

	secondary, err := lister.ImagesByCatalogID(ctx, catalogID)
	if err != nil {
		t.Logf("mirror %s unavailable, keeping primary images", mirrored.MirrorKey())
		s.logger.Debug().Err(err).Str("mirror", mirrored.MirrorKey()).Msg("Arbitration skipped")
		return candidates
	}

	merged := arbiter.Merge(candidates, secondary, s.logger)
	upgraded := 0
	for i := range merged {
		if merged[i].URL != candidates[i].URL {
			upgraded++
		}
	}
	if upgraded > 0 {
		t.Logf("arbitration upgraded %d of %d pages via %s", upgraded, len(merged), mirrored.MirrorKey())
	}
	return merged
}
