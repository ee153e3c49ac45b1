package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paperstream/paperstream/internal/progress"
	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/task"
)

// speedSampleInterval is how often the transfer rate is recomputed.
const speedSampleInterval = time.Second

// downloadAll streams every candidate into the staging directory using a
// worker pool sized by the source. The first exhausted candidate aborts the
// whole pool.
func (s *Service) downloadAll(ctx context.Context, t *task.Task, adapter source.Adapter, candidates []source.ImageCandidate, staging string) error {
	workers := adapter.Concurrency()
	if workers <= 0 {
		workers = 1
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samplerDone := s.startSpeedSampler(ctx, t)

	jobs := make(chan source.ImageCandidate)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if err := s.fetchCandidate(ctx, t, adapter, c, staging); err != nil {
					fail(err)
					return
				}
				t.IncrementDone()
				s.previewFrame(t, false)
			}
		}()
	}

feed:
	for _, c := range candidates {
		select {
		case jobs <- c:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	poolErr := ctx.Err()
	cancel()
	<-samplerDone

	if firstErr == nil && poolErr != nil {
		firstErr = poolErr
	}
	if firstErr != nil {
		return firstErr
	}

	t.SetSpeed(0)
	s.previewFrame(t, true)
	return nil
}

// fetchCandidate downloads one page, walking the candidate's fallback chain:
// primary URL, then explicit fallback, then a one-shot re-derived URL for
// sources whose links expire.
func (s *Service) fetchCandidate(ctx context.Context, t *task.Task, adapter source.Adapter, c source.ImageCandidate, staging string) error {
	var lastErr error
	for _, u := range candidateURLs(c) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.downloadTo(ctx, t, u, c, staging)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if refresher, ok := adapter.(source.Refresher); ok && c.PageURL != "" {
		t.Logf("page %d links dead, re-deriving from source", c.Index+1)
		fresh, err := refresher.RefreshImage(ctx, c.PageURL)
		if err == nil {
			fresh.Index = c.Index
			if fresh.Headers == nil {
				fresh.Headers = c.Headers
			}
			for _, u := range candidateURLs(*fresh) {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.downloadTo(ctx, t, u, *fresh, staging); err == nil {
					return nil
				} else {
					lastErr = err
				}
			}
		} else {
			lastErr = err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("page %d exhausted all candidates: %w", c.Index+1, lastErr)
}

// downloadTo streams one URL into its ordinal-numbered page file.
func (s *Service) downloadTo(ctx context.Context, t *task.Task, rawURL string, c source.ImageCandidate, staging string) error {
	path := filepath.Join(staging, pageFileName(c.Index, rawURL))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	n, err := s.client.Download(ctx, rawURL, c.Headers["Referer"], c.Headers, f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	t.AddBytes(n)
	return nil
}

func candidateURLs(c source.ImageCandidate) []string {
	urls := make([]string, 0, 2)
	if c.URL != "" {
		urls = append(urls, c.URL)
	}
	if c.FallbackURL != "" && c.FallbackURL != c.URL {
		urls = append(urls, c.FallbackURL)
	}
	return urls
}

// pageFileName builds the fixed ordinal name for a page so archive order
// matches gallery order regardless of download completion order.
func pageFileName(index int, rawURL string) string {
	ext := strings.ToLower(filepath.Ext(rawURL))
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif":
	default:
		ext = ".jpg"
	}
	return fmt.Sprintf("%04d%s", index+1, ext)
}

// startSpeedSampler recomputes the task's transfer rate once a second while
// the pool runs and pushes throttled preview frames.
func (s *Service) startSpeedSampler(ctx context.Context, t *task.Task) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(speedSampleInterval)
		defer ticker.Stop()

		last := t.Snapshot().BytesTotal
		lastAt := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cur := t.Snapshot().BytesTotal
				elapsed := now.Sub(lastAt).Seconds()
				if elapsed <= 0 {
					continue
				}
				t.SetSpeed(int64(float64(cur-last) / elapsed))
				last = cur
				lastAt = now
				s.previewFrame(t, false)
			}
		}
	}()
	return done
}

func (s *Service) previewFrame(t *task.Task, force bool) {
	v := t.Snapshot()
	s.emitter.Previewed(progress.Preview{
		ID:             v.ID,
		Downloaded:     v.Progress.Current,
		Total:          v.Progress.Total,
		Percent:        v.Progress.Percent,
		BytesPerSecond: v.Speed,
	}, force)
}
