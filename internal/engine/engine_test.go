package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/archive"
	"github.com/paperstream/paperstream/internal/config"
	"github.com/paperstream/paperstream/internal/history"
	"github.com/paperstream/paperstream/internal/progress"
	"github.com/paperstream/paperstream/internal/source"
	"github.com/paperstream/paperstream/internal/task"
	"github.com/paperstream/paperstream/internal/testutil"
)

// fakeAdapter is a scriptable source adapter.
type fakeAdapter struct {
	key      string
	match    string
	meta     *source.Metadata
	titles   map[string]string // optional per-URL title override
	metaErr  error
	images   []source.ImageCandidate
	imageErr error
	refresh  func(pageURL string) (*source.ImageCandidate, error)

	mu        sync.Mutex
	metaCalls int
}

func (f *fakeAdapter) Key() string { return f.key }

func (f *fakeAdapter) Matches(rawURL string) bool {
	return len(rawURL) >= len(f.match) && rawURL[:len(f.match)] == f.match
}

func (f *fakeAdapter) Metadata(ctx context.Context, rawURL string) (*source.Metadata, error) {
	f.mu.Lock()
	f.metaCalls++
	f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	m := *f.meta
	if title, ok := f.titles[rawURL]; ok {
		m.Title = title
	}
	return &m, nil
}

func (f *fakeAdapter) Images(ctx context.Context, rawURL string) ([]source.ImageCandidate, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.images, nil
}

func (f *fakeAdapter) Concurrency() int { return 2 }

func (f *fakeAdapter) RefreshImage(ctx context.Context, pageURL string) (*source.ImageCandidate, error) {
	if f.refresh == nil {
		return nil, errors.New("no refresh")
	}
	return f.refresh(pageURL)
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls
}

// fakeClient serves canned payloads by URL and fails everything else.
type fakeClient struct {
	mu      sync.Mutex
	payload map[string][]byte
	block   chan struct{} // when set, Download waits for ctx or close
	hits    map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{payload: make(map[string][]byte), hits: make(map[string]int)}
}

func (c *fakeClient) serve(url string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload[url] = body
}

func (c *fakeClient) Download(ctx context.Context, rawURL, referer string, headers map[string]string, w io.Writer) (int64, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	c.mu.Lock()
	c.hits[rawURL]++
	body, ok := c.payload[rawURL]
	c.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("404 for %s", rawURL)
	}
	n, err := w.Write(body)
	return int64(n), err
}

func (c *fakeClient) hitCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[url]
}

func testConfig(t *testing.T) config.DownloadConfig {
	return config.DownloadConfig{
		OutputRoot:         t.TempDir(),
		MaxConcurrentTasks: 2,
		StartDelay:         0,
		MaxRetries:         1,
		MaxHistoryItems:    50,
	}
}

func newEngine(t *testing.T, cfg config.DownloadConfig, client Downloader, adapters ...source.Adapter) (*Service, *history.Service) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	hist := history.NewService(tdb.Conn, nil, testutil.NopLogger())
	emitter := progress.NewEmitter(nil, testutil.NopLogger())
	svc := NewService(cfg, source.NewRegistry(adapters...), client, nil, nil, hist, emitter, testutil.NopLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, hist
}

func waitForStatus(t *testing.T, svc *Service, id string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := svc.Get(id)
		return err == nil && v.Status == want
	}, 10*time.Second, 20*time.Millisecond, "task never reached %s", want)
}

func galleryAdapter(pages int) (*fakeAdapter, *fakeClient) {
	client := newFakeClient()
	candidates := make([]source.ImageCandidate, pages)
	for i := 0; i < pages; i++ {
		url := fmt.Sprintf("https://img.test/%d.jpg", i+1)
		client.serve(url, []byte("image-data-"+fmt.Sprint(i+1)))
		candidates[i] = source.ImageCandidate{URL: url, Index: i}
	}
	adapter := &fakeAdapter{
		key:    "fake",
		match:  "https://fake.test/",
		meta:   &source.Metadata{Title: "Sample Gallery", PageCount: pages, Tags: []string{"color"}},
		images: candidates,
	}
	return adapter, client
}

func TestAddRunsFullPipeline(t *testing.T) {
	adapter, client := galleryAdapter(4)
	svc, hist := newEngine(t, testConfig(t), client, adapter)

	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, view.Status)

	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	final, err := svc.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sample Gallery", final.Title)
	assert.Equal(t, 4, final.Progress.Current)
	assert.InDelta(t, 100, final.Progress.Percent, 0.01)
	assert.Greater(t, final.BytesTotal, int64(0))

	// Archive landed at the canonical path.
	assert.FileExists(t, final.FilePath)
	assert.Equal(t, archive.OutputPath(svc.cfg.OutputRoot, "Sample Gallery"), final.FilePath)

	// Persisted record reflects completion.
	rec, err := hist.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.NotNil(t, rec.CompletedAt)
}

func TestAddRejectsUnknownURL(t *testing.T) {
	adapter, client := galleryAdapter(1)
	svc, _ := newEngine(t, testConfig(t), client, adapter)

	_, err := svc.Add(context.Background(), "https://elsewhere.test/g/1")
	require.ErrorIs(t, err, source.ErrNoAdapter)
}

func TestAddRejectsDuplicates(t *testing.T) {
	adapter, client := galleryAdapter(2)
	svc, hist := newEngine(t, testConfig(t), client, adapter)
	ctx := context.Background()

	// Live duplicate: block downloads so the first task stays active.
	client.block = make(chan struct{})
	view, err := svc.Add(ctx, "https://fake.test/g/1")
	require.NoError(t, err)

	_, err = svc.Add(ctx, "https://fake.test/g/1")
	require.ErrorIs(t, err, ErrDuplicate)

	close(client.block)
	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	// Completed duplicate: rejected via history even after queue removal.
	require.NoError(t, svc.HideFromQueue(ctx, view.ID))
	_, err = svc.Add(ctx, "https://fake.test/g/1")
	require.ErrorIs(t, err, ErrDuplicate)

	rec, err := hist.Get(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, rec.HiddenFromQueue)
}

func TestExistingArchiveFailsWithoutRetry(t *testing.T) {
	adapter, client := galleryAdapter(1)
	cfg := testConfig(t)

	dest := archive.OutputPath(cfg.OutputRoot, "Sample Gallery")
	require.NoError(t, os.MkdirAll(cfg.OutputRoot+"/"+archive.Subfolder, 0o750))
	require.NoError(t, os.WriteFile(dest, []byte("existing"), 0o640))

	svc, _ := newEngine(t, cfg, client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)

	waitForStatus(t, svc, view.ID, task.StatusFailed)

	final, _ := svc.Get(view.ID)
	assert.Contains(t, final.ErrorMessage, "archive already exists")
	// A conflict is fatal on the first attempt.
	assert.Equal(t, 1, adapter.calls())
}

func TestParseFailureRetriesThenFails(t *testing.T) {
	old := retryBackoff
	retryBackoff = 10 * time.Millisecond
	t.Cleanup(func() { retryBackoff = old })

	adapter, client := galleryAdapter(1)
	adapter.metaErr = &source.ParseError{Source: "fake", URL: "https://fake.test/g/1", Reason: "layout changed"}

	svc, _ := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)

	waitForStatus(t, svc, view.ID, task.StatusFailed)

	// MaxRetries=1 means two attempts total.
	assert.Equal(t, 2, adapter.calls())
	final, _ := svc.Get(view.ID)
	assert.Contains(t, final.ErrorMessage, "layout changed")
}

func TestCancelDuringDownload(t *testing.T) {
	adapter, client := galleryAdapter(3)
	client.block = make(chan struct{})

	svc, hist := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)

	waitForStatus(t, svc, view.ID, task.StatusDownloading)
	require.NoError(t, svc.Cancel(view.ID))
	waitForStatus(t, svc, view.ID, task.StatusCancelled)

	rec, err := hist.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", rec.Status)

	// A second cancel is rejected.
	require.ErrorIs(t, svc.Cancel(view.ID), ErrTaskFinished)
}

func TestRetryAfterFailure(t *testing.T) {
	old := retryBackoff
	retryBackoff = 10 * time.Millisecond
	t.Cleanup(func() { retryBackoff = old })

	adapter, client := galleryAdapter(2)
	adapter.imageErr = errors.New("boom")

	svc, _ := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	waitForStatus(t, svc, view.ID, task.StatusFailed)

	adapter.imageErr = nil
	require.NoError(t, svc.Retry(view.ID))
	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	final, _ := svc.Get(view.ID)
	assert.Empty(t, final.ErrorMessage)
	assert.FileExists(t, final.FilePath)
}

func TestFallbackURLUsed(t *testing.T) {
	client := newFakeClient()
	client.serve("https://cdn2.test/1.jpg", []byte("fallback-payload"))

	adapter := &fakeAdapter{
		key:   "fake",
		match: "https://fake.test/",
		meta:  &source.Metadata{Title: "Fallback Gallery", PageCount: 1},
		images: []source.ImageCandidate{
			{URL: "https://cdn1.test/1.jpg", FallbackURL: "https://cdn2.test/1.jpg", Index: 0},
		},
	}

	svc, _ := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	assert.Equal(t, 1, client.hitCount("https://cdn1.test/1.jpg"))
	assert.Equal(t, 1, client.hitCount("https://cdn2.test/1.jpg"))
}

func TestRefreshRederivesExpiredLink(t *testing.T) {
	client := newFakeClient()
	client.serve("https://cdn.test/fresh.jpg", []byte("fresh-payload"))

	var refreshed atomic.Int32
	adapter := &fakeAdapter{
		key:   "fake",
		match: "https://fake.test/",
		meta:  &source.Metadata{Title: "Expired Gallery", PageCount: 1},
		images: []source.ImageCandidate{
			{URL: "https://cdn.test/stale.jpg", PageURL: "https://fake.test/g/1/p/1", Index: 0},
		},
		refresh: func(pageURL string) (*source.ImageCandidate, error) {
			refreshed.Add(1)
			return &source.ImageCandidate{URL: "https://cdn.test/fresh.jpg"}, nil
		},
	}

	svc, _ := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	assert.Equal(t, int32(1), refreshed.Load())
	assert.Equal(t, 1, client.hitCount("https://cdn.test/fresh.jpg"))
}

func TestExhaustedCandidateFailsTask(t *testing.T) {
	old := retryBackoff
	retryBackoff = 10 * time.Millisecond
	t.Cleanup(func() { retryBackoff = old })

	client := newFakeClient()
	client.serve("https://cdn.test/1.jpg", []byte("ok"))

	adapter := &fakeAdapter{
		key:   "fake",
		match: "https://fake.test/",
		meta:  &source.Metadata{Title: "Partial Gallery", PageCount: 2},
		images: []source.ImageCandidate{
			{URL: "https://cdn.test/1.jpg", Index: 0},
			{URL: "https://cdn.test/missing.jpg", Index: 1},
		},
	}

	svc, _ := newEngine(t, testConfig(t), client, adapter)
	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	waitForStatus(t, svc, view.ID, task.StatusFailed)

	final, _ := svc.Get(view.ID)
	assert.Contains(t, final.ErrorMessage, "page 2")
}

func TestRestoreInterrupted(t *testing.T) {
	adapter, client := galleryAdapter(2)
	cfg := testConfig(t)

	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	hist := history.NewService(tdb.Conn, nil, testutil.NopLogger())

	// Simulate a record left mid-download by a previous run.
	require.NoError(t, hist.Upsert(context.Background(), history.Record{
		ID:      "resume-1",
		URL:     "https://fake.test/g/1",
		Title:   "Sample Gallery",
		Status:  "downloading",
		Source:  "fake",
		AddedAt: time.Now().Add(-time.Hour),
	}))

	emitter := progress.NewEmitter(nil, testutil.NopLogger())
	svc := NewService(cfg, source.NewRegistry(adapter), client, nil, nil, hist, emitter, testutil.NopLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	n, err := svc.RestoreInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitForStatus(t, svc, "resume-1", task.StatusCompleted)
}

func TestQueueOrderAndRemove(t *testing.T) {
	adapter, client := galleryAdapter(1)
	adapter.titles = map[string]string{
		"https://fake.test/g/1": "Gallery One",
		"https://fake.test/g/2": "Gallery Two",
	}
	svc, hist := newEngine(t, testConfig(t), client, adapter)
	ctx := context.Background()

	v1, err := svc.Add(ctx, "https://fake.test/g/1")
	require.NoError(t, err)
	v2, err := svc.Add(ctx, "https://fake.test/g/2")
	require.NoError(t, err)

	queue := svc.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, v1.ID, queue[0].ID)
	assert.Equal(t, v2.ID, queue[1].ID)

	waitForStatus(t, svc, v2.ID, task.StatusCompleted)
	require.NoError(t, svc.Remove(ctx, v2.ID))

	assert.Len(t, svc.Queue(), 1)
	_, err = hist.Get(ctx, v2.ID)
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestTaskLogsAccumulate(t *testing.T) {
	adapter, client := galleryAdapter(1)
	svc, _ := newEngine(t, testConfig(t), client, adapter)

	view, err := svc.Add(context.Background(), "https://fake.test/g/1")
	require.NoError(t, err)
	waitForStatus(t, svc, view.ID, task.StatusCompleted)

	logs, err := svc.TaskLogs(view.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "accepted")
}

func TestAddRejectsExistingArchiveByURLName(t *testing.T) {
	adapter, client := galleryAdapter(1)
	cfg := testConfig(t)
	svc, _ := newEngine(t, cfg, client, adapter)

	// An archive already sits where the URL-derived name would land.
	dest := archive.OutputPath(cfg.OutputRoot, "77")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o750))
	require.NoError(t, os.WriteFile(dest, []byte("zip"), 0o644))

	_, err := svc.Add(context.Background(), "https://fake.test/g/77")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, dest, conflict.Path)

	// Nothing was queued.
	assert.Empty(t, svc.Queue())
}
