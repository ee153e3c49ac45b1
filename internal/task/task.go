// Package task defines the acquisition task model and its lifecycle rules.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusParsing      Status = "parsing"
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusZipping      Status = "zipping"
	StatusVerification Status = "verification"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// transitions lists the legal state-machine edges. Retry is the only way back
// out of a terminal state and is modeled explicitly by ResetForRetry.
var transitions = map[Status][]Status{
	StatusParsing:      {StatusPending, StatusDownloading, StatusVerification, StatusFailed, StatusCancelled},
	StatusPending:      {StatusParsing, StatusDownloading, StatusVerification, StatusFailed, StatusCancelled},
	StatusDownloading:  {StatusZipping, StatusVerification, StatusFailed, StatusCancelled},
	StatusVerification: {StatusParsing, StatusPending, StatusDownloading, StatusFailed, StatusCancelled},
	StatusZipping:      {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:    {},
	StatusFailed:       {},
	StatusCancelled:    {},
}

// Active reports whether the status counts against the concurrency ceiling.
func (s Status) Active() bool {
	switch s {
	case StatusParsing, StatusDownloading, StatusVerification, StatusZipping:
		return true
	}
	return false
}

// Terminal reports whether the task has finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a status change does not follow a legal edge.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

// Progress tracks page counts for a task.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

const (
	maxLogLines   = 500
	maxLogLineLen = 500
)

// Metadata is the source-supplied description of a gallery.
type Metadata struct {
	Title       string   `json:"title"`
	CoverURL    string   `json:"coverUrl"`
	Artist      string   `json:"artist"`
	Parody      string   `json:"parody"`
	ContentType string   `json:"contentType"`
	Tags        []string `json:"tags"`
	PageCount   int      `json:"pageCount"`
}

// Task is one user-initiated gallery acquisition. All mutation goes through
// methods; concurrent readers get consistent copies via Snapshot.
type Task struct {
	mu sync.Mutex

	id         string
	url        string
	source     string
	title      string
	status     Status
	progress   Progress
	meta       Metadata
	bytesTotal int64
	speed      int64 // bytes/sec, smoothed by the engine's sampler
	errMsg     string
	filePath   string
	addedAt    time.Time
	completed  *time.Time
	logs       []string
}

// New creates a task in the pending state, queued for a pipeline slot.
func New(url, source string) *Task {
	return &Task{
		id:      uuid.New().String(),
		url:     url,
		source:  source,
		status:  StatusPending,
		addedAt: time.Now(),
	}
}

// Restore rebuilds a task from a persisted record. Interrupted statuses are
// mapped back to pending by the caller before Restore.
func Restore(id, url, source, title string, status Status, meta Metadata, progress Progress, filePath, errMsg string, addedAt time.Time, logs []string) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	return &Task{
		id:       id,
		url:      url,
		source:   source,
		title:    title,
		status:   status,
		meta:     meta,
		progress: progress,
		filePath: filePath,
		errMsg:   errMsg,
		addedAt:  addedAt,
		logs:     logs,
	}
}

// ID returns the task identity.
func (t *Task) ID() string { return t.id }

// URL returns the normalized source URL.
func (t *Task) URL() string { return t.url }

// Source returns the adapter key that claimed the URL.
func (t *Task) Source() string { return t.source }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus moves the task along a legal state-machine edge.
func (t *Task) SetStatus(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == to {
		return nil
	}
	allowed := false
	for _, next := range transitions[t.status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ErrInvalidTransition{From: t.status, To: to}
	}

	t.status = to
	if to == StatusCompleted {
		now := time.Now()
		t.completed = &now
	}
	return nil
}

// SetMetadata records resolved metadata and the real title.
func (t *Task) SetMetadata(meta Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta = meta
	if meta.Title != "" {
		t.title = meta.Title
	}
}

// SetContentType overrides the recorded content type, e.g. when the import
// policy rejects a type the library has never seen.
func (t *Task) SetContentType(ct string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.ContentType = ct
}

// SetTotal fixes the page count once the image list is resolved.
func (t *Task) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Total = total
	t.recalcPercent()
}

// IncrementDone bumps the completed-page counter. Current never exceeds Total.
func (t *Task) IncrementDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.progress.Total > 0 && t.progress.Current >= t.progress.Total {
		return
	}
	t.progress.Current++
	t.recalcPercent()
}

func (t *Task) recalcPercent() {
	if t.progress.Total <= 0 {
		t.progress.Percent = 0
		return
	}
	t.progress.Percent = float64(t.progress.Current) / float64(t.progress.Total) * 100
}

// AddBytes accumulates downloaded payload size.
func (t *Task) AddBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTotal += n
}

// SetSpeed records the smoothed transfer rate in bytes per second.
func (t *Task) SetSpeed(bps int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speed = bps
}

// SetError records the human-readable failure reason.
func (t *Task) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errMsg = msg
}

// SetFilePath records the final archive location.
func (t *Task) SetFilePath(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filePath = path
}

// Logf appends a timestamped log line, truncating long lines and discarding
// the oldest entries past the cap.
func (t *Task) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if len(line) > maxLogLineLen {
		line = line[:maxLogLineLen]
	}
	line = time.Now().Format("15:04:05") + " " + line

	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs = append(t.logs, line)
	if len(t.logs) > maxLogLines {
		t.logs = t.logs[len(t.logs)-maxLogLines:]
	}
}

// Logs returns a copy of the accumulated log lines.
func (t *Task) Logs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.logs))
	copy(out, t.logs)
	return out
}

// ResetForRetry puts a terminal task back in the queue for a pipeline slot.
func (t *Task) ResetForRetry() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.Terminal() {
		return fmt.Errorf("task %s is %s, only terminal tasks can be retried", t.id, t.status)
	}
	t.status = StatusPending
	t.progress = Progress{}
	t.bytesTotal = 0
	t.speed = 0
	t.errMsg = ""
	t.completed = nil
	return nil
}

// View is a JSON-safe copy of a task, without the log payload.
type View struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Source       string     `json:"source"`
	Title        string     `json:"title"`
	Status       Status     `json:"status"`
	Progress     Progress   `json:"progress"`
	BytesTotal   int64      `json:"bytesTotal"`
	Speed        int64      `json:"speed"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	FilePath     string     `json:"filePath,omitempty"`
	CoverURL     string     `json:"coverUrl,omitempty"`
	Artist       string     `json:"artist,omitempty"`
	Parody       string     `json:"parody,omitempty"`
	ContentType  string     `json:"contentType,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	AddedAt      time.Time  `json:"addedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Snapshot returns a consistent copy for API responses and persistence.
func (t *Task) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()

	tags := make([]string, len(t.meta.Tags))
	copy(tags, t.meta.Tags)

	return View{
		ID:           t.id,
		URL:          t.url,
		Source:       t.source,
		Title:        t.title,
		Status:       t.status,
		Progress:     t.progress,
		BytesTotal:   t.bytesTotal,
		Speed:        t.speed,
		ErrorMessage: t.errMsg,
		FilePath:     t.filePath,
		CoverURL:     t.meta.CoverURL,
		Artist:       t.meta.Artist,
		Parody:       t.meta.Parody,
		ContentType:  t.meta.ContentType,
		Tags:         tags,
		AddedAt:      t.addedAt,
		CompletedAt:  t.completed,
	}
}
