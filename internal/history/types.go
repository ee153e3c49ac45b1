package history

import "time"

// Record is the persisted form of a task.
type Record struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	Source          string     `json:"source"`
	CoverURL        string     `json:"coverUrl"`
	Artist          string     `json:"artist"`
	Parody          string     `json:"parody"`
	ContentType     string     `json:"contentType"`
	Tags            []string   `json:"tags"`
	AddedAt         time.Time  `json:"addedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FilePath        string     `json:"filePath"`
	ErrorMessage    string     `json:"errorMessage"`
	Logs            []string   `json:"-"`
	TotalImages     int        `json:"totalImages"`
	DownloadedImages int       `json:"downloadedImages"`
	ProgressPercent float64    `json:"progressPercent"`
	HiddenFromQueue bool       `json:"hiddenFromQueue"`
}

// SourceSession is a persisted authenticated session for one source.
type SourceSession struct {
	Source       string
	CookieHeader string
	UpdatedAt    time.Time
}
