// Package progress broadcasts task lifecycle and download progress events to
// connected WebSocket clients.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/task"
	"github.com/paperstream/paperstream/internal/websocket"
)

// Event types pushed over the websocket.
const (
	EventTaskAdded   = "task:added"
	EventTaskUpdated = "task:updated"
	EventTaskRemoved = "task:removed"
	EventTaskPreview = "task:preview"
	EventToast       = "toast"
)

// previewInterval bounds how often per-task preview frames are pushed.
// Download workers report every image; clients only need a smooth trickle.
const previewInterval = 1500 * time.Millisecond

// Toast is a transient user-facing notification.
type Toast struct {
	Kind    string `json:"kind"` // "info", "success", "error"
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Preview carries the lightweight per-task frame sent during downloads.
type Preview struct {
	ID             string  `json:"id"`
	Downloaded     int     `json:"downloaded"`
	Total          int     `json:"total"`
	Percent        float64 `json:"percent"`
	BytesPerSecond int64   `json:"bytesPerSecond"`
}

// Emitter publishes task state changes to the hub. A nil hub disables
// broadcasting, which keeps the engine testable without a server.
type Emitter struct {
	hub    *websocket.Hub
	logger zerolog.Logger

	mu          sync.Mutex
	lastPreview map[string]time.Time
}

// NewEmitter creates an emitter bound to the given hub.
func NewEmitter(hub *websocket.Hub, logger zerolog.Logger) *Emitter {
	return &Emitter{
		hub:         hub,
		logger:      logger.With().Str("component", "progress").Logger(),
		lastPreview: make(map[string]time.Time),
	}
}

// TaskAdded announces a newly accepted task.
func (e *Emitter) TaskAdded(v task.View) {
	e.broadcast(EventTaskAdded, v)
}

// TaskUpdated announces a state or metadata change.
func (e *Emitter) TaskUpdated(v task.View) {
	e.broadcast(EventTaskUpdated, v)
}

// TaskRemoved announces that a task left the queue.
func (e *Emitter) TaskRemoved(id string) {
	e.mu.Lock()
	delete(e.lastPreview, id)
	e.mu.Unlock()

	e.broadcast(EventTaskRemoved, map[string]string{"id": id})
}

// Previewed sends a throttled progress frame. Frames arriving within
// previewInterval of the previous one for the same task are dropped.
// Set force for the final frame of a phase so clients land on 100%.
func (e *Emitter) Previewed(p Preview, force bool) {
	e.mu.Lock()
	last, ok := e.lastPreview[p.ID]
	now := time.Now()
	if !force && ok && now.Sub(last) < previewInterval {
		e.mu.Unlock()
		return
	}
	e.lastPreview[p.ID] = now
	e.mu.Unlock()

	e.broadcast(EventTaskPreview, p)
}

// Toast pushes a transient notification to all clients.
func (e *Emitter) Toast(kind, title, message string) {
	e.broadcast(EventToast, Toast{Kind: kind, Title: title, Message: message})
}

func (e *Emitter) broadcast(eventType string, payload interface{}) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Broadcast(eventType, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("Broadcast failed")
	}
}
