package logger

import (
	"encoding/json"
	"sync"
)

const defaultRecentEntries = 1000

// Broadcaster is the slice of the websocket hub the log stream pushes to.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// StreamEntry is one service log line shaped for the websocket log feed and
// the recent-logs endpoint. The task field is promoted out of the free-form
// extras so the queue view can correlate log lines with tasks.
type StreamEntry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Task      string         `json:"task,omitempty"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// LogBroadcaster receives raw zerolog JSON as an io.Writer, keeps a bounded
// ring of recent entries and fans each one out as a logs:entry event.
type LogBroadcaster struct {
	mu     sync.RWMutex
	hub    Broadcaster
	recent *RingBuffer[StreamEntry]
}

// NewLogBroadcaster creates the log stream. hub may be nil until the
// websocket hub exists; entries are still buffered.
func NewLogBroadcaster(hub Broadcaster, recentSize int) *LogBroadcaster {
	if recentSize <= 0 {
		recentSize = defaultRecentEntries
	}
	return &LogBroadcaster{
		hub:    hub,
		recent: NewRingBuffer[StreamEntry](recentSize),
	}
}

// SetHub installs the websocket hub once it is running.
func (b *LogBroadcaster) SetHub(hub Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hub = hub
}

// Write implements io.Writer for zerolog. Lines that are not valid JSON are
// dropped without failing the logger.
func (b *LogBroadcaster) Write(p []byte) (int, error) {
	entry, ok := parseStreamEntry(p)
	if !ok {
		return len(p), nil
	}

	b.recent.Push(entry)

	b.mu.RLock()
	hub := b.hub
	b.mu.RUnlock()
	if hub != nil {
		hub.Broadcast("logs:entry", entry)
	}
	return len(p), nil
}

// Recent returns the buffered entries, oldest first.
func (b *LogBroadcaster) Recent() []StreamEntry {
	return b.recent.GetAll()
}

// parseStreamEntry splits a zerolog JSON line into the well-known fields and
// leaves everything else in Extra.
func parseStreamEntry(data []byte) (StreamEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return StreamEntry{}, false
	}

	entry := StreamEntry{
		Time:      popString(raw, "time"),
		Level:     popString(raw, "level"),
		Component: popString(raw, "component"),
		Task:      popString(raw, "task"),
		Message:   popString(raw, "message"),
	}
	if len(raw) > 0 {
		entry.Extra = raw
	}
	return entry, true
}

func popString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	delete(m, key)
	return v
}
