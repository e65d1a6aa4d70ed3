package main

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlowStage tags a flow record's lifecycle position.
type FlowStage string

const (
	FlowStart    FlowStage = "start"
	FlowChunk    FlowStage = "chunk"
	FlowComplete FlowStage = "complete"
	FlowError    FlowStage = "error"
)

// FlowEvent is one structured record of a request's lifecycle, kept in
// memory (bounded ring) and persisted daily as NDJSON.
type FlowEvent struct {
	FlowID    string    `json:"flowId"`
	Stage     FlowStage `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	Route     string    `json:"route"`
	Model     string    `json:"model"`
	Stream    bool      `json:"stream"`
	Account   string    `json:"account,omitempty"`
	ClientIP  string    `json:"clientIp,omitempty"`
	Snapshot  any       `json:"snapshot,omitempty"`
	ChunkSize int       `json:"chunkSize,omitempty"`
	Usage     any       `json:"usage,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewFlowID mints a request/flow identifier.
func NewFlowID() string {
	return uuid.NewString()
}

// FlowMonitor keeps a bounded in-memory ring of recent flow events and feeds
// every event into a dedicated serial writer so concurrent completions never
// interleave file appends.
type FlowMonitor struct {
	mu       sync.Mutex
	ring     []FlowEvent
	maxEntries int

	queue    chan FlowEvent
	dir      string
	done     chan struct{}
}

// NewFlowMonitor starts the monitor's serial writer goroutine, draining a
// bounded queue into one NDJSON file per day under dir.
func NewFlowMonitor(dir string, maxEntries int) *FlowMonitor {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	m := &FlowMonitor{
		maxEntries: maxEntries,
		queue:      make(chan FlowEvent, 256),
		dir:        dir,
		done:       make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

// Record appends ev to the in-memory ring and enqueues it for durable
// append. If the queue is full the event is dropped from persistence (never
// blocks the request path) but still lands in the ring for /health.
func (m *FlowMonitor) Record(ev FlowEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.ring = append(m.ring, ev)
	if len(m.ring) > m.maxEntries {
		m.ring = m.ring[len(m.ring)-m.maxEntries:]
	}
	m.mu.Unlock()

	select {
	case m.queue <- ev:
	default:
		log.Printf("warning: flow log queue full, dropping event for flow %s", ev.FlowID)
	}
}

// Recent returns up to limit of the most recent flow events, newest first.
func (m *FlowMonitor) Recent(limit int) []FlowEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.ring)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FlowEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.ring[n-1-i]
	}
	return out
}

// Reset clears the in-memory ring (administrative DELETE /api/flows).
func (m *FlowMonitor) Reset() {
	m.mu.Lock()
	m.ring = nil
	m.mu.Unlock()
}

func (m *FlowMonitor) writeLoop() {
	var currentDay string
	var f *os.File

	flushClose := func() {
		if f != nil {
			f.Close()
			f = nil
		}
	}
	defer flushClose()

	for ev := range m.queue {
		day := ev.Timestamp.Format("2006-01-02")
		if day != currentDay || f == nil {
			flushClose()
			if err := os.MkdirAll(m.dir, 0o755); err != nil {
				log.Printf("warning: create flow log dir: %v", err)
				continue
			}
			path := filepath.Join(m.dir, day+".ndjson")
			opened, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				log.Printf("warning: open flow log %s: %v", path, err)
				continue
			}
			f = opened
			currentDay = day
		}

		encoded, err := json.Marshal(ev)
		if err != nil {
			log.Printf("warning: encode flow event: %v", err)
			continue
		}
		encoded = append(encoded, '\n')
		if _, err := f.Write(encoded); err != nil {
			log.Printf("warning: write flow event: %v", err)
		}
	}
}

// PurgeOldFlowLogs deletes daily NDJSON files older than retentionDays.
func PurgeOldFlowLogs(dir string, retentionDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", trimExt(e.Name()))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// LoadFlowDay reads one day's persisted NDJSON file, newest-first.
func LoadFlowDay(dir, day string) ([]FlowEvent, error) {
	path := filepath.Join(dir, day+".ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []FlowEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev FlowEvent
		if err := dec.Decode(&ev); err != nil {
			break
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
