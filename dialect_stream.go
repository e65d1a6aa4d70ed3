package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// flushWriter flushes the underlying ResponseWriter at most once per
// flushInterval, so a burst of small SSE writes doesn't call Flush per byte.
type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func newFlushWriter(w http.ResponseWriter) (*flushWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &flushWriter{w: w, f: f, flushInterval: 10 * time.Millisecond}, nil
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}

func (fw *flushWriter) flushNow() {
	fw.f.Flush()
	fw.lastFlush = time.Now()
}

// idleTimeoutReader cancels its context if no data arrives within timeout,
// so a zombie upstream connection (TCP open, no bytes) doesn't hang a
// streaming request forever.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	done    chan struct{}
	cancel  func()
	closed  bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel func()) *idleTimeoutReader {
	r := &idleTimeoutReader{
		rc:      rc,
		timeout: timeout,
		timer:   time.NewTimer(timeout),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.watchdog()
	return r
}

func (r *idleTimeoutReader) watchdog() {
	select {
	case <-r.timer.C:
		r.cancel()
	case <-r.done:
		r.timer.Stop()
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	if !r.closed {
		r.closed = true
		close(r.done)
		r.timer.Stop()
	}
	return r.rc.Close()
}

// upstreamChunk is the minimal shape the relay needs out of each SSE event
// the upstream sends: enough to know its type and, for an error chunk,
// enough to classify it.
type upstreamChunk struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// RelaySSE reads upstream SSE events from body and writes them to w
// unchanged: one event per upstream chunk, `event: <type>` equal to the
// chunk's type, `data:` the JSON-encoded chunk. A mid-stream error chunk
// gets a `retry:` field (when the classified error carries a Retry-After)
// ahead of the error event, and the relay ends the stream.
//
// onChunk is invoked for every successfully framed chunk (for flow logging);
// onError is invoked once if the upstream sends an error chunk, so the
// caller can feed the pool's recordFailure hook.
func RelaySSE(w http.ResponseWriter, body io.ReadCloser, onChunk func(raw []byte), onError func(classified *ClassifiedError)) error {
	fw, err := newFlushWriter(w)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fw.flushNow()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var dataLines []string
	flushEvent := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		raw := []byte(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]

		var chunk upstreamChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			// Not a JSON chunk we can parse; relay verbatim anyway.
			chunk.Type = "unknown"
		}

		if chunk.Type == "error" || chunk.Error != nil {
			message := ""
			if chunk.Error != nil {
				message = chunk.Error.Message
			}
			classified := ClassifyUpstreamError(message)
			if onError != nil {
				onError(classified)
			}
			if classified.RetryAfterSeconds > 0 {
				fmt.Fprintf(fw, "retry: %d\n", classified.RetryAfterSeconds*1000)
			}
			fmt.Fprintf(fw, "event: error\ndata: %s\n\n", mustMarshalErrorEvent(classified))
			fw.flushNow()
			return errStreamTerminated
		}

		if onChunk != nil {
			onChunk(raw)
		}
		fmt.Fprintf(fw, "event: %s\ndata: %s\n\n", chunk.Type, raw)
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flushEvent(); err != nil {
				if err == errStreamTerminated {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ignore event:/id:/comment lines from the upstream; we derive
			// our own event name from the decoded chunk's type.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushEvent()
}

var errStreamTerminated = fmt.Errorf("stream terminated by upstream error event")

func mustMarshalErrorEvent(c *ClassifiedError) []byte {
	payload := map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    string(c.Taxonomy),
			"message": c.Message,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"internal encoding error"}}`)
	}
	return encoded
}
