package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
)

// RecordedEvent is one timestamped chunk of terminal traffic.
type RecordedEvent struct {
	// Elapsed is seconds since the recording started.
	Elapsed float64 `json:"elapsed"`
	// Kind is "o" for output and "i" for input, as in asciinema.
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// Recording captures the traffic of one bridge. It is safe for concurrent
// use. With a limit set, events past the limit are dropped and counted.
type Recording struct {
	clock clock.Clock
	start time.Time
	limit int
	input bool

	mu      sync.Mutex
	events  []RecordedEvent
	dropped int
}

type RecordingOption func(*Recording)

// WithEventLimit caps the number of stored events. Zero means unlimited.
func WithEventLimit(n int) RecordingOption {
	return func(r *Recording) { r.limit = n }
}

// WithInput also records what was written to the shell.
func WithInput() RecordingOption {
	return func(r *Recording) { r.input = true }
}

func WithRecordingClock(c clock.Clock) RecordingOption {
	return func(r *Recording) { r.clock = c }
}

func NewRecording(opts ...RecordingOption) *Recording {
	r := &Recording{clock: clock.WallClock}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.clock.Now()
	return r
}

func (r *Recording) RecordOutput(data []byte) { r.add("o", data) }

// RecordInput is a no-op unless the recording was created WithInput.
func (r *Recording) RecordInput(data []byte) {
	if r.input {
		r.add("i", data)
	}
}

func (r *Recording) add(kind string, data []byte) {
	elapsed := r.clock.Now().Sub(r.start).Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.events) >= r.limit {
		r.dropped++
		return
	}
	r.events = append(r.events, RecordedEvent{Elapsed: elapsed, Kind: kind, Data: string(data)})
}

// Events returns a copy of the recorded events.
func (r *Recording) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// Dropped reports how many events were discarded over the limit.
func (r *Recording) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

type castHeader struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
}

// WriteCast writes the recording in asciinema v2 format: a header line
// followed by one [elapsed, kind, data] array per event.
func (r *Recording) WriteCast(w io.Writer, cols, rows int, title string) error {
	enc := json.NewEncoder(w)
	hdr := castHeader{Version: 2, Width: cols, Height: rows, Timestamp: r.start.Unix(), Title: title}
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	for _, ev := range r.Events() {
		if err := enc.Encode([]any{ev.Elapsed, ev.Kind, ev.Data}); err != nil {
			return fmt.Errorf("write cast event: %w", err)
		}
	}
	return nil
}
