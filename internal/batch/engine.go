// Package batch coalesces high-frequency partial shape updates into one
// merged database write per shape, flushed on a shared timer or when the
// buffer reaches a size ceiling.
package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"canvas-sync-server/internal/model"
)

// Writer performs the merged write for one shape. Implemented by the store.
type Writer interface {
	UpdateShape(ctx context.Context, kind model.ShapeKind, id string, fields model.ShapePayload) error
}

type Options struct {
	Interval     time.Duration // delay before a timer-driven flush (default 2s)
	MaxEntries   int           // buffered shape count that forces an immediate flush (default 20)
	WriteTimeout time.Duration // bound on each per-shape write (default 5s)
}

type Engine struct {
	writer       Writer
	interval     time.Duration
	maxEntries   int
	writeTimeout time.Duration

	mu       sync.Mutex
	buffer   map[model.ShapeKind]map[string][]model.ShapePayload
	timer    *time.Timer
	flushing bool
	closed   bool
}

func NewEngine(w Writer, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Engine{
		writer:       w,
		interval:     opts.Interval,
		maxEntries:   opts.MaxEntries,
		writeTimeout: opts.WriteTimeout,
		buffer:       make(map[model.ShapeKind]map[string][]model.ShapePayload),
	}
}

// Enqueue appends a partial update for a confirmed shape. Reaching the size
// ceiling flushes immediately; otherwise the shared delay timer is armed if
// it is not already running.
func (e *Engine) Enqueue(id string, kind model.ShapeKind, fields model.ShapePayload) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.buffer[kind] == nil {
		e.buffer[kind] = make(map[string][]model.ShapePayload)
	}
	e.buffer[kind][id] = append(e.buffer[kind][id], fields)

	total := 0
	for _, shapes := range e.buffer {
		total += len(shapes)
	}
	if total >= e.maxEntries {
		e.mu.Unlock()
		e.Flush()
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(e.interval, e.Flush)
	}
	e.mu.Unlock()
}

// Remove discards buffered updates for a shape, used when the shape is
// deleted so the delete cannot be overwritten by a late flush.
func (e *Engine) Remove(id string, kind model.ShapeKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	shapes := e.buffer[kind]
	if shapes == nil {
		return
	}
	delete(shapes, id)
	if len(shapes) == 0 {
		delete(e.buffer, kind)
	}
}

// Flush merges and writes every buffered update. Re-entrant calls no-op; the
// buffer is snapshotted and cleared before any I/O, so updates enqueued during
// the flush start a fresh buffer picked up by the next cycle. Per-shape write
// failures are logged and isolated.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	snapshot := e.buffer
	e.buffer = make(map[model.ShapeKind]map[string][]model.ShapePayload)
	e.mu.Unlock()

	for kind, shapes := range snapshot {
		for id, updates := range shapes {
			merged := model.ShapePayload{}
			for _, u := range updates {
				merged = merged.Merge(u)
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
			if err := e.writer.UpdateShape(ctx, kind, id, merged); err != nil {
				log.Printf("batch: flush of %s %s failed: %v", kind, id, err)
			}
			cancel()
		}
	}

	e.mu.Lock()
	e.flushing = false
	if len(e.buffer) > 0 && e.timer == nil && !e.closed {
		e.timer = time.AfterFunc(e.interval, e.Flush)
	}
	e.mu.Unlock()
}

// Close stops the timer and performs a final best-effort flush so buffered
// edits are not lost on shutdown.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	e.Flush()
}
