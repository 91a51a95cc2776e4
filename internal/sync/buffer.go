// Package sync's Buffer accumulates ChangeEvents emitted by the local and
// remote observers and regroups them by path into PathChanges values, which
// is the unit the planner actually reasons about. All exported methods are
// safe for concurrent use.
package sync

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"
)

// Buffer groups ChangeEvents by path. Observers call Add/AddAll as events
// arrive; the planner drains grouped PathChanges via FlushImmediate or
// FlushDebounced.
type Buffer struct {
	mu       sync.Mutex
	byPath   map[string]*PathChanges
	wake     chan struct{} // non-nil once FlushDebounced is running
	logger   *slog.Logger
	maxPaths int // 0 means unlimited
}

// NewBuffer returns an empty Buffer.
func NewBuffer(logger *slog.Logger) *Buffer {
	logger.Debug("sync buffer initialized")

	return &Buffer{
		byPath: make(map[string]*PathChanges),
		logger: logger,
	}
}

// Add files a single event under its path group.
func (b *Buffer) Add(ev *ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.file(ev)
}

// AddAll files a batch of events while holding the lock once, which matters
// when an observer hands over thousands of events at a time (a cold
// full-delta or full-scan pass).
func (b *Buffer) AddAll(events []ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range events {
		b.file(&events[i])
	}
}

// FlushImmediate drains every buffered path group, sorted by path for
// deterministic planner input, and resets the buffer. Returns nil if
// nothing is buffered.
func (b *Buffer) FlushImmediate() []PathChanges {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.byPath) == 0 {
		b.logger.Debug("buffer drained empty")
		return nil
	}

	out := make([]PathChanges, 0, len(b.byPath))
	for _, pc := range b.byPath {
		out = append(out, *pc)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	n := len(b.byPath)
	b.byPath = make(map[string]*PathChanges)

	b.logger.Info("buffer drained", "paths", n)

	return out
}

// SetMaxPaths caps the number of distinct paths the buffer will track at
// once. Once at capacity, Add/AddAll silently drops events for paths not
// already buffered; events for an already-buffered path are always
// accepted regardless of capacity. A limit of 0 (the default) means
// unlimited, guarding against unbounded memory growth from a runaway
// observer rather than any normal workload.
func (b *Buffer) SetMaxPaths(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maxPaths = n
}

// Len reports how many distinct paths are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.byPath)
}

// FlushDebounced starts a background goroutine that emits a batch on the
// returned channel once debounce has elapsed with no further Add/AddAll
// calls. Each batch is what FlushImmediate would have produced at that
// instant. Every Add/AddAll call resets the timer. The channel closes once
// ctx is canceled, after a final drain of anything still pending.
func (b *Buffer) FlushDebounced(ctx context.Context, debounce time.Duration) <-chan []PathChanges {
	out := make(chan []PathChanges, 1)

	b.mu.Lock()
	if b.wake != nil {
		b.mu.Unlock()
		panic("sync: FlushDebounced called twice on the same Buffer")
	}

	b.wake = make(chan struct{}, 1)
	b.mu.Unlock()

	go b.run(ctx, debounce, out)

	return out
}

// run is the goroutine backing FlushDebounced.
func (b *Buffer) run(ctx context.Context, debounce time.Duration, out chan<- []PathChanges) {
	defer close(out)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	armed := false

	for {
		select {
		case <-ctx.Done():
			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				default:
					b.logger.Warn("debounce shutdown drain discarded: consumer not reading",
						slog.Int("paths", len(batch)))
				}
			}

			return

		case _, open := <-b.wake:
			if !open {
				return
			}

			if !timer.Stop() && armed {
				<-timer.C
			}

			timer.Reset(debounce)
			armed = true

		case <-timer.C:
			armed = false

			if batch := b.FlushImmediate(); batch != nil {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// poke nudges the debounce goroutine. Called from file() with the lock
// held; a nil wake channel means no FlushDebounced is active, so one-shot
// callers pay nothing for it.
func (b *Buffer) poke() {
	if b.wake == nil {
		return
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// file routes ev into its path group and, for a move, synthesizes a delete
// at the old path so stale baseline entries at that path still reach the
// planner. Must be called with b.mu held.
func (b *Buffer) file(ev *ChangeEvent) {
	pc := b.group(ev.Path)
	if pc == nil {
		b.logger.Debug("change dropped: buffer at path capacity",
			"path", ev.Path,
			"max_paths", b.maxPaths,
		)

		return
	}

	pc.absorb(ev)

	b.logger.Debug("change buffered",
		"path", ev.Path,
		"source", ev.Source.String(),
		"type", ev.Type.String(),
	)

	if ev.Type == ChangeMove && ev.OldPath != "" {
		vacated := ChangeEvent{
			Source:    ev.Source,
			Type:      ChangeDelete,
			Path:      ev.OldPath,
			ItemID:    ev.ItemID,
			ParentID:  ev.ParentID,
			DriveID:   ev.DriveID,
			ItemType:  ev.ItemType,
			Name:      path.Base(ev.OldPath),
			IsDeleted: true,
		}

		if old := b.group(ev.OldPath); old != nil {
			old.absorb(&vacated)

			b.logger.Debug("move vacates old path",
				"old_path", ev.OldPath,
				"source", ev.Source.String(),
			)
		}
	}

	b.poke()
}

// group returns the PathChanges for p, creating it on first reference
// unless the buffer is already at maxPaths capacity, in which case a new
// path returns nil. An already-tracked path is always returned regardless
// of capacity.
func (b *Buffer) group(p string) *PathChanges {
	if pc, ok := b.byPath[p]; ok {
		return pc
	}

	if b.maxPaths > 0 && len(b.byPath) >= b.maxPaths {
		return nil
	}

	pc := &PathChanges{Path: p}
	b.byPath[p] = pc

	return pc
}

// absorb appends ev to the source-appropriate slice of pc.
func (pc *PathChanges) absorb(ev *ChangeEvent) {
	switch ev.Source {
	case SourceRemote:
		pc.RemoteEvents = append(pc.RemoteEvents, *ev)
	case SourceLocal:
		pc.LocalEvents = append(pc.LocalEvents, *ev)
	}
}
