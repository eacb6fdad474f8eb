package engram

import (
	"context"
	"log/slog"
	"sync"
)

// accessFlusher batches access-count updates so hot read paths never write
// to the store inline. Reads call Mark; a scheduler task calls Sweep, which
// flushes each user's dirty set in one statement. At most one flush per
// user is in flight at a time; ids marked during a flush land in the next
// sweep.
type accessFlusher struct {
	name   string
	flush  func(ctx context.Context, userID string, ids []string) error
	logger *slog.Logger

	mu       sync.Mutex
	dirty    map[string]map[string]struct{}
	inflight map[string]bool
}

func newAccessFlusher(name string, logger *slog.Logger, flush func(ctx context.Context, userID string, ids []string) error) *accessFlusher {
	if logger == nil {
		logger = nopLogger
	}
	return &accessFlusher{
		name:     name,
		flush:    flush,
		logger:   logger,
		dirty:    make(map[string]map[string]struct{}),
		inflight: make(map[string]bool),
	}
}

// Mark records that id was accessed by userID. Never blocks on I/O.
func (f *accessFlusher) Mark(userID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.dirty[userID]
	if set == nil {
		set = make(map[string]struct{})
		f.dirty[userID] = set
	}
	set[id] = struct{}{}
}

// Pending returns the number of users with unflushed marks.
func (f *accessFlusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}

// Sweep flushes every user's dirty set. Sets are snapshotted and cleared
// under the lock; the store write happens outside it. On failure the ids
// are re-marked so the next sweep retries them.
func (f *accessFlusher) Sweep(ctx context.Context) error {
	f.mu.Lock()
	batches := make(map[string][]string, len(f.dirty))
	for userID, set := range f.dirty {
		if f.inflight[userID] {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		batches[userID] = ids
		f.inflight[userID] = true
		delete(f.dirty, userID)
	}
	f.mu.Unlock()

	var firstErr error
	for userID, ids := range batches {
		err := f.flush(ctx, userID, ids)

		f.mu.Lock()
		f.inflight[userID] = false
		if err != nil {
			set := f.dirty[userID]
			if set == nil {
				set = make(map[string]struct{}, len(ids))
				f.dirty[userID] = set
			}
			for _, id := range ids {
				set[id] = struct{}{}
			}
		}
		f.mu.Unlock()

		if err != nil {
			f.logger.Warn("access flush failed", "flusher", f.name, "user", HashID(userID), "count", len(ids), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
