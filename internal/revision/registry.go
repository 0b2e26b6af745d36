// Package revision implements the authoritative, per-school,
// monotonically-increasing revision counter and its debounced bump
// (spec.md §4.1). It is the sole mechanism limiting broadcast/rebuild
// stampedes on write: a burst of upstream edits within the debounce
// window produces at most one bump.
package revision

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
)

// Registry is the per-school revision counter backed by a kvstore.Store.
type Registry struct {
	store       kvstore.Store
	bumpLockTTL time.Duration
	log         obslog.Logger
}

// New builds a Registry. bumpLockTTL should be small (spec.md §4.1
// recommends ~2s): it bounds how long a burst of writes collapses into a
// single bump.
func New(store kvstore.Store, bumpLockTTL time.Duration, log obslog.Logger) *Registry {
	if log == nil {
		log = obslog.Discard()
	}
	return &Registry{store: store, bumpLockTTL: bumpLockTTL, log: log}
}

func revKey(schoolID int64) string      { return fmt.Sprintf("rev:%d", schoolID) }
func bumpLockKey(schoolID int64) string { return fmt.Sprintf("bump_lock:%d", schoolID) }

// Get returns the current revision for a school. A school with no prior
// bump reads as revision 0.
func (r *Registry) Get(ctx context.Context, schoolID int64) (int64, error) {
	data, err := r.store.Get(ctx, revKey(schoolID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("revision: get school %d: %w", schoolID, err)
	}
	n, parseErr := strconv.ParseInt(string(data), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("revision: corrupt counter for school %d: %w", schoolID, parseErr)
	}
	return n, nil
}

// BumpDebounced attempts to acquire the per-school debounce lock and, on
// success, atomically increments the revision. It returns true only when
// this call performed the increment; any other caller within the lock's
// TTL gets false and does nothing (spec.md §4.1). Callers must invoke
// this from a signal hook after an upstream mutation and must not let any
// error here fail the caller's transaction — ConditionalSet/Incr errors
// are logged and swallowed, never returned as a failure that could roll
// back an unrelated write.
func (r *Registry) BumpDebounced(ctx context.Context, schoolID int64) bool {
	acquired, err := r.store.ConditionalSet(ctx, bumpLockKey(schoolID), []byte("1"), r.bumpLockTTL)
	if err != nil {
		r.log.Warn("revision: debounce lock check failed, skipping bump", "school_id", schoolID, "error", err)
		return false
	}
	if !acquired {
		return false
	}

	if _, err := r.store.Incr(ctx, revKey(schoolID)); err != nil {
		r.log.Warn("revision: increment failed after acquiring debounce lock", "school_id", schoolID, "error", err)
		return false
	}
	return true
}

// Set forcibly overwrites the revision. Administrative recovery only
// (spec.md §4.1); never called from the write path.
func (r *Registry) Set(ctx context.Context, schoolID, value int64) error {
	if err := r.store.Set(ctx, revKey(schoolID), []byte(strconv.FormatInt(value, 10)), 0); err != nil {
		return fmt.Errorf("revision: set school %d: %w", schoolID, err)
	}
	return nil
}
