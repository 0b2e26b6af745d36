package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
	"github.com/azzam1122112-dot/school-display/internal/revision"
	"github.com/azzam1122112-dot/school-display/internal/types"
)

// ErrBuildUnavailable is returned when the cache misses, the build lock
// cannot be acquired, and no stale fallback exists. The HTTP layer maps
// this to a 503 with Cache-Control: no-store (spec.md §4.3, §7).
var ErrBuildUnavailable = errors.New("snapshot: build unavailable")

// Result is what the coordinator hands back to callers: the document plus
// enough metadata to drive HTTP response headers.
type Result struct {
	Doc     types.Snapshot
	ETag    string
	IsStale bool
}

// Coordinator is the single-flight wrapper around Builder described in
// spec.md §4.3: at most one build runs per school at a time; other
// callers either wait briefly, serve a stale cached document, or get a
// typed unavailable error.
type Coordinator struct {
	registry *revision.Registry
	cache    *Cache
	builder  *Builder
	store    kvstore.Store
	log      obslog.Logger

	buildLockTTL time.Duration
	wsEnabled    func() bool

	// group collapses concurrent in-process callers for the same school
	// into one attempt before any of them touch the distributed build
	// lock, the same role the teacher's QueryDeduplicator plays for its
	// read-only RPC operations (internal/rpc/query_dedup.go), generalized
	// here onto the stdlib-adjacent singleflight.Group.
	group singleflight.Group
}

// NewCoordinator wires a Coordinator. wsEnabled reports the current
// ws_enabled feature flag, stamped into every built snapshot's meta.
func NewCoordinator(registry *revision.Registry, cache *Cache, builder *Builder, store kvstore.Store, buildLockTTL time.Duration, wsEnabled func() bool, log obslog.Logger) *Coordinator {
	if log == nil {
		log = obslog.Discard()
	}
	return &Coordinator{
		registry:     registry,
		cache:        cache,
		builder:      builder,
		store:        store,
		buildLockTTL: buildLockTTL,
		wsEnabled:    wsEnabled,
		log:          log,
	}
}

func buildLockKey(schoolID int64) string { return fmt.Sprintf("build_lock:%d", schoolID) }

// Get resolves the current snapshot for schoolID following spec.md §4.3's
// read path: cache hit, else single-flight build, else stale fallback,
// else ErrBuildUnavailable.
func (c *Coordinator) Get(ctx context.Context, schoolID int64) (Result, error) {
	rev, err := c.registry.Get(ctx, schoolID)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: read revision: %w", err)
	}

	if doc, hit, err := c.cache.Get(ctx, schoolID, rev); err == nil && hit {
		etag, err := ETag(doc)
		if err != nil {
			return Result{}, err
		}
		return Result{Doc: doc, ETag: etag}, nil
	}

	key := strconv.FormatInt(schoolID, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.buildOrFallback(ctx, schoolID, rev)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Coordinator) buildOrFallback(ctx context.Context, schoolID, rev int64) (Result, error) {
	acquired, err := c.store.ConditionalSet(ctx, buildLockKey(schoolID), []byte("1"), c.buildLockTTL)
	if err != nil {
		c.log.Warn("snapshot: build lock check failed", "school_id", schoolID, "error", err)
	}

	if acquired {
		defer func() {
			if err := c.store.Delete(ctx, buildLockKey(schoolID)); err != nil {
				c.log.Warn("snapshot: failed to release build lock", "school_id", schoolID, "error", err)
			}
		}()

		doc, err := c.builder.Build(ctx, schoolID, rev, c.wsEnabled())
		if err != nil {
			return Result{}, fmt.Errorf("snapshot: build: %w", err)
		}
		if err := c.cache.Put(ctx, schoolID, rev, doc); err != nil {
			c.log.Warn("snapshot: failed to cache fresh build", "school_id", schoolID, "error", err)
		}
		etag, err := ETag(doc)
		if err != nil {
			return Result{}, err
		}
		return Result{Doc: doc, ETag: etag}, nil
	}

	// Someone else is building. Serve stale immediately rather than
	// rebuilding inline (spec.md §4.3: "Do not rebuild inline").
	if doc, staleRev, found, err := c.cache.FindStale(ctx, schoolID); err == nil && found {
		doc.Meta.IsStale = true
		doc.Meta.StaleWarning = staleWarning
		doc.Meta.ScheduleRevision = staleRev
		etag, err := ETag(doc)
		if err != nil {
			return Result{}, err
		}
		return Result{Doc: doc, ETag: etag, IsStale: true}, nil
	}

	// No stale doc either: wait briefly for the lock holder, then re-read
	// once before giving up.
	select {
	case <-time.After(stalePollInterval):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if doc, hit, err := c.cache.Get(ctx, schoolID, rev); err == nil && hit {
		etag, err := ETag(doc)
		if err != nil {
			return Result{}, err
		}
		return Result{Doc: doc, ETag: etag}, nil
	}

	return Result{}, ErrBuildUnavailable
}

const (
	stalePollInterval = 200 * time.Millisecond
	staleWarning      = "showing a previously built version while we refresh your school's schedule"
)
