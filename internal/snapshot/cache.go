package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/types"
)

// Cache is the content-addressed snapshot store, keyed by (school,
// revision) per spec.md §4.3. The key deliberately does not encode the
// calendar date: revision is the sole cache-busting axis, so a school's
// cache entries don't all expire simultaneously at local midnight and
// stampede the builder.
type Cache struct {
	store kvstore.Store
	ttl   time.Duration
}

// NewCache builds a Cache. ttl bounds how long a built snapshot may be
// served before the coordinator treats it as eligible for eviction; per
// spec.md §9 this should be <= the HTTP layer's edge s-maxage.
func NewCache(store kvstore.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

func snapKey(schoolID, revision int64) string {
	return fmt.Sprintf("snap:%d:%d", schoolID, revision)
}

// Get returns the exact cached snapshot for (schoolID, revision), if any.
func (c *Cache) Get(ctx context.Context, schoolID, revision int64) (types.Snapshot, bool, error) {
	data, err := c.store.Get(ctx, snapKey(schoolID, revision))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return types.Snapshot{}, false, nil
		}
		return types.Snapshot{}, false, fmt.Errorf("snapshot cache: get: %w", err)
	}
	var doc types.Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("snapshot cache: corrupt entry: %w", err)
	}
	return doc, true, nil
}

// Put stores a freshly built snapshot.
func (c *Cache) Put(ctx context.Context, schoolID, revision int64, doc types.Snapshot) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("snapshot cache: marshal: %w", err)
	}
	if err := c.store.Set(ctx, snapKey(schoolID, revision), data, c.ttl); err != nil {
		return fmt.Errorf("snapshot cache: put: %w", err)
	}
	return nil
}

// FindStale scans for any cached snapshot of schoolID regardless of
// revision and returns the one with the highest revision number. Used
// only on the stale-fallback path (spec.md §4.3) when the current
// revision is a cache miss and the build lock is held elsewhere.
func (c *Cache) FindStale(ctx context.Context, schoolID int64) (types.Snapshot, int64, bool, error) {
	keys, err := c.store.Scan(ctx, fmt.Sprintf("snap:%d:*", schoolID))
	if err != nil {
		return types.Snapshot{}, 0, false, fmt.Errorf("snapshot cache: scan: %w", err)
	}
	if len(keys) == 0 {
		return types.Snapshot{}, 0, false, nil
	}

	revs := make([]int64, 0, len(keys))
	byRev := make(map[int64]string, len(keys))
	prefix := fmt.Sprintf("snap:%d:", schoolID)
	for _, k := range keys {
		revStr := strings.TrimPrefix(k, prefix)
		rev, err := strconv.ParseInt(revStr, 10, 64)
		if err != nil {
			continue
		}
		revs = append(revs, rev)
		byRev[rev] = k
	}
	if len(revs) == 0 {
		return types.Snapshot{}, 0, false, nil
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] > revs[j] })
	newest := revs[0]

	data, err := c.store.Get(ctx, byRev[newest])
	if err != nil {
		return types.Snapshot{}, 0, false, fmt.Errorf("snapshot cache: get stale: %w", err)
	}
	var doc types.Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Snapshot{}, 0, false, fmt.Errorf("snapshot cache: corrupt stale entry: %w", err)
	}
	return doc, newest, true, nil
}

// ETag computes a strong ETag over the canonical (re-marshaled,
// key-sorted-by-struct-field-order) JSON bytes of doc. Two byte-identical
// documents always produce the same ETag, and conditional GETs with a
// matching If-None-Match can short-circuit to 304 (spec.md §4.3, §8).
func ETag(doc types.Snapshot) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("snapshot cache: etag marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`, nil
}
