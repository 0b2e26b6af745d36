package clientsim

import (
	"context"
	"strconv"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// StatusResult is the decoded outcome of one status poll.
type StatusResult struct {
	NotModified      bool
	FetchRequired    bool
	ScheduleRevision int64
	ServerTimeMS     int64
}

// SnapshotResult is the decoded outcome of one snapshot fetch.
type SnapshotResult struct {
	NotModified  bool
	ETag         string
	Snapshot     types.Snapshot
	ServerTimeMS int64
}

// HTTPError is returned by a Transport to report a non-2xx/304 response
// that still carries protocol meaning (429, 403) rather than a transport
// failure.
type HTTPError struct {
	StatusCode int
	Code       string // wire error code, e.g. "screen_bound", "rate_limited"
}

func (e *HTTPError) Error() string {
	return "clientsim: http " + strconv.Itoa(e.StatusCode) + " " + e.Code
}

// Transport performs the two HTTP calls the runtime needs. Production
// code backs it with net/http; tests back it with a fake that returns
// scripted results, so the whole polling/backoff/transition state
// machine runs without a real server or real time.
type Transport interface {
	// Status polls for a revision change. clientRev is the caller's
	// last-known revision; status takes no ETag (it never
	// conditionally-GETs).
	Status(ctx context.Context, token, deviceID string, clientRev int64) (StatusResult, error)
	// Snapshot fetches the full document, honoring If-None-Match via
	// ifNoneMatch when non-empty.
	Snapshot(ctx context.Context, token, deviceID string, ifNoneMatch string, transition bool) (SnapshotResult, error)
}
