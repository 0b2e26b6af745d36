package clientsim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// HTTPTransport backs Transport with real HTTP calls against a running
// schoold instance, with one per-request timeout (9s by default) applied
// to every call. It exists so `schoold simulate` can drive the exact same
// polling/backoff/transition state machine the browser kiosk runs,
// against a real deployment, for load testing and manual verification.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	// Timeout overrides the per-request timeout; zero uses the 9s
	// steady-state default. The same value applies to every request, the
	// first boot snapshot fetch included; there is no separate 15s
	// first-load timeout.
	Timeout time.Duration
}

// NewHTTPTransport builds an HTTPTransport with the teacher's bare
// http.Client-plus-context convention: no custom RoundTripper, deadlines
// applied per-request via context rather than Client.Timeout, so a change
// to Timeout takes effect on the next request.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: baseURL, Client: &http.Client{}}
}

func (t *HTTPTransport) Status(ctx context.Context, token, deviceID string, clientRev int64) (StatusResult, error) {
	u := fmt.Sprintf("%s/api/display/status/%s/?v=%d&dk=%s", t.BaseURL, url.PathEscape(token), clientRev, url.QueryEscape(deviceID))

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("clientsim: build status request: %w", err)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("clientsim: status request: %w", err)
	}
	defer resp.Body.Close()

	serverTimeMS, _ := strconv.ParseInt(resp.Header.Get("X-Server-Time-MS"), 10, 64)

	if resp.StatusCode == http.StatusNotModified {
		return StatusResult{NotModified: true, ServerTimeMS: serverTimeMS}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, httpErrorFromResponse(resp)
	}

	var body struct {
		ScheduleRevision int64 `json:"schedule_revision"`
		FetchRequired    bool  `json:"fetch_required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusResult{}, fmt.Errorf("clientsim: decode status response: %w", err)
	}
	return StatusResult{
		FetchRequired:    body.FetchRequired,
		ScheduleRevision: body.ScheduleRevision,
		ServerTimeMS:     serverTimeMS,
	}, nil
}

func (t *HTTPTransport) Snapshot(ctx context.Context, token, deviceID, ifNoneMatch string, transition bool) (SnapshotResult, error) {
	transitionFlag := 0
	if transition {
		transitionFlag = 1
	}
	u := fmt.Sprintf("%s/api/display/snapshot/%s/?dk=%s&transition=%d", t.BaseURL, url.PathEscape(token), url.QueryEscape(deviceID), transitionFlag)

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("clientsim: build snapshot request: %w", err)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("clientsim: snapshot request: %w", err)
	}
	defer resp.Body.Close()

	serverTimeMS, _ := strconv.ParseInt(resp.Header.Get("X-Server-Time-MS"), 10, 64)

	if resp.StatusCode == http.StatusNotModified {
		return SnapshotResult{NotModified: true, ServerTimeMS: serverTimeMS}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return SnapshotResult{}, httpErrorFromResponse(resp)
	}

	var doc types.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return SnapshotResult{}, fmt.Errorf("clientsim: decode snapshot response: %w", err)
	}
	return SnapshotResult{ETag: resp.Header.Get("ETag"), Snapshot: doc, ServerTimeMS: serverTimeMS}, nil
}

func (t *HTTPTransport) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 9 * time.Second
}

func httpErrorFromResponse(resp *http.Response) error {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &HTTPError{StatusCode: resp.StatusCode, Code: body.Code}
}
