// Package httpapi serves the three public HTTP endpoints spec.md §6
// describes: status, snapshot, and ws-metrics, plus a supplementary
// healthz endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/binding"
	"github.com/azzam1122112-dot/school-display/internal/metrics"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
	"github.com/azzam1122112-dot/school-display/internal/revision"
	"github.com/azzam1122112-dot/school-display/internal/snapshot"
)

// Clock abstracts "now" for deterministic tests.
type Clock func() time.Time

// Handler wires every dependency the public API needs.
type Handler struct {
	registry    *revision.Registry
	coordinator *snapshot.Coordinator
	binder      *binding.Service
	counters    *metrics.Counters
	limiter     *limiterSet
	now         Clock
	edgeMaxAge  int
	debugMode   bool
	log         obslog.Logger
}

// Config bundles Handler construction parameters.
type Config struct {
	Registry       *revision.Registry
	Coordinator    *snapshot.Coordinator
	Binder         *binding.Service
	Counters       *metrics.Counters
	RateLimitPerS  float64
	RateLimitBurst int
	EdgeMaxAgeSec  int
	DebugMode      bool
	Now            Clock
	Log            obslog.Logger
}

// NewHandler builds a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = obslog.Discard()
	}
	return &Handler{
		registry:    cfg.Registry,
		coordinator: cfg.Coordinator,
		binder:      cfg.Binder,
		counters:    cfg.Counters,
		limiter:     newLimiterSet(cfg.RateLimitPerS, cfg.RateLimitBurst),
		now:         now,
		edgeMaxAge:  cfg.EdgeMaxAgeSec,
		debugMode:   cfg.DebugMode,
		log:         log,
	}
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/display/status/{token}/", h.withRequestID(h.handleStatus))
	mux.HandleFunc("GET /api/display/snapshot/{token}/", h.withRequestID(h.handleSnapshot))
	mux.HandleFunc("GET /api/display/ws-metrics/", h.withRequestID(h.handleWSMetrics))
	mux.HandleFunc("GET /api/display/healthz", h.handleHealthz)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	deviceID := r.URL.Query().Get("dk")

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Server-Time-MS", strconv.FormatInt(h.now().UnixMilli(), 10))

	screen, err := h.bindOrReject(w, r, token, deviceID)
	if err != nil {
		return
	}

	if !h.limiter.Allow(token, deviceID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, codeRateLimited)
		return
	}

	rev, err := h.registry.Get(r.Context(), screen.SchoolID)
	if err != nil {
		h.logFor(r).Error("httpapi: status: read revision failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, codeBuildUnavailable)
		return
	}
	w.Header().Set("X-Schedule-Revision", strconv.FormatInt(rev, 10))

	clientRev, _ := strconv.ParseInt(r.URL.Query().Get("v"), 10, 64)
	if clientRev == rev {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{ScheduleRevision: rev, FetchRequired: true})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	deviceID := r.URL.Query().Get("dk")

	w.Header().Set("X-Server-Time-MS", strconv.FormatInt(h.now().UnixMilli(), 10))

	screen, err := h.bindOrReject(w, r, token, deviceID)
	if err != nil {
		return
	}

	if !h.limiter.Allow(token, deviceID) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, codeRateLimited)
		return
	}

	result, err := h.coordinator.Get(r.Context(), screen.SchoolID)
	if err != nil {
		w.Header().Set("Cache-Control", "no-store")
		if errors.Is(err, snapshot.ErrBuildUnavailable) {
			writeError(w, http.StatusServiceUnavailable, codeBuildUnavailable)
			return
		}
		h.logFor(r).Error("httpapi: snapshot: build failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, codeBuildUnavailable)
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == result.ETag {
		w.Header().Set("ETag", result.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", result.ETag)
	if result.IsStale || h.nocacheRequested(r) || h.transitionRequested(r) {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", h.cacheControlFresh())
	}

	writeJSON(w, http.StatusOK, result.Doc)
}

// nocacheRequested honors nocache=1 only in debug mode (spec.md §4.4).
func (h *Handler) nocacheRequested(r *http.Request) bool {
	return h.debugMode && r.URL.Query().Get("nocache") == "1"
}

// transitionRequested honors transition=1 (spec.md §4.4/§6): a client in
// its transition window bypasses the short-lived edge cache so a period
// boundary is never served stale from a CDN, regardless of production
// debug settings. The single-flight build lock still applies — this only
// changes the response's Cache-Control, never the coordinator call.
func (h *Handler) transitionRequested(r *http.Request) bool {
	return r.URL.Query().Get("transition") == "1"
}

func (h *Handler) cacheControlFresh() string {
	return "public, max-age=0, s-maxage=" + strconv.Itoa(h.edgeMaxAge)
}

func (h *Handler) handleWSMetrics(w http.ResponseWriter, r *http.Request) {
	if h.counters == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: codeBuildUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, h.counters.Snapshot())
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bindOrReject resolves+binds the device per spec.md §4.7 and writes the
// matching error response on failure. A nil error means screen is valid
// and the caller should continue.
func (h *Handler) bindOrReject(w http.ResponseWriter, r *http.Request, token, deviceID string) (screenResult, error) {
	if token == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return screenResult{}, errRejected
	}

	screen, err := h.binder.BindAtomic(r.Context(), token, deviceID)
	if err != nil {
		switch {
		case errors.Is(err, binding.ErrDeviceRequired):
			writeError(w, http.StatusForbidden, codeDeviceRequired)
		case errors.Is(err, binding.ErrScreenBound):
			writeError(w, http.StatusForbidden, codeScreenBound)
		case errors.Is(err, binding.ErrScreenUnknown):
			writeError(w, http.StatusForbidden, codeScreenUnknown)
		default:
			writeError(w, http.StatusForbidden, codeScreenUnknown)
		}
		return screenResult{}, errRejected
	}
	return screenResult{SchoolID: screen.SchoolID}, nil
}

type screenResult struct {
	SchoolID int64
}

var errRejected = errors.New("httpapi: request rejected")

type statusResponse struct {
	ScheduleRevision int64 `json:"schedule_revision"`
	FetchRequired    bool  `json:"fetch_required"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code wireErrorCode) {
	writeJSON(w, status, errorBody{Code: code})
}
