package clientsim

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// ErrBlocked is surfaced when the server permanently rejects this device
// (screen bound to another device, or a device id is required). The
// caller's poll loop must stop; no amount of retrying recovers from it
// without operator intervention or a device-id change.
var ErrBlocked = errors.New("clientsim: blocked, stop polling")

// Phase is the runtime's coarse display mode, mirrored by the kiosk UI to
// decide what's on screen.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhaseSteady     Phase = "steady"
	PhaseTransition Phase = "transition"
	PhaseBlocked    Phase = "blocked"
)

// Event is emitted on the channel returned by Run so a host (browser glue
// or a test) can observe state transitions without polling the Runtime.
type Event struct {
	Phase     Phase
	Snapshot  *types.Snapshot // set on Render events
	Err       error           // set on transient failures; nil otherwise
	NextSleep time.Duration   // informational: the delay just chosen
}

// Clock abstracts wall time and the rng seed so tests can drive the
// runtime deterministically. Now is called frequently; Sleep blocks until
// ctx is done or the duration elapses, returning ctx.Err() in the former
// case.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Config parameterizes one Runtime instance.
type Config struct {
	Token     string
	DeviceID  string
	SchoolID  int64 // used only for the anti-stampede per-school offset
	BasePoll  time.Duration
	Transport Transport
	Clock     Clock
	Rand      *rand.Rand // nil uses a package-default source

	// PersistedOffsetMS/HasPersistedOffset seed clock sync from a prior
	// session (e.g. localStorage in the browser glue).
	PersistedOffsetMS  float64
	HasPersistedOffset bool
}

// Runtime is the client-side polling/render state machine described for
// the display kiosk: status-first polling with adaptive backoff, a
// transition window around period boundaries, WS-assisted invalidation,
// and EMA clock synchronization. It has no rendering of its own — Run
// emits Events for a host to render.
type Runtime struct {
	cfg   Config
	rng   *rand.Rand
	clock *clockSync
	back  *backoffState

	clientRev  int64
	lastETag   string
	lastDoc    *types.Snapshot
	wsNotified chan int64 // buffered 1; holds the oldest unconsumed pendingRev from a push
}

// New builds a Runtime ready for Run.
func New(cfg Config) *Runtime {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Runtime{
		cfg:        cfg,
		rng:        rng,
		clock:      newClockSync(cfg.PersistedOffsetMS, cfg.HasPersistedOffset),
		back:       newBackoffState(cfg.BasePoll),
		wsNotified: make(chan int64, 1),
	}
}

// NotifyInvalidate feeds a WS "invalidate" push into the runtime. Per the
// push-consumer contract it only sets a hint; the next poll is what
// actually fetches. Safe to call concurrently with Run.
func (r *Runtime) NotifyInvalidate(revision int64) {
	select {
	case r.wsNotified <- revision:
	default:
		// a pending hint is already queued; the existing one is at least
		// as fresh by the time it's consumed, since poll reads clientRev
		// fresh each iteration.
	}
}

// ClockOffsetMS exposes the current synchronized offset, e.g. so a host
// can persist it across reloads.
func (r *Runtime) ClockOffsetMS() float64 {
	return r.clock.OffsetMS()
}

// SetIdle switches the backoff ceiling between the active bound (45s)
// and the idle one (300s). The host (web/static/display.js) drives this
// from user-agent/visibility signals; the runtime itself has no notion
// of user presence.
func (r *Runtime) SetIdle(idle bool) {
	r.back.idle = idle
}

// Run drives the polling loop until ctx is cancelled or the server
// permanently blocks this device. The returned channel is closed on
// exit.
func (r *Runtime) Run(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		r.loop(ctx, out)
	}()
	return out
}

func (r *Runtime) loop(ctx context.Context, out chan<- Event) {
	out <- Event{Phase: PhaseLoading}

	doc, err := r.firstLoad(ctx, out)
	if err != nil {
		if errors.Is(err, ErrBlocked) {
			out <- Event{Phase: PhaseBlocked, Err: err}
		}
		return
	}

	transitionUntil := time.Time{}
	inTransition := r.maybeEnterTransition(doc)
	if inTransition {
		transitionUntil = r.clock.ServerNow(r.cfg.Clock.Now()).Add(15 * time.Second)
	}
	out <- Event{Phase: PhaseSteady, Snapshot: doc}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if inTransition && r.clock.ServerNow(r.cfg.Clock.Now()).After(transitionUntil) {
			inTransition = false
		}

		var sleep time.Duration
		switch {
		case inTransition:
			sleep = jitter(r.rng, 1200*time.Millisecond, 0.1)
		default:
			if pending := r.drainPending(); pending {
				sleep = 500 * time.Millisecond + jitter(r.rng, 50*time.Millisecond, 1.0)
			} else {
				sleep = r.back.grow(r.rng)
			}
		}

		if err := r.cfg.Clock.Sleep(ctx, sleep); err != nil {
			return
		}

		if inTransition {
			doc, notModified, err := r.fetchSnapshot(ctx, true)
			if err != nil {
				if errors.Is(err, ErrBlocked) {
					out <- Event{Phase: PhaseBlocked, Err: err}
					return
				}
				out <- Event{Phase: PhaseTransition, Err: err, NextSleep: sleep}
				continue
			}
			if !notModified {
				out <- Event{Phase: PhaseTransition, Snapshot: doc, NextSleep: sleep}
				if doc.State.RemainingSeconds > 0 {
					inTransition = false
				}
			}
			continue
		}

		status, err := r.cfg.Transport.Status(ctx, r.cfg.Token, r.cfg.DeviceID, r.clientRev)
		if err != nil {
			if blocked(err) {
				out <- Event{Phase: PhaseBlocked, Err: ErrBlocked}
				return
			}
			out <- Event{Phase: PhaseSteady, Err: err, NextSleep: sleep}
			continue
		}
		r.clock.Observe(status.ServerTimeMS, r.cfg.Clock.Now())

		if status.NotModified {
			out <- Event{Phase: PhaseSteady, NextSleep: sleep}
			continue
		}

		r.back.reset()
		doc, _, err := r.fetchSnapshot(ctx, false)
		if err != nil {
			if errors.Is(err, ErrBlocked) {
				out <- Event{Phase: PhaseBlocked, Err: err}
				return
			}
			out <- Event{Phase: PhaseSteady, Err: err, NextSleep: sleep}
			continue
		}
		out <- Event{Phase: PhaseSteady, Snapshot: doc, NextSleep: sleep}

		if r.maybeEnterTransition(doc) {
			inTransition = true
			transitionUntil = r.clock.ServerNow(r.cfg.Clock.Now()).Add(15 * time.Second)
		}
	}
}

// maybeEnterTransition reports whether a freshly fetched document should
// open the transition window: the schedule has already advanced to a
// zero (or negative, clamped) countdown and a next period is known.
func (r *Runtime) maybeEnterTransition(doc *types.Snapshot) bool {
	return doc != nil && doc.State.RemainingSeconds <= 0 && doc.NextPeriod != nil
}

// firstLoad performs the initial snapshot fetch with its own retry
// policy (2 * 1.5^k, capped 30s) distinct from steady-state backoff,
// since an unreachable server on first paint needs faster retries than
// the idle 304 backoff would give it. On success it returns the fetched
// document without emitting it; the caller decides transition-window
// entry and emits the Steady event uniformly with the main loop's path.
func (r *Runtime) firstLoad(ctx context.Context, out chan<- Event) (*types.Snapshot, error) {
	for attempt := 0; ; attempt++ {
		doc, _, err := r.fetchSnapshot(ctx, false)
		if err == nil {
			r.back.reset()
			return doc, nil
		}
		if errors.Is(err, ErrBlocked) {
			return nil, err
		}
		out <- Event{Phase: PhaseLoading, Err: err}
		delay := firstLoadBackoff(r.rng, attempt)
		if hErr, ok := asHTTPError(err); ok && hErr.StatusCode == 429 {
			if delay < 15*time.Second {
				delay = 15 * time.Second
			}
		}
		if sErr := r.cfg.Clock.Sleep(ctx, delay); sErr != nil {
			return nil, sErr
		}
	}
}

func (r *Runtime) fetchSnapshot(ctx context.Context, transition bool) (*types.Snapshot, bool, error) {
	res, err := r.cfg.Transport.Snapshot(ctx, r.cfg.Token, r.cfg.DeviceID, r.lastETag, transition)
	if err != nil {
		if blocked(err) {
			return nil, false, ErrBlocked
		}
		return nil, false, err
	}
	r.clock.Observe(res.ServerTimeMS, r.cfg.Clock.Now())
	if res.NotModified {
		return r.lastDoc, true, nil
	}
	doc := res.Snapshot
	r.lastDoc = &doc
	r.lastETag = res.ETag
	r.clientRev = doc.Meta.ScheduleRevision
	return &doc, false, nil
}

// StampedeDelay computes the anti-stampede delay for a forced refresh
// triggered purely by the host's own per-second countdown render
// reaching zero (i.e. before any server-confirmed transition has been
// observed via Run's poll loop): 1-15s random plus a deterministic
// per-school offset, so many screens whose local countdowns expire in
// the same instant don't all request at once. Run's own transition-entry
// path already has next-period data from a fresh snapshot and fetches on
// the tight ~1.2s transition cadence instead; this is for the host's
// independent per-second ticker (see web/static/display.js) to call
// before issuing its own out-of-band forced refresh.
func (r *Runtime) StampedeDelay() time.Duration {
	random := time.Duration(1+r.rng.Intn(15)) * time.Second
	schoolOffset := time.Duration(r.cfg.SchoolID%30) * time.Second
	return random + schoolOffset
}

// drainPending reports and clears a pending WS invalidation hint.
func (r *Runtime) drainPending() bool {
	select {
	case <-r.wsNotified:
		return true
	default:
		return false
	}
}

func blocked(err error) bool {
	hErr, ok := asHTTPError(err)
	if !ok {
		return false
	}
	return hErr.StatusCode == 403 && (hErr.Code == "screen_bound" || hErr.Code == "device_required")
}

func asHTTPError(err error) (*HTTPError, bool) {
	var hErr *HTTPError
	if errors.As(err, &hErr) {
		return hErr, true
	}
	return nil, false
}
