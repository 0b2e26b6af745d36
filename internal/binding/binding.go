// Package binding implements the device binding service (spec.md §4.7):
// atomic enforcement of one-device-per-screen-token under concurrency.
package binding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// Typed errors the HTTP and WS layers map to 403/4403/4408 respectively.
var (
	ErrScreenUnknown  = errors.New("binding: screen unknown")
	ErrScreenBound    = errors.New("binding: screen bound to another device")
	ErrDeviceRequired = errors.New("binding: device id required")
)

// Store is the authoritative relational seam the binding service operates
// against. A real deployment backs this with its admin database; spec.md
// §1 explicitly places ownership of DisplayScreen rows outside this
// system, so Store is the only place binding touches persistence.
type Store interface {
	// GetActiveScreen reads the active DisplayScreen for token, or
	// ErrScreenUnknown if none is active.
	GetActiveScreen(ctx context.Context, token string) (types.DisplayScreen, error)

	// ConditionalBind performs "SET bound_device_id=deviceID, bound_at=now
	// WHERE token=token AND bound_device_id IS NULL" and reports whether
	// exactly one row was affected.
	ConditionalBind(ctx context.Context, token, deviceID string, now time.Time) (bool, error)

	// Rebind performs "SET bound_device_id=deviceID, bound_at=now WHERE
	// token=token", unconditionally overwriting any existing binding. Only
	// called when allow_multi_device permits a new device to take over an
	// already-bound screen (spec.md §4.7 step 3, §9 Open Question).
	Rebind(ctx context.Context, token, deviceID string, now time.Time) error
}

// Clock abstracts "now" for deterministic tests.
type Clock func() time.Time

// Service enforces spec.md §4.7's bind_atomic operation.
type Service struct {
	store            Store
	now              Clock
	allowMultiDevice func() bool
}

// NewService wires a Service. allowMultiDevice reports the current
// allow_multi_device config flag (spec.md §4.7 step 3, §9 Open Question):
// when true, a screen already bound to a different device is rebindable
// rather than rejected.
func NewService(store Store, now Clock, allowMultiDevice func() bool) *Service {
	if now == nil {
		now = time.Now
	}
	if allowMultiDevice == nil {
		allowMultiDevice = func() bool { return false }
	}
	return &Service{store: store, now: now, allowMultiDevice: allowMultiDevice}
}

// BindAtomic implements spec.md §4.7's exact algorithm. Under concurrent
// calls for the same unbound screen, exactly one caller wins; the rest
// deterministically observe ErrScreenBound. The operation is idempotent
// for the already-bound device.
func (s *Service) BindAtomic(ctx context.Context, token, deviceID string) (types.DisplayScreen, error) {
	if deviceID == "" {
		return types.DisplayScreen{}, ErrDeviceRequired
	}

	screen, err := s.store.GetActiveScreen(ctx, token)
	if err != nil {
		if errors.Is(err, ErrScreenUnknown) {
			return types.DisplayScreen{}, ErrScreenUnknown
		}
		return types.DisplayScreen{}, fmt.Errorf("binding: read screen: %w", err)
	}

	if screen.BoundDeviceID == deviceID {
		return screen, nil
	}

	if screen.IsBound() {
		if !s.allowMultiDevice() {
			return types.DisplayScreen{}, ErrScreenBound
		}
		// allow_multi_device lets a new device take over an already-bound
		// screen; bound_device_id still records the most recently
		// connecting device (DESIGN.md's Open Question decision), it just
		// never gates rejection while the flag is set.
		now := s.now()
		if err := s.store.Rebind(ctx, token, deviceID, now); err != nil {
			return types.DisplayScreen{}, fmt.Errorf("binding: rebind: %w", err)
		}
		screen.BoundDeviceID = deviceID
		screen.BoundAt = now
		return screen, nil
	}

	now := s.now()
	ok, err := s.store.ConditionalBind(ctx, token, deviceID, now)
	if err != nil {
		return types.DisplayScreen{}, fmt.Errorf("binding: conditional bind: %w", err)
	}
	if ok {
		screen.BoundDeviceID = deviceID
		screen.BoundAt = now
		return screen, nil
	}

	// Lost the race: someone else bound it between our read and our
	// conditional update. Re-read and decide.
	refreshed, err := s.store.GetActiveScreen(ctx, token)
	if err != nil {
		return types.DisplayScreen{}, fmt.Errorf("binding: re-read screen: %w", err)
	}
	if refreshed.BoundDeviceID == deviceID {
		return refreshed, nil
	}
	return types.DisplayScreen{}, ErrScreenBound
}
