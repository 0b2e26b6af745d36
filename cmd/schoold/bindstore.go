package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/binding"
	"github.com/azzam1122112-dot/school-display/internal/types"
)

// openBindStore opens the DisplayScreen store. An empty dsn falls back to
// an in-process memory store so `schoold serve` runs standalone for local
// development without a real admin database configured. A non-empty dsn
// is rejected here: binding.SQLStore (see internal/binding/sqlstore.go)
// is the production seam, but which database/sql driver backs it is a
// deployment choice this binary does not make for the operator — a real
// deployment builds its own thin main that imports the driver it needs
// and calls binding.NewSQLStore directly.
func openBindStore(dsn string) (binding.Store, error) {
	if dsn == "" {
		return newMemoryBindStore(), nil
	}
	return nil, errUnsupportedScreensDSN
}

var errUnsupportedScreensDSN = errors.New("schoold: --screens-dsn requires a deployment-specific build wiring its own database/sql driver; see internal/binding.NewSQLStore")

// memoryBindStore is the dev-mode DisplayScreen store: every token is
// treated as already active and unbound the first time it is seen.
type memoryBindStore struct {
	mu      sync.Mutex
	screens map[string]types.DisplayScreen
}

func newMemoryBindStore() *memoryBindStore {
	return &memoryBindStore{screens: map[string]types.DisplayScreen{}}
}

func (s *memoryBindStore) GetActiveScreen(ctx context.Context, token string) (types.DisplayScreen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[token]
	if !ok {
		screen = types.DisplayScreen{Token: token, SchoolID: defaultSchoolID(token), IsActive: true}
		s.screens[token] = screen
	}
	return screen, nil
}

func (s *memoryBindStore) ConditionalBind(ctx context.Context, token, deviceID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[token]
	if !ok || screen.BoundDeviceID != "" {
		return false, nil
	}
	screen.BoundDeviceID = deviceID
	screen.BoundAt = now
	s.screens[token] = screen
	return true, nil
}

func (s *memoryBindStore) Rebind(ctx context.Context, token, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[token]
	if !ok {
		screen = types.DisplayScreen{Token: token, SchoolID: defaultSchoolID(token), IsActive: true}
	}
	screen.BoundDeviceID = deviceID
	screen.BoundAt = now
	s.screens[token] = screen
	return nil
}

// defaultSchoolID derives a stable school id from an unseen token so dev
// runs without a real admin database still route to a consistent tenant.
func defaultSchoolID(token string) int64 {
	var h int64 = 1
	for _, r := range token {
		h = h*31 + int64(r)
	}
	if h < 0 {
		h = -h
	}
	return h%1000 + 1
}
