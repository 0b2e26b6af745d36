// Package snapshot implements the snapshot builder, cache, and
// single-flight build coordinator (spec.md §4.2, §4.3).
package snapshot

import (
	"context"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
	"github.com/azzam1122112-dot/school-display/internal/upstream"
)

// Clock abstracts "now" so builds are deterministic in tests.
type Clock func() time.Time

// Builder produces the full per-school document a display needs in one
// pass (spec.md §4.2). It is read-only and must tolerate partial upstream
// data: any provider error degrades that section to its zero value rather
// than failing the whole build, because a display showing nine of ten
// sections beats a display showing a loading spinner forever.
type Builder struct {
	providers upstream.Providers
	now       Clock
}

// NewBuilder constructs a Builder over the given upstream providers.
func NewBuilder(providers upstream.Providers, now Clock) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{providers: providers, now: now}
}

// Build assembles the snapshot document for schoolID at the current
// instant. revision is stamped into meta.schedule_revision by the caller
// (the build coordinator), not computed here, so two concurrent builds
// for the same (school, revision) key are only permitted to differ in
// meta.now (spec.md §4.2 determinism contract).
func (b *Builder) Build(ctx context.Context, schoolID int64, revision int64, wsEnabled bool) (types.Snapshot, error) {
	now := b.now()

	settings, err := b.providers.Settings(ctx, schoolID)
	if err != nil {
		settings = types.Settings{}
	}

	state, current, next, err := b.providers.CurrentAndNext(ctx, schoolID, now)
	if err != nil {
		state = types.State{Type: types.StateOff}
		current, next = nil, nil
	}
	state.RemainingSeconds = clampRemaining(state.RemainingSeconds)
	if state.Type != types.StatePeriod {
		current = nil
	}

	dayPath, err := b.providers.DayPath(ctx, schoolID, now)
	if err != nil {
		dayPath = nil
	}

	periodClasses, err := b.providers.PeriodClasses(ctx, schoolID, now)
	if err != nil {
		periodClasses = nil
	}

	standby, err := b.providers.Standby(ctx, schoolID, now)
	if err != nil {
		standby = nil
	}

	duty, err := b.providers.Duty(ctx, schoolID, now)
	if err != nil {
		duty = types.Duty{}
	}

	announcements, err := b.providers.Announcements(ctx, schoolID)
	if err != nil {
		announcements = nil
	}

	excellence, err := b.providers.Excellence(ctx, schoolID)
	if err != nil {
		excellence = nil
	}

	doc := types.Snapshot{
		Settings:      settings,
		State:         state,
		CurrentPeriod: current,
		NextPeriod:    next,
		DayPath:       dayPath,
		Standby:       standby,
		PeriodClasses: periodClasses,
		Duty:          duty,
		Announcements: announcements,
		Excellence:    excellence,
		DateInfo:      buildDateInfo(now),
		Now:           now.Format(time.RFC3339),
		Meta: types.Meta{
			ScheduleRevision: revision,
			WSEnabled:        wsEnabled,
			LocalDate:        now.Format("2006-01-02"),
		},
	}

	return doc, nil
}

// clampRemaining enforces spec.md §4.2: remaining_seconds is clamped to
// >= 0 (never negative, even if upstream data briefly disagrees with the
// clock around a boundary).
func clampRemaining(seconds int) int {
	if seconds < 0 {
		return 0
	}
	return seconds
}

func buildDateInfo(now time.Time) types.DateInfo {
	return types.DateInfo{
		Gregorian: map[string]any{
			"year":  now.Year(),
			"month": int(now.Month()),
			"day":   now.Day(),
		},
		// Hijri conversion is owned by the external admin data model;
		// this builder only reserves the wire shape (spec.md §6).
		Hijri: map[string]any{},
	}
}
