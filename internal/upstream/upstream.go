// Package upstream declares the read-only contracts the snapshot builder
// consults. The concrete administrative data model (classes, teachers,
// subjects, schedules) is explicitly out of scope for this system
// (spec.md §1): it is owned and operated by another service. These
// interfaces are the seam a real deployment implements against its own
// database; nothing in this package talks to a store directly.
package upstream

import (
	"context"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// ScheduleProvider resolves the day's timeline and the live schedule
// state for a school at a given instant.
type ScheduleProvider interface {
	// DayPath returns the full day's periods/breaks for schoolID on the
	// calendar date implied by at (in the school's local time zone).
	DayPath(ctx context.Context, schoolID int64, at time.Time) ([]types.DayPathEntry, error)

	// CurrentAndNext returns the active state plus the current and next
	// period blocks, if any, for schoolID at the given instant.
	CurrentAndNext(ctx context.Context, schoolID int64, at time.Time) (types.State, *types.PeriodBlock, *types.PeriodBlock, error)

	// PeriodClasses returns the day's period/class roster.
	PeriodClasses(ctx context.Context, schoolID int64, at time.Time) ([]types.PeriodClassEntry, error)
}

// StandbyProvider resolves substitute-teacher assignments.
type StandbyProvider interface {
	Standby(ctx context.Context, schoolID int64, at time.Time) ([]types.StandbyEntry, error)
}

// DutyProvider resolves supervision/duty assignments.
type DutyProvider interface {
	Duty(ctx context.Context, schoolID int64, at time.Time) (types.Duty, error)
}

// AnnouncementProvider resolves active announcements.
type AnnouncementProvider interface {
	Announcements(ctx context.Context, schoolID int64) ([]types.Announcement, error)
}

// ExcellenceProvider resolves excellence/highlight cards.
type ExcellenceProvider interface {
	Excellence(ctx context.Context, schoolID int64) ([]types.Excellence, error)
}

// SettingsProvider resolves per-school display preferences and feature
// state.
type SettingsProvider interface {
	Settings(ctx context.Context, schoolID int64) (types.Settings, error)
}

// Providers bundles every upstream contract the builder needs. A
// deployment wires one concrete implementation (typically backed by its
// relational admin database) satisfying all of them; tests use stubs.
type Providers interface {
	ScheduleProvider
	StandbyProvider
	DutyProvider
	AnnouncementProvider
	ExcellenceProvider
	SettingsProvider
}
