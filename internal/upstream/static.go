package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// StaticProviders is a file-backed Providers implementation for local
// development and integration tests: it loads one JSON document per
// school and serves it read-only, recomputing the live state
// (before/period/break/off/after + remaining_seconds) from the day's
// schedule against the clock. A production deployment replaces this
// with an adapter over its own admin database; this system intentionally
// never talks to that database directly.
type StaticProviders struct {
	mu      sync.RWMutex
	schools map[int64]staticSchool
}

type staticSchool struct {
	Settings      types.Settings             `json:"settings"`
	DayPath       []types.DayPathEntry       `json:"day_path"`
	Periods       []staticPeriod             `json:"periods"`
	PeriodClasses []types.PeriodClassEntry   `json:"period_classes"`
	Standby       []types.StandbyEntry       `json:"standby"`
	Duty          types.Duty                 `json:"duty"`
	Announcements []types.Announcement       `json:"announcements"`
	Excellence    []types.Excellence         `json:"excellence"`
}

type staticPeriod struct {
	Index   int    `json:"index"`
	Class   string `json:"class"`
	Subject string `json:"subject"`
	Teacher string `json:"teacher"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// NewStaticProviders loads school fixtures from a directory containing
// one "<school_id>.json" file per tenant. A missing directory yields an
// empty provider set (every lookup then behaves as "no data", which the
// builder degrades gracefully).
func NewStaticProviders(dir string) (*StaticProviders, error) {
	p := &StaticProviders{schools: map[int64]staticSchool{}}
	if dir == "" {
		return p, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("upstream: read fixtures dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var schoolID int64
		if _, err := fmt.Sscanf(entry.Name(), "%d.json", &schoolID); err != nil {
			continue
		}
		data, err := os.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("upstream: read fixture %s: %w", entry.Name(), err)
		}
		var school staticSchool
		if err := json.Unmarshal(data, &school); err != nil {
			return nil, fmt.Errorf("upstream: parse fixture %s: %w", entry.Name(), err)
		}
		p.schools[schoolID] = school
	}
	return p, nil
}

func (p *StaticProviders) DayPath(ctx context.Context, schoolID int64, at time.Time) ([]types.DayPathEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].DayPath, nil
}

func (p *StaticProviders) CurrentAndNext(ctx context.Context, schoolID int64, at time.Time) (types.State, *types.PeriodBlock, *types.PeriodBlock, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	periods := p.schools[schoolID].Periods
	nowMinutes := at.Hour()*60 + at.Minute()

	for i, period := range periods {
		fromMin, toMin := minutesOf(period.From), minutesOf(period.To)
		if nowMinutes >= fromMin && nowMinutes < toMin {
			current := &types.PeriodBlock{Index: period.Index, Class: period.Class, Subject: period.Subject, Teacher: period.Teacher, From: period.From, To: period.To}
			var next *types.PeriodBlock
			if i+1 < len(periods) {
				n := periods[i+1]
				next = &types.PeriodBlock{Index: n.Index, Class: n.Class, Subject: n.Subject, Teacher: n.Teacher, From: n.From, To: n.To}
			}
			remaining := (toMin - nowMinutes) * 60
			state := types.State{Type: types.StatePeriod, From: period.From, To: period.To, RemainingSeconds: remaining}
			return state, current, next, nil
		}
	}

	if len(periods) == 0 {
		return types.State{Type: types.StateOff}, nil, nil, nil
	}
	for i, period := range periods {
		fromMin := minutesOf(period.From)
		if nowMinutes >= fromMin {
			continue
		}
		next := &types.PeriodBlock{Index: period.Index, Class: period.Class, Subject: period.Subject, Teacher: period.Teacher, From: period.From, To: period.To}
		state := types.State{Type: types.StateBefore, To: period.From, RemainingSeconds: (fromMin - nowMinutes) * 60}
		if i > 0 {
			state.Type, state.From = types.StateBreak, periods[i-1].To
		}
		return state, nil, next, nil
	}
	return types.State{Type: types.StateAfter}, nil, nil, nil
}

func (p *StaticProviders) PeriodClasses(ctx context.Context, schoolID int64, at time.Time) ([]types.PeriodClassEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].PeriodClasses, nil
}

func (p *StaticProviders) Standby(ctx context.Context, schoolID int64, at time.Time) ([]types.StandbyEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].Standby, nil
}

func (p *StaticProviders) Duty(ctx context.Context, schoolID int64, at time.Time) (types.Duty, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].Duty, nil
}

func (p *StaticProviders) Announcements(ctx context.Context, schoolID int64) ([]types.Announcement, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].Announcements, nil
}

func (p *StaticProviders) Excellence(ctx context.Context, schoolID int64) ([]types.Excellence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].Excellence, nil
}

func (p *StaticProviders) Settings(ctx context.Context, schoolID int64) (types.Settings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.schools[schoolID].Settings, nil
}

func minutesOf(hhmm string) int {
	var h, m int
	fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	return h*60 + m
}

var _ Providers = (*StaticProviders)(nil)
