package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/azzam1122112-dot/school-display/internal/types"
)

// SQLStore is a database/sql-backed Store. It assumes a display_screens
// table with columns (token, school_id, bound_device_id, bound_at,
// is_active); spec.md §1 places ownership of this table in the
// authoritative admin data source, which this system only reads/writes
// through the narrow Store seam.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an existing *sql.DB. The caller owns the driver
// registration (spec.md is silent on the concrete RDBMS; any
// database/sql driver works against this seam).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetActiveScreen(ctx context.Context, token string) (types.DisplayScreen, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, school_id, COALESCE(bound_device_id, ''), bound_at, is_active
		FROM display_screens
		WHERE token = $1 AND is_active = true`, token)

	var screen types.DisplayScreen
	var boundAt sql.NullTime
	if err := row.Scan(&screen.Token, &screen.SchoolID, &screen.BoundDeviceID, &boundAt, &screen.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.DisplayScreen{}, ErrScreenUnknown
		}
		return types.DisplayScreen{}, fmt.Errorf("binding: sqlstore: scan: %w", err)
	}
	if boundAt.Valid {
		screen.BoundAt = boundAt.Time
	}
	return screen, nil
}

func (s *SQLStore) ConditionalBind(ctx context.Context, token, deviceID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE display_screens
		SET bound_device_id = $1, bound_at = $2
		WHERE token = $3 AND bound_device_id IS NULL`, deviceID, now, token)
	if err != nil {
		return false, fmt.Errorf("binding: sqlstore: conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("binding: sqlstore: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Rebind(ctx context.Context, token, deviceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE display_screens
		SET bound_device_id = $1, bound_at = $2
		WHERE token = $3`, deviceID, now, token)
	if err != nil {
		return fmt.Errorf("binding: sqlstore: rebind: %w", err)
	}
	return nil
}
