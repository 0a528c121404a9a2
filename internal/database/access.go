package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/viperadnan-git/gpushare/internal/core/access"
	"github.com/viperadnan-git/gpushare/internal/core/service"
)

const reservationColumns = `
	id, user_id, (SELECT username FROM users WHERE users.id = reservations.user_id),
	resource_id, title, starts_at, ends_at, is_cancelled`

const reservationSelect = "SELECT " + reservationColumns + " FROM reservations"

func scanReservation(row pgx.CollectableRow) (access.Reservation, error) {
	var r access.Reservation
	err := row.Scan(&r.ID, &r.UserID, &r.UserName, &r.ResourceID, &r.Title, &r.Start, &r.End, &r.Cancelled)
	r.Start, r.End = r.Start.UTC(), r.End.UTC()
	return r, err
}

func (s *Store) queryReservations(ctx context.Context, where string, args ...any) ([]access.Reservation, error) {
	rows, err := s.pool.Query(ctx, reservationSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanReservation)
}

func (s *Store) UserReservations(ctx context.Context, userID int64, endingAfter time.Time) ([]access.Reservation, error) {
	return s.queryReservations(ctx,
		"WHERE user_id = $1 AND ends_at > $2 ORDER BY starts_at, id", userID, endingAfter)
}

func (s *Store) ResourceReservations(ctx context.Context, resourceID string, iv access.Interval) ([]access.Reservation, error) {
	return s.queryReservations(ctx, `
		WHERE NOT is_cancelled AND resource_id = $1
		  AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at, id`, resourceID, iv.Start, iv.End)
}

func (s *Store) ActiveReservations(ctx context.Context, now time.Time) ([]access.Reservation, error) {
	return s.queryReservations(ctx,
		"WHERE NOT is_cancelled AND starts_at <= $1 AND ends_at > $1", now)
}

func (s *Store) UpcomingReservations(ctx context.Context, now time.Time) ([]access.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (resource_id) `+reservationColumns+`
		FROM reservations
		WHERE NOT is_cancelled AND starts_at > $1
		ORDER BY resource_id, starts_at`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanReservation)
}

func (s *Store) SetReservationCancelled(ctx context.Context, id int64, cancelled bool) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE reservations SET is_cancelled = $2 WHERE id = $1", id, cancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %d: %w", id, service.ErrNotFound)
	}
	return nil
}

func (s *Store) RestrictionUsers(ctx context.Context, restrictionID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id FROM users u
		WHERE EXISTS (SELECT 1 FROM restrictions r WHERE r.id = $1 AND r.is_global)
		UNION
		SELECT user_id FROM restriction_users WHERE restriction_id = $1
		UNION
		SELECT ug.user_id
		FROM restriction_groups rg
		JOIN user_groups ug ON ug.group_id = rg.group_id
		WHERE rg.restriction_id = $1`, restrictionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// UserRestrictions returns the restrictions reaching the user that end
// after endingAfter, schedules included. Callers pass the start of the
// interval being checked, not the current time.
func (s *Store) UserRestrictions(ctx context.Context, userID int64, endingAfter time.Time) ([]access.Restriction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.starts_at, r.ends_at, r.is_global,
		       ARRAY(SELECT user_id FROM restriction_users WHERE restriction_id = r.id),
		       ARRAY(SELECT group_id FROM restriction_groups WHERE restriction_id = r.id),
		       ARRAY(SELECT resource_id FROM restriction_resources WHERE restriction_id = r.id)
		FROM restrictions r
		WHERE (r.ends_at IS NULL OR r.ends_at > $2)
		  AND (r.is_global
		       OR r.id IN (SELECT restriction_id FROM restriction_users WHERE user_id = $1)
		       OR r.id IN (
		           SELECT rg.restriction_id
		           FROM restriction_groups rg
		           JOIN user_groups ug ON ug.group_id = rg.group_id
		           WHERE ug.user_id = $1))
		ORDER BY r.id`, userID, endingAfter)
	if err != nil {
		return nil, err
	}
	restrictions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (access.Restriction, error) {
		var r access.Restriction
		err := row.Scan(&r.ID, &r.Name, &r.StartsAt, &r.EndsAt, &r.Global,
			&r.UserIDs, &r.GroupIDs, &r.ResourceIDs)
		r.StartsAt = r.StartsAt.UTC()
		r.EndsAt = utcPtr(r.EndsAt)
		return r, err
	})
	if err != nil || len(restrictions) == 0 {
		return restrictions, err
	}

	ids := make([]int64, len(restrictions))
	byID := make(map[int64]*access.Restriction, len(restrictions))
	for i := range restrictions {
		ids[i] = restrictions[i].ID
		byID[restrictions[i].ID] = &restrictions[i]
	}
	rows, err = s.pool.Query(ctx, `
		SELECT id, restriction_id, days, minute_start, minute_end
		FROM restriction_schedules
		WHERE restriction_id = ANY($1)
		ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sc            access.Schedule
			restrictionID int64
			days          string
		)
		if err := rows.Scan(&sc.ID, &restrictionID, &days, &sc.HourStart, &sc.HourEnd); err != nil {
			return nil, err
		}
		parsed, ok := access.ParseDays(days)
		if !ok {
			return nil, fmt.Errorf("schedule %d: invalid days %q", sc.ID, days)
		}
		sc.Days = parsed
		if r := byID[restrictionID]; r != nil {
			r.Schedules = append(r.Schedules, sc)
		}
	}
	return restrictions, rows.Err()
}
