package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calmirror/internal/models"
)

const upsertDeletion = `INSERT INTO deleted_events
	(id, deleted_at, synced_to_caldav, calendar_name, calendar_path, caldav_filename, attempts)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT (id) DO UPDATE SET
		deleted_at = excluded.deleted_at,
		synced_to_caldav = excluded.synced_to_caldav,
		calendar_name = COALESCE(NULLIF(excluded.calendar_name, ''), deleted_events.calendar_name),
		calendar_path = COALESCE(NULLIF(excluded.calendar_path, ''), deleted_events.calendar_path),
		caldav_filename = COALESCE(NULLIF(excluded.caldav_filename, ''), deleted_events.caldav_filename),
		attempts = 0`

// DeleteEvent removes a cached event and queues its deletion for the remote
// calendar. Both happen in one transaction. The returned record carries the
// event's remote location.
func (s *Store) DeleteEvent(ctx context.Context, id string) (models.DeletedEvent, error) {
	return s.moveToDeleted(ctx, id, false)
}

// TrackRemoteDeletion removes a cached event that no longer exists remotely.
// The deletion record is created already synced.
func (s *Store) TrackRemoteDeletion(ctx context.Context, id string) (models.DeletedEvent, error) {
	return s.moveToDeleted(ctx, id, true)
}

func (s *Store) moveToDeleted(ctx context.Context, id string, synced bool) (models.DeletedEvent, error) {
	rec := models.DeletedEvent{ID: id, DeletedAt: s.now().UTC().Truncate(time.Millisecond), Synced: synced}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			s.rebind("SELECT calendar_name, calendar_path, caldav_filename FROM events WHERE id = ?"), id,
		).Scan(&rec.CalendarName, &rec.CalendarPath, &rec.Filename)
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load event %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM events WHERE id = ?"), id); err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(upsertDeletion),
			id, rec.DeletedAt.UnixMilli(), boolInt(synced), rec.CalendarName, rec.CalendarPath, rec.Filename,
		); err != nil {
			return fmt.Errorf("track deletion of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return models.DeletedEvent{}, err
	}
	return rec, nil
}

// GetDeletedEventsToSync returns deletions not yet confirmed remotely,
// oldest first.
func (s *Store) GetDeletedEventsToSync(ctx context.Context) ([]models.DeletedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deleted_at, synced_to_caldav, calendar_name, calendar_path, caldav_filename, attempts
		FROM deleted_events
		WHERE synced_to_caldav = 0
		ORDER BY deleted_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query deleted events: %w", err)
	}
	defer rows.Close()

	out := make([]models.DeletedEvent, 0)
	for rows.Next() {
		var (
			rec       models.DeletedEvent
			deletedAt int64
			synced    int
		)
		if err := rows.Scan(&rec.ID, &deletedAt, &synced, &rec.CalendarName, &rec.CalendarPath, &rec.Filename, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scan deleted event: %w", err)
		}
		rec.DeletedAt = fromMillis(deletedAt)
		rec.Synced = synced != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkDeletedEventSynced records that a deletion reached the remote calendar.
func (s *Store) MarkDeletedEventSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE deleted_events SET synced_to_caldav = 1 WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("mark deletion %s synced: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: deletion %s", ErrNotFound, id)
	}
	return nil
}

// RecordPropagationAttempt counts one failed attempt to propagate a deletion
// and returns the new total.
func (s *Store) RecordPropagationAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind("UPDATE deleted_events SET attempts = attempts + 1 WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("record attempt for %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: deletion %s", ErrNotFound, id)
		}
		return tx.QueryRowContext(ctx, s.rebind("SELECT attempts FROM deleted_events WHERE id = ?"), id).Scan(&attempts)
	})
	return attempts, err
}

// PurgeDeletedEvents drops synced deletion records older than cutoff.
func (s *Store) PurgeDeletedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM deleted_events WHERE synced_to_caldav = 1 AND deleted_at < ?"), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge deleted events: %w", err)
	}
	return res.RowsAffected()
}
