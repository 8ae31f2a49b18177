package store

import (
	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// ListEvents returns every event recorded for a machine, in id order,
// optionally starting strictly after afterID (afterID == 0 means "all").
func (s *Store) ListEvents(machineID string, afterID int64, limit int) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, machine, type, status, source, message, created_at
		 FROM machine_events WHERE machine = ? AND id > ? ORDER BY id LIMIT ?`,
		machineID, afterID, limit,
	)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list events for machine %s", machineID)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Machine, &e.Type, &e.Status, &e.Source, &e.Message, &e.CreatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan event row")
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// TrimEvents enforces the per-machine retention policy (§9 Open Questions:
// resolved as whichever of count or age trims first): deletes events beyond
// maxCount (oldest first) and events older than maxAgeSeconds.
func (s *Store) TrimEvents(machineID string, maxCount int, maxAgeSeconds int64) error {
	if _, err := s.db.Exec(
		`DELETE FROM machine_events WHERE machine = ? AND created_at < datetime('now', ? || ' seconds')`,
		machineID, -maxAgeSeconds,
	); err != nil {
		return apierr.Wrap(err, apierr.Internal, "trim aged events for machine %s", machineID)
	}

	if _, err := s.db.Exec(
		`DELETE FROM machine_events WHERE machine = ? AND id NOT IN (
			SELECT id FROM machine_events WHERE machine = ? ORDER BY id DESC LIMIT ?
		)`,
		machineID, machineID, maxCount,
	); err != nil {
		return apierr.Wrap(err, apierr.Internal, "trim excess events for machine %s", machineID)
	}
	return nil
}
