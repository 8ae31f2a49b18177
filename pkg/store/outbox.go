package store

import (
	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// Kinds of outbox entries a Transition may carry in OutboxKind; the drainer
// dispatches on these to decide which side effect to (re-)attempt. The
// lifecycle manager's own transitions currently set no OutboxKind.
const (
	OutboxRuntimeStart   = "runtime_start"
	OutboxRuntimeStop    = "runtime_stop"
	OutboxRuntimeRemove  = "runtime_remove"
	OutboxDNSRegister    = "dns_register"
	OutboxDNSDeregister  = "dns_deregister"
	OutboxSupervisorSync = "supervisor_sync"
)

// PendingOutbox returns unattempted outbox entries in enqueue order, up to
// limit, for the drainer to process.
func (s *Store) PendingOutbox(limit int) ([]*OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, machine, kind, payload_json, attempted, created_at
		 FROM machine_outbox WHERE attempted = 0 ORDER BY id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list pending outbox entries")
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var attempted int
		if err := rows.Scan(&e.ID, &e.Machine, &e.Kind, &e.PayloadJSON, &attempted, &e.CreatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan outbox row")
		}
		e.Attempted = attempted != 0
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkOutboxAttempted records that an outbox entry's side effect has been
// attempted at least once, whether or not it ultimately succeeded — the
// drainer logs a failure as a warning and leaves it to the reconciler,
// rather than retrying the same outbox row.
func (s *Store) MarkOutboxAttempted(id int64) error {
	_, err := s.db.Exec(`UPDATE machine_outbox SET attempted = 1 WHERE id = ?`, id)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "mark outbox entry %d attempted", id)
	}
	return nil
}
