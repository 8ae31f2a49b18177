package store

import (
	"database/sql"
	"time"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// AcquireLease creates or replaces the lease on a machine, provided none
// exists, the existing one has expired, or currentNonce matches the existing
// lease's nonce (a refresh — §4.6: "leases are refreshed by re-acquiring
// with the current nonce"). Returns ConflictLease otherwise.
func (s *Store) AcquireLease(machineID, nonce, owner, description, version string, ttl time.Duration, currentNonce string) (*Lease, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "begin acquire lease for %s", machineID)
	}
	defer tx.Rollback()

	existing, err := queryLease(tx.QueryRow(`SELECT machine, nonce, owner, description, version, expires_at, created_at FROM leases WHERE machine = ?`, machineID))
	if err != nil && err != sql.ErrNoRows {
		return nil, apierr.Wrap(err, apierr.Internal, "check existing lease for %s", machineID)
	}
	isRefresh := err == nil && currentNonce != "" && existing.Nonce == currentNonce
	if err == nil && !existing.Expired(now()) && !isRefresh {
		return nil, apierr.New(apierr.ConflictLease, "machine %s already has an active lease", machineID)
	}

	t := now()
	lease := &Lease{
		Machine:     machineID,
		Nonce:       nonce,
		Owner:       owner,
		Description: description,
		Version:     version,
		ExpiresAt:   t.Add(ttl),
		CreatedAt:   t,
	}

	_, err = tx.Exec(
		`INSERT INTO leases (machine, nonce, owner, description, version, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(machine) DO UPDATE SET nonce = excluded.nonce, owner = excluded.owner,
		   description = excluded.description, version = excluded.version,
		   expires_at = excluded.expires_at, created_at = excluded.created_at`,
		lease.Machine, lease.Nonce, lease.Owner, lease.Description, lease.Version, lease.ExpiresAt, lease.CreatedAt,
	)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "store lease for %s", machineID)
	}

	if err := tx.Commit(); err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "commit lease for %s", machineID)
	}
	return lease, nil
}

// CheckLease validates that nonce is the current, unexpired lease on
// machineID. Returns ConflictLease if not.
func (s *Store) CheckLease(machineID, nonce string) error {
	lease, err := s.GetLease(machineID)
	if err != nil {
		return apierr.New(apierr.ConflictLease, "machine %s has no active lease", machineID)
	}
	if lease.Expired(now()) {
		return apierr.New(apierr.ConflictLease, "lease on machine %s has expired", machineID)
	}
	if lease.Nonce != nonce {
		return apierr.New(apierr.ConflictLease, "lease nonce mismatch for machine %s", machineID)
	}
	return nil
}

// GetLease returns the current lease row (expired or not) for a machine.
func (s *Store) GetLease(machineID string) (*Lease, error) {
	row := s.db.QueryRow(`SELECT machine, nonce, owner, description, version, expires_at, created_at FROM leases WHERE machine = ?`, machineID)
	lease, err := queryLease(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "no lease for machine %s", machineID)
	}
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "get lease for %s", machineID)
	}
	return lease, nil
}

// ReleaseLease deletes a machine's lease outright (used by forced delete).
func (s *Store) ReleaseLease(machineID string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE machine = ?`, machineID)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "release lease for %s", machineID)
	}
	return nil
}

func queryLease(row *sql.Row) (*Lease, error) {
	var l Lease
	if err := row.Scan(&l.Machine, &l.Nonce, &l.Owner, &l.Description, &l.Version, &l.ExpiresAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}
