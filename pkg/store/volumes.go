package store

import (
	"database/sql"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// CreateVolume inserts a new, unattached volume.
func (s *Store) CreateVolume(v *Volume) error {
	v.CreatedAt = now()
	_, err := s.db.Exec(
		`INSERT INTO volumes (id, app, name, size_gb, attached_to, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.App, v.Name, v.SizeGB, v.AttachedTo, v.CreatedAt,
	)
	if err != nil {
		return apierr.Wrap(err, apierr.Conflict, "volume %s/%s already exists", v.App, v.Name)
	}
	return nil
}

// GetVolume returns the volume by id, or NotFound.
func (s *Store) GetVolume(id string) (*Volume, error) {
	row := s.db.QueryRow(`SELECT id, app, name, size_gb, attached_to, created_at FROM volumes WHERE id = ?`, id)
	var v Volume
	if err := row.Scan(&v.ID, &v.App, &v.Name, &v.SizeGB, &v.AttachedTo, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "volume %s not found", id)
		}
		return nil, apierr.Wrap(err, apierr.Internal, "get volume %s", id)
	}
	return &v, nil
}

// ListVolumes returns every volume scoped to app.
func (s *Store) ListVolumes(app string) ([]*Volume, error) {
	rows, err := s.db.Query(`SELECT id, app, name, size_gb, attached_to, created_at FROM volumes WHERE app = ? ORDER BY name`, app)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list volumes for app %s", app)
	}
	defer rows.Close()

	var volumes []*Volume
	for rows.Next() {
		var v Volume
		if err := rows.Scan(&v.ID, &v.App, &v.Name, &v.SizeGB, &v.AttachedTo, &v.CreatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan volume row")
		}
		volumes = append(volumes, &v)
	}
	return volumes, rows.Err()
}

// AttachVolume binds a volume to a machine, failing with Conflict if it's
// already attached elsewhere.
func (s *Store) AttachVolume(volumeID, machineID string) error {
	res, err := s.db.Exec(
		`UPDATE volumes SET attached_to = ? WHERE id = ? AND attached_to = ''`,
		machineID, volumeID,
	)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "attach volume %s", volumeID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.Conflict, "volume %s is already attached", volumeID)
	}
	return nil
}

// DetachVolume releases a volume's attachment, requiring the caller to have
// already confirmed the owning machine is stopped or destroyed.
func (s *Store) DetachVolume(volumeID string) error {
	_, err := s.db.Exec(`UPDATE volumes SET attached_to = '' WHERE id = ?`, volumeID)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "detach volume %s", volumeID)
	}
	return nil
}

// DeleteVolume removes a volume row, requiring it be detached first.
func (s *Store) DeleteVolume(volumeID string) error {
	res, err := s.db.Exec(`DELETE FROM volumes WHERE id = ? AND attached_to = ''`, volumeID)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "delete volume %s", volumeID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.New(apierr.Conflict, "volume %s is attached; detach before deleting", volumeID)
	}
	return nil
}

// ReleaseVolumesForMachine detaches every volume currently attached to
// machineID, used when a machine is force-removed out from under its
// attachments (§3 invariant: a volume is attached to at most one machine).
func (s *Store) ReleaseVolumesForMachine(machineID string) error {
	_, err := s.db.Exec(`UPDATE volumes SET attached_to = '' WHERE attached_to = ?`, machineID)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "release volumes for machine %s", machineID)
	}
	return nil
}
