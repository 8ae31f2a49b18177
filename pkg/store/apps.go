package store

import (
	"database/sql"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// CreateApp inserts a new app row, returning Conflict if the name is taken.
func (s *Store) CreateApp(name, org string) (*App, error) {
	t := now()
	app := &App{Name: name, Org: org, Status: "created", CreatedAt: t, UpdatedAt: t}
	_, err := s.db.Exec(
		`INSERT INTO apps (name, org, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		app.Name, app.Org, app.Status, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Conflict, "app %s already exists", name)
	}
	return app, nil
}

// GetApp returns the app by name, or NotFound.
func (s *Store) GetApp(name string) (*App, error) {
	row := s.db.QueryRow(`SELECT name, org, status, created_at, updated_at FROM apps WHERE name = ?`, name)
	var a App
	if err := row.Scan(&a.Name, &a.Org, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "app %s not found", name)
		}
		return nil, apierr.Wrap(err, apierr.Internal, "get app %s", name)
	}
	return &a, nil
}

// ListApps returns every app, ordered by name.
func (s *Store) ListApps() ([]*App, error) {
	rows, err := s.db.Query(`SELECT name, org, status, created_at, updated_at FROM apps ORDER BY name`)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list apps")
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.Name, &a.Org, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan app row")
		}
		apps = append(apps, &a)
	}
	return apps, rows.Err()
}

// DeleteApp removes the app and cascades to its machines, volumes, and
// their dependent rows, all within one transaction.
func (s *Store) DeleteApp(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "begin delete app %s", name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM machine_outbox WHERE machine IN (SELECT id FROM machines WHERE app = ?)`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete outbox for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM machine_metadata WHERE machine IN (SELECT id FROM machines WHERE app = ?)`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete metadata for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM machine_events WHERE machine IN (SELECT id FROM machines WHERE app = ?)`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete events for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM leases WHERE machine IN (SELECT id FROM machines WHERE app = ?)`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete leases for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM machine_config WHERE machine IN (SELECT id FROM machines WHERE app = ?)`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete configs for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM volumes WHERE app = ?`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete volumes for app %s", name)
	}
	if _, err := tx.Exec(`DELETE FROM machines WHERE app = ?`, name); err != nil {
		return apierr.Wrap(err, apierr.Internal, "cascade delete machines for app %s", name)
	}
	res, err := tx.Exec(`DELETE FROM apps WHERE name = ?`, name)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "delete app %s", name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.New(apierr.NotFound, "app %s not found", name)
	}

	return tx.Commit()
}
