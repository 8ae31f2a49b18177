package store

import (
	"database/sql"
	"encoding/json"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// CreateMachine inserts a machine at generation 0 together with its initial
// configuration, in one transaction.
func (s *Store) CreateMachine(m *Machine, configJSON string) error {
	t := now()
	m.CreatedAt, m.UpdatedAt = t, t
	if m.State == "" {
		m.State = StateCreated
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "begin create machine %s", m.ID)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO machines (id, app, name, state, region, image, container_id, private_ip, generation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.App, m.Name, m.State, m.Region, m.Image, m.ContainerID, m.PrivateIP, m.Generation, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return apierr.Wrap(err, apierr.Conflict, "machine %s/%s already exists", m.App, m.Name)
	}

	if _, err := tx.Exec(
		`INSERT INTO machine_config (machine, generation, config_json, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Generation, configJSON, t,
	); err != nil {
		return apierr.Wrap(err, apierr.Internal, "store config for machine %s", m.ID)
	}

	return tx.Commit()
}

// GetMachine returns the machine by id, or NotFound.
func (s *Store) GetMachine(id string) (*Machine, error) {
	row := s.db.QueryRow(
		`SELECT id, app, name, state, region, image, container_id, private_ip, generation, created_at, updated_at
		 FROM machines WHERE id = ?`, id)
	var m Machine
	if err := row.Scan(&m.ID, &m.App, &m.Name, &m.State, &m.Region, &m.Image, &m.ContainerID, &m.PrivateIP, &m.Generation, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.New(apierr.NotFound, "machine %s not found", id)
		}
		return nil, apierr.Wrap(err, apierr.Internal, "get machine %s", id)
	}
	return &m, nil
}

// ListMachines returns every machine belonging to app.
func (s *Store) ListMachines(app string) ([]*Machine, error) {
	rows, err := s.db.Query(
		`SELECT id, app, name, state, region, image, container_id, private_ip, generation, created_at, updated_at
		 FROM machines WHERE app = ? ORDER BY created_at`, app)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list machines for app %s", app)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.ID, &m.App, &m.Name, &m.State, &m.Region, &m.Image, &m.ContainerID, &m.PrivateIP, &m.Generation, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan machine row")
		}
		machines = append(machines, &m)
	}
	return machines, rows.Err()
}

// ListNonTerminalMachines returns every machine not in the destroyed state,
// across all apps, for the reconciliation sweep.
func (s *Store) ListNonTerminalMachines() ([]*Machine, error) {
	rows, err := s.db.Query(
		`SELECT id, app, name, state, region, image, container_id, private_ip, generation, created_at, updated_at
		 FROM machines WHERE state != ? ORDER BY updated_at`, StateDestroyed)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "list non-terminal machines")
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.ID, &m.App, &m.Name, &m.State, &m.Region, &m.Image, &m.ContainerID, &m.PrivateIP, &m.Generation, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan machine row")
		}
		machines = append(machines, &m)
	}
	return machines, rows.Err()
}

// GetMachineConfig returns the configuration JSON bound to a machine's
// current generation.
func (s *Store) GetMachineConfig(machineID string, generation int64) (string, error) {
	var cfg string
	err := s.db.QueryRow(
		`SELECT config_json FROM machine_config WHERE machine = ? AND generation = ?`,
		machineID, generation,
	).Scan(&cfg)
	if err == sql.ErrNoRows {
		return "", apierr.New(apierr.NotFound, "config for machine %s generation %d not found", machineID, generation)
	}
	if err != nil {
		return "", apierr.Wrap(err, apierr.Internal, "get config for machine %s", machineID)
	}
	return cfg, nil
}

// Transition is a single-transaction commit of a machine's new state
// (optionally a new generation + config), an appended event, and outbox
// entries for the side effects the lifecycle manager must run post-commit.
type Transition struct {
	MachineID      string
	NewState       MachineState
	ContainerID    *string // nil leaves the column unchanged
	NewGeneration  *int64  // nil leaves the generation unchanged
	NewConfigJSON  string  // only used when NewGeneration is set
	EventType      string
	EventStatus    string
	EventSource    string
	EventMessage   string
	OutboxKind     string
	OutboxPayload  interface{} // marshaled to JSON; omitted if OutboxKind == ""
}

// Commit applies a Transition atomically: updates the machine row, appends
// the event (assigning the next gap-free id for the machine), and enqueues
// an outbox row if requested. Returns the assigned event id.
func (s *Store) Commit(tr Transition) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, apierr.Wrap(err, apierr.Internal, "begin transition for machine %s", tr.MachineID)
	}
	defer tx.Rollback()

	t := now()

	if tr.NewGeneration != nil {
		if _, err := tx.Exec(
			`UPDATE machines SET state = ?, generation = ?, updated_at = ? WHERE id = ?`,
			tr.NewState, *tr.NewGeneration, t, tr.MachineID,
		); err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "update machine %s", tr.MachineID)
		}
		if _, err := tx.Exec(
			`INSERT INTO machine_config (machine, generation, config_json, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(machine, generation) DO NOTHING`,
			tr.MachineID, *tr.NewGeneration, tr.NewConfigJSON, t,
		); err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "store new generation config for %s", tr.MachineID)
		}
	} else if tr.ContainerID != nil {
		if _, err := tx.Exec(
			`UPDATE machines SET state = ?, container_id = ?, updated_at = ? WHERE id = ?`,
			tr.NewState, *tr.ContainerID, t, tr.MachineID,
		); err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "update machine %s", tr.MachineID)
		}
	} else {
		if _, err := tx.Exec(
			`UPDATE machines SET state = ?, updated_at = ? WHERE id = ?`,
			tr.NewState, t, tr.MachineID,
		); err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "update machine %s", tr.MachineID)
		}
	}

	var nextID int64
	// BEGIN IMMEDIATE semantics are achieved here by virtue of the single
	// pooled connection (Store.db.SetMaxOpenConns(1)): no other writer can
	// interleave between this SELECT and the following INSERT.
	row := tx.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM machine_events WHERE machine = ?`, tr.MachineID)
	if err := row.Scan(&nextID); err != nil {
		return 0, apierr.Wrap(err, apierr.Internal, "compute next event id for %s", tr.MachineID)
	}
	if _, err := tx.Exec(
		`INSERT INTO machine_events (id, machine, type, status, source, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nextID, tr.MachineID, tr.EventType, tr.EventStatus, tr.EventSource, tr.EventMessage, t,
	); err != nil {
		return 0, apierr.Wrap(err, apierr.Internal, "append event for %s", tr.MachineID)
	}

	if tr.OutboxKind != "" {
		payload, err := json.Marshal(tr.OutboxPayload)
		if err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "marshal outbox payload for %s", tr.MachineID)
		}
		if _, err := tx.Exec(
			`INSERT INTO machine_outbox (machine, kind, payload_json, created_at) VALUES (?, ?, ?, ?)`,
			tr.MachineID, tr.OutboxKind, string(payload), t,
		); err != nil {
			return 0, apierr.Wrap(err, apierr.Internal, "enqueue outbox entry for %s", tr.MachineID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apierr.Wrap(err, apierr.Internal, "commit transition for %s", tr.MachineID)
	}
	return nextID, nil
}

// SetMetadata upserts a single machine_metadata key/value pair (used to
// record actual host ports observed via inspect, §4.6 step 7).
func (s *Store) SetMetadata(machineID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO machine_metadata (machine, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(machine, key) DO UPDATE SET value = excluded.value`,
		machineID, key, value,
	)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "set metadata %s for machine %s", key, machineID)
	}
	return nil
}

// GetMetadata returns every metadata key/value pair recorded for a machine.
func (s *Store) GetMetadata(machineID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM machine_metadata WHERE machine = ?`, machineID)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "get metadata for machine %s", machineID)
	}
	defer rows.Close()

	meta := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apierr.Wrap(err, apierr.Internal, "scan metadata row")
		}
		meta[k] = v
	}
	return meta, rows.Err()
}
