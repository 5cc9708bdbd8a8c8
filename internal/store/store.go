// Package store persists the two tables the core actually touches: the
// singleton schedules row and the append-only audit_logs table, plus a
// container_names table mapping container ids to names. Everything
// else in the Persistence section (users, storage-settings, ui-settings) is
// an external collaborator's concern, not this package's.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevedore-io/stevedore/internal/scheduler"
)

// Store wraps a sqlite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates, if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers anyway; avoid SQLITE_BUSY churn

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schedule_type TEXT NOT NULL,
			hour INTEGER NOT NULL,
			day_of_week INTEGER,
			lifecycle INTEGER NOT NULL,
			selected_containers TEXT NOT NULL DEFAULT '[]',
			last_run TEXT,
			next_run TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_time TEXT NOT NULL,
			action TEXT NOT NULL,
			container_id TEXT,
			container_name TEXT,
			detail TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS container_names (
			container_id TEXT PRIMARY KEY,
			container_name TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadSchedule returns the singleton schedule row, or a Daily schedule at
// hour 0 with Lifecycle 7 and no selected containers if none has ever been
// saved.
func (s *Store) LoadSchedule() (scheduler.Schedule, error) {
	row := s.db.QueryRow(`SELECT schedule_type, hour, day_of_week, lifecycle, selected_containers, last_run, next_run FROM schedules WHERE id = 1`)

	var (
		scheduleType string
		hour         int
		dayOfWeek    sql.NullInt64
		lifecycle    int
		containers   string
		lastRun      sql.NullString
		nextRun      sql.NullString
	)
	err := row.Scan(&scheduleType, &hour, &dayOfWeek, &lifecycle, &containers, &lastRun, &nextRun)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Schedule{Type: scheduler.Daily, Lifecycle: 7}, nil
	}
	if err != nil {
		return scheduler.Schedule{}, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(containers), &ids); err != nil {
		return scheduler.Schedule{}, err
	}

	sched := scheduler.Schedule{
		Type:               scheduler.ScheduleType(scheduleType),
		Hour:               hour,
		DayOfWeek:          int(dayOfWeek.Int64),
		Lifecycle:          lifecycle,
		SelectedContainers: ids,
	}
	if lastRun.Valid {
		t, err := time.Parse(time.RFC3339, lastRun.String)
		if err == nil {
			sched.LastRun = &t
		}
	}
	if nextRun.Valid {
		t, err := time.Parse(time.RFC3339, nextRun.String)
		if err == nil {
			sched.NextRun = &t
		}
	}
	return sched, nil
}

// SaveSchedule upserts the singleton row.
func (s *Store) SaveSchedule(sched scheduler.Schedule) error {
	containers, err := json.Marshal(sched.SelectedContainers)
	if err != nil {
		return err
	}

	var lastRun, nextRun *string
	if sched.LastRun != nil {
		v := sched.LastRun.Format(time.RFC3339)
		lastRun = &v
	}
	if sched.NextRun != nil {
		v := sched.NextRun.Format(time.RFC3339)
		nextRun = &v
	}

	_, err = s.db.Exec(`
		INSERT INTO schedules (id, schedule_type, hour, day_of_week, lifecycle, selected_containers, last_run, next_run)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schedule_type = excluded.schedule_type,
			hour = excluded.hour,
			day_of_week = excluded.day_of_week,
			lifecycle = excluded.lifecycle,
			selected_containers = excluded.selected_containers,
			last_run = excluded.last_run,
			next_run = excluded.next_run
	`, string(sched.Type), sched.Hour, sched.DayOfWeek, sched.Lifecycle, string(containers), lastRun, nextRun)
	return err
}

// RememberContainerName records the id->name mapping the scheduler needs to
// resolve a container id into the name Retention keys archives by. It is
// upserted on every backup submission so deleted containers remain
// resolvable for their trailing audit entries.
func (s *Store) RememberContainerName(containerID, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO container_names (container_id, container_name) VALUES (?, ?)
		ON CONFLICT(container_id) DO UPDATE SET container_name = excluded.container_name
	`, containerID, name)
	return err
}

// ContainerName resolves a previously-remembered container name.
func (s *Store) ContainerName(containerID string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT container_name FROM container_names WHERE container_id = ?`, containerID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("store: unknown container id")
	}
	return name, err
}

// AuditEntry is one row of the append-only audit_logs table.
type AuditEntry struct {
	ID            int64
	Time          time.Time
	Action        string
	ContainerID   string
	ContainerName string
	Detail        string
}

// AppendAudit inserts one audit row. In this repository only restores and
// explicit backup deletions call it; backup start/complete/error and
// lifecycle prunes are not recorded.
func (s *Store) AppendAudit(action, containerID, containerName, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (event_time, action, container_id, container_name, detail)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().Format(time.RFC3339), action, containerID, containerName, detail)
	return err
}

// ListAudit returns the most recent audit rows, newest first, bounded by limit.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, event_time, action, container_id, container_name, detail
		FROM audit_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			eventStr string
		)
		if err := rows.Scan(&e.ID, &eventStr, &e.Action, &e.ContainerID, &e.ContainerName, &e.Detail); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, eventStr); err == nil {
			e.Time = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
