// Package journal persists provisioning run records to SQLite so operators
// can answer "what happened to this device" after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/fieldops/ztpd/pkg/errors"
)

// Store provides database operations for provisioning runs.
type Store struct {
	db *sql.DB
}

// NewStore opens the journal database and ensures the schema exists.
func NewStore(dbPath string) (*Store, error) {
	slog.Info("journal_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("journal_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open journal database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("journal_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create journal schema")
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new run record and fills in its ID.
func (s *Store) Create(run *Run) error {
	slog.Info("journal_create_run", "device", run.Device, "console_port", run.ConsolePort)

	query := `
		INSERT INTO runs (device, console_port, state, expected_serial, actual_serial, staged_file, failure_class, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		run.Device, run.ConsolePort, run.State,
		run.ExpectedSerial, run.ActualSerial, run.StagedFile,
		run.FailureClass, run.ErrorMessage)
	if err != nil {
		slog.Error("journal_insert_failed", "device", run.Device, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("journal_run_created", "device", run.Device, "run_id", run.ID, "state", run.State)
	return nil
}

// Update rewrites every mutable field of an existing run.
func (s *Store) Update(run *Run) error {
	query := `
		UPDATE runs
		SET state = ?, expected_serial = ?, actual_serial = ?,
		    staged_file = ?, failure_class = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.db.Exec(query,
		run.State, run.ExpectedSerial, run.ActualSerial,
		run.StagedFile, run.FailureClass, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("journal_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("run not found: id=%d", run.ID)
	}
	return nil
}

// UpdateState advances only the state field.
func (s *Store) UpdateState(id int64, state string) error {
	slog.Info("journal_state", "run_id", id, "state", state)

	query := `UPDATE runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := s.db.Exec(query, state, id); err != nil {
		slog.Error("journal_state_update_failed", "run_id", id, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}
	return nil
}

// Fail marks the run failed, recording the failure class and message.
func (s *Store) Fail(id int64, failureClass, errorMessage string) error {
	slog.Info("journal_fail", "run_id", id, "failure_class", failureClass)

	query := `
		UPDATE runs
		SET state = ?, failure_class = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := s.db.Exec(query, StateFailed, failureClass, errorMessage, id); err != nil {
		slog.Error("journal_fail_update_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to mark run failed")
	}
	return nil
}

// Latest returns the most recent run for a device, or nil when the device
// has never been provisioned.
func (s *Store) Latest(device string) (*Run, error) {
	query := selectColumns + ` FROM runs WHERE device = ? ORDER BY id DESC LIMIT 1`

	run, err := scanRun(s.db.QueryRow(query, device))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("journal_query_failed", "device", device, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// List returns all runs, newest first.
func (s *Store) List() ([]*Run, error) {
	query := selectColumns + ` FROM runs ORDER BY id DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("journal_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

const selectColumns = `
	SELECT id, device, console_port, state,
	       expected_serial, actual_serial, staged_file, failure_class, error_message,
	       created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var expectedSerial, actualSerial, stagedFile, failureClass, errorMessage sql.NullString

	err := row.Scan(
		&run.ID, &run.Device, &run.ConsolePort, &run.State,
		&expectedSerial, &actualSerial, &stagedFile, &failureClass, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.ExpectedSerial = expectedSerial.String
	run.ActualSerial = actualSerial.String
	run.StagedFile = stagedFile.String
	run.FailureClass = failureClass.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}
