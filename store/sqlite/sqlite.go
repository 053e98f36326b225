// Package sqlite implements store.TaskStore using SQLite.
//
// SQLite gives the orchestrator the durable coordination primitives it
// needs across process instances: log appends are single-row inserts
// (atomic, no lost writes under concurrency) and terminal statuses are
// enforced with guarded UPDATEs so a finished task can never be mutated
// again.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/parallax-dev/parallax/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// terminalGuard freezes rows that reached a terminal status.
const terminalGuard = `status NOT IN ('completed', 'error', 'stopped')`

// Store implements store.TaskStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and runs the
// embedded migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read/write behavior; busy timeout so
	// concurrent appenders queue instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, repo, prompt, agent_type, provider, status,
		                    branch_name, max_duration_minutes, keep_alive,
		                    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.Repo, task.Prompt, task.AgentType, task.Provider,
		task.Status, task.BranchName, task.MaxDurationMinutes, task.KeepAlive,
		task.CreatedAt, task.UpdatedAt,
	)
	return err
}

const taskColumns = `id, user_id, repo, prompt, agent_type, provider, status,
	sandbox_id, agent_session_id, branch_name, max_duration_minutes,
	keep_alive, stop_requested, error, last_heartbeat, created_at, updated_at`

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return task, err
}

// ListTasks returns all tasks ordered by creation time (newest first).
func (s *Store) ListTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetStatus transitions a task's status under the terminal guard.
func (s *Store) SetStatus(ctx context.Context, id string, status model.TaskStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND `+terminalGuard,
		status, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.guardResult(ctx, res, id)
}

// Reopen returns a completed keep-alive task to pending for a continuation
// turn, clearing any stale stop request.
func (s *Store) Reopen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', stop_requested = 0, error = '', updated_at = ?
		 WHERE id = ? AND status = 'completed' AND keep_alive = 1`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task is not a completed keep-alive task: %w", model.ErrNotValid)
	}
	return nil
}

// SetSandbox records the durable sandbox id for a task.
func (s *Store) SetSandbox(ctx context.Context, id, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sandbox_id = ?, updated_at = ? WHERE id = ? AND `+terminalGuard,
		sandboxID, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.guardResult(ctx, res, id)
}

// SetAgentSession records (or clears) the agent resumption token.
func (s *Store) SetAgentSession(ctx context.Context, id, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET agent_session_id = ?, updated_at = ? WHERE id = ? AND `+terminalGuard,
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.guardResult(ctx, res, id)
}

// RequestStop raises the durable stop flag. Idempotent; allowed in any
// non-deleted state so a racing caller never fails.
func (s *Store) RequestStop(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET stop_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// StopRequested reads the durable stop flag.
func (s *Store) StopRequested(ctx context.Context, id string) (bool, error) {
	var stop bool
	err := s.db.QueryRowContext(ctx,
		`SELECT stop_requested FROM tasks WHERE id = ?`, id).Scan(&stop)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrNotFound
	}
	return stop, err
}

// AppendLog atomically appends one log entry and bumps the heartbeat.
// The heartbeat update doubles as the terminal check: if the guarded
// UPDATE touches no row, the task is terminal (or missing) and the entry
// is refused.
func (s *Store) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat = ?, updated_at = ?
		 WHERE id = ? AND `+terminalGuard,
		entry.Timestamp, entry.Timestamp, entry.TaskID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, entry.TaskID); err != nil {
			return err
		}
		return model.ErrTerminal
	}

	var name, parent string
	var sub bool
	if entry.Source != nil {
		name, sub, parent = entry.Source.Name, entry.Source.IsSubAgent, entry.Source.Parent
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, ts, level, message, source_name, source_sub, source_parent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Timestamp, entry.Level, entry.Message, name, sub, parent,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// Heartbeat bumps the task's activity clock under the terminal guard.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat = ? WHERE id = ? AND `+terminalGuard,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.guardResult(ctx, res, id)
}

// GetLogs returns log entries for a task, optionally after a given entry ID.
func (s *Store) GetLogs(ctx context.Context, taskID string, afterID int64) ([]*model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, ts, level, message, source_name, source_sub, source_parent
		 FROM task_logs WHERE task_id = ? AND id > ? ORDER BY id ASC`,
		taskID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.LogEntry
	for rows.Next() {
		e := &model.LogEntry{}
		var name, parent string
		var sub bool
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.Level, &e.Message, &name, &sub, &parent); err != nil {
			return nil, err
		}
		if name != "" {
			e.Source = &model.AgentSource{Name: name, IsSubAgent: sub, Parent: parent}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddMessage inserts a conversation message.
func (s *Store) AddMessage(ctx context.Context, msg *model.Message) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (task_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.TaskID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// GetMessages returns all messages for a task ordered by insertion.
func (s *Store) GetMessages(ctx context.Context, taskID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, content, created_at
		 FROM messages WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertSubAgent records a sub-task's state transition.
func (s *Store) UpsertSubAgent(ctx context.Context, taskID, subID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sub_agent_activity (task_id, sub_id, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (task_id, sub_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		taskID, subID, state, time.Now().UTC(),
	)
	return err
}

// GetSubAgentActivity returns the sub-task id → state mapping for a task.
func (s *Store) GetSubAgentActivity(ctx context.Context, taskID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sub_id, state FROM sub_agent_activity WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := make(map[string]string)
	for rows.Next() {
		var subID, state string
		if err := rows.Scan(&subID, &state); err != nil {
			return nil, err
		}
		activity[subID] = state
	}
	return activity, rows.Err()
}

// guardResult interprets a guarded UPDATE: zero rows means the task is
// either missing or already terminal.
func (s *Store) guardResult(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return model.ErrTerminal
	}
	return nil
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.Task, error) {
	task := &model.Task{}
	var heartbeat sql.NullTime
	err := row.Scan(
		&task.ID, &task.UserID, &task.Repo, &task.Prompt, &task.AgentType,
		&task.Provider, &task.Status, &task.SandboxID, &task.AgentSessionID,
		&task.BranchName, &task.MaxDurationMinutes, &task.KeepAlive,
		&task.StopRequested, &task.Error, &heartbeat,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		task.LastHeartbeat = heartbeat.Time
	}
	return task, nil
}
