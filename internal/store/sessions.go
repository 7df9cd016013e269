package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/weft/pkg/models"
)

// CreateSession inserts a new session record.
func (db *DB) CreateSession(s *models.Session) error {
	order, err := marshalExecutionOrder(s.ExecutionOrder)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO sessions (id, goal, task_type, main_task_id, concurrency_limit, execution_order, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Goal, s.TaskType, s.MainTaskID, s.ConcurrencyLimit, order, formatTime(s.CreatedAt), string(s.Status))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound for unknown ids.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.QueryRow(`
		SELECT id, goal, task_type, main_task_id, concurrency_limit, execution_order, created_at, status
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// UpdateSessionStatus sets the overall session status.
func (db *DB) UpdateSessionStatus(id string, status models.SessionStatus) error {
	res, err := db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetExecutionOrder caches the derived DAG layering on the session record.
func (db *DB) SetExecutionOrder(id string, order [][]string) error {
	raw, err := marshalExecutionOrder(order)
	if err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE sessions SET execution_order = ? WHERE id = ?`, raw, id)
	if err != nil {
		return fmt.Errorf("set execution order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMainTask records the root subtask of the session's graph.
func (db *DB) SetMainTask(id, mainTaskID string) error {
	res, err := db.Exec(`UPDATE sessions SET main_task_id = ? WHERE id = ?`, mainTaskID, id)
	if err != nil {
		return fmt.Errorf("set main task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSessions lists all sessions, newest first, optionally filtered by status.
func (db *DB) ListSessions(status *models.SessionStatus) ([]models.Session, error) {
	query := `
		SELECT id, goal, task_type, main_task_id, concurrency_limit, execution_order, created_at, status
		FROM sessions`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(scan func(dest ...any) error) (*models.Session, error) {
	var s models.Session
	var createdAt string
	var order sql.NullString
	if err := scan(&s.ID, &s.Goal, &s.TaskType, &s.MainTaskID, &s.ConcurrencyLimit, &order, &createdAt, &s.Status); err != nil {
		return nil, err
	}
	s.CreatedAt, _ = parseTime(createdAt)
	if order.Valid && order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &s.ExecutionOrder); err != nil {
			return nil, fmt.Errorf("decode execution order: %w", err)
		}
	}
	return &s, nil
}

func marshalExecutionOrder(order [][]string) (sql.NullString, error) {
	if order == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode execution order: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
