package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/weft/pkg/models"
)

// UpsertSubtask inserts or replaces a subtask record.
func (db *DB) UpsertSubtask(t *models.Subtask) error {
	deps, err := marshalDeps(t.Dependencies)
	if err != nil {
		return err
	}
	var completedAt *string
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err = db.Exec(`
		INSERT INTO subtasks (id, session_id, description, role, dependencies, status, status_reason,
			priority, seq, attempt_count, max_retries, input_payload, output_payload, timeout_ms,
			created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			role = excluded.role,
			dependencies = excluded.dependencies,
			status = excluded.status,
			status_reason = excluded.status_reason,
			priority = excluded.priority,
			seq = excluded.seq,
			attempt_count = excluded.attempt_count,
			max_retries = excluded.max_retries,
			input_payload = excluded.input_payload,
			output_payload = excluded.output_payload,
			timeout_ms = excluded.timeout_ms,
			completed_at = excluded.completed_at
	`, t.ID, t.SessionID, t.Description, string(t.Role), deps, string(t.Status), nullString(t.StatusReason),
		t.Priority, t.Seq, t.AttemptCount, t.MaxRetries, nullString(string(t.InputPayload)),
		nullString(string(t.OutputPayload)), t.Timeout.Milliseconds(), formatTime(t.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("upsert subtask: %w", err)
	}
	return nil
}

// GetSubtask retrieves a subtask by ID. Returns ErrNotFound for unknown ids.
func (db *DB) GetSubtask(id string) (*models.Subtask, error) {
	row := db.QueryRow(selectSubtask+` WHERE id = ?`, id)
	t, err := scanSubtask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListBySession returns all subtasks of a session ordered by insertion.
func (db *DB) ListBySession(sessionID string) ([]*models.Subtask, error) {
	return db.listSubtasks(selectSubtask+` WHERE session_id = ? ORDER BY seq`, sessionID)
}

// ListByStatus returns a session's subtasks in the given status, ordered by insertion.
func (db *DB) ListByStatus(sessionID string, status models.SubtaskStatus) ([]*models.Subtask, error) {
	return db.listSubtasks(selectSubtask+` WHERE session_id = ? AND status = ? ORDER BY seq`, sessionID, string(status))
}

func (db *DB) listSubtasks(query string, args ...any) ([]*models.Subtask, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*models.Subtask
	for rows.Next() {
		t, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, t)
	}
	return subtasks, rows.Err()
}

// MarkStatus transitions a subtask to a new status, enforcing the state
// machine and applying the change as a single compare-and-set so two
// concurrent writers can never both win. The transition is appended to the
// audit table. Returns ErrNotFound for unknown ids and ErrConflict when the
// transition is invalid or lost a race.
func (db *DB) MarkStatus(id string, to models.SubtaskStatus, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q: %w", to, ErrConflict)
	}
	return db.Transaction(func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRow(`SELECT status FROM subtasks WHERE id = ?`, id).Scan(&cur)
		if err == sql.ErrNoRows {
			return fmt.Errorf("subtask %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}

		from := models.SubtaskStatus(cur)
		if !models.CanTransition(from, to) {
			return fmt.Errorf("subtask %s: %s -> %s: %w", id, from, to, ErrConflict)
		}

		now := time.Now()
		var completedAt any
		if to.Settled() {
			completedAt = formatTime(now)
		}

		// The status guard makes this a compare-and-set: if another writer
		// moved the subtask between our read and this update, zero rows match.
		res, err := tx.Exec(`
			UPDATE subtasks SET status = ?, status_reason = ?, completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status = ?
		`, string(to), nullString(reason), completedAt, id, cur)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("subtask %s: lost transition race: %w", id, ErrConflict)
		}

		if _, err := tx.Exec(`
			INSERT INTO transitions (subtask_id, from_status, to_status, reason, at)
			VALUES (?, ?, ?, ?, ?)
		`, id, cur, string(to), nullString(reason), formatTime(now)); err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return nil
	})
}

// IncrementAttempt bumps the attempt counter after a dispatch.
func (db *DB) IncrementAttempt(id string) error {
	res, err := db.Exec(`UPDATE subtasks SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetInputPayload replaces a subtask's input payload (reflexion remedy rewrites).
func (db *DB) SetInputPayload(id string, payload json.RawMessage) error {
	res, err := db.Exec(`UPDATE subtasks SET input_payload = ? WHERE id = ?`, nullString(string(payload)), id)
	if err != nil {
		return fmt.Errorf("set input payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetOutputPayload stores a worker's output payload on completion.
func (db *DB) SetOutputPayload(id string, payload json.RawMessage) error {
	res, err := db.Exec(`UPDATE subtasks SET output_payload = ? WHERE id = ?`, nullString(string(payload)), id)
	if err != nil {
		return fmt.Errorf("set output payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return nil
}

// Transition is one row of the status audit log.
type Transition struct {
	SubtaskID string
	From      models.SubtaskStatus
	To        models.SubtaskStatus
	Reason    string
	At        time.Time
}

// ListTransitions returns the audit log for a subtask, oldest first.
func (db *DB) ListTransitions(subtaskID string) ([]Transition, error) {
	rows, err := db.Query(`
		SELECT subtask_id, from_status, to_status, reason, at
		FROM transitions WHERE subtask_id = ? ORDER BY id
	`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var reason sql.NullString
		var at string
		if err := rows.Scan(&tr.SubtaskID, &tr.From, &tr.To, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Reason = reason.String
		tr.At, _ = parseTime(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

const selectSubtask = `
	SELECT id, session_id, description, role, dependencies, status, status_reason,
		priority, seq, attempt_count, max_retries, input_payload, output_payload,
		timeout_ms, created_at, completed_at
	FROM subtasks`

func scanSubtask(scan func(dest ...any) error) (*models.Subtask, error) {
	var t models.Subtask
	var deps, reason, input, output, completedAt sql.NullString
	var timeoutMs int64
	var createdAt string

	if err := scan(&t.ID, &t.SessionID, &t.Description, &t.Role, &deps, &t.Status, &reason,
		&t.Priority, &t.Seq, &t.AttemptCount, &t.MaxRetries, &input, &output,
		&timeoutMs, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	t.StatusReason = reason.String
	if input.Valid {
		t.InputPayload = json.RawMessage(input.String)
	}
	if output.Valid {
		t.OutputPayload = json.RawMessage(output.String)
	}
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

func marshalDeps(deps []string) (sql.NullString, error) {
	if deps == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode dependencies: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
