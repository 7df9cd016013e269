package store

import (
	"fmt"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ResumeSession reloads a previously active session after a process restart
// and repairs statuses that cannot survive one: workers that were running
// died with the process, so running subtasks are failed (reason restart) and
// handed back to the reflexion loop; ready subtasks fall back to pending so
// the scheduler recomputes the ready set from scratch.
//
// Note ready -> pending is not a state-machine edge. It is a repair applied
// directly, mirroring how the row was before the crash promoted it; the
// audit table records it with the restart reason.
func (db *DB) ResumeSession(sessionID string) (*models.Session, []*models.Subtask, error) {
	session, err := db.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != models.SessionActive {
		return nil, nil, fmt.Errorf("session %s is %s, not resumable", sessionID, session.Status)
	}

	subtasks, err := db.ListBySession(sessionID)
	if err != nil {
		return nil, nil, err
	}

	for _, st := range subtasks {
		switch st.Status {
		case models.StatusRunning:
			if err := db.MarkStatus(st.ID, models.StatusFailed, "process restart"); err != nil {
				return nil, nil, fmt.Errorf("repair running subtask %s: %w", st.ID, err)
			}
			st.Status = models.StatusFailed
			st.StatusReason = "process restart"
		case models.StatusReady:
			if err := db.demoteReady(st.ID); err != nil {
				return nil, nil, fmt.Errorf("repair ready subtask %s: %w", st.ID, err)
			}
			st.Status = models.StatusPending
		}
	}

	return session, subtasks, nil
}

// LatestActiveSession returns the most recently created active session, or
// ErrNotFound when none exists.
func (db *DB) LatestActiveSession() (*models.Session, error) {
	status := models.SessionActive
	sessions, err := db.ListSessions(&status)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no active session: %w", ErrNotFound)
	}
	return &sessions[0], nil
}

// demoteReady moves a ready subtask back to pending outside the normal state
// machine. Only ResumeSession may do this.
func (db *DB) demoteReady(id string) error {
	res, err := db.Exec(`
		UPDATE subtasks SET status = ?, status_reason = ? WHERE id = ? AND status = ?
	`, string(models.StatusPending), "process restart", id, string(models.StatusReady))
	if err != nil {
		return fmt.Errorf("demote ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %s: %w", id, ErrConflict)
	}
	_, err = db.Exec(`
		INSERT INTO transitions (subtask_id, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?)
	`, id, string(models.StatusReady), string(models.StatusPending), "process restart", formatTime(nowUTC()))
	return err
}
