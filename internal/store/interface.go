package store

import (
	"encoding/json"
	"io"

	"github.com/ShayCichocki/weft/pkg/models"
)

// SessionStore handles session-level persistence operations.
type SessionStore interface {
	CreateSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	UpdateSessionStatus(id string, status models.SessionStatus) error
	SetExecutionOrder(id string, order [][]string) error
	SetMainTask(id, mainTaskID string) error
	ListSessions(status *models.SessionStatus) ([]models.Session, error)
}

// SubtaskStore handles subtask-level persistence operations. MarkStatus is
// the single write path for status changes; everything else observes.
type SubtaskStore interface {
	UpsertSubtask(t *models.Subtask) error
	GetSubtask(id string) (*models.Subtask, error)
	ListBySession(sessionID string) ([]*models.Subtask, error)
	ListByStatus(sessionID string, status models.SubtaskStatus) ([]*models.Subtask, error)
	MarkStatus(id string, to models.SubtaskStatus, reason string) error
	IncrementAttempt(id string) error
	SetInputPayload(id string, payload json.RawMessage) error
	SetOutputPayload(id string, payload json.RawMessage) error
}

// Snapshotter writes the persisted queue file after transitions.
type Snapshotter interface {
	WriteQueueFile(sessionID string) error
	QueueFilePath(sessionID string) string
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Migrate() error
}

// TaskStore is the full Task Store contract the orchestrator depends on.
// It composes focused sub-interfaces so components can take only what they
// need; the sqlite DB is the one concrete implementation.
type TaskStore interface {
	io.Closer
	Migrator
	SessionStore
	SubtaskStore
	Snapshotter
}

var (
	_ TaskStore    = (*DB)(nil)
	_ SessionStore = (*DB)(nil)
	_ SubtaskStore = (*DB)(nil)
	_ Snapshotter  = (*DB)(nil)
)
