package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/weft/pkg/models"
)

// QueueFile is the structured snapshot of one session exposed to the
// surrounding platform: session metadata, the full subtask map, the
// dependency map, and the cached execution-order layering. It is rewritten
// after every status transition and read back at startup to resume a
// session. The sqlite store stays canonical; nothing ever edits this file
// in place.
type QueueFile struct {
	Session        models.Session             `json:"session"`
	Subtasks       map[string]*models.Subtask `json:"subtasks"`
	Dependencies   map[string][]string        `json:"dependencies"`
	ExecutionOrder [][]string                 `json:"execution_order,omitempty"`
}

// QueueFilePath returns the queue file path for a session next to the database.
func (db *DB) QueueFilePath(sessionID string) string {
	return filepath.Join(filepath.Dir(db.path), sessionID+".queue.json")
}

// WriteQueueFile snapshots the session to its queue file. The write is
// atomic (temp file + rename) so readers never observe a torn snapshot.
func (db *DB) WriteQueueFile(sessionID string) error {
	session, err := db.GetSession(sessionID)
	if err != nil {
		return err
	}
	subtasks, err := db.ListBySession(sessionID)
	if err != nil {
		return err
	}

	qf := QueueFile{
		Session:        *session,
		Subtasks:       make(map[string]*models.Subtask, len(subtasks)),
		Dependencies:   make(map[string][]string, len(subtasks)),
		ExecutionOrder: session.ExecutionOrder,
	}
	for _, st := range subtasks {
		qf.Subtasks[st.ID] = st
		qf.Dependencies[st.ID] = st.Dependencies
	}

	raw, err := json.MarshalIndent(&qf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue file: %w", err)
	}

	path := db.QueueFilePath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

// ReadQueueFile loads a queue file snapshot from disk.
func ReadQueueFile(path string) (*QueueFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	var qf QueueFile
	if err := json.Unmarshal(raw, &qf); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return &qf, nil
}
