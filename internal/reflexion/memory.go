// Package reflexion turns subtask failures into bounded, informed retries.
// A failure is classified into a signature, past remedies for that
// signature are consulted, and the retry carries the remedy as input so
// the next attempt differs from the one that failed.
package reflexion

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

// Signature identifies a failure class: what kind of worker hit what kind
// of error. Remedies are remembered per signature, not per subtask, so a
// fix learned in one session helps every later one.
type Signature struct {
	Role     models.Role
	Category string
}

func (s Signature) String() string {
	return string(s.Role) + "/" + s.Category
}

// Remedy is a hint attached to a retry's input payload.
type Remedy struct {
	Hint      string
	Successes int
	Failures  int
}

// Memory stores and recalls remedies by failure signature.
type Memory interface {
	// Lookup returns the best known remedy for a signature, or nil.
	Lookup(sig Signature) (*Remedy, error)
	// Record notes that a remedy was applied and whether the retry
	// subsequently succeeded.
	Record(sig Signature, hint string, success bool) error
}

// Failure categories. Categorize folds raw error text into this closed set
// so signatures stay coarse enough to match across sessions.
const (
	CategoryTimeout = "timeout"
	CategoryBuild   = "build"
	CategoryTest    = "test"
	CategoryNetwork = "network"
	CategoryUnknown = "unknown"
)

var categoryMarkers = []struct {
	category string
	markers  []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded", "context canceled"}},
	{CategoryBuild, []string{"compile", "build failed", "syntax", "undefined:", "missing import"}},
	{CategoryTest, []string{"test failed", "assertion", "FAIL", "expected"}},
	{CategoryNetwork, []string{"connection refused", "no such host", "EOF", "reset by peer"}},
}

// Categorize maps raw failure text to a category.
func Categorize(reason string) string {
	lower := strings.ToLower(reason)
	for _, cm := range categoryMarkers {
		for _, m := range cm.markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				return cm.category
			}
		}
	}
	return CategoryUnknown
}

// SQLMemory persists remedies in the weft database, one row per
// signature and hint, with success and failure counts.
type SQLMemory struct {
	db *store.DB
}

// NewSQLMemory creates the remedy table if needed and returns the memory.
func NewSQLMemory(db *store.DB) (*SQLMemory, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS remedies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			category TEXT NOT NULL,
			hint TEXT NOT NULL,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			UNIQUE(role, category, hint)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create remedies table: %w", err)
	}
	return &SQLMemory{db: db}, nil
}

// Lookup returns the remedy with the best track record for the signature:
// highest successes minus failures, and only if that score is positive or
// the remedy is untried.
func (m *SQLMemory) Lookup(sig Signature) (*Remedy, error) {
	row := m.db.QueryRow(`
		SELECT hint, successes, failures FROM remedies
		WHERE role = ? AND category = ? AND successes >= failures
		ORDER BY successes - failures DESC, updated_at DESC
		LIMIT 1
	`, string(sig.Role), sig.Category)

	var r Remedy
	if err := row.Scan(&r.Hint, &r.Successes, &r.Failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup remedy: %w", err)
	}
	return &r, nil
}

// Record upserts the remedy row and bumps the relevant counter.
func (m *SQLMemory) Record(sig Signature, hint string, success bool) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	_, err := m.db.Exec(`
		INSERT INTO remedies (role, category, hint, successes, failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, category, hint) DO UPDATE SET
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			updated_at = excluded.updated_at
	`, string(sig.Role), sig.Category, hint, succ, fail, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record remedy: %w", err)
	}
	return nil
}

var _ Memory = (*SQLMemory)(nil)
