package reflexion

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.CreateSession(&models.Session{
		ID: "sess-1", Goal: "test", CreatedAt: time.Now(), Status: models.SessionActive,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return db
}

// failedSubtask persists a subtask that has just failed its nth attempt.
func failedSubtask(t *testing.T, db *store.DB, id string, attempts, maxRetries int, reason string) {
	t.Helper()
	st := &models.Subtask{
		ID:          id,
		SessionID:   "sess-1",
		Description: "do " + id,
		Role:        models.RoleCoder,
		Status:      models.StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   time.Now(),
	}
	if err := db.UpsertSubtask(st); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, to := range []models.SubtaskStatus{models.StatusReady, models.StatusRunning} {
		if err := db.MarkStatus(id, to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	for i := 0; i < attempts; i++ {
		if err := db.IncrementAttempt(id); err != nil {
			t.Fatalf("increment attempt: %v", err)
		}
	}
	if err := db.MarkStatus(id, models.StatusFailed, reason); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"timeout", CategoryTimeout},
		{"context deadline exceeded", CategoryTimeout},
		{"compile error: missing import", CategoryBuild},
		{"undefined: foo", CategoryBuild},
		{"test failed: want 3 got 4", CategoryTest},
		{"dial tcp: connection refused", CategoryNetwork},
		{"something unrecognizable", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tt := range tests {
		if got := Categorize(tt.reason); got != tt.want {
			t.Errorf("Categorize(%q) = %s, want %s", tt.reason, got, tt.want)
		}
	}
}

func TestOnFailureRetriesWithinBudget(t *testing.T) {
	db := openTestDB(t)
	failedSubtask(t, db, "t1", 1, 2, "timeout")

	loop := New(db, nil, 100*time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "timeout")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Action != ActionRetry {
		t.Fatalf("expected retry, got %+v", d)
	}
	if d.Delay != 100*time.Millisecond {
		t.Errorf("first retry delay = %v, want 100ms", d.Delay)
	}
	if d.Signature.Category != CategoryTimeout {
		t.Errorf("signature category = %s, want timeout", d.Signature.Category)
	}

	got, _ := db.GetSubtask("t1")
	if got.Status != models.StatusRetrying {
		t.Errorf("status = %s, want retrying", got.Status)
	}

	var env retryEnvelope
	if err := json.Unmarshal(got.InputPayload, &env); err != nil {
		t.Fatalf("unmarshal retry payload: %v", err)
	}
	if env.PreviousError != "timeout" || env.Remedy == "" || env.Attempt != 1 {
		t.Errorf("unexpected envelope: %+v", env)
	}

	if err := loop.Release("t1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = db.GetSubtask("t1")
	if got.Status != models.StatusReady {
		t.Errorf("status after release = %s, want ready", got.Status)
	}
}

func TestOnFailureDelayGrows(t *testing.T) {
	db := openTestDB(t)
	failedSubtask(t, db, "t1", 2, 5, "boom")

	loop := New(db, nil, 100*time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "boom")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Delay != 200*time.Millisecond {
		t.Errorf("second retry delay = %v, want 200ms", d.Delay)
	}
}

func TestOnFailureAbortsPastBudget(t *testing.T) {
	db := openTestDB(t)
	// Attempt 3 just failed with MaxRetries 2: the budget is spent.
	failedSubtask(t, db, "t1", 3, 2, "still broken")

	loop := New(db, nil, time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "still broken")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Action != ActionAbort {
		t.Fatalf("expected abort, got %+v", d)
	}

	got, _ := db.GetSubtask("t1")
	if got.Status != models.StatusAborted || got.StatusReason != "retry budget exhausted" {
		t.Errorf("unexpected store verdict: %s %q", got.Status, got.StatusReason)
	}
}

// brokenPayloadStore behaves like the real store except payload writes fail.
type brokenPayloadStore struct {
	*store.DB
	payloadErr error
}

func (s *brokenPayloadStore) SetInputPayload(id string, payload json.RawMessage) error {
	return s.payloadErr
}

// failingMemory errors on every lookup.
type failingMemory struct{ err error }

func (m failingMemory) Lookup(Signature) (*Remedy, error)    { return nil, m.err }
func (m failingMemory) Record(Signature, string, bool) error { return nil }

func TestOnFailureAbortsWhenPayloadWriteFails(t *testing.T) {
	db := openTestDB(t)
	failedSubtask(t, db, "t1", 1, 2, "timeout")

	broken := &brokenPayloadStore{DB: db, payloadErr: errors.New("disk full")}
	loop := New(broken, nil, time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "timeout")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Action != ActionAbort {
		t.Fatalf("expected abort, got %+v", d)
	}

	// The subtask must not be parked in retrying: nothing would ever
	// release it and the session would wait on it forever.
	got, _ := db.GetSubtask("t1")
	if got.Status != models.StatusAborted {
		t.Errorf("status = %s, want aborted", got.Status)
	}
	if got.StatusReason != "retry setup failed: amend input: disk full" {
		t.Errorf("reason = %q, want the setup failure recorded", got.StatusReason)
	}
}

func TestOnFailureAbortsWhenMemoryLookupFails(t *testing.T) {
	db := openTestDB(t)
	failedSubtask(t, db, "t1", 1, 2, "timeout")

	loop := New(db, failingMemory{err: errors.New("db locked")}, time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "timeout")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Action != ActionAbort {
		t.Fatalf("expected abort, got %+v", d)
	}

	got, _ := db.GetSubtask("t1")
	if got.Status != models.StatusAborted {
		t.Errorf("status = %s, want aborted", got.Status)
	}
}

func TestOnFailureDoesNotNestEnvelopes(t *testing.T) {
	db := openTestDB(t)
	failedSubtask(t, db, "t1", 1, 5, "timeout")
	db.SetInputPayload("t1", json.RawMessage(`{"goal":"x"}`))

	loop := New(db, nil, time.Millisecond, time.Second)
	if _, err := loop.OnFailure("t1", "timeout"); err != nil {
		t.Fatalf("first failure: %v", err)
	}

	// Fail the retry and reflect again.
	db.MarkStatus("t1", models.StatusReady, "")
	db.MarkStatus("t1", models.StatusRunning, "")
	db.IncrementAttempt("t1")
	db.MarkStatus("t1", models.StatusFailed, "timeout")
	if _, err := loop.OnFailure("t1", "timeout"); err != nil {
		t.Fatalf("second failure: %v", err)
	}

	got, _ := db.GetSubtask("t1")
	var env retryEnvelope
	if err := json.Unmarshal(got.InputPayload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env.Original) != `{"goal":"x"}` {
		t.Errorf("original payload lost through nesting: %s", env.Original)
	}
	if env.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", env.Attempt)
	}
}

func TestSQLMemoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	mem, err := NewSQLMemory(db)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}

	sig := Signature{Role: models.RoleCoder, Category: CategoryBuild}
	if r, err := mem.Lookup(sig); err != nil || r != nil {
		t.Fatalf("expected empty lookup, got %+v, %v", r, err)
	}

	if err := mem.Record(sig, "pin the dependency version", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mem.Record(sig, "pin the dependency version", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mem.Record(sig, "delete the vendor dir", false); err != nil {
		t.Fatalf("record: %v", err)
	}

	r, err := mem.Lookup(sig)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r == nil || r.Hint != "pin the dependency version" || r.Successes != 2 {
		t.Errorf("unexpected remedy: %+v", r)
	}

	// A different signature sees nothing.
	other := Signature{Role: models.RoleTester, Category: CategoryBuild}
	if r, _ := mem.Lookup(other); r != nil {
		t.Errorf("cross-signature leak: %+v", r)
	}
}

func TestOnFailureUsesRememberedRemedy(t *testing.T) {
	db := openTestDB(t)
	mem, err := NewSQLMemory(db)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	sig := Signature{Role: models.RoleCoder, Category: CategoryTimeout}
	mem.Record(sig, "split the work into two passes", true)

	failedSubtask(t, db, "t1", 1, 3, "timeout")
	loop := New(db, mem, time.Millisecond, time.Second)
	d, err := loop.OnFailure("t1", "timeout")
	if err != nil {
		t.Fatalf("on failure: %v", err)
	}
	if d.Hint != "split the work into two passes" {
		t.Errorf("hint = %q, want remembered remedy", d.Hint)
	}

	// Success feedback strengthens the remedy.
	if err := loop.OnRetryOutcome(d, true); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	r, _ := mem.Lookup(sig)
	if r.Successes != 2 {
		t.Errorf("successes = %d, want 2", r.Successes)
	}
}
