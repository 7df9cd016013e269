package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

type fixture struct {
	db *store.DB
	g  *graph.DependencyGraph
}

func newFixture(t *testing.T, subtasks ...*models.Subtask) *fixture {
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
	for _, st := range subtasks {
		if err := db.UpsertSubtask(st); err != nil {
			t.Fatalf("upsert %s: %v", st.ID, err)
		}
	}

	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return &fixture{db: db, g: g}
}

func sub(id string, priority, seq int, deps ...string) *models.Subtask {
	return &models.Subtask{
		ID:           id,
		SessionID:    "sess-1",
		Description:  "do " + id,
		Role:         models.RoleCoder,
		Dependencies: deps,
		Status:       models.StatusPending,
		Priority:     priority,
		Seq:          seq,
		CreatedAt:    time.Now(),
	}
}

// complete walks a subtask through the full chain and syncs the graph view.
func (f *fixture) complete(t *testing.T, id string) {
	t.Helper()
	for _, to := range []models.SubtaskStatus{models.StatusRunning, models.StatusCompleted} {
		if err := f.db.MarkStatus(id, to, ""); err != nil {
			t.Fatalf("transition %s to %s: %v", id, to, err)
		}
	}
	f.g.Get(id).Status = models.StatusCompleted
	f.g.MarkComplete(id)
}

func ids(batch []*models.Subtask) []string {
	out := make([]string, len(batch))
	for i, st := range batch {
		out[i] = st.ID
	}
	return out
}

func TestNextPromotesUnblockedSubtasks(t *testing.T) {
	f := newFixture(t,
		sub("t1", 0, 0),
		sub("t2", 0, 1, "t1"),
		sub("t3", 0, 2, "t1"),
		sub("t4", 0, 3, "t2", "t3"),
	)
	s := New(f.db, f.g, 4)

	batch, err := s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "t1" {
		t.Fatalf("expected [t1], got %v", ids(batch))
	}

	// t1 is picked; mark it through to completed before the next pass.
	if err := f.db.MarkStatus("t1", models.StatusRunning, ""); err != nil {
		t.Fatalf("start t1: %v", err)
	}
	if err := f.db.MarkStatus("t1", models.StatusCompleted, ""); err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	f.g.Get("t1").Status = models.StatusCompleted

	batch, err = s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	got := ids(batch)
	if len(got) != 2 || got[0] != "t2" || got[1] != "t3" {
		t.Errorf("expected [t2 t3], got %v", got)
	}

	// t4 stays pending while its dependencies are unfinished.
	pending, _ := f.db.ListByStatus("sess-1", models.StatusPending)
	if len(pending) != 1 || pending[0].ID != "t4" {
		t.Errorf("expected t4 pending, got %v", ids(pending))
	}
}

func TestNextOrdersByPriorityThenSeq(t *testing.T) {
	f := newFixture(t,
		sub("low", 1, 0),
		sub("high", 5, 1),
		sub("mid-a", 3, 2),
		sub("mid-b", 3, 3),
	)
	s := New(f.db, f.g, 10)

	batch, err := s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := []string{"high", "mid-a", "mid-b", "low"}
	got := ids(batch)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestNextIsDeterministic(t *testing.T) {
	build := func(t *testing.T) []string {
		f := newFixture(t,
			sub("a", 2, 0),
			sub("b", 2, 1),
			sub("c", 2, 2),
		)
		batch, err := New(f.db, f.g, 10).Next("sess-1")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		return ids(batch)
	}

	first := build(t)
	for i := 0; i < 5; i++ {
		again := build(t)
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d diverged: %v vs %v", i, again, first)
			}
		}
	}
}

func TestNextRespectsConcurrencyLimit(t *testing.T) {
	f := newFixture(t,
		sub("a", 0, 0),
		sub("b", 0, 1),
		sub("c", 0, 2),
	)
	s := New(f.db, f.g, 2)

	batch, err := s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %v", ids(batch))
	}

	for _, st := range batch {
		if err := f.db.MarkStatus(st.ID, models.StatusRunning, ""); err != nil {
			t.Fatalf("start %s: %v", st.ID, err)
		}
	}

	// Both slots occupied: nothing more may start.
	batch, err = s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected empty batch at limit, got %v", ids(batch))
	}
}

func TestNextDetectsStall(t *testing.T) {
	f := newFixture(t,
		sub("a", 0, 0),
		sub("b", 0, 1, "a"),
	)
	s := New(f.db, f.g, 4)

	// Abort the only root; its dependent can never become ready.
	if err := f.db.MarkStatus("a", models.StatusAborted, "canceled"); err != nil {
		t.Fatalf("abort a: %v", err)
	}
	f.g.Get("a").Status = models.StatusAborted

	_, err := s.Next("sess-1")
	if !errors.Is(err, ErrUnschedulable) {
		t.Fatalf("expected ErrUnschedulable, got %v", err)
	}

	stranded, err := s.Stranded("sess-1")
	if err != nil {
		t.Fatalf("stranded: %v", err)
	}
	if len(stranded) != 1 || stranded[0] != "b" {
		t.Errorf("expected [b] stranded, got %v", stranded)
	}
}

func TestNextNoStallWhileFailureAwaitsRetry(t *testing.T) {
	f := newFixture(t,
		sub("a", 0, 0),
		sub("b", 0, 1, "a"),
	)
	s := New(f.db, f.g, 4)

	for _, to := range []models.SubtaskStatus{models.StatusReady, models.StatusRunning, models.StatusFailed} {
		if err := f.db.MarkStatus("a", to, ""); err != nil {
			t.Fatalf("transition a to %s: %v", to, err)
		}
	}
	f.g.Get("a").Status = models.StatusFailed

	// A failed subtask is the reflexion loop's problem, not a stall.
	batch, err := s.Next("sess-1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected empty batch, got %v", ids(batch))
	}
}

func TestKickIsNonBlocking(t *testing.T) {
	f := newFixture(t, sub("a", 0, 0))
	s := New(f.db, f.g, 1)

	// Repeated kicks collapse into one pending wakeup.
	s.Kick()
	s.Kick()
	s.Kick()

	select {
	case <-s.C():
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-s.C():
		t.Fatal("expected kicks to coalesce")
	default:
	}
}
