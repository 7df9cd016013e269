package aggregate

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/pkg/models"
)

func completedSub(id string, priority, seq int, doneAt time.Time, payload string, deps ...string) *models.Subtask {
	st := &models.Subtask{
		ID:           id,
		SessionID:    "sess-1",
		Description:  "do " + id,
		Role:         models.RoleCoder,
		Dependencies: deps,
		Status:       models.StatusCompleted,
		Priority:     priority,
		Seq:          seq,
		CreatedAt:    doneAt.Add(-time.Minute),
		CompletedAt:  &doneAt,
	}
	if payload != "" {
		st.OutputPayload = json.RawMessage(payload)
	}
	return st
}

func buildGraph(t *testing.T, subtasks []*models.Subtask) *graph.DependencyGraph {
	t.Helper()
	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestAggregateAllCompleted(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	subtasks := []*models.Subtask{
		completedSub("t1", 0, 0, base, `{"artifacts":["design.md"],"summary":"designed"}`),
		completedSub("t2", 0, 1, base.Add(time.Minute), `{"artifacts":["main.go"],"summary":"implemented"}`, "t1"),
	}
	g := buildGraph(t, subtasks)

	res, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if res.Completed != 2 || res.Total != 2 {
		t.Errorf("counts = %d/%d, want 2/2", res.Completed, res.Total)
	}
	if res.Artifacts["design.md"].TaskID != "t1" || res.Artifacts["main.go"].TaskID != "t2" {
		t.Errorf("artifact owners wrong: %+v", res.Artifacts)
	}
	// Summaries follow dependency order.
	if len(res.Summaries) != 2 || res.Summaries[0] != "designed" || res.Summaries[1] != "implemented" {
		t.Errorf("summaries out of order: %v", res.Summaries)
	}
}

func TestAggregateConflictHigherPriorityWins(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	subtasks := []*models.Subtask{
		// Lower priority finishes later; priority still wins.
		completedSub("hi", 5, 0, base, `{"artifacts":["report.md"]}`),
		completedSub("lo", 1, 1, base.Add(time.Hour), `{"artifacts":["report.md"]}`),
	}
	g := buildGraph(t, subtasks)

	res, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Artifacts["report.md"].TaskID != "hi" {
		t.Errorf("expected hi to win, got %s", res.Artifacts["report.md"].TaskID)
	}
	if len(res.Discarded) != 1 || res.Discarded[0].TaskID != "lo" {
		t.Errorf("expected lo discarded, got %+v", res.Discarded)
	}
}

func TestAggregateConflictTieBreaksOnLaterCompletion(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	subtasks := []*models.Subtask{
		completedSub("early", 2, 0, base, `{"artifacts":["shared.go"]}`),
		completedSub("late", 2, 1, base.Add(time.Minute), `{"artifacts":["shared.go"]}`),
	}
	g := buildGraph(t, subtasks)

	res, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Artifacts["shared.go"].TaskID != "late" {
		t.Errorf("expected later completion to win, got %s", res.Artifacts["shared.go"].TaskID)
	}
	if len(res.Discarded) != 1 || res.Discarded[0].TaskID != "early" {
		t.Errorf("expected early discarded, got %+v", res.Discarded)
	}
}

func TestAggregatePartial(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	failed := completedSub("t2", 0, 1, base, "", "t1")
	failed.Status = models.StatusFailed
	failed.StatusReason = "timeout"
	stranded := completedSub("t3", 0, 2, base, "", "t2")
	stranded.Status = models.StatusPending

	subtasks := []*models.Subtask{
		completedSub("t1", 0, 0, base, `{"artifacts":["a.md"]}`),
		failed,
		stranded,
	}
	g := buildGraph(t, subtasks)

	res, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Status != models.SessionPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want 1", res.Completed)
	}
	if len(res.Unmet) != 2 {
		t.Fatalf("expected 2 unmet, got %+v", res.Unmet)
	}
	if res.Unmet[0].TaskID != "t2" || res.Unmet[0].Reason != "timeout" {
		t.Errorf("unexpected unmet entry: %+v", res.Unmet[0])
	}
	if res.Unmet[1].TaskID != "t3" || res.Unmet[1].Status != models.StatusPending {
		t.Errorf("unexpected unmet entry: %+v", res.Unmet[1])
	}
}

func TestAggregateNothingCompleted(t *testing.T) {
	st := completedSub("t1", 0, 0, time.Now(), "")
	st.Status = models.StatusAborted
	subtasks := []*models.Subtask{st}
	g := buildGraph(t, subtasks)

	res, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Status != models.SessionFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	failed := completedSub("t3", 1, 2, base.Add(2*time.Minute), "", "t1")
	failed.Status = models.StatusFailed
	subtasks := []*models.Subtask{
		completedSub("t1", 3, 0, base, `{"artifacts":["x.go","y.go"],"summary":"one"}`),
		completedSub("t2", 3, 1, base.Add(time.Minute), `{"artifacts":["x.go"],"summary":"two"}`, "t1"),
		failed,
	}
	g := buildGraph(t, subtasks)

	first, err := Aggregate("sess-1", g, subtasks)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := Aggregate("sess-1", g, subtasks)
		if err != nil {
			t.Fatalf("re-aggregate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged:\nfirst: %+v\nagain: %+v", i, first, again)
		}
	}
}

func TestAggregateBadPayload(t *testing.T) {
	st := completedSub("t1", 0, 0, time.Now(), `{"artifacts":`)
	subtasks := []*models.Subtask{st}
	g := buildGraph(t, subtasks)

	if _, err := Aggregate("sess-1", g, subtasks); err == nil {
		t.Error("expected error for malformed output payload")
	}
}
