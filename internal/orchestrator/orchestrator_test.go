package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/decompose"
	"github.com/ShayCichocki/weft/internal/dispatch"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Dispatch.HeartbeatInterval = 50 * time.Millisecond
	cfg.Dispatch.GracePeriod = 50 * time.Millisecond
	cfg.Dispatch.ScratchRoot = t.TempDir()
	cfg.Retry.InitialDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	return cfg
}

// successRegistry binds every role to a worker that immediately succeeds,
// claiming one artifact named after its role.
func successRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	for _, role := range models.AllRoles() {
		role := role
		err := reg.Register(role, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
			out, _ := json.Marshal(map[string]any{
				"artifacts": []string{string(role) + ".out"},
				"summary":   string(role) + " done",
			})
			return models.WorkerOutput{TaskID: in.TaskID, Status: models.WorkerCompleted, OutputData: out}, nil
		}))
		if err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}
	return reg
}

func drainEvents(o *Orchestrator) <-chan []Event {
	done := make(chan []Event, 1)
	go func() {
		var seen []Event
		for e := range o.Events() {
			seen = append(seen, e)
		}
		done <- seen
	}()
	return done
}

func TestRunFullSession(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	o := New(RequiredConfig{Store: db, Registry: successRegistry(t)},
		WithConfig(cfg), WithConcurrency(2))
	eventsDone := drainEvents(o)

	res, err := o.Run(context.Background(), "add cursor based pagination to the listing endpoint", "development")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Status != models.SessionCompleted {
		t.Errorf("session status = %s, want completed", res.Status)
	}
	if res.Completed != 6 || res.Total != 6 {
		t.Errorf("counts = %d/%d, want 6/6", res.Completed, res.Total)
	}
	if len(res.Artifacts) != 6 {
		t.Errorf("expected 6 artifacts, got %d", len(res.Artifacts))
	}

	session, err := db.GetSession(res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.SessionCompleted {
		t.Errorf("persisted status = %s, want completed", session.Status)
	}
	if len(session.ExecutionOrder) == 0 {
		t.Error("execution order not persisted")
	}

	// The queue file and result file survive the run.
	if _, err := store.ReadQueueFile(db.QueueFilePath(res.SessionID)); err != nil {
		t.Errorf("queue file unreadable: %v", err)
	}
	resultPath := filepath.Join(filepath.Dir(db.QueueFilePath(res.SessionID)), res.SessionID+".result.json")
	if _, err := os.Stat(resultPath); err != nil {
		t.Errorf("result file missing: %v", err)
	}

	events := <-eventsDone
	var started, completed int
	for _, e := range events {
		switch e.Type {
		case EventSubtaskStarted:
			started++
		case EventSubtaskCompleted:
			completed++
		}
	}
	if started != 6 || completed != 6 {
		t.Errorf("event counts started=%d completed=%d, want 6/6", started, completed)
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	var mu sync.Mutex
	var order []string

	reg := dispatch.NewRegistry()
	for _, role := range models.AllRoles() {
		role := role
		reg.Register(role, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
			mu.Lock()
			order = append(order, string(role))
			mu.Unlock()
			return models.WorkerOutput{TaskID: in.TaskID, Status: models.WorkerCompleted}, nil
		}))
	}

	o := New(RequiredConfig{Store: db, Registry: reg}, WithConfig(cfg), WithConcurrency(1))
	go func() {
		for range o.Events() {
		}
	}()

	res, err := o.Run(context.Background(), "add cursor based pagination to the listing endpoint", "development")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	pos := make(map[string]int, len(got))
	for i, r := range got {
		pos[r] = i
	}
	if pos["researcher"] > pos["designer"] || pos["designer"] > pos["coder"] {
		t.Errorf("dependency order violated: %v", got)
	}
	if pos["reviewer"] != len(got)-1 {
		t.Errorf("reviewer should run last: %v", got)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	var attempts atomic.Int32
	reg := dispatch.NewRegistry()
	reg.Register(models.RoleCoder, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
		if attempts.Add(1) == 1 {
			return models.WorkerOutput{
				TaskID:       in.TaskID,
				Status:       models.WorkerFailed,
				ErrorMessage: "compile error: undefined: helper",
			}, nil
		}
		// The retry should carry the failure context.
		var env map[string]any
		if err := json.Unmarshal(in.InputData, &env); err != nil || env["previous_error"] == nil {
			t.Errorf("retry input missing failure context: %s", in.InputData)
		}
		return models.WorkerOutput{TaskID: in.TaskID, Status: models.WorkerCompleted}, nil
	}))

	dec := decompose.New(decompose.Options{MaxRetries: 2, DefaultTimeout: time.Minute})
	o := New(RequiredConfig{Store: db, Registry: reg},
		WithConfig(cfg), WithDecomposer(dec), WithConcurrency(1))
	go func() {
		for range o.Events() {
		}
	}()

	// Unknown task type selects the single-coder plan.
	res, err := o.Run(context.Background(), "wire the billing export job into the nightly scheduler run", "adhoc")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.SessionCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestRunAbortsAfterRetryBudget(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	var attempts atomic.Int32
	reg := dispatch.NewRegistry()
	reg.Register(models.RoleCoder, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
		attempts.Add(1)
		return models.WorkerOutput{TaskID: in.TaskID, Status: models.WorkerFailed, ErrorMessage: "always broken"}, nil
	}))

	dec := decompose.New(decompose.Options{MaxRetries: 1, DefaultTimeout: time.Minute})
	o := New(RequiredConfig{Store: db, Registry: reg},
		WithConfig(cfg), WithDecomposer(dec), WithConcurrency(1))
	go func() {
		for range o.Events() {
		}
	}()

	res, err := o.Run(context.Background(), "wire the billing export job into the nightly scheduler run", "adhoc")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != models.SessionFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	// MaxRetries 1 means at most two dispatches.
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	subtasks, _ := db.ListBySession(res.SessionID)
	if len(subtasks) != 1 || subtasks[0].Status != models.StatusAborted {
		t.Errorf("expected aborted subtask, got %+v", subtasks)
	}
}

func TestRunSnapshotsQueueFileMidRun(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	gate := make(chan struct{})
	reg := dispatch.NewRegistry()
	reg.Register(models.RoleCoder, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
		<-gate
		return models.WorkerOutput{TaskID: in.TaskID, Status: models.WorkerCompleted}, nil
	}))

	dec := decompose.New(decompose.Options{MaxRetries: 1, DefaultTimeout: time.Minute})
	o := New(RequiredConfig{Store: db, Registry: reg},
		WithConfig(cfg), WithDecomposer(dec), WithConcurrency(1))
	go func() {
		for range o.Events() {
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(context.Background(), "wire the billing export job into the nightly scheduler run", "adhoc")
	}()

	// The queue file must reflect the dispatch while the worker is still
	// running, not only once the subtask completes.
	deadline := time.After(10 * time.Second)
	sawRunning := false
	for !sawRunning {
		select {
		case <-deadline:
			t.Fatal("queue file never showed the running subtask")
		case <-time.After(10 * time.Millisecond):
		}
		id := o.sessionID()
		if id == "" {
			continue
		}
		qf, err := store.ReadQueueFile(db.QueueFilePath(id))
		if err != nil {
			continue
		}
		for _, st := range qf.Subtasks {
			if st.Status == models.StatusRunning {
				sawRunning = true
			}
		}
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRunCancel(t *testing.T) {
	db := openTestStore(t)
	cfg := testCfg(t)

	startedCh := make(chan struct{}, 8)
	reg := dispatch.NewRegistry()
	for _, role := range models.AllRoles() {
		reg.Register(role, dispatch.WorkerFunc(func(ctx context.Context, wc *dispatch.WorkerContext, in models.WorkerInput) (models.WorkerOutput, error) {
			startedCh <- struct{}{}
			<-ctx.Done()
			return models.WorkerOutput{}, ctx.Err()
		}))
	}

	o := New(RequiredConfig{Store: db, Registry: reg}, WithConfig(cfg), WithConcurrency(2))
	go func() {
		for range o.Events() {
		}
	}()

	done := make(chan struct{})
	var runErr error
	var sessionStatus models.SessionStatus
	go func() {
		defer close(done)
		res, err := o.Run(context.Background(), "add cursor based pagination to the listing endpoint", "development")
		runErr = err
		if res != nil {
			sessionStatus = res.Status
		}
	}()

	select {
	case <-startedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no worker started")
	}
	o.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after Stop")
	}
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if sessionStatus != models.SessionCanceled {
		t.Errorf("status = %s, want canceled", sessionStatus)
	}
}

func TestRunRejectsEmptyGoal(t *testing.T) {
	db := openTestStore(t)
	o := New(RequiredConfig{Store: db, Registry: successRegistry(t)}, WithConfig(testCfg(t)))

	if _, err := o.Run(context.Background(), "", "development"); err == nil {
		t.Fatal("expected error for empty goal")
	}

	// The failed session persists with zero subtasks.
	status := models.SessionFailed
	sessions, err := db.ListSessions(&status)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 failed session, got %d", len(sessions))
	}
	subtasks, _ := db.ListBySession(sessions[0].ID)
	if len(subtasks) != 0 {
		t.Errorf("expected zero subtasks, got %d", len(subtasks))
	}
}

func TestInjectRequiresActiveSession(t *testing.T) {
	db := openTestStore(t)
	o := New(RequiredConfig{Store: db, Registry: successRegistry(t)}, WithConfig(testCfg(t)))

	err := o.Inject(&models.Subtask{ID: "extra", Role: models.RoleCoder})
	if err == nil {
		t.Fatal("expected error injecting without a session")
	}
}
