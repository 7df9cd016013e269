package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

// Store is the slice of the Task Store the dispatcher writes to.
type Store interface {
	MarkStatus(id string, to models.SubtaskStatus, reason string) error
	IncrementAttempt(id string) error
	SetOutputPayload(id string, payload json.RawMessage) error
}

// Completion reports a settled dispatch back to the orchestrator loop.
type Completion struct {
	TaskID string
	Status models.SubtaskStatus
	Reason string
	Output models.WorkerOutput
	// Progress is the last percentage the worker beat with before settling.
	Progress int
}

// Config carries dispatcher tuning knobs.
type Config struct {
	// Limit bounds concurrently executing workers.
	Limit int
	// HeartbeatInterval is how often workers are expected to call Beat.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals of silence count as hung.
	HeartbeatMisses int
	// GracePeriod is how long a canceled or timed-out worker gets to
	// return before it is abandoned.
	GracePeriod time.Duration
	// ScratchRoot is where per-subtask scratch directories are created.
	ScratchRoot string
}

func (c *Config) applyDefaults() {
	if c.Limit < 1 {
		c.Limit = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatMisses < 1 {
		c.HeartbeatMisses = 3
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.ScratchRoot == "" {
		c.ScratchRoot = filepath.Join(os.TempDir(), "weft-scratch")
	}
}

// Dispatcher runs ready subtasks on registered workers. Each dispatch gets
// its own goroutine, its own WorkerContext, and its own deadline monitor;
// the shared errgroup enforces the concurrency limit.
type Dispatcher struct {
	st          Store
	reg         *Registry
	cfg         Config
	grp         *errgroup.Group
	completions chan Completion

	mu   sync.Mutex
	live map[string]*WorkerContext
}

// New creates a dispatcher over the given store and worker registry.
func New(st Store, reg *Registry, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	grp := &errgroup.Group{}
	grp.SetLimit(cfg.Limit)
	return &Dispatcher{
		st:          st,
		reg:         reg,
		cfg:         cfg,
		grp:         grp,
		completions: make(chan Completion, cfg.Limit*2),
		live:        make(map[string]*WorkerContext),
	}
}

// Progress reports the latest percentage a running worker has beaten with.
// The second return is false once the subtask is no longer in flight.
func (d *Dispatcher) Progress(taskID string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wc, ok := d.live[taskID]
	if !ok {
		return 0, false
	}
	return wc.Progress(), true
}

// Completions delivers one Completion per dispatched subtask.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// Dispatch marks the subtask running and starts its worker. The call
// returns once the goroutine is launched; the outcome arrives on
// Completions. A missing worker binding fails the subtask without
// occupying a slot.
func (d *Dispatcher) Dispatch(ctx context.Context, st *models.Subtask) error {
	w, err := d.reg.Lookup(st.Role)
	if err != nil {
		return d.failBeforeStart(ctx, st, fmt.Sprintf("no worker: %v", err))
	}

	if err := d.st.MarkStatus(st.ID, models.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark %s running: %w", st.ID, err)
	}
	if err := d.st.IncrementAttempt(st.ID); err != nil {
		return fmt.Errorf("count attempt for %s: %w", st.ID, err)
	}

	st = st.Clone()
	d.grp.Go(func() error {
		d.execute(ctx, w, st)
		return nil
	})
	return nil
}

// Wait blocks until every in-flight worker has settled.
func (d *Dispatcher) Wait() {
	d.grp.Wait()
}

// failBeforeStart settles a subtask that never reached a worker. The
// attempt still counts, so a role that stays unbound exhausts its retry
// budget instead of looping forever.
func (d *Dispatcher) failBeforeStart(ctx context.Context, st *models.Subtask, reason string) error {
	if err := d.st.MarkStatus(st.ID, models.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark %s running: %w", st.ID, err)
	}
	if err := d.st.IncrementAttempt(st.ID); err != nil {
		return fmt.Errorf("count attempt for %s: %w", st.ID, err)
	}
	if err := d.st.MarkStatus(st.ID, models.StatusFailed, reason); err != nil {
		return fmt.Errorf("mark %s failed: %w", st.ID, err)
	}
	d.deliver(ctx, Completion{TaskID: st.ID, Status: models.StatusFailed, Reason: reason})
	return nil
}

type workerResult struct {
	out models.WorkerOutput
	err error
}

// execute runs one worker under heartbeat and timeout supervision. Exactly
// one Completion is delivered per call.
func (d *Dispatcher) execute(ctx context.Context, w Worker, st *models.Subtask) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scratch := filepath.Join(d.cfg.ScratchRoot, st.SessionID, st.ID)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		d.settle(ctx, st, models.StatusFailed, fmt.Sprintf("scratch dir: %v", err), models.WorkerOutput{})
		return
	}

	wc := &WorkerContext{
		TaskID:     st.ID,
		Role:       st.Role,
		ScratchDir: scratch,
		beat:       make(chan struct{}, 1),
	}
	d.mu.Lock()
	d.live[st.ID] = wc
	d.mu.Unlock()
	in := models.WorkerInput{
		TaskID:      st.ID,
		Description: st.Description,
		Role:        st.Role,
		InputData:   st.InputPayload,
	}

	results := make(chan workerResult, 1)
	started := time.Now()
	go func() {
		out, err := w.Execute(runCtx, wc, in)
		if out.ExecutionTime == 0 {
			out.ExecutionTime = time.Since(started)
		}
		results <- workerResult{out: out, err: err}
	}()

	allowance := time.Duration(d.cfg.HeartbeatMisses) * d.cfg.HeartbeatInterval
	stall := time.NewTimer(allowance)
	defer stall.Stop()

	var deadline <-chan time.Time
	if st.Timeout > 0 {
		timer := time.NewTimer(st.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case res := <-results:
			d.record(ctx, st, res)
			return
		case <-wc.beat:
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(allowance)
		case <-deadline:
			d.abandon(ctx, st, cancel, results, models.StatusFailed, "timeout")
			return
		case <-stall.C:
			d.abandon(ctx, st, cancel, results, models.StatusFailed, "timeout")
			return
		case <-ctx.Done():
			d.abandon(ctx, st, cancel, results, models.StatusAborted, "canceled")
			return
		}
	}
}

// abandon cancels the worker, allows the grace period for a late return,
// and settles the subtask with the given status either way.
func (d *Dispatcher) abandon(ctx context.Context, st *models.Subtask, cancel context.CancelFunc, results <-chan workerResult, status models.SubtaskStatus, reason string) {
	cancel()
	grace := time.NewTimer(d.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-results:
		// A late success after cancellation still does not count: the
		// deadline or cancel decision stands, but the output is kept.
		d.settle(ctx, st, status, reason, res.out)
	case <-grace.C:
		d.settle(ctx, st, status, reason, models.WorkerOutput{})
	}
}

// record settles a subtask from its worker's own verdict.
func (d *Dispatcher) record(ctx context.Context, st *models.Subtask, res workerResult) {
	switch {
	case res.err != nil:
		d.settle(ctx, st, models.StatusFailed, res.err.Error(), res.out)
	case res.out.Status == models.WorkerFailed:
		reason := res.out.ErrorMessage
		if reason == "" {
			reason = "worker reported failure"
		}
		d.settle(ctx, st, models.StatusFailed, reason, res.out)
	default:
		d.settle(ctx, st, models.StatusCompleted, "", res.out)
	}
}

func (d *Dispatcher) settle(ctx context.Context, st *models.Subtask, status models.SubtaskStatus, reason string, out models.WorkerOutput) {
	progress := 0
	d.mu.Lock()
	if wc, ok := d.live[st.ID]; ok {
		progress = wc.Progress()
		delete(d.live, st.ID)
	}
	d.mu.Unlock()

	if len(out.OutputData) > 0 {
		if err := d.st.SetOutputPayload(st.ID, out.OutputData); err != nil {
			status = models.StatusFailed
			reason = fmt.Sprintf("persist output: %v", err)
		}
	}
	if err := d.st.MarkStatus(st.ID, status, reason); err != nil {
		// A cancel sweep may have settled it first; the store's verdict wins.
		if !errors.Is(err, store.ErrConflict) {
			reason = fmt.Sprintf("%s (status write failed: %v)", reason, err)
		}
	}
	if status == models.StatusCompleted {
		progress = 100
	}
	d.deliver(ctx, Completion{TaskID: st.ID, Status: status, Reason: reason, Output: out, Progress: progress})
}

// deliver sends a completion without blocking forever on a dead consumer.
func (d *Dispatcher) deliver(ctx context.Context, c Completion) {
	select {
	case d.completions <- c:
	case <-ctx.Done():
		select {
		case d.completions <- c:
		default:
		}
	}
}
