package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/weft/internal/aggregate"
	"github.com/ShayCichocki/weft/internal/config"
	"github.com/ShayCichocki/weft/internal/control"
	"github.com/ShayCichocki/weft/internal/decompose"
	"github.com/ShayCichocki/weft/internal/dispatch"
	"github.com/ShayCichocki/weft/internal/graph"
	"github.com/ShayCichocki/weft/internal/reflexion"
	"github.com/ShayCichocki/weft/internal/scheduler"
	"github.com/ShayCichocki/weft/internal/store"
	"github.com/ShayCichocki/weft/pkg/models"
)

// signalPollInterval is how often the run loop checks control files and
// re-evaluates the schedule even without completions.
const signalPollInterval = 200 * time.Millisecond

// Orchestrator drives one session from goal to aggregated result. The run
// loop is single-threaded: workers run concurrently under the dispatcher,
// but every status decision funnels back through this loop and the store.
type Orchestrator struct {
	st      *store.DB
	reg     *dispatch.Registry
	cfg     *config.Config
	logger  *DebugLogger
	mem     reflexion.Memory
	signals *control.SignalManager
	dec     *decompose.Decomposer

	g     *graph.DependencyGraph
	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	loop  *reflexion.Loop

	events        chan Event
	droppedEvents atomic.Uint64
	releases      chan string

	mu          sync.RWMutex
	session     *models.Session
	paused      bool
	result      *aggregate.Result
	decisions   map[string]reflexion.Decision
	concurrency int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator over the given store and worker registry.
func New(req RequiredConfig, options ...Option) *Orchestrator {
	opts := &orchestratorOptions{}
	for _, opt := range options {
		opt(opts)
	}

	cfg := opts.cfg
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.logger
	if logger == nil {
		logger = NopLogger()
	}
	dec := opts.decomposer
	if dec == nil {
		dec = decompose.New(decompose.Options{
			MaxRetries:     cfg.Defaults.MaxRetries,
			Timeouts:       cfg.Timeouts.Map(),
			DefaultTimeout: cfg.Timeouts.Default,
		})
		if cfg.Paths.TemplatesDir != "" {
			if err := dec.LoadTemplates(cfg.Paths.TemplatesDir); err != nil {
				logger.Log("load templates: %v", err)
			}
		}
	}
	concurrency := opts.concurrency
	if concurrency < 1 {
		concurrency = cfg.Defaults.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}

	return &Orchestrator{
		st:          req.Store,
		reg:         req.Registry,
		cfg:         cfg,
		logger:      logger,
		mem:         opts.memory,
		signals:     opts.signals,
		dec:         dec,
		events:      make(chan Event, 100),
		releases:    make(chan string, 16),
		decisions:   make(map[string]reflexion.Decision),
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Run decomposes the goal into a new session and drives it to completion.
// A decomposition that fails validation marks the session failed and
// persists no subtasks.
func (o *Orchestrator) Run(ctx context.Context, goal, taskType string) (*aggregate.Result, error) {
	if taskType == "" {
		taskType = o.cfg.Defaults.TaskType
	}

	session := &models.Session{
		ID:               uuid.New().String()[:8],
		Goal:             goal,
		TaskType:         taskType,
		ConcurrencyLimit: o.concurrency,
		CreatedAt:        time.Now(),
		Status:           models.SessionActive,
	}
	if err := o.st.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	subtasks, err := o.dec.Decompose(session.ID, goal, taskType)
	if err != nil {
		o.st.UpdateSessionStatus(session.ID, models.SessionFailed)
		o.logger.Log("decompose failed for session %s: %v", session.ID, err)
		return nil, err
	}
	for _, st := range subtasks {
		if err := o.st.UpsertSubtask(st); err != nil {
			o.st.UpdateSessionStatus(session.ID, models.SessionFailed)
			return nil, fmt.Errorf("persist subtask %s: %w", st.ID, err)
		}
	}

	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		o.st.UpdateSessionStatus(session.ID, models.SessionFailed)
		return nil, fmt.Errorf("build graph: %w", err)
	}
	o.g = g

	layers, err := g.Layers()
	if err != nil {
		o.st.UpdateSessionStatus(session.ID, models.SessionFailed)
		return nil, fmt.Errorf("layer graph: %w", err)
	}
	if err := o.st.SetExecutionOrder(session.ID, layers); err != nil {
		return nil, fmt.Errorf("persist execution order: %w", err)
	}
	session.ExecutionOrder = layers
	if roots := g.Roots(); len(roots) > 0 {
		o.st.SetMainTask(session.ID, roots[0])
	}
	if err := o.st.WriteQueueFile(session.ID); err != nil {
		o.logger.Log("write queue file: %v", err)
	}

	return o.run(ctx, session, subtasks)
}

// Resume picks up an interrupted session: completed work is kept, subtasks
// that were running when the process died are handed to the reflexion loop.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*aggregate.Result, error) {
	session, subtasks, err := o.st.ResumeSession(sessionID)
	if err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(subtasks); err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}
	for _, st := range subtasks {
		if st.Status == models.StatusCompleted {
			g.MarkComplete(st.ID)
		}
	}
	o.g = g

	o.logger.Log("resuming session %s with %d subtasks", sessionID, len(subtasks))
	return o.run(ctx, session, subtasks)
}

// run is the session event loop shared by Run and Resume.
func (o *Orchestrator) run(ctx context.Context, session *models.Session, subtasks []*models.Subtask) (*aggregate.Result, error) {
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()

	o.sched = scheduler.New(o.st, o.g, session.ConcurrencyLimit)
	o.disp = dispatch.New(o.st, o.reg, dispatch.Config{
		Limit:             session.ConcurrencyLimit,
		HeartbeatInterval: o.cfg.Dispatch.HeartbeatInterval,
		HeartbeatMisses:   o.cfg.Dispatch.HeartbeatMisses,
		GracePeriod:       o.cfg.Dispatch.GracePeriod,
		ScratchRoot:       o.cfg.Dispatch.ScratchRoot,
	})
	o.loop = reflexion.New(o.st, o.mem, o.cfg.Retry.InitialDelay, o.cfg.Retry.MaxDelay)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Failures inherited from a previous process go straight to reflexion.
	for _, st := range subtasks {
		if st.Status == models.StatusFailed {
			o.reflect(runCtx, st.ID, st.StatusReason)
		}
	}

	o.emitEvent(Event{Type: EventSessionStarted, Message: session.Goal})
	o.logger.Log("session %s started: %d subtasks, concurrency %d",
		session.ID, len(subtasks), session.ConcurrencyLimit)

	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	o.sched.Kick()

	canceled := false
loop:
	for {
		select {
		case <-runCtx.Done():
			canceled = true
			o.sweepAborted("canceled")
			break loop

		case <-o.stopCh:
			canceled = true
			cancel()
			o.sweepAborted("canceled")
			break loop

		case comp := <-o.disp.Completions():
			o.handleCompletion(runCtx, comp)
			o.sched.Kick()

		case id := <-o.releases:
			if err := o.loop.Release(id); err != nil {
				o.logger.Log("release %s: %v", id, err)
			} else {
				o.syncGraph(id, models.StatusReady)
				o.logger.Log("subtask %s released for retry", id)
				o.snapshot()
			}
			o.sched.Kick()

		case <-o.sched.C():
			if o.IsPaused() {
				continue
			}
			if err := o.dispatchNext(runCtx, session.ID); err != nil {
				o.logger.Log("schedule: %v", err)
			}

		case <-ticker.C:
			o.checkSignals(cancel)
			o.sched.Kick()
		}

		if done, err := o.allSettled(session.ID); err != nil {
			o.logger.Log("settle check: %v", err)
		} else if done {
			break loop
		}
	}

	cancel()
	o.disp.Wait()
	o.drainCompletions()
	o.wg.Wait()

	return o.finish(session, canceled)
}

// dispatchNext asks the scheduler for the next batch and hands it to the
// dispatcher. A stall converts the stranded subtasks to aborted so the
// session can settle.
func (o *Orchestrator) dispatchNext(ctx context.Context, sessionID string) error {
	batch, err := o.sched.Next(sessionID)
	if errors.Is(err, scheduler.ErrUnschedulable) {
		stranded, serr := o.sched.Stranded(sessionID)
		if serr != nil {
			return serr
		}
		for _, id := range stranded {
			if merr := o.st.MarkStatus(id, models.StatusAborted, "dependency failed"); merr != nil && !errors.Is(merr, store.ErrConflict) {
				return merr
			}
			o.syncGraph(id, models.StatusAborted)
			o.emitEvent(Event{Type: EventSubtaskAborted, TaskID: id, Message: "dependency failed"})
			o.logger.Log("subtask %s aborted: dependency failed", id)
		}
		if len(stranded) > 0 {
			o.snapshot()
		}
		o.sched.Kick()
		return nil
	}
	if err != nil {
		return err
	}

	for _, st := range batch {
		o.emitEvent(Event{Type: EventSubtaskStarted, TaskID: st.ID, Role: st.Role})
		o.logger.Log("dispatching %s (%s, attempt %d)", st.ID, st.Role, st.AttemptCount+1)
		if err := o.disp.Dispatch(ctx, st); err != nil {
			o.logger.Log("dispatch %s: %v", st.ID, err)
			continue
		}
		o.syncGraph(st.ID, models.StatusRunning)
	}
	if len(batch) > 0 {
		o.snapshot()
	}
	return nil
}

// handleCompletion settles one dispatch outcome.
func (o *Orchestrator) handleCompletion(ctx context.Context, comp dispatch.Completion) {
	o.syncGraph(comp.TaskID, comp.Status)

	switch comp.Status {
	case models.StatusCompleted:
		o.g.MarkComplete(comp.TaskID)
		if d, ok := o.takeDecision(comp.TaskID); ok {
			if err := o.loop.OnRetryOutcome(d, true); err != nil {
				o.logger.Log("record retry outcome: %v", err)
			}
		}
		o.emitEvent(Event{Type: EventSubtaskCompleted, TaskID: comp.TaskID})
		o.logger.Log("subtask %s completed", comp.TaskID)

	case models.StatusFailed:
		o.emitEvent(Event{Type: EventSubtaskFailed, TaskID: comp.TaskID, Message: comp.Reason})
		o.logger.Log("subtask %s failed: %s", comp.TaskID, comp.Reason)
		o.reflect(ctx, comp.TaskID, comp.Reason)

	case models.StatusAborted:
		o.emitEvent(Event{Type: EventSubtaskAborted, TaskID: comp.TaskID, Message: comp.Reason})
		o.logger.Log("subtask %s aborted: %s", comp.TaskID, comp.Reason)
	}

	o.snapshot()
}

// snapshot rewrites the session's queue file so external observers see the
// current subtask states. Called after every status transition.
func (o *Orchestrator) snapshot() {
	if err := o.st.WriteQueueFile(o.sessionID()); err != nil {
		o.logger.Log("write queue file: %v", err)
	}
}

// reflect runs the reflexion loop on a failure and arms the release timer
// for retries.
func (o *Orchestrator) reflect(ctx context.Context, taskID, reason string) {
	if prev, ok := o.takeDecision(taskID); ok {
		if err := o.loop.OnRetryOutcome(prev, false); err != nil {
			o.logger.Log("record retry outcome: %v", err)
		}
	}

	d, err := o.loop.OnFailure(taskID, reason)
	if err != nil {
		o.logger.Log("reflexion for %s: %v", taskID, err)
		return
	}

	if d.Action == reflexion.ActionAbort {
		o.syncGraph(taskID, models.StatusAborted)
		o.emitEvent(Event{Type: EventSubtaskAborted, TaskID: taskID, Message: d.Reason})
		o.logger.Log("subtask %s aborted: %s", taskID, d.Reason)
		o.snapshot()
		return
	}

	o.putDecision(taskID, d)
	o.syncGraph(taskID, models.StatusRetrying)
	o.emitEvent(Event{Type: EventSubtaskRetrying, TaskID: taskID, Message: d.Hint})
	o.logger.Log("subtask %s retrying in %v (%s)", taskID, d.Delay, d.Signature)
	o.snapshot()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.releases <- taskID:
			case <-ctx.Done():
			case <-o.stopCh:
			}
		case <-ctx.Done():
		case <-o.stopCh:
		}
	}()
}

// sweepAborted moves every non-terminal subtask to aborted.
func (o *Orchestrator) sweepAborted(reason string) {
	subtasks, err := o.st.ListBySession(o.sessionID())
	if err != nil {
		o.logger.Log("cancel sweep: %v", err)
		return
	}
	for _, st := range subtasks {
		if st.Status.Terminal() {
			continue
		}
		if err := o.st.MarkStatus(st.ID, models.StatusAborted, reason); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				o.logger.Log("abort %s: %v", st.ID, err)
			}
			continue
		}
		o.syncGraph(st.ID, models.StatusAborted)
		o.emitEvent(Event{Type: EventSubtaskAborted, TaskID: st.ID, Message: reason})
	}
	o.snapshot()
}

// allSettled reports whether every subtask has reached a terminal status.
func (o *Orchestrator) allSettled(sessionID string) (bool, error) {
	subtasks, err := o.st.ListBySession(sessionID)
	if err != nil {
		return false, err
	}
	for _, st := range subtasks {
		if !st.Status.Terminal() {
			return false, nil
		}
	}
	return len(subtasks) > 0, nil
}

// drainCompletions consumes any completions that raced with shutdown so
// late outcomes still reach the log.
func (o *Orchestrator) drainCompletions() {
	for {
		select {
		case comp := <-o.disp.Completions():
			o.logger.Log("late completion for %s: %s", comp.TaskID, comp.Status)
		default:
			return
		}
	}
}

// finish aggregates outputs, persists the final session status, and emits
// the closing event.
func (o *Orchestrator) finish(session *models.Session, canceled bool) (*aggregate.Result, error) {
	defer close(o.events)

	subtasks, err := o.st.ListBySession(session.ID)
	if err != nil {
		return nil, fmt.Errorf("load subtasks for aggregation: %w", err)
	}

	res, err := aggregate.Aggregate(session.ID, o.g, subtasks)
	if err != nil {
		o.st.UpdateSessionStatus(session.ID, models.SessionFailed)
		return nil, fmt.Errorf("aggregate results: %w", err)
	}
	if canceled && res.Status != models.SessionCompleted {
		res.Status = models.SessionCanceled
	}

	if err := o.st.UpdateSessionStatus(session.ID, res.Status); err != nil {
		return nil, fmt.Errorf("persist session status: %w", err)
	}
	if err := o.st.WriteQueueFile(session.ID); err != nil {
		o.logger.Log("write queue file: %v", err)
	}
	o.writeResultFile(session.ID, res)

	o.mu.Lock()
	o.result = res
	o.mu.Unlock()

	o.emitEvent(Event{Type: EventSessionDone, Message: string(res.Status)})
	o.logger.Log("session %s done: %s (%d/%d completed)",
		session.ID, res.Status, res.Completed, res.Total)
	return res, nil
}

// writeResultFile persists the aggregated result next to the queue file.
func (o *Orchestrator) writeResultFile(sessionID string, res *aggregate.Result) {
	path := strings.TrimSuffix(o.st.QueueFilePath(sessionID), ".queue.json") + ".result.json"
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		o.logger.Log("marshal result: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		o.logger.Log("write result file: %v", err)
	}
}

// Inject adds a subtask to the running session. The graph re-validates
// acyclicity; a rejected subtask changes nothing.
func (o *Orchestrator) Inject(st *models.Subtask) error {
	o.mu.RLock()
	session := o.session
	o.mu.RUnlock()
	if session == nil {
		return errors.New("no active session")
	}

	st.SessionID = session.ID
	st.Status = models.StatusPending
	st.Seq = o.g.Size()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if st.Timeout <= 0 {
		st.Timeout = o.cfg.Timeouts.For(st.Role)
	}

	if err := o.g.Add(st); err != nil {
		return err
	}
	if err := o.st.UpsertSubtask(st); err != nil {
		return fmt.Errorf("persist injected subtask: %w", err)
	}
	o.logger.Log("subtask %s injected (%s)", st.ID, st.Role)
	o.sched.Kick()
	return nil
}

// Stop signals the run loop to cancel the session.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Pause stops new dispatches. Running workers continue to completion.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		o.paused = true
		o.logger.Log("session paused")
	}
}

// Resume re-enables dispatching.
func (o *Orchestrator) ResumeDispatch() {
	o.mu.Lock()
	wasPaused := o.paused
	o.paused = false
	o.mu.Unlock()
	if wasPaused {
		o.logger.Log("session resumed")
		o.sched.Kick()
	}
}

// IsPaused returns whether dispatching is paused.
func (o *Orchestrator) IsPaused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

// Result returns the aggregated result once the session has finished.
func (o *Orchestrator) Result() *aggregate.Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.result
}

// checkSignals applies control-file signals to the run.
func (o *Orchestrator) checkSignals(cancel context.CancelFunc) {
	if o.signals == nil {
		return
	}
	if o.signals.ShouldCancel() {
		o.logger.Log("cancel signal received")
		cancel()
		return
	}
	if o.signals.ShouldPause() {
		if !o.IsPaused() {
			o.Pause()
			o.emitEvent(Event{Type: EventSessionPaused})
		}
	} else if o.IsPaused() {
		o.ResumeDispatch()
		o.emitEvent(Event{Type: EventSessionResumed})
	}
}

func (o *Orchestrator) sessionID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session == nil {
		return ""
	}
	return o.session.ID
}

func (o *Orchestrator) syncGraph(id string, status models.SubtaskStatus) {
	if node := o.g.Get(id); node != nil {
		node.Status = status
	}
}

func (o *Orchestrator) putDecision(id string, d reflexion.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions[id] = d
}

func (o *Orchestrator) takeDecision(id string) (reflexion.Decision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.decisions[id]
	if ok {
		delete(o.decisions, id)
	}
	return d, ok
}
