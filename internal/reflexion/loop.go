package reflexion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ShayCichocki/weft/pkg/models"
)

// Store is the slice of the Task Store the loop writes to.
type Store interface {
	GetSubtask(id string) (*models.Subtask, error)
	MarkStatus(id string, to models.SubtaskStatus, reason string) error
	SetInputPayload(id string, payload json.RawMessage) error
}

// Action is the loop's verdict on a failure.
type Action int

const (
	// ActionRetry means the subtask was moved to retrying and should be
	// released back to ready after Decision.Delay.
	ActionRetry Action = iota
	// ActionAbort means the retry budget is exhausted and the subtask
	// was aborted.
	ActionAbort
)

// Decision tells the orchestrator what the loop did with a failure.
type Decision struct {
	Action Action
	// Delay is how long to wait before Release, growing with each attempt.
	Delay time.Duration
	// Hint is the remedy attached to the retry, empty if none was known.
	Hint string
	// Signature is the failure class the decision was filed under.
	Signature Signature
	// Reason explains an abort; empty for retries.
	Reason string
}

// defaultHints seed the retry payload when memory has nothing better.
var defaultHints = map[string]string{
	CategoryTimeout: "previous attempt exceeded its deadline; reduce scope or split the work",
	CategoryBuild:   "previous attempt did not build; fix the reported errors before extending",
	CategoryTest:    "previous attempt failed its tests; make the failing cases pass first",
	CategoryNetwork: "previous attempt hit a network error; the dependency may need a retry or a mock",
}

// retryEnvelope is what a retried subtask receives as input: the original
// payload plus the failure context and remedy.
type retryEnvelope struct {
	Original      json.RawMessage `json:"original,omitempty"`
	PreviousError string          `json:"previous_error"`
	Remedy        string          `json:"remedy,omitempty"`
	Attempt       int             `json:"attempt"`
}

// Loop converts failed subtasks into retries with amended input, or aborts
// them once the retry budget is spent.
type Loop struct {
	st      Store
	mem     Memory
	initial time.Duration
	maxWait time.Duration
}

// New creates a reflexion loop. initial is the first retry delay; it grows
// exponentially per attempt up to maxWait.
func New(st Store, mem Memory, initial, maxWait time.Duration) *Loop {
	if initial <= 0 {
		initial = time.Second
	}
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &Loop{st: st, mem: mem, initial: initial, maxWait: maxWait}
}

// OnFailure decides a failed subtask's fate. Within budget the subtask
// moves to retrying with a remedy-amended input payload; past budget it is
// aborted. AttemptCount counts dispatches, so a subtask with MaxRetries n
// runs at most n+1 times.
func (l *Loop) OnFailure(taskID, reason string) (Decision, error) {
	st, err := l.st.GetSubtask(taskID)
	if err != nil {
		return Decision{}, fmt.Errorf("load failed subtask: %w", err)
	}

	sig := Signature{Role: st.Role, Category: Categorize(reason)}

	if st.AttemptCount > st.MaxRetries {
		if err := l.st.MarkStatus(taskID, models.StatusAborted, "retry budget exhausted"); err != nil {
			return Decision{}, fmt.Errorf("abort %s: %w", taskID, err)
		}
		return Decision{Action: ActionAbort, Signature: sig, Reason: "retry budget exhausted"}, nil
	}

	// The retry is prepared in full before the subtask moves: once it is
	// retrying, only a release timer gets it out, so a half-prepared retry
	// would strand it there forever. Any setup error aborts instead.
	hint := defaultHints[sig.Category]
	if l.mem != nil {
		remedy, err := l.mem.Lookup(sig)
		if err != nil {
			return l.abortBrokenRetry(taskID, sig, fmt.Errorf("lookup remedy: %w", err))
		}
		if remedy != nil {
			hint = remedy.Hint
		}
	}

	env := retryEnvelope{
		Original:      originalPayload(st.InputPayload),
		PreviousError: reason,
		Remedy:        hint,
		Attempt:       st.AttemptCount,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return l.abortBrokenRetry(taskID, sig, fmt.Errorf("build retry payload: %w", err))
	}
	if err := l.st.SetInputPayload(taskID, payload); err != nil {
		return l.abortBrokenRetry(taskID, sig, fmt.Errorf("amend input: %w", err))
	}

	if err := l.st.MarkStatus(taskID, models.StatusRetrying, reason); err != nil {
		return Decision{}, fmt.Errorf("mark %s retrying: %w", taskID, err)
	}

	return Decision{
		Action:    ActionRetry,
		Delay:     l.delayFor(st.AttemptCount),
		Hint:      hint,
		Signature: sig,
	}, nil
}

// abortBrokenRetry settles a subtask whose retry could not be prepared.
// Aborting keeps the session live; leaving it failed would be wrong too,
// since no release will ever come for it.
func (l *Loop) abortBrokenRetry(taskID string, sig Signature, cause error) (Decision, error) {
	reason := fmt.Sprintf("retry setup failed: %v", cause)
	if err := l.st.MarkStatus(taskID, models.StatusAborted, reason); err != nil {
		return Decision{}, fmt.Errorf("abort %s after broken retry: %w", taskID, err)
	}
	return Decision{Action: ActionAbort, Signature: sig, Reason: reason}, nil
}

// Release moves a retrying subtask back to ready so the scheduler can pick
// it up. Called after Decision.Delay has elapsed.
func (l *Loop) Release(taskID string) error {
	return l.st.MarkStatus(taskID, models.StatusReady, "retry")
}

// OnRetryOutcome feeds the result of a retried attempt back into memory so
// remedies accumulate a track record.
func (l *Loop) OnRetryOutcome(d Decision, success bool) error {
	if l.mem == nil || d.Hint == "" {
		return nil
	}
	return l.mem.Record(d.Signature, d.Hint, success)
}

// delayFor computes the backoff delay for the given attempt number.
// Randomization is disabled so retry timing is reproducible.
func (l *Loop) delayFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.maxWait
	b.RandomizationFactor = 0
	b.Multiplier = 2

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > l.maxWait {
		d = l.maxWait
	}
	return d
}

// originalPayload unwraps nested retry envelopes so repeated failures do
// not stack wrappers around the worker's true input.
func originalPayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var env retryEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && env.PreviousError != "" {
		return env.Original
	}
	return payload
}
