// ABOUTME: Drives a single run against an external run-based agent and returns its text
// ABOUTME: Explicit Created->Queued/InProgress->Completed/Failed state machine with injected sleep

package agentrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// FallbackText is returned to callers when a run cannot produce a result.
const FallbackText = "Details could not be retrieved. Please try again later."

// Default polling parameters.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxPolls     = 240
)

// RunStatus is the upstream status of a run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
	StatusIncomplete     RunStatus = "incomplete"
	StatusRequiresAction RunStatus = "requires_action"
)

// Pending reports whether the run has not reached a terminal status yet.
func (s RunStatus) Pending() bool {
	return s == StatusQueued || s == StatusInProgress
}

// Run is a snapshot of one upstream run.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// ThreadMessage is one message read back from a thread.
type ThreadMessage struct {
	Role  string
	Texts []string
}

// RunClient is the external "create a run, poll it, read back text" capability.
type RunClient interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// RunObserver receives one callback per finished invocation.
type RunObserver interface {
	ObserveRun(assistantID string, state State, polls int, elapsed time.Duration)
}

// State is the invoker's view of a run's lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Outcome describes how one invocation ended.
type Outcome struct {
	State State
	Text  string
	Polls int
	// Err is the upstream failure detail when State is StateFailed.
	Err error
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Invoker performs exactly one run per call and always tries to delete its thread.
type Invoker struct {
	client       RunClient
	pollInterval time.Duration
	maxPolls     int
	sleep        SleepFunc
	now          func() time.Time
	observer     RunObserver
	logger       *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.pollInterval = d
		}
	}
}

// WithMaxPolls bounds the poll loop; exhaustion is treated as a failed run.
func WithMaxPolls(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxPolls = n
		}
	}
}

// WithSleep replaces the sleep implementation.
func WithSleep(fn SleepFunc) Option {
	return func(i *Invoker) { i.sleep = fn }
}

// WithClock replaces the time source used for elapsed-time reporting.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) { i.now = now }
}

// WithObserver installs a RunObserver.
func WithObserver(o RunObserver) Option {
	return func(i *Invoker) { i.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// NewInvoker creates an Invoker around client.
func NewInvoker(client RunClient, opts ...Option) *Invoker {
	inv := &Invoker{
		client:       client,
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		sleep:        contextSleep,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = inv.logger.With("component", "agentrun")
	return inv
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invoke runs input against assistantID and returns the cleaned text result.
// Upstream failures degrade to FallbackText; only cancellation is returned as an error.
func (inv *Invoker) Invoke(ctx context.Context, assistantID, input string) (string, error) {
	out := inv.Run(ctx, assistantID, input)
	if out.State == StateCompleted {
		return out.Text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	return FallbackText, nil
}

// Run executes one full thread/message/run cycle and reports the outcome.
func (inv *Invoker) Run(ctx context.Context, assistantID, input string) Outcome {
	start := inv.now()
	out := Outcome{State: StateCreated}
	defer func() {
		if inv.observer != nil {
			inv.observer.ObserveRun(assistantID, out.State, out.Polls, inv.now().Sub(start))
		}
	}()

	fail := func(step string, err error) Outcome {
		out.State = StateFailed
		out.Err = fmt.Errorf("%s: %w", step, err)
		inv.logger.Error("agent run failed", "assistant_id", assistantID, "step", step, "error", err)
		return out
	}

	threadID, err := inv.client.CreateThread(ctx)
	if err != nil {
		return fail("creating thread", err)
	}
	defer inv.deleteThread(ctx, threadID)

	if err := inv.client.PostMessage(ctx, threadID, input); err != nil {
		return fail("posting message", err)
	}

	run, err := inv.client.CreateRun(ctx, threadID, assistantID)
	if err != nil {
		return fail("creating run", err)
	}

	for run.Status.Pending() {
		out.State = stateFor(run.Status)
		if out.Polls >= inv.maxPolls {
			return fail("polling run", fmt.Errorf("run %s still %s after %d polls", run.ID, run.Status, out.Polls))
		}
		if err := inv.sleep(ctx, inv.pollInterval); err != nil {
			return fail("waiting for run", err)
		}
		out.Polls++
		next, err := inv.client.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return fail("polling run", err)
		}
		run = next
	}

	if run.Status != StatusCompleted {
		detail := run.LastError
		if detail == "" {
			detail = "no error detail"
		}
		return fail("run finished", fmt.Errorf("run %s ended %s: %s", run.ID, run.Status, detail))
	}

	msgs, err := inv.client.ListMessages(ctx, threadID)
	if err != nil {
		return fail("listing messages", err)
	}
	text, ok := firstAgentText(msgs)
	if !ok {
		return fail("reading result", errors.New("no assistant text in thread"))
	}

	out.State = StateCompleted
	out.Text = CleanResult(text)
	inv.logger.Debug("agent run completed", "assistant_id", assistantID, "polls", out.Polls)
	return out
}

// deleteThread is best-effort and survives cancellation of the caller's context.
func (inv *Invoker) deleteThread(ctx context.Context, threadID string) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := inv.client.DeleteThread(delCtx, threadID); err != nil {
		inv.logger.Warn("failed to delete agent thread", "thread_id", threadID, "error", err)
	}
}

func stateFor(s RunStatus) State {
	if s == StatusQueued {
		return StateQueued
	}
	return StateInProgress
}

// firstAgentText returns the first text item authored by the assistant.
func firstAgentText(msgs []ThreadMessage) (string, bool) {
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, t := range m.Texts {
			if strings.TrimSpace(t) != "" {
				return t, true
			}
		}
	}
	return "", false
}

var fenceMarkers = []string{"```sql", "```json", "```"}

// CleanResult strips code-fence markers that models wrap around raw query or JSON output.
func CleanResult(s string) string {
	for _, f := range fenceMarkers {
		s = strings.ReplaceAll(s, f, "")
	}
	return strings.TrimSpace(s)
}
