package agentrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunClient replays a scripted sequence of run statuses.
type fakeRunClient struct {
	mu        sync.Mutex
	statuses  []RunStatus
	lastError string
	messages  []ThreadMessage

	createErr error
	postErr   error
	listErr   error

	posted   []string
	deleted  []string
	getCalls int
}

func (f *fakeRunClient) CreateThread(ctx context.Context) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "thread-1", nil
}

func (f *fakeRunClient) PostMessage(ctx context.Context, threadID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, content)
	return f.postErr
}

func (f *fakeRunClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	return &Run{ID: "run-1", ThreadID: threadID, Status: f.statuses[0]}, nil
}

func (f *fakeRunClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	idx := f.getCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	run := &Run{ID: runID, ThreadID: threadID, Status: f.statuses[idx]}
	if run.Status == StatusFailed {
		run.LastError = f.lastError
	}
	return run, nil
}

func (f *fakeRunClient) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	return f.messages, f.listErr
}

func (f *fakeRunClient) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	return nil
}

// noSleep counts sleeps without waiting.
type noSleep struct{ calls int }

func (s *noSleep) sleep(ctx context.Context, d time.Duration) error {
	s.calls++
	return ctx.Err()
}

type recordingObserver struct {
	state State
	polls int
}

func (o *recordingObserver) ObserveRun(assistantID string, state State, polls int, elapsed time.Duration) {
	o.state = state
	o.polls = polls
}

func TestInvoke_Completed(t *testing.T) {
	client := &fakeRunClient{
		statuses: []RunStatus{StatusQueued, StatusInProgress, StatusCompleted},
		messages: []ThreadMessage{
			{Role: "user", Texts: []string{"how many orders?"}},
			{Role: "assistant", Texts: []string{"```sql\nSELECT COUNT(*) FROM orders\n```"}},
		},
	}
	s := &noSleep{}
	obs := &recordingObserver{}
	inv := NewInvoker(client, WithSleep(s.sleep), WithObserver(obs))

	got, err := inv.Invoke(context.Background(), "asst-sql", "how many orders?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", got)
	assert.Equal(t, []string{"how many orders?"}, client.posted)
	assert.Equal(t, []string{"thread-1"}, client.deleted)
	assert.Equal(t, 2, s.calls)
	assert.Equal(t, StateCompleted, obs.state)
	assert.Equal(t, 2, obs.polls)
}

func TestInvoke_FailedReturnsFallback(t *testing.T) {
	client := &fakeRunClient{
		statuses:  []RunStatus{StatusQueued, StatusInProgress, StatusFailed},
		lastError: "rate_limit_exceeded",
	}
	inv := NewInvoker(client, WithSleep((&noSleep{}).sleep))

	got, err := inv.Invoke(context.Background(), "asst", "input")
	require.NoError(t, err, "a failed run must never raise")
	assert.Equal(t, FallbackText, got)
	assert.Equal(t, []string{"thread-1"}, client.deleted)

	out := NewInvoker(client, WithSleep((&noSleep{}).sleep)).Run(context.Background(), "asst", "input")
	assert.Equal(t, StateFailed, out.State)
}

func TestInvoke_RunDetailInOutcome(t *testing.T) {
	client := &fakeRunClient{
		statuses:  []RunStatus{StatusInProgress, StatusFailed},
		lastError: "server_error",
	}
	out := NewInvoker(client, WithSleep((&noSleep{}).sleep)).Run(context.Background(), "asst", "x")
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "server_error")
}

func TestInvoke_OtherTerminalStatusesFail(t *testing.T) {
	for _, status := range []RunStatus{StatusCancelled, StatusExpired, StatusIncomplete, StatusRequiresAction} {
		client := &fakeRunClient{statuses: []RunStatus{StatusQueued, status}}
		inv := NewInvoker(client, WithSleep((&noSleep{}).sleep))
		got, err := inv.Invoke(context.Background(), "asst", "x")
		if err != nil || got != FallbackText {
			t.Errorf("status %s: got (%q, %v), want fallback", status, got, err)
		}
	}
}

func TestInvoke_MaxPollsIsFailure(t *testing.T) {
	client := &fakeRunClient{statuses: []RunStatus{StatusQueued, StatusInProgress}}
	s := &noSleep{}
	inv := NewInvoker(client, WithSleep(s.sleep), WithMaxPolls(3))

	out := inv.Run(context.Background(), "asst", "x")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 3, out.Polls)
	assert.Equal(t, 3, s.calls)
	assert.Equal(t, []string{"thread-1"}, client.deleted)
}

func TestInvoke_CreateThreadError(t *testing.T) {
	client := &fakeRunClient{createErr: errors.New("boom"), statuses: []RunStatus{StatusCompleted}}
	inv := NewInvoker(client, WithSleep((&noSleep{}).sleep))

	got, err := inv.Invoke(context.Background(), "asst", "x")
	require.NoError(t, err)
	assert.Equal(t, FallbackText, got)
	assert.Empty(t, client.deleted, "no thread was created, nothing to delete")
}

func TestInvoke_NoAssistantText(t *testing.T) {
	client := &fakeRunClient{
		statuses: []RunStatus{StatusCompleted},
		messages: []ThreadMessage{{Role: "user", Texts: []string{"q"}}, {Role: "assistant", Texts: []string{"  "}}},
	}
	got, err := NewInvoker(client).Invoke(context.Background(), "asst", "q")
	require.NoError(t, err)
	assert.Equal(t, FallbackText, got)
}

func TestInvoke_CancelledDuringPoll(t *testing.T) {
	client := &fakeRunClient{statuses: []RunStatus{StatusQueued}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := NewInvoker(client, WithSleep(contextSleep), WithPollInterval(time.Hour))
	_, err := inv.Invoke(ctx, "asst", "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"thread-1"}, client.deleted, "thread is deleted even after cancellation")
}

func TestCleanResult(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain", "plain"},
		{"  ```\nx\n```  ", "x"},
	}
	for _, tt := range tests {
		if got := CleanResult(tt.in); got != tt.want {
			t.Errorf("CleanResult(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunStatus_Pending(t *testing.T) {
	assert.True(t, StatusQueued.Pending())
	assert.True(t, StatusInProgress.Pending())
	assert.False(t, StatusCompleted.Pending())
	assert.False(t, StatusFailed.Pending())
}
