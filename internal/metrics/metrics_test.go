package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rag-gateway/internal/agentrun"
	"github.com/2389/rag-gateway/internal/store"
)

func TestObserveTurnAndRun(t *testing.T) {
	m := New()

	m.ObserveTurn("completed", 2*time.Second)
	m.ObserveTurn("completed", time.Second)
	m.ObserveTurn("failed", time.Second)
	m.ObserveRun("asst_sql", agentrun.StateCompleted, 3, 1500*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("asst_sql", "completed")))
}

func TestNewUsesPrivateRegistry(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.ObserveHTTP("/api/chat", 200, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.HTTPRequestsTotal.WithLabelValues("/api/chat", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.HTTPRequestsTotal.WithLabelValues("/api/chat", "200")))
}

func TestWrapStore(t *testing.T) {
	m := New()
	mock := store.NewMockStore()
	s := m.WrapStore(mock)
	ctx := context.Background()

	id, err := s.EnsureConversation(ctx, "alice", "", "t")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, "alice", id, &store.Message{Role: store.RoleUser, Content: "hi"}))

	mock.FailWith = errors.New("down")
	_, err = s.ListConversations(ctx, "alice", 0, 10, store.OrderDesc)
	require.ErrorIs(t, err, store.ErrUnavailable)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("ensure_conversation", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("append_message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("list_conversations", "error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTurn("completed", time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), `rag_gateway_turns_total{outcome="completed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
