package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/2389/rag-gateway/internal/store"
)

// Envelope content grows monotonically, each envelope extends the previous one,
// and the stored answer equals the last envelope.
func TestProperty_AccumulationMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunks := rapid.SliceOfN(rapid.StringN(0, 8, -1), 0, 12).Draw(t, "chunks")
		script := make([]*Response, 0, len(chunks)+1)
		for _, c := range chunks {
			script = append(script, &Response{Event: EventText, Text: c})
		}
		script = append(script, &Response{Event: EventDone})

		s := store.NewMockStore()
		o := New(s, &fakeAgent{script: script})
		resp, err := o.Turn(context.Background(), &TurnRequest{Query: "q"})
		if err != nil {
			t.Fatalf("turn: %v", err)
		}

		var last string
		for env := range resp.Stream {
			if env.IsError() {
				t.Fatalf("unexpected error envelope: %s", env.Error)
			}
			content := env.Content()
			if len(content) < len(last) || !strings.HasPrefix(content, last) {
				t.Fatalf("envelope %q does not extend %q", content, last)
			}
			last = content
		}

		want := strings.Join(chunks, "")
		if want == "" {
			want = EmptyResponseText
		}
		if last != want {
			t.Fatalf("last envelope %q, want %q", last, want)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			msgs, err := s.ReadMessages(context.Background(), "", resp.ConversationID, store.OrderAsc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(msgs) == 2 {
				if msgs[1].Content != last {
					t.Fatalf("stored %q, last envelope %q", msgs[1].Content, last)
				}
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("assistant message not stored, have %d messages", len(msgs))
			}
			time.Sleep(time.Millisecond)
		}
	})
}
