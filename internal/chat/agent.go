// ABOUTME: Primary agent capability consumed by the orchestrator
// ABOUTME: Agents stream Response events on a channel until Done or Error

package chat

import (
	"context"
)

// Event is the kind of one Response from an Agent.
type Event int

const (
	// EventText carries an incremental text delta.
	EventText Event = iota
	// EventDone marks normal completion; no further events follow.
	EventDone
	// EventError carries a failure; no further events follow.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventText:
		return "text"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Response is one event streamed back by an Agent.
type Response struct {
	Event Event
	Text  string
	Error error
}

// HistoryTurn is one prior message handed to the agent as context.
type HistoryTurn struct {
	Role    string
	Content string
}

// Request is everything the primary agent sees for one turn.
type Request struct {
	ConversationID string
	Query          string
	// LastResponse is the previous assistant answer, used as a hint for
	// follow-ups such as charts. May be empty.
	LastResponse string
	// History holds earlier messages, oldest first. It never includes Query.
	History []HistoryTurn
}

// Agent produces a streamed answer for a Request.
//
// The returned channel is closed after an EventDone or EventError. Cancelling
// ctx must make the agent stop, release any upstream resources and close the
// channel.
type Agent interface {
	Stream(ctx context.Context, req *Request) (<-chan *Response, error)
}

// Completer answers a single prompt without streaming. Used for titles and
// other short side requests.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// send delivers resp unless ctx is done first.
func send(ctx context.Context, out chan<- *Response, resp *Response) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
