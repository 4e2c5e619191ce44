// ABOUTME: Client-side conversation state driven by discrete actions through Reduce
// ABOUTME: Upserts streamed assistant text by message id and stops paging once history is exhausted

package chatclient

import (
	"slices"

	"github.com/2389/rag-gateway/internal/chat"
)

// CitationPanel is the state of the citation side panel.
type CitationPanel struct {
	Active  string
	Visible bool
	// OwnerConversationID is the conversation the citation was opened from.
	OwnerConversationID string
}

// State is everything a chat front end renders. It is a value: Reduce never
// mutates its input.
type State struct {
	// ConversationID is the open conversation. When Pending is true the id
	// was minted locally and nothing has been stored under it yet.
	ConversationID string
	Pending        bool
	Messages       []Message
	Streaming      bool
	// LastError holds the last error chunk of a stream, cleared when the
	// next stream starts.
	LastError string

	Conversations []Conversation
	// Offset is the number of conversations already fetched.
	Offset  int
	HasMore bool

	Citation CitationPanel
}

// NewState returns the state of a fresh session with a pending conversation.
func NewState(conversationID string) State {
	return State{ConversationID: conversationID, Pending: true, HasMore: true}
}

// Action is one state transition.
type Action interface {
	isAction()
}

// SelectConversation opens a conversation with its stored messages.
type SelectConversation struct {
	ID       string
	Messages []Message
}

// ReceiveEnvelope applies one streamed envelope.
type ReceiveEnvelope struct {
	Envelope *chat.Envelope
}

// StreamStarted marks a turn as in flight.
type StreamStarted struct{}

// StreamFinished ends the in-flight turn. Err is set when the transport failed.
type StreamFinished struct {
	Err string
}

// ConversationsLoaded appends one history page. Requested is the page size
// asked for; a shorter page means there is nothing further.
type ConversationsLoaded struct {
	Page      []Conversation
	Requested int
}

// ClearAll empties everything after a delete-all and starts a new pending
// conversation under NewID.
type ClearAll struct {
	NewID string
}

// StartConversation leaves the open conversation and starts a pending one
// under NewID. The history list is kept.
type StartConversation struct {
	NewID string
}

// ShowCitation opens the citation panel.
type ShowCitation struct {
	Citation string
}

// HideCitation closes the citation panel.
type HideCitation struct{}

// RemoveConversation drops a deleted conversation. NewID replaces the open
// conversation when it was the one removed.
type RemoveConversation struct {
	ID    string
	NewID string
}

// RenameConversation updates a title in the list.
type RenameConversation struct {
	ID    string
	Title string
}

// RefreshConversations drops the loaded history list so the next page
// request starts again from offset zero.
type RefreshConversations struct{}

// AppendUserMessage adds the question the user just sent.
type AppendUserMessage struct {
	ID      string
	Content string
}

func (SelectConversation) isAction()   {}
func (ReceiveEnvelope) isAction()      {}
func (StreamStarted) isAction()        {}
func (StreamFinished) isAction()       {}
func (ConversationsLoaded) isAction()  {}
func (ClearAll) isAction()             {}
func (StartConversation) isAction()    {}
func (ShowCitation) isAction()         {}
func (HideCitation) isAction()         {}
func (RemoveConversation) isAction()   {}
func (RenameConversation) isAction()   {}
func (RefreshConversations) isAction() {}
func (AppendUserMessage) isAction()    {}

// Reduce returns the state after applying a.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SelectConversation:
		if a.ID == s.ConversationID && !s.Pending {
			return s
		}
		s.ConversationID = a.ID
		s.Pending = false
		s.Messages = slices.Clone(a.Messages)
		s.Streaming = false
		s.LastError = ""
		s.Citation = CitationPanel{}

	case ReceiveEnvelope:
		s = receive(s, a.Envelope)

	case StreamStarted:
		s.Streaming = true
		s.LastError = ""

	case StreamFinished:
		s.Streaming = false
		if a.Err != "" {
			s.LastError = a.Err
		}

	case ConversationsLoaded:
		s = loadPage(s, a.Page, a.Requested)

	case ClearAll:
		s = State{ConversationID: a.NewID, Pending: true}

	case StartConversation:
		s.ConversationID = a.NewID
		s.Pending = true
		s.Messages = nil
		s.Streaming = false
		s.LastError = ""
		s.Citation = CitationPanel{}

	case ShowCitation:
		s.Citation = CitationPanel{
			Active:              a.Citation,
			Visible:             true,
			OwnerConversationID: s.ConversationID,
		}

	case HideCitation:
		s.Citation.Visible = false

	case RemoveConversation:
		before := len(s.Conversations)
		s.Conversations = slices.DeleteFunc(slices.Clone(s.Conversations), func(c Conversation) bool {
			return c.ID == a.ID
		})
		if len(s.Conversations) < before && s.Offset > 0 {
			s.Offset--
		}
		if s.ConversationID == a.ID {
			s.ConversationID = a.NewID
			s.Pending = true
			s.Messages = nil
			s.Streaming = false
			s.Citation = CitationPanel{}
		}

	case RenameConversation:
		convs := slices.Clone(s.Conversations)
		for i := range convs {
			if convs[i].ID == a.ID {
				convs[i].Title = a.Title
			}
		}
		s.Conversations = convs

	case RefreshConversations:
		s.Conversations = nil
		s.Offset = 0
		s.HasMore = true

	case AppendUserMessage:
		s.Messages = append(slices.Clone(s.Messages), Message{
			ID:      a.ID,
			Role:    "user",
			Content: a.Content,
		})
	}
	return s
}

// receive applies env to the open conversation. Envelopes arriving while no
// stream is in flight, or addressed to another conversation, belong to an
// abandoned stream and are dropped.
func receive(s State, env *chat.Envelope) State {
	if env == nil || !s.Streaming {
		return s
	}
	if env.ID != "" && env.ID != s.ConversationID {
		if !s.Pending {
			return s
		}
		// The server assigned the id of the new conversation.
		s.ConversationID = env.ID
	}
	if env.ID != "" {
		s.Pending = false
	}
	if env.IsError() {
		s.LastError = env.Error
		return s
	}
	m, ok := env.Message()
	if !ok {
		return s
	}

	msgs := slices.Clone(s.Messages)
	if i := findAssistant(msgs, m.ID); i >= 0 {
		msgs[i].Content = m.Content
	} else {
		msgs = append(msgs, Message{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	s.Messages = msgs
	return s
}

// findAssistant locates the assistant message an envelope updates. Envelopes
// without an id update the trailing assistant message.
func findAssistant(msgs []Message, id string) int {
	if id == "" {
		if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" && msgs[n-1].ID == "" {
			return n - 1
		}
		return -1
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func loadPage(s State, page []Conversation, requested int) State {
	if !s.HasMore {
		return s
	}
	convs := slices.Clone(s.Conversations)
	for _, c := range page {
		if !slices.ContainsFunc(convs, func(have Conversation) bool { return have.ID == c.ID }) {
			convs = append(convs, c)
		}
	}
	s.Conversations = convs
	s.Offset += len(page)
	s.HasMore = requested > 0 && len(page) >= requested
	return s
}

// NextPageRequest returns the offset of the next history page. ok is false
// once the history is exhausted, regardless of what the server would answer.
func NextPageRequest(s State) (offset int, ok bool) {
	if !s.HasMore {
		return 0, false
	}
	return s.Offset, true
}
