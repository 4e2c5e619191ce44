// ABOUTME: One chat session: client state, the gateway client and terminal output
// ABOUTME: Streams answers by printing only the text each envelope adds

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/rag-gateway/internal/chat"
	"github.com/2389/rag-gateway/internal/chatclient"
)

type session struct {
	client   *chatclient.Client
	state    chatclient.State
	pageSize int
	out      io.Writer
}

func newSession(c *chatclient.Client, pageSize int, out io.Writer) *session {
	return &session{
		client:   c,
		state:    chatclient.NewState(uuid.NewString()),
		pageSize: pageSize,
		out:      out,
	}
}

func (s *session) dispatch(a chatclient.Action) {
	s.state = chatclient.Reduce(s.state, a)
}

// lastAnswer is the newest assistant message, sent along for chart requests
// and follow-up context.
func (s *session) lastAnswer() string {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		if s.state.Messages[i].Role == "assistant" {
			return s.state.Messages[i].Content
		}
	}
	return ""
}

// ask sends one question and streams the answer to out.
func (s *session) ask(ctx context.Context, query string) error {
	req := chatclient.Ask(s.state.ConversationID, query, s.lastAnswer())
	s.dispatch(chatclient.AppendUserMessage{ID: uuid.NewString(), Content: query})
	s.dispatch(chatclient.StreamStarted{})

	var printer streamPrinter
	err := s.client.Chat(ctx, req, func(env *chat.Envelope) error {
		s.dispatch(chatclient.ReceiveEnvelope{Envelope: env})
		if env.IsError() {
			return nil
		}
		printer.update(s.out, env.Content())
		return nil
	})
	printer.finish(s.out)

	finished := chatclient.StreamFinished{}
	if err != nil {
		finished.Err = err.Error()
	}
	s.dispatch(finished)

	if s.state.LastError != "" && err == nil {
		color.New(color.FgRed).Fprintf(s.out, "[error] %s\n", s.state.LastError)
	}
	return err
}

// streamPrinter prints the growth of an accumulated answer. When an envelope
// no longer extends what was printed, the answer is printed again in full.
type streamPrinter struct {
	printed string
}

func (p *streamPrinter) update(w io.Writer, content string) {
	if strings.HasPrefix(content, p.printed) {
		fmt.Fprint(w, content[len(p.printed):])
	} else {
		fmt.Fprint(w, "\n"+content)
	}
	p.printed = content
}

func (p *streamPrinter) finish(w io.Writer) {
	if p.printed != "" {
		fmt.Fprintln(w)
	}
}

// loadAll pages through the history until the reducer reports no more.
func (s *session) loadAll(ctx context.Context) (fromSnapshot bool, err error) {
	for {
		offset, ok := chatclient.NextPageRequest(s.state)
		if !ok {
			return fromSnapshot, nil
		}
		page, err := s.client.List(ctx, offset, s.pageSize)
		if err != nil {
			return fromSnapshot, err
		}
		fromSnapshot = fromSnapshot || page.FromSnapshot
		s.dispatch(chatclient.ConversationsLoaded{Page: page.Conversations, Requested: s.pageSize})
	}
}

// loadPage fetches the next page only.
func (s *session) loadPage(ctx context.Context) (bool, error) {
	offset, ok := chatclient.NextPageRequest(s.state)
	if !ok {
		return false, nil
	}
	page, err := s.client.List(ctx, offset, s.pageSize)
	if err != nil {
		return false, err
	}
	s.dispatch(chatclient.ConversationsLoaded{Page: page.Conversations, Requested: s.pageSize})
	return page.FromSnapshot, nil
}

func (s *session) printConversations() {
	if len(s.state.Conversations) == 0 {
		fmt.Fprintln(s.out, "No conversations")
		return
	}
	gray := color.New(color.FgHiBlack)
	for i, c := range s.state.Conversations {
		marker := " "
		if c.ID == s.state.ConversationID {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %3d  %-40s ", marker, i+1, c.Title)
		gray.Fprintf(s.out, "%s  %s\n", c.ID, c.UpdatedAt.Local().Format("Jan 02 15:04"))
	}
	if s.state.HasMore {
		gray.Fprintln(s.out, "  (more: /more)")
	}
}

// resolve turns a list index ("3") or an id into a conversation id.
func (s *session) resolve(ref string) string {
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(s.state.Conversations) {
		return s.state.Conversations[n-1].ID
	}
	return ref
}

func (s *session) open(ctx context.Context, id string) error {
	tr, err := s.client.Read(ctx, id)
	if err != nil {
		return err
	}
	s.dispatch(chatclient.SelectConversation{ID: id, Messages: tr.Messages})
	if tr.FromSnapshot {
		color.New(color.FgYellow).Fprintln(s.out, "(offline: showing saved copy)")
	}
	s.printMessages()
	return nil
}

func (s *session) printMessages() {
	for _, m := range s.state.Messages {
		switch m.Role {
		case "user":
			color.New(color.FgGreen).Fprint(s.out, "you> ")
		case "assistant":
			color.New(color.FgCyan).Fprint(s.out, "rag> ")
		default:
			color.New(color.FgHiBlack).Fprintf(s.out, "%s> ", m.Role)
		}
		fmt.Fprintln(s.out, m.Content)
		for i, c := range m.Citations {
			color.New(color.FgHiBlack).Fprintf(s.out, "     [%d] %s\n", i+1, c)
		}
	}
}

func (s *session) rename(ctx context.Context, id, title string) error {
	if err := s.client.Rename(ctx, id, title); err != nil {
		return err
	}
	s.dispatch(chatclient.RenameConversation{ID: id, Title: title})
	return nil
}

func (s *session) remove(ctx context.Context, id string) error {
	if err := s.client.Delete(ctx, id); err != nil {
		return err
	}
	s.dispatch(chatclient.RemoveConversation{ID: id, NewID: uuid.NewString()})
	return nil
}

func (s *session) clearAll(ctx context.Context) (int, error) {
	n, err := s.client.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.dispatch(chatclient.ClearAll{NewID: uuid.NewString()})
	return n, nil
}

// cite shows the n-th citation of the newest answer.
func (s *session) cite(n int) error {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		m := s.state.Messages[i]
		if m.Role != "assistant" {
			continue
		}
		if n < 1 || n > len(m.Citations) {
			return fmt.Errorf("no citation %d", n)
		}
		s.dispatch(chatclient.ShowCitation{Citation: m.Citations[n-1]})
		fmt.Fprintln(s.out, s.state.Citation.Active)
		return nil
	}
	return errors.New("no answer to cite")
}

// describeError turns client errors into one line for the terminal.
func describeError(err error) string {
	var apiErr *chatclient.APIError
	switch {
	case errors.Is(err, chatclient.ErrNetwork):
		return "gateway unreachable: " + err.Error()
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
		return "not authorized (set token in the config or RAG_CHAT_TOKEN)"
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return err.Error()
	}
}
