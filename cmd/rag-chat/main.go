// ABOUTME: Command-line client for rag-gateway: interactive chat plus history commands
// ABOUTME: Streams NDJSON answers and pages history through the client state reducer

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/rag-gateway/internal/chatclient"
)

func usage() {
	fmt.Println("Usage: rag-chat [flags] [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)                    Interactive chat")
	fmt.Println("  ask QUESTION              Ask one question in a new conversation")
	fmt.Println("  list [--all]              List conversations")
	fmt.Println("  read ID                   Print a conversation")
	fmt.Println("  rename ID TITLE           Rename a conversation")
	fmt.Println("  delete ID                 Delete a conversation")
	fmt.Println("  clear                     Delete all your conversations")
	fmt.Println("  export ID [--html]        Write a transcript to stdout")
	fmt.Println("  snapshot                  Save history for offline reading")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func main() {
	server := flag.String("server", "", "gateway URL (overrides config)")
	principal := flag.String("as", "", "send this principal id instead of a token")
	verbose := flag.Bool("v", false, "log client warnings")
	flag.Usage = usage
	flag.Parse()

	cfg, err := LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *principal != "" {
		cfg.Principal = *principal
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client := newClient(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := newSession(client, cfg.PageSize, os.Stdout)
	if err := dispatch(ctx, s, cfg, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		os.Exit(1)
	}
}

func newClient(cfg *Config, logger *slog.Logger) *chatclient.Client {
	opts := []chatclient.Option{chatclient.WithLogger(logger)}
	if cfg.Token != "" {
		opts = append(opts, chatclient.WithToken(cfg.Token))
	}
	if cfg.Principal != "" {
		opts = append(opts, chatclient.WithPrincipal(cfg.Principal))
	}
	if cfg.AdminToken != "" {
		opts = append(opts, chatclient.WithAdminToken(cfg.AdminToken))
	}
	if snap, err := chatclient.LoadSnapshot(cfg.SnapshotPath); err == nil {
		opts = append(opts, chatclient.WithSnapshot(snap))
	}
	return chatclient.New(cfg.Server, opts...)
}

func dispatch(ctx context.Context, s *session, cfg *Config, args []string) error {
	if len(args) == 0 {
		return interactive(ctx, s, os.Stdin)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "ask":
		if len(rest) == 0 {
			return fmt.Errorf("usage: rag-chat ask QUESTION")
		}
		return s.ask(ctx, strings.Join(rest, " "))

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		all := fs.Bool("all", false, "page through the whole history")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var offline bool
		var err error
		if *all {
			offline, err = s.loadAll(ctx)
		} else {
			offline, err = s.loadPage(ctx)
		}
		if err != nil {
			return err
		}
		if offline {
			color.New(color.FgYellow).Fprintln(s.out, "(offline: showing saved copy)")
		}
		s.printConversations()
		return nil

	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rag-chat read ID")
		}
		return s.open(ctx, rest[0])

	case "rename":
		if len(rest) < 2 {
			return fmt.Errorf("usage: rag-chat rename ID TITLE")
		}
		return s.rename(ctx, rest[0], strings.Join(rest[1:], " "))

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: rag-chat delete ID")
		}
		return s.remove(ctx, rest[0])

	case "clear":
		n, err := s.clearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Deleted %d conversation(s)\n", n)
		return nil

	case "export":
		fs := flag.NewFlagSet("export", flag.ContinueOnError)
		asHTML := fs.Bool("html", false, "render HTML instead of markdown")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: rag-chat export ID [--html]")
		}
		return export(ctx, s, fs.Arg(0), *asHTML)

	case "snapshot":
		return saveSnapshot(ctx, s, cfg.SnapshotPath)

	case "help":
		usage()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func export(ctx context.Context, s *session, id string, asHTML bool) error {
	tr, err := s.client.Read(ctx, id)
	if err != nil {
		return err
	}
	title := id
	if _, err := s.loadAll(ctx); err == nil {
		for _, c := range s.state.Conversations {
			if c.ID == id && c.Title != "" {
				title = c.Title
			}
		}
	}

	if !asHTML {
		_, err := io.WriteString(s.out, chatclient.Markdown(title, tr.Messages))
		return err
	}
	page, err := chatclient.HTML(title, tr.Messages)
	if err != nil {
		return err
	}
	_, err = io.WriteString(s.out, page)
	return err
}

func saveSnapshot(ctx context.Context, s *session, path string) error {
	if _, err := s.loadAll(ctx); err != nil {
		return err
	}
	snap := &chatclient.Snapshot{}
	for _, c := range s.state.Conversations {
		tr, err := s.client.Read(ctx, c.ID)
		if err != nil {
			if chatclient.IsStatus(err, http.StatusNotFound) {
				continue
			}
			return err
		}
		snap.Put(c, tr.Messages)
	}
	if err := snap.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Saved %d conversation(s) to %s\n", len(snap.Conversations), path)
	return nil
}

func interactive(ctx context.Context, s *session, in io.Reader) error {
	fmt.Fprintf(s.out, "rag-chat: /help for commands, Ctrl+C to quit.\n\n")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(s.out, "> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		var err error
		if strings.HasPrefix(input, "/") {
			err = runSlash(ctx, s, input)
		} else {
			err = s.ask(ctx, input)
		}
		if err != nil {
			color.New(color.FgRed).Fprintf(s.out, "[error] %s\n", describeError(err))
		}
		fmt.Fprintln(s.out)
	}
}

func runSlash(ctx context.Context, s *session, input string) error {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		printHelp(s.out)
	case "/new":
		s.dispatch(chatclient.StartConversation{NewID: uuid.NewString()})
		fmt.Fprintln(s.out, "Started a new conversation")
	case "/list":
		s.dispatch(chatclient.RefreshConversations{})
		offline, err := s.loadPage(ctx)
		if err != nil {
			return err
		}
		if offline {
			color.New(color.FgYellow).Fprintln(s.out, "(offline: showing saved copy)")
		}
		s.printConversations()
	case "/more":
		if _, ok := chatclient.NextPageRequest(s.state); !ok {
			fmt.Fprintln(s.out, "No more conversations")
			return nil
		}
		if _, err := s.loadPage(ctx); err != nil {
			return err
		}
		s.printConversations()
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open N|ID")
		}
		return s.open(ctx, s.resolve(arg))
	case "/rename":
		if arg == "" {
			return fmt.Errorf("usage: /rename TITLE")
		}
		if s.state.Pending {
			return fmt.Errorf("nothing to rename yet")
		}
		return s.rename(ctx, s.state.ConversationID, arg)
	case "/delete":
		id := s.state.ConversationID
		if arg != "" {
			id = s.resolve(arg)
		}
		if err := s.remove(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Deleted %s\n", id)
	case "/clear":
		n, err := s.clearAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Deleted %d conversation(s)\n", n)
	case "/chart":
		answer := s.lastAnswer()
		if answer == "" {
			return fmt.Errorf("ask a question first")
		}
		data, err := s.client.Chart(ctx, lastQuestion(s), answer)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, string(data))
	case "/cite":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /cite N")
		}
		return s.cite(n)
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

func lastQuestion(s *session) string {
	for i := len(s.state.Messages) - 1; i >= 0; i-- {
		if s.state.Messages[i].Role == "user" {
			return s.state.Messages[i].Content
		}
	}
	return ""
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /new            Start a new conversation")
	fmt.Fprintln(w, "  /list           List conversations (refreshes from the gateway)")
	fmt.Fprintln(w, "  /more           Load the next page of conversations")
	fmt.Fprintln(w, "  /open N|ID      Open a conversation")
	fmt.Fprintln(w, "  /rename TITLE   Rename the open conversation")
	fmt.Fprintln(w, "  /delete [N|ID]  Delete a conversation (default: the open one)")
	fmt.Fprintln(w, "  /clear          Delete all conversations")
	fmt.Fprintln(w, "  /chart          Chart data for the last answer")
	fmt.Fprintln(w, "  /cite N         Show citation N of the last answer")
	fmt.Fprintln(w, "  /quit           Exit")
}
