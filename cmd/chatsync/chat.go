package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var chatQuietPeriod time.Duration

func init() {
	chatCmd.Flags().DurationVar(&chatQuietPeriod, "typing-quiet", chatsync.DefaultTypingQuietPeriod, "Pause after the last keystroke before typing stops")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <identity>",
	Short: "Chat interactively with another identity",
	Long: `Open (or create) the conversation with <identity> and chat in the terminal.

Each line you enter is sent. Commands:
  /typing        toggle your typing indicator
  /switch <id>   switch to another conversation by id
  /list          list your conversations
  /quit          leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, self, err := loadIdentity()
		if err != nil {
			return err
		}
		other := chatsync.Identity(args[0])
		if other == self {
			return fmt.Errorf("cannot chat with yourself")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		coord := chatsync.NewCoordinator(store, chatsync.NewStaticIdentity(self), &chatsync.Options{
			TypingQuietPeriod: chatQuietPeriod,
		})
		term := newTerminal(cmd.OutOrStdout(), self)
		term.attach(coord)

		if err := coord.Start(); err != nil {
			return err
		}
		defer coord.Close()
		coord.OpenConversationWith(other)

		return runChat(ctx, coord, term, cmd.InOrStdin())
	},
}

// runChat reads lines from in until EOF, /quit or ctx ends.
func runChat(ctx context.Context, coord *chatsync.Coordinator, term *terminal, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	typing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			switch {
			case line == "/quit":
				return nil
			case line == "/typing":
				typing = !typing
				coord.SetComposing(typing)
			case line == "/list":
				for _, c := range coord.Conversations() {
					term.printf("  %s  %s  %s\n", c.ID, c.Other(term.self), preview(c.LastMessagePreview, 40))
				}
			case strings.HasPrefix(line, "/switch "):
				typing = false
				coord.SelectConversation(strings.TrimSpace(strings.TrimPrefix(line, "/switch ")))
			case strings.HasPrefix(line, "/"):
				term.printf("unknown command %s\n", line)
			default:
				typing = false
				coord.SendMessage(line)
			}
		}
	}
}

// ============================================================================
// Terminal rendering
// ============================================================================

// terminal prints timeline changes incrementally. Listener callbacks arrive on the
// coordinator loop; the mutex guards writes shared with the input loop.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	self    chatsync.Identity
	conv    string
	printed map[string]bool
}

func newTerminal(out io.Writer, self chatsync.Identity) *terminal {
	return &terminal{out: out, self: self, printed: make(map[string]bool)}
}

func (t *terminal) attach(coord *chatsync.Coordinator) {
	coord.OnTimelineChanged(t.timeline)
	coord.OnOtherPartyTyping(func(typing bool) {
		if typing {
			t.printf("  … typing\n")
		}
	})
	coord.OnSendFailed(func(f chatsync.SendFailure) {
		reason := f.Err.Error()
		if errors.Is(f.Err, chatsync.ErrSuperseded) {
			reason = "conversation switched before it was sent"
		}
		t.printf("! not sent (%s): %s\n", reason, f.Text)
	})
	coord.OnStatusChanged(func(s chatsync.SyncStatus) {
		switch s {
		case chatsync.StatusActive:
			t.printf("-- connected --\n")
		case chatsync.StatusDisconnected:
			t.printf("-- disconnected; /switch to the conversation to retry --\n")
		}
	})
}

func (t *terminal) timeline(v chatsync.TimelineView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.ConversationID != t.conv {
		t.conv = v.ConversationID
		t.printed = make(map[string]bool)
		if v.ConversationID != "" {
			fmt.Fprintf(t.out, "== %s ==\n", v.ConversationID)
		}
	}
	for _, m := range v.Messages {
		if m.Provisional() || t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		fmt.Fprintf(t.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender, m.Body)
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
