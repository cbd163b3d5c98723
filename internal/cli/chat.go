package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/provider/openai"
	"loom/internal/supervise"
	"loom/internal/tools"
	"loom/internal/tools/builtin"
)

// NewChatCmd creates the chat command.
func NewChatCmd() *cobra.Command {
	var (
		sessionID string
		model     string
		persist   bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to an agent in the terminal",
		Long: `Run an agent session in the current terminal, no server needed.

With a message argument the agent answers once and exits. Without one
an interactive loop starts; type /help for the available commands.`,
		Example: `  # One-shot question
  loom chat "explain this stack trace"

  # Interactive session, persisted so it can be resumed later
  loom chat --save

  # Resume a saved session by id
  loom chat --session 2a9f1c`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(args, sessionID, model, persist)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume a saved session by id")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to use (overrides config)")
	cmd.Flags().BoolVar(&persist, "save", false, "persist the session log")
	return cmd
}

func runChat(args []string, sessionID, model string, persist bool) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	broker := bus.New()
	prov := openai.New(cfg.OpenAI)
	registry := tools.NewRegistry()
	builtin.RegisterAll(registry)

	sessionsDir, err := config.DefaultSessionsDir()
	if err != nil {
		return err
	}

	mgr := supervise.NewManager(supervise.Options{
		Agent:       cfg.Agent,
		Compact:     cfg.Compact,
		Features:    cfg.Features,
		SessionsDir: sessionsDir,
	}, prov, registry, broker)
	mgr.Start()
	defer mgr.Close()

	// Resuming implies persistence; otherwise the resumed log would
	// silently stop recording.
	if sessionID != "" {
		persist = true
	}
	st, err := mgr.StartSession(supervise.SessionOptions{
		SessionID: sessionID,
		Model:     model,
		Persist:   persist,
	})
	if err != nil {
		return err
	}
	id := st.SessionID

	sub := broker.Subscribe(id)
	defer sub.Unsubscribe()

	done := make(chan struct{}, 1)
	go renderEvents(sub, done)

	if len(args) > 0 {
		if _, err := mgr.Prompt(id, strings.Join(args, " ")); err != nil {
			return err
		}
		<-done
		return nil
	}
	return interactiveLoop(mgr, id, done)
}

func interactiveLoop(mgr *supervise.Manager, id string, done chan struct{}) error {
	isTTY := term.IsTerminal(int(os.Stdin.Fd()))
	if isTTY {
		fmt.Printf("session %s  (/help for commands, /quit to leave)\n", id)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if isTTY {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := chatCommand(mgr, id, line); quit {
				return nil
			}
			continue
		}

		if _, err := mgr.Prompt(id, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		<-done
	}
}

// chatCommand handles a slash command, returning true when the loop
// should exit.
func chatCommand(mgr *supervise.Manager, id, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("  /state          show session state")
		fmt.Println("  /model <name>   switch model")
		fmt.Println("  /compact        compact the conversation")
		fmt.Println("  /abort          abort the running turn")
		fmt.Println("  /quit           leave")
	case "/state":
		st, err := mgr.GetState(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		fmt.Printf("status=%s model=%s messages=%d\n", st.Status, st.Model, st.MessageCount)
		if st.Usage != nil {
			fmt.Printf("tokens=%d/%d\n", st.Usage.TotalTokens, st.Usage.ContextWindow)
		}
	case "/model":
		if len(fields) < 2 {
			fmt.Println("usage: /model <name>")
			return false
		}
		if err := mgr.SetModel(id, fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	case "/compact":
		if err := mgr.Compact(id, 0); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	case "/abort":
		if err := mgr.Abort(id); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// renderEvents prints the session's bus events to the terminal and
// signals done after each completed or aborted turn chain.
func renderEvents(sub *bus.Subscription, done chan struct{}) {
	inMessage := false
	endLine := func() {
		if inMessage {
			fmt.Println()
			inMessage = false
		}
	}

	for ev := range sub.C {
		switch ev.Type {
		case bus.EventMessageDelta:
			fmt.Print(ev.Delta)
			inMessage = true
		case bus.EventToolExecutionStart:
			endLine()
			if ev.Meta != "" {
				fmt.Printf("[%s] %s\n", ev.Tool, ev.Meta)
			} else {
				fmt.Printf("[%s]\n", ev.Tool)
			}
		case bus.EventToolExecutionEnd:
			if ev.IsError {
				fmt.Printf("[%s] failed: %s\n", ev.Tool, firstLine(ev.Result))
			}
		case bus.EventCompactionStart:
			endLine()
			fmt.Println("(compacting conversation...)")
		case bus.EventCompactionEnd:
			fmt.Printf("(compacted: ~%d -> ~%d tokens)\n", ev.Before, ev.After)
		case bus.EventStatus:
			endLine()
			fmt.Printf("(%s)\n", ev.StatusText)
		case bus.EventError:
			endLine()
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Reason)
		case bus.EventAgentEnd, bus.EventAgentAbort:
			endLine()
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
