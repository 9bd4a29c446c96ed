// Command hackathon-cli opens a session socket and chats from the terminal.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/transport/ws"
)

type options struct {
	server   string
	session  string
	mode     string
	model    string
	timezone string
	title    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "hackathon-cli",
		Short:        "Chat with a session over its websocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "http://localhost:37001", "server address")
	flags.StringVar(&opts.session, "session", "", "session id to join; a new session is created when empty")
	flags.StringVar(&opts.mode, "mode", string(domain.ConnectionModeConnect), "connect, replay or simulate")
	flags.StringVar(&opts.model, "model", "openai/gpt-4.1", "model for a new session")
	flags.StringVar(&opts.timezone, "timezone", "UTC", "timezone for a new session")
	flags.StringVar(&opts.title, "title", "", "title for a new session")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	out := cmd.OutOrStdout()
	mode := domain.ConnectionMode(opts.mode)
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	client, err := NewClient(opts.server)
	if err != nil {
		return err
	}

	sessionID := opts.session
	if sessionID == "" {
		session, err := client.CreateSession(opts.model, opts.timezone, opts.title)
		if err != nil {
			return err
		}
		sessionID = session.ID
		fmt.Fprintf(out, "Created session %s (%s)\n", session.ID, session.Model)
	}

	fmt.Fprintf(out, "Connecting to %s in %s mode...\n", sessionID, mode)
	if err := client.Dial(sessionID, mode); err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintln(out, "Type a message and press Enter to send.")
	fmt.Fprintln(out, "Commands: /usage, /phase, /quit")

	readErr := make(chan error, 1)
	go func() {
		readErr <- client.Read(func(f ws.Frame) {
			fmt.Fprintln(out, Format(f))
		})
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			fmt.Fprintln(out, "Connection closed")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}
			var callErr error
			switch input {
			case "/quit":
				fmt.Fprintln(out, "Bye!")
				return nil
			case "/usage":
				_, callErr = client.Call(ws.MethodGetTokenUsage, nil)
			case "/phase":
				_, callErr = client.Call(ws.MethodGetPhase, nil)
			default:
				_, callErr = client.Call(ws.MethodConversate, ws.ConversateParams{Content: input})
			}
			if callErr != nil {
				fmt.Fprintf(out, "Send error: %v\n", callErr)
			}
		}
	}
}
