package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/client"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/session"
)

// errSendFailed is returned after a send or retry that left the message
// failed; the result has already been printed.
var errSendFailed = errors.New("send failed")

const callTimeout = 10 * time.Second

type app struct {
	session string
	json    bool
	out     printer
	client  *client.Client
}

func main() {
	err := newRootCmd(&app{}).Execute()
	switch {
	case err == nil:
	case errors.Is(err, errSendFailed):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Control a running chatd session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.connect()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.client != nil {
				_ = a.client.Close()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.session, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "output in JSON format")

	root.AddCommand(
		statusCmd(a), roomsCmd(a), openCmd(a), closeCmd(a), moreCmd(a), showCmd(a),
		reconnectCmd(a), sendCmd(a), retryCmd(a), discardCmd(a), editCmd(a),
		deleteCmd(a), reactCmd(a), unreactCmd(a), typingCmd(a), watchCmd(a),
	)
	return root
}

func (a *app) connect() error {
	name := session.Resolve(a.session)
	if err := session.ValidateName(name); err != nil {
		return err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	a.client = c
	a.out = printer{json: a.json}
	return nil
}

// call runs fn with the per-request timeout.
func (a *app) call(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx)
}
