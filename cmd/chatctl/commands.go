package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/api"
	intsync "github.com/liemnguyenthanh/chat-app-sub000/internal/sync"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context) error {
				st, err := a.client.Status(ctx)
				if err != nil {
					return err
				}
				a.out.status(st)
				return nil
			})
		},
	}
}

func roomsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms with their last message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, func(ctx context.Context) error {
				rooms, err := a.client.Rooms(ctx)
				if err != nil {
					return err
				}
				a.out.rooms(rooms)
				return nil
			})
		},
	}
}

// snapshotCmd builds a command whose result is the active room snapshot.
func snapshotCmd(a *app, use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, args []string) (intsync.Snapshot, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context) error {
				snap, err := fn(ctx, args)
				if err != nil {
					return err
				}
				a.out.snapshot(snap)
				return nil
			})
		},
	}
}

func openCmd(a *app) *cobra.Command {
	return snapshotCmd(a, "open <room-id>", "Make a room active and show its newest page", cobra.ExactArgs(1),
		func(ctx context.Context, args []string) (intsync.Snapshot, error) {
			return a.client.Open(ctx, args[0])
		})
}

func closeCmd(a *app) *cobra.Command {
	return snapshotCmd(a, "close", "Leave the active room", cobra.NoArgs,
		func(ctx context.Context, _ []string) (intsync.Snapshot, error) {
			return a.client.Open(ctx, "")
		})
}

func moreCmd(a *app) *cobra.Command {
	return snapshotCmd(a, "more", "Load older messages of the active room", cobra.NoArgs,
		func(ctx context.Context, _ []string) (intsync.Snapshot, error) {
			return a.client.More(ctx)
		})
}

func showCmd(a *app) *cobra.Command {
	return snapshotCmd(a, "show", "Show the active room", cobra.NoArgs,
		func(ctx context.Context, _ []string) (intsync.Snapshot, error) {
			return a.client.Snapshot(ctx)
		})
}

func reconnectCmd(a *app) *cobra.Command {
	return snapshotCmd(a, "reconnect", "Reopen closed channels", cobra.NoArgs,
		func(ctx context.Context, _ []string) (intsync.Snapshot, error) {
			return a.client.Reconnect(ctx)
		})
}

func sendCmd(a *app) *cobra.Command {
	var replyTo, roomID string
	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Send to the active room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context) error {
				res, err := a.client.Send(ctx, roomID, strings.Join(args, " "), replyTo)
				if err != nil {
					return err
				}
				return a.out.sendResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply", "", "message id to reply to")
	cmd.Flags().StringVar(&roomID, "room", "", "room id (defaults to the active room)")
	return cmd
}

func retryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <temp-id>",
		Short: "Re-send a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context) error {
				res, err := a.client.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return a.out.sendResult(res)
			})
		},
	}
}

// actionCmd builds a command that prints nothing on success.
func actionCmd(a *app, use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context) error { return fn(ctx, args) })
		},
	}
}

func discardCmd(a *app) *cobra.Command {
	return actionCmd(a, "discard <temp-id>", "Drop a failed message", cobra.ExactArgs(1),
		func(ctx context.Context, args []string) error {
			return a.client.Discard(ctx, args[0])
		})
}

func editCmd(a *app) *cobra.Command {
	return actionCmd(a, "edit <message-id> <text...>", "Edit one of your messages", cobra.MinimumNArgs(2),
		func(ctx context.Context, args []string) error {
			return a.client.Edit(ctx, args[0], strings.Join(args[1:], " "))
		})
}

func deleteCmd(a *app) *cobra.Command {
	return actionCmd(a, "delete <message-id>", "Delete one of your messages", cobra.ExactArgs(1),
		func(ctx context.Context, args []string) error {
			return a.client.Delete(ctx, args[0])
		})
}

func reactCmd(a *app) *cobra.Command {
	return actionCmd(a, "react <message-id> <emoji>", "Add a reaction", cobra.ExactArgs(2),
		func(ctx context.Context, args []string) error {
			return a.client.React(ctx, args[0], args[1])
		})
}

func unreactCmd(a *app) *cobra.Command {
	return actionCmd(a, "unreact <message-id> <emoji>", "Remove a reaction", cobra.ExactArgs(2),
		func(ctx context.Context, args []string) error {
			return a.client.Unreact(ctx, args[0], args[1])
		})
}

func typingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "typing <start|stop> [room-id]",
		Short:     "Signal typing in a room (the active one by default)",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var stop bool
			switch args[0] {
			case "start":
			case "stop":
				stop = true
			default:
				return fmt.Errorf("typing: want start or stop, got %q", args[0])
			}
			room := ""
			if len(args) > 1 {
				room = args[1]
			}
			return a.call(cmd, func(ctx context.Context) error {
				phase, err := a.client.Typing(ctx, room, stop)
				if err != nil {
					return err
				}
				fmt.Println(phase)
				return nil
			})
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := a.client.Watch(ctx, func(env api.Envelope) error {
				a.out.envelope(env)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
