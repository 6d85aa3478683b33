package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/stagebot/internal/conversation"
	"github.com/stupiduntilnot/stagebot/internal/db"
)

func newConversationsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and delete stored conversations",
	}
	cmd.AddCommand(newConvListCmd(c), newConvShowCmd(c), newConvDeleteCmd(c))
	return cmd
}

// withStore opens the configured database for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(context.Context, conversation.Store) error) error {
	database, err := db.OpenDB(c.cfg.DB.Path)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return fn(ctx, &conversation.SQLiteStore{DB: database})
}

func newConvListCmd(c *cli) *cobra.Command {
	var (
		page, size int
		filter     conversation.Filter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, s conversation.Store) error {
				items, total, err := s.List(ctx, page, size, filter)
				if err != nil {
					return err
				}
				return printConversations(cmd.OutOrStdout(), items, total)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&page, "page", 1, "page number, starting at 1")
	f.IntVar(&size, "page-size", 20, "conversations per page")
	f.StringSliceVar(&filter.Platforms, "platform", nil, "only these platforms")
	f.StringSliceVar(&filter.MessageTypes, "type", nil, "only these message types (FriendMessage, GroupMessage)")
	f.StringVar(&filter.Search, "search", "", "substring of title, session key, id or history")
	f.StringSliceVar(&filter.ExcludePlatforms, "exclude-platform", nil, "skip these platforms")
	return cmd
}

func printConversations(w io.Writer, items []conversation.Conversation, total int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTITLE\tPERSONA\tMESSAGES\tUPDATED")
	for _, conv := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			conv.SessionKey, conv.DisplayTitle(), dash(conv.PersonaID), len(conv.History),
			conv.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d conversations\n", len(items), total)
	return err
}

func newConvShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-key>",
		Short: "Print the history of one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, s conversation.Store) error {
				conv, err := s.Get(ctx, args[0])
				if errors.Is(err, conversation.ErrNotFound) {
					return fmt.Errorf("no conversation for %s", args[0])
				}
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s (%s)\npersona: %s\n\n", conv.DisplayTitle(), conv.CID, dash(conv.PersonaID))
				for _, m := range conv.History {
					fmt.Fprintf(w, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
				}
				return nil
			})
		},
	}
}

func newConvDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session-key>...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, s conversation.Store) error {
				for _, key := range args {
					if err := s.Delete(ctx, key); err != nil {
						return fmt.Errorf("delete %s: %w", key, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
				}
				return nil
			})
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
