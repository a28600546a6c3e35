package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Conversation string
	Limit        int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the transcript of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			msgs, err := store.GetHistory(cmd.Context(), opts.Conversation, opts.Limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				who := m.Role
				if m.Producer != "" {
					who += "/" + m.Producer
				}
				text := strings.ReplaceAll(m.Text, "\n", " | ")
				fmt.Fprintf(out, "%s %-18s %s\n", m.CreatedAt.UTC().Format(time.RFC3339), who, text)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Conversation, "conversation", "c", "local", "conversation id")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "latest messages to print (0 for all)")

	return cmd
}
