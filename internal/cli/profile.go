package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type primaryFinder interface {
	PrimaryFor(ctx context.Context, conversationID string) (string, bool, error)
}

// ProfileOptions holds flags for the profile command.
type ProfileOptions struct {
	*RootOptions
	Conversation string
}

// NewProfileCommand creates the profile command.
func NewProfileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProfileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Print the stored profile of a conversation as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			p, ok, err := store.GetProfile(ctx, opts.Conversation)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no profile for conversation %q", opts.Conversation)
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(p); err != nil {
				return err
			}
			if pf, ok := store.(primaryFinder); ok {
				primary, found, err := pf.PrimaryFor(ctx, opts.Conversation)
				if err != nil {
					return err
				}
				if found {
					fmt.Fprintf(out, "merged into: %s\n", primary)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Conversation, "conversation", "c", "local", "conversation id")

	return cmd
}
