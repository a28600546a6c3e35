package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"onboarding-agent/internal/convlock"
	"onboarding-agent/internal/delivery"
	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/flow"
	"onboarding-agent/internal/identity"
	"onboarding-agent/internal/transport"
	"onboarding-agent/internal/usecase"
)

// ChatOptions holds flags for the chat command.
type ChatOptions struct {
	*RootOptions
	Conversation string
	Prefix       string
}

// NewChatCommand creates the chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Answer onboarding questions interactively",
		Long: `Read one message per line from stdin and print the replies.

Type /quit to leave. State is kept in the database so a conversation
can be resumed later with the same --conversation.

Examples:
  onboardctl chat --conversation ana
  onboardctl chat --memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Conversation, "conversation", "c", "local", "conversation id")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "bot> ", "prefix printed before each reply")

	return cmd
}

func runChat(cmd *cobra.Command, opts *ChatOptions) error {
	ctx := cmd.Context()
	conversationID := strings.TrimSpace(opts.Conversation)
	if conversationID == "" {
		return fmt.Errorf("--conversation must not be empty")
	}

	store, closeStore, err := openStore(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	catalog, err := flow.DefaultCatalog()
	if err != nil {
		return err
	}
	engine, err := flow.NewEngine(catalog, usecase.NewDirectory(store))
	if err != nil {
		return err
	}
	ids := identity.New(time.Hour, identity.WithLogger(logger))
	router, err := transport.NewRouter(ids,
		transport.WithChannel(transport.SchemeConsole, transport.NewConsole(cmd.OutOrStdout(), opts.Prefix)),
		transport.WithFallback(transport.SchemeConsole),
	)
	if err != nil {
		return err
	}
	coordinator, err := delivery.NewCoordinator(router, delivery.DefaultConfig(), delivery.WithLogger(logger))
	if err != nil {
		return err
	}
	dispatcher, err := usecase.NewDispatcher(usecase.Dependencies{
		Engine:   engine,
		Store:    store,
		Identity: ids,
		Locker:   convlock.New(5 * time.Second),
		Delivery: coordinator,
		Logger:   logger,
	}, usecase.DispatcherConfig{})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		_, err := dispatcher.Handle(ctx, domain.InboundEvent{
			TransportID:    transport.TransportID(transport.SchemeConsole, conversationID),
			ConversationID: conversationID,
			Text:           line,
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
	}
	dispatcher.WaitHooks()
	return scanner.Err()
}
