package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"onboarding-agent/handler"
	"onboarding-agent/internal/convlock"
	"onboarding-agent/internal/delivery"
	"onboarding-agent/internal/flow"
	"onboarding-agent/internal/identity"
	"onboarding-agent/internal/integrations/anthropic"
	"onboarding-agent/internal/integrations/notify"
	"onboarding-agent/internal/integrations/openai"
	"onboarding-agent/internal/integrations/paramstore"
	"onboarding-agent/internal/integrations/telegram"
	"onboarding-agent/internal/repository"
	"onboarding-agent/internal/transport"
	"onboarding-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	freeTextProvider := envString("FREE_TEXT_PROVIDER", "openai")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 1000)
	historyLimit := envInt("MAX_CONTEXT_ITEMS", 20)
	turnTimeout := envDuration("TURN_TIMEOUT", 25*time.Second)
	lockWait := envDuration("LOCK_WAIT", 10*time.Second)
	identityTTL := envDuration("IDENTITY_TTL", identity.DefaultTTL)
	redisAddr := os.Getenv("REDIS_ADDR")
	telegramEnabled := envBool("TELEGRAM_ENABLED", false)
	hooksEnabled := envBool("COMPLETION_HOOKS_ENABLED", false)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramstore.WithCacheTTL(5*time.Minute))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		fatal("failed to create profile store", err)
	}

	var (
		identityOpts = []identity.Option{identity.WithLogger(logger)}
		lockOpts     []convlock.Option
	)
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		leaser, err := repository.NewRedisLeaser(rdb, "onboarding:")
		if err != nil {
			fatal("failed to create redis leaser", err)
		}
		persisted, err := repository.NewRedisIdentity(rdb, "onboarding:", repository.DefaultMappingTTL)
		if err != nil {
			fatal("failed to create redis identity store", err)
		}
		lockOpts = append(lockOpts, convlock.WithLeaser(leaser, turnTimeout+5*time.Second))
		identityOpts = append(identityOpts, identity.WithPersisted(persisted))
	}
	ids := identity.New(identityTTL, identityOpts...)
	go ids.Run(ctx, time.Minute)

	// ---- Transport ----
	outbox := transport.NewOutbox()
	routerOpts := []transport.RouterOption{
		transport.WithChannel(transport.SchemeWeb, outbox),
		transport.WithFallback(transport.SchemeWeb),
	}
	var handlerOpts []handler.Option
	handlerOpts = append(handlerOpts, handler.WithLogger(logger))
	if telegramEnabled {
		bot, err := telegram.NewClient(ssmClient, paramPrefix)
		if err != nil {
			fatal("failed to create telegram client", err)
		}
		channel, err := transport.NewTelegram(bot)
		if err != nil {
			fatal("failed to create telegram channel", err)
		}
		secret, err := ssmClient.GetParameter(ctx, paramPrefix+"/telegram-webhook-secret")
		if err != nil {
			fatal("failed to load telegram webhook secret", err)
		}
		routerOpts = append(routerOpts, transport.WithChannel(transport.SchemeTelegram, channel))
		handlerOpts = append(handlerOpts, handler.WithTelegramWebhook(strings.TrimSpace(secret)))
	}
	router, err := transport.NewRouter(ids, routerOpts...)
	if err != nil {
		fatal("failed to create transport router", err)
	}

	// ---- Core ----
	catalog, err := flow.DefaultCatalog()
	if err != nil {
		fatal("failed to load question catalog", err)
	}
	engine, err := flow.NewEngine(catalog, usecase.NewDirectory(store))
	if err != nil {
		fatal("failed to create step engine", err)
	}
	coordinator, err := delivery.NewCoordinator(router, delivery.DefaultConfig(), delivery.WithLogger(logger))
	if err != nil {
		fatal("failed to create delivery coordinator", err)
	}

	deps := usecase.Dependencies{
		Engine:   engine,
		Store:    store,
		Identity: ids,
		Locker:   convlock.New(lockWait, lockOpts...),
		Delivery: coordinator,
		Logger:   logger,
	}
	switch freeTextProvider {
	case "openai":
		client, err := openai.NewClient(ssmClient, paramPrefix)
		if err != nil {
			fatal("failed to create OpenAI client", err)
		}
		deps.FreeText, err = usecase.NewFreeTextService(ssmClient, client, client, catalog, paramPrefix, maxMessageLen)
		if err != nil {
			fatal("failed to create free-text service", err)
		}
	case "anthropic":
		client, err := anthropic.NewClient(ssmClient, paramPrefix)
		if err != nil {
			fatal("failed to create Anthropic client", err)
		}
		deps.FreeText, err = usecase.NewFreeTextService(ssmClient, client, nil, catalog, paramPrefix, maxMessageLen)
		if err != nil {
			fatal("failed to create free-text service", err)
		}
	case "none":
	default:
		fatal("unknown free-text provider", nil, "provider", freeTextProvider)
	}

	dispatcher, err := usecase.NewDispatcher(deps, usecase.DispatcherConfig{
		TurnTimeout:  turnTimeout,
		HistoryLimit: historyLimit,
	})
	if err != nil {
		fatal("failed to create dispatcher", err)
	}
	if hooksEnabled {
		registerHooks(ctx, dispatcher, ssmClient, paramPrefix)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(dispatcher, outbox, handlerOpts...)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func registerHooks(ctx context.Context, d *usecase.Dispatcher, ps *paramstore.Client, prefix string) {
	notifyKey := prefix + "/webhooks/notify-url"
	matchKey := prefix + "/webhooks/match-url"
	secretKey := prefix + "/webhooks/signing-secret"
	params, err := ps.GetParameters(ctx, notifyKey, matchKey, secretKey)
	if err != nil {
		fatal("failed to load webhook parameters", err)
	}
	for _, hook := range []struct {
		key   string
		event string
	}{
		{notifyKey, notify.EventProfileCompleted},
		{matchKey, notify.EventMatchRequested},
	} {
		w, err := notify.NewWebhook(params[hook.key], hook.event, notify.WithSecret(params[secretKey]))
		if err != nil {
			fatal("failed to create webhook", err, "event", hook.event)
		}
		d.OnCompleted(w.Event(), w.Send)
	}
}

func fatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "err", err)
	}
	slog.Error(msg, args...)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
