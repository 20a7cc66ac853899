package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"betrix_bot/internal/config"
	"betrix_bot/internal/dispatch"
	"betrix_bot/internal/domain"
	"betrix_bot/internal/feature/profile"
	"betrix_bot/internal/feature/referral"
	"betrix_bot/internal/logging"
	"betrix_bot/internal/ratelimit"
	"betrix_bot/internal/responder"
	"betrix_bot/internal/server"
	"betrix_bot/internal/store"
	"betrix_bot/internal/telegram"
)

const (
	storeConnectTimeout = 10 * time.Second
	mongoIndexTimeout   = 5 * time.Second
	storeCloseTimeout   = 5 * time.Second
	httpShutdownTimeout = 5 * time.Second
	memorySweepInterval = time.Minute
	outboxFlushInterval = 10 * time.Second
)

// openedStore pairs a store with the function that releases it.
type openedStore struct {
	store.Store
	close func(ctx context.Context) error
}

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":     "startup",
		"store":     cfg.StoreBackend,
		"transport": cfg.TransportMode,
	}).Info("configuration loaded")

	kv, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("store connection error")
		fmt.Fprintf(os.Stderr, "store connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithFields(logging.Fields{
		"event":   "store_connect",
		"backend": cfg.StoreBackend,
	}).Info("store ready")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := run(signalCtx, cfg, kv, logger)
	stop()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), storeCloseTimeout)
	if err := kv.close(closeCtx); err != nil {
		logger.WithError(err).Error("store close error")
	} else {
		logger.WithField("event", "store_closed").Info("store closed")
	}
	cancelClose()

	if runErr != nil {
		logger.WithError(runErr).Error("bot stopped with error")
		fmt.Fprintf(os.Stderr, "bot error: %v\n", runErr)
		os.Exit(1)
	}

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

// run wires the bot and blocks until ctx is canceled or a component fails.
func run(ctx context.Context, cfg config.Config, kv store.Store, logger *logrus.Entry) error {
	tgClient, err := telegram.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("telegram client setup: %w", err)
	}
	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	dispatcher, err := buildDispatcher(cfg, kv, tgClient, logger)
	if err != nil {
		return err
	}
	tgClient.SetDispatcher(dispatcher)

	outbox := telegram.NewOutbox(kv, tgClient, logger)
	if err := outbox.Start(outboxFlushInterval); err != nil {
		return fmt.Errorf("telegram outbox setup: %w", err)
	}
	tgClient.SetOutbox(outbox)
	defer func() {
		if err := outbox.Stop(); err != nil {
			logger.WithError(err).Warn("outbox scheduler shutdown error")
		}
	}()

	var webhook http.Handler
	if cfg.IsWebhook() {
		webhook = tgClient.WebhookHandler()
	}
	httpServer := server.NewServer(cfg.HTTPPort, kv, webhook, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tgClient.Start(gctx)
	})

	g.Go(httpServer.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		logger.WithField("event", "shutdown_signal").Info("stopping bot")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildDispatcher(cfg config.Config, kv store.Store, notifier referral.Notifier, logger *logrus.Entry) (*dispatch.Dispatcher, error) {
	limiter := ratelimit.New(kv, ratelimit.Options{
		BurstCapacity:  cfg.BurstCapacity,
		RefillInterval: cfg.RefillEvery(),
		RefillAmount:   cfg.RefillAmount,
	}, ratelimit.WithLogger(logger))

	flow := profile.NewFlow(
		domain.NewProfileRepository(kv),
		domain.NewExpectationRepository(kv, cfg.ExpectationWindow()),
		logger,
	)

	ledger := referral.NewLedger(kv, referral.Rewards{
		Signup:   int64(cfg.SignupReward),
		Referrer: int64(cfg.ReferrerReward),
	}, notifier, logger)

	responders := make([]responder.Responder, 0, 2)
	if cfg.OpenAIKey != "" {
		responders = append(responders, responder.NewOpenAIResponder(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	}
	responders = append(responders, responder.RuleResponder{})

	d, err := dispatch.New(dispatch.Deps{
		Store:     kv,
		Limiter:   limiter,
		Flow:      flow,
		Ledger:    ledger,
		Stats:     store.NewStatsProvider(kv),
		Responder: responder.NewChain(logger, responders...),
		Logger:    logger,
	}, dispatch.Options{
		OwnerID:          cfg.BotOwnerID,
		BotUsername:      cfg.BotUsername,
		SignupReward:     int64(cfg.SignupReward),
		ReferrerReward:   int64(cfg.ReferrerReward),
		StoreTimeout:     cfg.StoreTimeout,
		ResponderTimeout: cfg.FallbackTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher setup: %w", err)
	}
	return d, nil
}

// openStore connects the configured backend.
func openStore(cfg config.Config, logger *logrus.Entry) (openedStore, error) {
	switch cfg.StoreBackend {
	case "", config.BackendMemory:
		mem := store.NewMemoryStore()
		if err := mem.StartSweeper(memorySweepInterval, logger); err != nil {
			return openedStore{}, err
		}
		return openedStore{Store: mem, close: mem.Close}, nil

	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()

		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{Store: rs, close: rs.Close}, nil

	case config.BackendMongo:
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		manager, err := store.NewManager(ctx, cfg.MongoURI, cfg.MongoDB)
		cancel()
		if err != nil {
			return openedStore{}, err
		}

		indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
		err = manager.EnsureIndexes(indexCtx)
		cancelIndexes()
		if err != nil {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), storeCloseTimeout)
			_ = manager.Close(closeCtx)
			cancelClose()
			return openedStore{}, fmt.Errorf("mongo index setup: %w", err)
		}

		logger.WithField("event", "mongo_indexes").Info("ensured mongo indexes")
		return openedStore{Store: manager.KV(), close: manager.Close}, nil

	default:
		return openedStore{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
