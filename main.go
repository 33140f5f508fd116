package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailwatch/internal/auth"
	"github.com/Martian-dev/mailwatch/internal/chat"
	"github.com/Martian-dev/mailwatch/internal/classifier"
	"github.com/Martian-dev/mailwatch/internal/config"
	"github.com/Martian-dev/mailwatch/internal/events"
	"github.com/Martian-dev/mailwatch/internal/httpapi"
	"github.com/Martian-dev/mailwatch/internal/logging"
	natsjs "github.com/Martian-dev/mailwatch/internal/nats"
	"github.com/Martian-dev/mailwatch/internal/notify"
	"github.com/Martian-dev/mailwatch/internal/providers/gmail"
	"github.com/Martian-dev/mailwatch/internal/store"
	"github.com/Martian-dev/mailwatch/internal/subscription"
	mailsync "github.com/Martian-dev/mailwatch/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("mailwatch stopped")
	}
	log.Info("mailwatch stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	credStore, err := credentialStore(cfg, db)
	if err != nil {
		return err
	}
	oauthCfg := auth.NewGoogleConfig(cfg.Google)
	credentials := auth.NewManager(credStore, oauthCfg, log)
	signer, err := auth.NewStateSigner(cfg.StateSecret, cfg.StateTTL)
	if err != nil {
		return err
	}
	flow := auth.NewFlow(oauthCfg, signer)

	vocab, err := classifier.NewVocabulary(cfg.Categories)
	if err != nil {
		return err
	}
	predictor, err := newPredictor(cfg, vocab, log)
	if err != nil {
		return err
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("telegram login: %w", err)
	}
	log.WithField("bot", bot.Self.UserName).Info("telegram bot authorized")
	sink := chat.NewSink(bot)
	editor := subscription.NewEditor(db, vocab.Labels())
	chatHandler := chat.NewHandler(bot, flow, editor, vocab.Labels(), log)

	gateway := gmail.New(log)
	deps := mailsync.Deps{
		Credentials:   credentials,
		Cursors:       db,
		Subscriptions: db,
		Gateway:       gateway,
		Classifier:    predictor,
		Notifier:      notify.New(sink),
		Log:           log,
	}

	var (
		dispatcher *events.Dispatcher
		bus        httpapi.BusState
		backlog    httpapi.Backlog
	)
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		deps.Events = events.NewRecorder(db)
		dispatcher = events.NewDispatcher(db, pub, log)
		bus, backlog = pub, db
		log.WithField("url", cfg.NATSURL).Info("event outbox enabled")
	}

	loop := mailsync.NewManager(mailsync.NewEngine(deps, cfg.MinConfidence), cfg.PollInterval, log)
	server := httpapi.New(cfg.HTTPAddr, httpapi.Deps{
		Handshake:   flow,
		Credentials: credentials,
		Cursors:     db,
		Gateway:     gateway,
		Status:      loop,
		Breaker:     gateway,
		Outbox:      backlog,
		Bus:         bus,
		DB:          db,
		Messenger:   sink,
		Log:         log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).WithField("component", name).Error("component failed")
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			mu.Unlock()
			cancel()
		}()
	}

	start("sync", loop.Run)
	start("http", server.Run)
	start("chat", func(ctx context.Context) error { return chatHandler.Run(ctx, bot) })
	if dispatcher != nil {
		start("outbox", dispatcher.Run)
	}

	log.WithFields(logrus.Fields{
		"interval":       cfg.PollInterval,
		"categories":     vocab.Labels(),
		"min_confidence": cfg.MinConfidence,
		"backend":        cfg.CredentialBackend,
	}).Info("mailwatch started")

	wg.Wait()
	return firstErr
}

func credentialStore(cfg *config.Config, db *store.Store) (auth.CredentialStore, error) {
	if cfg.CredentialBackend == config.BackendKeyring {
		if err := os.MkdirAll(cfg.KeyringDir, 0o700); err != nil {
			return nil, fmt.Errorf("create keyring dir: %w", err)
		}
		return auth.OpenKeyring(cfg.KeyringDir, cfg.KeyringPassword)
	}
	return db, nil
}

// newPredictor prefers the remote classifier when a URL is configured.
func newPredictor(cfg *config.Config, vocab *classifier.Vocabulary, log logrus.FieldLogger) (classifier.Predictor, error) {
	if cfg.ClassifierURL != "" {
		log.WithField("url", cfg.ClassifierURL).Info("using remote classifier")
		return classifier.NewRemote(cfg.ClassifierURL, cfg.ClassifierTimeout), nil
	}

	model, err := classifier.LoadLinear(cfg.ClassifierModel)
	if err != nil {
		return nil, err
	}
	for _, c := range model.Classes() {
		if !vocab.Contains(c) {
			log.WithField("class", c).Warn("model class is not a subscribable category")
		}
	}
	log.WithField("model", cfg.ClassifierModel).Info("using local linear classifier")
	return model, nil
}
