package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"dealdrip/announce"
	"dealdrip/catalog"
	"dealdrip/config"
	"dealdrip/content"
	"dealdrip/drip"
	"dealdrip/email"
	"dealdrip/engine"
	"dealdrip/feed"
	"dealdrip/ledger"
	"dealdrip/pkg/deal"
	"dealdrip/queue"
	"dealdrip/reconcile"
	"dealdrip/schedule"
	"dealdrip/settings"
	"dealdrip/status"
	"dealdrip/storage"
	"dealdrip/timer"
)

// app is the fully wired service.
type app struct {
	engine   *engine.Engine
	settings *settings.Store
	status   *status.Aggregator
	feed     *feed.Builder
	closers  []func() error
	logger   *slog.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

// newApp opens every store and wires the jobs. manualOnly keeps persisted
// timers from firing in one-shot commands.
func newApp(ctx context.Context, c *config.Config, logger *slog.Logger, manualOnly bool) (_ *app, err error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var client *gcs.Client
	localPath := c.LocalStorage
	if c.StorageBucket != "" {
		localPath = ""
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		logger.Info("Using Cloud Storage", "bucket", c.StorageBucket)
	} else {
		if err := os.MkdirAll(c.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local storage", "storage_path", c.LocalStorage)
	}
	store := storage.New(client, c.StorageBucket, localPath, logger)

	if err := os.MkdirAll(filepath.Dir(c.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	posts, err := content.Open(c.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, posts.Close)

	a.settings = settings.New(store, logger)
	fingerprints := ledger.New(store, logger)
	timers := timer.New(store, logger)
	products := queue.New(store, drip.Gate(a.settings, loc), loc, logger)
	if err := fingerprints.Load(ctx); err != nil {
		return nil, err
	}
	if err := products.Load(ctx); err != nil {
		return nil, err
	}
	if err := timers.Load(ctx); err != nil {
		return nil, err
	}

	source := catalog.New(&http.Client{Timeout: 30 * time.Second}, catalog.Config{
		BaseURL:           c.CatalogBaseURL,
		APIKey:            c.CatalogAPIKey,
		PageSize:          c.CatalogPageSize,
		Concurrency:       c.CatalogConcurrency,
		RequestsPerSecond: c.CatalogRatePerSec,
	}, logger)

	a.status = status.New(&status.Config{
		Settings: a.settings,
		Content:  posts,
		Queue:    products,
		Ledger:   fingerprints,
		Timers:   timers,
		Stats: func(ctx context.Context) (*deal.ReconcileStats, error) {
			return reconcile.LoadStats(ctx, store)
		},
		Locker:   store,
		Logger:   logger,
		Location: loc,
	})

	provider, err := emailProvider(ctx, c, logger)
	if err != nil {
		return nil, err
	}
	mailer := email.New(provider, logger, c.BaseURL, c.DigestTo, loc)

	reconciler := reconcile.New(&reconcile.Config{
		Source:   source,
		Content:  posts,
		Ledger:   fingerprints,
		Backend:  store,
		Settings: a.settings,
		Timers:   timers,
		Locker:   store,
		Status:   a.status,
		Mailer:   mailer,
		Logger:   logger,
		Location: loc,
	})

	driverCfg := &drip.Config{
		Source:   source,
		Content:  posts,
		Ledger:   fingerprints,
		Queue:    products,
		Settings: a.settings,
		Timers:   timers,
		Locker:   store,
		Status:   a.status,
		Logger:   logger,
		Location: loc,
	}
	if c.Jitter {
		driverCfg.Jitter = schedule.DefaultJitter
	}
	if c.TelegramToken != "" {
		bot, err := announce.NewBot(c.TelegramToken, "", &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			// Announcements are optional; publishing goes on without them.
			logger.Warn("Telegram unavailable, announcements disabled", "error", err)
		} else {
			driverCfg.Announcer = announce.New(bot, c.TelegramChatID, logger)
		}
	}

	a.engine = engine.New(&engine.Config{
		Driver:     drip.New(driverCfg),
		Reconciler: reconciler,
		Ledger:     fingerprints,
		Content:    posts,
		Queue:      products,
		Settings:   a.settings,
		Timers:     timers,
		Status:     a.status,
		Logger:     logger,
		Location:   loc,
		ManualOnly: manualOnly,
	})
	a.feed = feed.New(posts, c.FeedTitle, c.BaseURL, logger)
	return a, nil
}

// runEngine starts the engine loop and returns a stop function that waits
// for it to exit.
func (a *app) runEngine(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.engine.Run(ctx) }()
	return func() error {
		cancel()
		err := <-done
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

func emailProvider(ctx context.Context, c *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch c.EmailProvider {
	case "gmail":
		svc, err := initGmailService(ctx, c.GoogleCredentials)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return email.NewGmailProvider(svc, logger), nil
	case "brevo":
		return email.NewBrevoProvider(c.BrevoAPIKey, c.MailFrom, c.MailFromName, logger), nil
	default:
		logger.Info("Mock email mode enabled", "provider", c.EmailProvider)
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials on Cloud Run.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := (&http.Client{Timeout: 2 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
