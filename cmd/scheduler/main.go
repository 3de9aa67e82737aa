// The scheduler binary runs the dispatch manager, the background job
// workers, and the admin HTTP surface as a single process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/dripsend/dripsend/internal/admin"
	"github.com/dripsend/dripsend/internal/configs"
	"github.com/dripsend/dripsend/internal/dispatch"
	"github.com/dripsend/dripsend/internal/events"
	"github.com/dripsend/dripsend/internal/executor"
	"github.com/dripsend/dripsend/internal/jobs"
	"github.com/dripsend/dripsend/internal/logging"
	"github.com/dripsend/dripsend/internal/metrics"
	"github.com/dripsend/dripsend/internal/postgres"
	"github.com/dripsend/dripsend/internal/quota"
	"github.com/dripsend/dripsend/internal/recipients"
	"github.com/dripsend/dripsend/internal/redisconn"
	"github.com/dripsend/dripsend/pkg/mailer"
	"github.com/dripsend/dripsend/pkg/mailer/brevo"
	"github.com/dripsend/dripsend/pkg/mailer/resend"
)

type appConfig struct {
	Logging  logging.Config
	Postgres postgres.Config
	Redis    redisconn.Config
	Brevo    brevo.Config
	Executor executor.Config
	Dispatch dispatch.Config
	Jobs     jobs.Config
	Admin    admin.Config

	// Provider selects the transactional email backend for all
	// configurations: "brevo" or "resend".
	Provider string `env:"EMAIL_PROVIDER" envDefault:"brevo"`

	// TemplatesDir holds the markdown templates and HTML layouts.
	TemplatesDir string `env:"TEMPLATES_DIR" envDefault:"templates"`

	StartupTimeout time.Duration `env:"STARTUP_TIMEOUT" envDefault:"1m"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("scheduler exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	log := logging.New(cfg.Logging, logging.ConfigIDExtractor).With(
		slog.String("app", "dripsend-scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancelStartup()

	// Shutdown hooks run in reverse registration order once the run group
	// stops, so dependents close before the connections they use.
	var shutdowns []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](shutdownCtx); err != nil {
				log.Error("shutdown hook failed", slog.Any("error", err))
			}
		}
	}()

	pool, err := postgres.Connect(startupCtx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	shutdowns = append(shutdowns, postgres.Shutdown(pool))

	if err := postgres.Migrate(startupCtx, pool, cfg.Postgres.MigrationsTable, log); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := jobs.Migrate(startupCtx, pool); err != nil {
		return fmt.Errorf("apply queue migrations: %w", err)
	}

	provider := configs.NewPostgresProvider(pool)
	queueStore := recipients.NewPostgresStore(pool)
	queue := recipients.NewQueue(queueStore, cfg.Dispatch.MaxAttempts)
	tracker := quota.NewTracker(quota.NewPostgresStore(pool))

	renderer := mailer.NewRenderer(os.DirFS(cfg.TemplatesDir))
	senderFor, eventsFor, contactsFor, err := providerFactories(cfg)
	if err != nil {
		return err
	}
	exec := executor.New(renderer, senderFor, cfg.Executor)

	prom := metrics.New()

	jobManager, err := jobs.NewManager(pool, cfg.Jobs, jobs.Deps{
		Provider: provider,
		Store:    queueStore,
		Events:   eventsFor,
		Contacts: contactsFor,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("create job manager: %w", err)
	}

	deps := dispatch.Deps{
		Provider:  provider,
		Tracker:   tracker,
		Queue:     queue,
		Executor:  exec,
		Metrics:   prom,
		Followups: jobManager,
		Logger:    log,
	}

	readiness := admin.Checks{
		"postgres": postgres.Healthcheck(pool),
	}

	// Redis is optional: without it units rely on polling alone and events
	// stay local.
	if cfg.Redis.URL != "" {
		redisClient, err := redisconn.Open(startupCtx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		shutdowns = append(shutdowns, redisconn.Shutdown(redisClient))

		deps.Sink = events.NewRedisSink(redisClient, "")
		deps.Waker = dispatch.NewRedisWaker(redisClient, log)
		readiness["redis"] = redisconn.Healthcheck(redisClient)
	}

	manager := dispatch.NewManager(cfg.Dispatch, deps)
	readiness["dispatcher"] = manager.Healthcheck()

	adminSrv := admin.NewServer(cfg.Admin, admin.Deps{
		Queue:           queue,
		Metrics:         prom,
		ReadinessChecks: readiness,
		Logger:          log,
	})

	if err := jobManager.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}
	shutdowns = append(shutdowns, jobManager.Stop)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(groupCtx) })
	g.Go(func() error { return adminSrv.Run(groupCtx) })

	log.Info("scheduler started",
		slog.String("provider", cfg.Provider),
		slog.String("admin_addr", cfg.Admin.Addr))

	return g.Wait()
}

// providerFactories builds the per-configuration provider clients. Each
// configuration carries its own API key, so clients are constructed per call.
func providerFactories(cfg appConfig) (executor.SenderFactory, jobs.EventsFactory, jobs.ContactsFactory, error) {
	switch cfg.Provider {
	case "brevo":
		httpClient := &http.Client{Timeout: cfg.Brevo.Timeout}
		sender := func(sc *configs.SendingConfiguration) mailer.Sender {
			return brevo.New(cfg.Brevo, sc.APIKey, httpClient)
		}
		eventsFor := func(sc *configs.SendingConfiguration) jobs.EventsReader {
			return brevo.New(cfg.Brevo, sc.APIKey, httpClient)
		}
		contactsFor := func(sc *configs.SendingConfiguration) jobs.ContactDirectory {
			return brevo.New(cfg.Brevo, sc.APIKey, httpClient)
		}
		return sender, eventsFor, contactsFor, nil
	case "resend":
		// Resend exposes no message-event or contact API here; follow-up
		// jobs complete as no-ops.
		sender := func(sc *configs.SendingConfiguration) mailer.Sender {
			return resend.New(sc.APIKey)
		}
		return sender, nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}
