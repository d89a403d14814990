// Package app wires configuration into the engine's stores, services and workers.
package app

import (
	"context"
	"fmt"
	"time"

	"genledger/internal/artifact"
	"genledger/internal/catalog"
	"genledger/internal/config"
	"genledger/internal/pgmq"
	"genledger/internal/policy"
	"genledger/internal/provider"
	"genledger/internal/pubsub"
	"genledger/internal/repository"
	"genledger/internal/repository/memory"
	"genledger/internal/secrets"
	"genledger/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// App holds the long-lived collaborators shared by the API server and the orchestrators.
type App struct {
	Config   *config.Config
	Jobs     *service.JobService
	Accounts *service.AccountService
	Payments *service.PaymentService

	// Queue is set in queue dispatch mode.
	Queue *pgmq.Client
	// Inline is set in inline dispatch mode.
	Inline *service.InlineDispatcher

	closers []func()
}

// Build resolves secrets, opens the store and constructs the services.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.SecretsProjectID != "" {
		if err := resolveSecrets(ctx, cfg); err != nil {
			return nil, err
		}
		logger.Info().Msg("Secrets resolved from Secret Manager")
	}

	opts := repository.LedgerOptions{
		FreeLimit:    cfg.FreeTextPerDay,
		Location:     cfg.QuotaLocation(),
		WelcomeBonus: cfg.WelcomeBonus,
	}
	var (
		ledger   repository.LedgerRepository
		jobs     repository.JobRepository
		payments repository.PaymentRepository
		pool     *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case "postgres":
		var err error
		pool, err = openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := repository.ApplySchema(ctx, pool); err != nil {
			return nil, err
		}
		ledger = repository.NewLedgerRepo(pool, opts)
		jobs = repository.NewJobRepo(pool)
		payments = repository.NewPaymentRepo(pool, opts)
		logger.Info().Msg("Database connection successful")
	default:
		store := memory.New(opts)
		ledger, jobs, payments = store, store, store
		logger.Warn().Msg("Using in-memory store; state is lost on restart")
	}

	cat, err := catalog.LoadFile(cfg.PresetCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading preset catalog: %w", err)
	}
	logger.Info().Int("presets", len(cat.Presets())).Msg("Preset catalog loaded")

	genapi := provider.NewGenAPIClient(provider.GenAPIConfig{
		BaseURL:     cfg.GenAPIBaseURL,
		APIKey:      cfg.GenAPIKey,
		TextModel:   cfg.GenAPITextModel,
		AudioModel:  cfg.GenAPIAudioModel,
		CallbackURL: cfg.GenAPICallbackURL,
		Timeout:     time.Duration(cfg.ProviderTimeoutSec) * time.Second,
	}, logger)

	var dispatcher service.Dispatcher
	switch cfg.DispatchMode {
	case "queue":
		db := stdlib.OpenDBFromPool(pool)
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.Queue = pgmq.New(db)
		if err := createQueues(ctx, a.Queue, cfg); err != nil {
			return nil, err
		}
		dispatcher = service.NewQueueDispatcher(a.Queue, cfg.SubmissionQueueName)
	default:
		a.Inline = service.NewInlineDispatcher(submissionBudget(cfg), logger)
		dispatcher = a.Inline
	}

	var events *service.JobEventPublisher
	if cfg.GCPProjectID != "" {
		pub, err := pubsub.NewPublisher(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, fmt.Errorf("creating Pub/Sub publisher: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		events = service.NewJobEventPublisher(pub, cfg.PubSubJobEventsTopic, logger)
	}

	var artifacts artifact.Store
	if cfg.ArtifactS3Bucket != "" {
		s3store, err := artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			AccessKey: cfg.ArtifactS3AccessKey,
			SecretKey: cfg.ArtifactS3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		artifacts = s3store
	}

	a.Jobs = service.NewJobService(service.JobServiceDeps{
		Ledger:     ledger,
		Jobs:       jobs,
		Provider:   genapi,
		Catalog:    cat,
		Rules:      policy.Rules{FreeTextPerDay: cfg.FreeTextPerDay, TextPrice: cfg.TextPrice},
		Retry:      cfg.SubmitRetryPolicy(),
		Sweep:      cfg.SweepSettings(),
		Dispatcher: dispatcher,
		Events:     events,
		Artifacts:  artifacts,
		Logger:     logger,
	})
	if a.Inline != nil {
		a.Inline.Bind(a.Jobs)
	}
	a.Accounts = service.NewAccountService(ledger, cfg.FreeTextPerDay, logger)
	a.Payments = service.NewPaymentService(cfg, payments, logger)

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	if a.Inline != nil {
		a.Inline.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	r, err := secrets.NewSecretManagerResolver(ctx, cfg.SecretsProjectID)
	if err != nil {
		return fmt.Errorf("creating Secret Manager client: %w", err)
	}
	defer r.Close()
	return secrets.Overlay(ctx, r, map[string]*string{
		"STRIPE_WEBHOOK_SECRET": &cfg.StripeWebhookSecret,
		"STRIPE_SECRET_KEY":     &cfg.StripeSecretKey,
		"GENAPI_KEY":            &cfg.GenAPIKey,
		"GENAPI_CALLBACK_TOKEN": &cfg.GenAPICallbackToken,
	})
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parsing DB_CONNECTION_STRING: %w", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening DB pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging DB: %w", err)
	}
	return pool, nil
}

func createQueues(ctx context.Context, q *pgmq.Client, cfg *config.Config) error {
	for _, name := range []string{cfg.SubmissionQueueName, cfg.SubmissionDeadLetterQueueName} {
		if err := q.CreateQueue(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// submissionBudget bounds one inline submission including every retry.
func submissionBudget(cfg *config.Config) time.Duration {
	p := cfg.SubmitRetryPolicy()
	return time.Duration(p.MaxRetries+1) * (p.RequestTimeout + p.MaxBackoff)
}
