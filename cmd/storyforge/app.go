package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/storyforge/internal/api"
	"github.com/felipepmaragno/storyforge/internal/budget"
	"github.com/felipepmaragno/storyforge/internal/cache"
	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/config"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/crypto"
	"github.com/felipepmaragno/storyforge/internal/httputil"
	"github.com/felipepmaragno/storyforge/internal/jobs"
	"github.com/felipepmaragno/storyforge/internal/moderation"
	"github.com/felipepmaragno/storyforge/internal/notifications"
	"github.com/felipepmaragno/storyforge/internal/provider"
	"github.com/felipepmaragno/storyforge/internal/provider/anthropic"
	"github.com/felipepmaragno/storyforge/internal/provider/bedrock"
	"github.com/felipepmaragno/storyforge/internal/provider/llama"
	"github.com/felipepmaragno/storyforge/internal/provider/ollama"
	"github.com/felipepmaragno/storyforge/internal/provider/openai"
	"github.com/felipepmaragno/storyforge/internal/provider/replicate"
	"github.com/felipepmaragno/storyforge/internal/provider/stability"
	"github.com/felipepmaragno/storyforge/internal/provider/transcribe"
	"github.com/felipepmaragno/storyforge/internal/queue"
	"github.com/felipepmaragno/storyforge/internal/ratelimit"
	"github.com/felipepmaragno/storyforge/internal/repository"
	"github.com/felipepmaragno/storyforge/internal/router"
	"github.com/felipepmaragno/storyforge/internal/secrets"
	"github.com/felipepmaragno/storyforge/internal/storage"
)

// alertLockTTL keeps a budget alert marker for longer than any month.
const alertLockTTL = 32 * 24 * time.Hour

// app holds every component built from the configuration. serve and
// worker share it so both processes bill, retry and notify the same way.
type app struct {
	cfg *config.Config

	aws      *aws.Config
	redis    *redis.Client
	db       *sql.DB
	breakers *circuitbreaker.Registry

	tracker   cost.Tracker
	content   repository.ContentRepository
	store     storage.Store
	queue     queue.Queue
	notifier  notifications.Notifier
	cache     cache.Cache
	router    *router.Router
	moderator *moderation.Moderator
	monitor   *budget.Monitor
	enqueuer  *jobs.Enqueuer

	transcriber *transcribe.Client
	checkers    []api.HealthChecker

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	steps := []func(context.Context) error{
		a.initAWS,
		a.initRedis,
		a.initStores,
		a.initMessaging,
		a.initRouter,
		a.initServices,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) initAWS(ctx context.Context) error {
	region := a.cfg.AWSRegion
	_, bedrockOn := a.cfg.AI.Providers["bedrock"]
	if region == "" && bedrockOn {
		region = a.cfg.BedrockRegion
	}
	if region == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	a.aws = &awsCfg
	slog.Info("aws configured", "region", region)
	return nil
}

func (a *app) initRedis(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.checkers = append(a.checkers, api.NewRedisHealthCheckerWithClient(client))
	slog.Info("connected to redis")
	return nil
}

func (a *app) initStores(ctx context.Context) error {
	var dialect repository.Dialect
	var err error
	switch {
	case a.cfg.DatabaseDriver == "sqlite":
		dialect = repository.SQLite
		a.db, err = repository.OpenSQLite(ctx, a.cfg.SQLitePath)
	case a.cfg.DatabaseURL != "":
		dialect = repository.Postgres
		a.db, err = repository.OpenPostgres(ctx, a.cfg.DatabaseURL)
	}
	if err != nil {
		return err
	}

	if a.db != nil {
		a.closers = append(a.closers, a.db.Close)
		if err := repository.EnsureSchema(ctx, a.db, dialect); err != nil {
			return err
		}

		var usageOpts []repository.UsageOption
		if a.cfg.EncryptionKey != "" {
			enc, err := crypto.NewEncryptor(a.cfg.EncryptionKey)
			if err != nil {
				return fmt.Errorf("init encryptor: %w", err)
			}
			usageOpts = append(usageOpts, repository.WithSealer(enc))
		}
		a.tracker = repository.NewUsageRepository(a.db, dialect, usageOpts...)
		a.content = repository.NewSQLContentRepository(a.db, dialect)
		a.checkers = append(a.checkers, api.NewDatabaseHealthChecker(dialect.String(), a.db))
		slog.Info("using sql storage", "driver", dialect.String())
	} else {
		a.tracker = cost.NewInMemoryTracker()
		a.content = repository.NewInMemoryContentRepository()
		slog.Info("using in-memory storage")
	}

	if a.cfg.S3Bucket != "" {
		if a.aws == nil {
			return fmt.Errorf("S3_BUCKET requires AWS_REGION")
		}
		a.store = storage.NewS3StoreWithClient(s3.NewFromConfig(*a.aws), a.aws.Region, a.cfg.S3Bucket, a.cfg.S3PublicURL)
		slog.Info("using s3 object storage", "bucket", a.cfg.S3Bucket)
	} else {
		a.store = storage.NewInMemoryStore(a.cfg.S3PublicURL)
	}
	return nil
}

func (a *app) initMessaging(ctx context.Context) error {
	if a.cfg.SQSQueueURL != "" {
		if a.aws == nil {
			return fmt.Errorf("SQS_QUEUE_URL requires AWS_REGION")
		}
		a.queue = queue.NewSQSQueueWithConfig(*a.aws, a.cfg.SQSQueueURL,
			queue.WithVisibilityTimeout(jobs.DefaultJobTimeout+time.Minute))
		slog.Info("using sqs job queue")
	} else {
		a.queue = queue.NewInMemoryQueue()
		slog.Info("using in-memory job queue")
	}

	if a.cfg.SNSTopicARN != "" {
		if a.aws == nil {
			return fmt.Errorf("SNS_TOPIC_ARN requires AWS_REGION")
		}
		a.notifier = notifications.NewSNSNotifierWithConfig(*a.aws, a.cfg.SNSTopicARN)
		slog.Info("using sns notifications")
	} else {
		a.notifier = notifications.NewInMemoryNotifier()
	}

	if a.redis != nil {
		a.cache = cache.NewRedisCacheWithClient(a.redis)
	} else {
		c := cache.NewInMemoryCache()
		a.cache = c
		a.closers = append(a.closers, c.Close)
	}

	a.enqueuer = jobs.NewEnqueuer(a.queue, a.cfg.JobMaxAttempts, a.cfg.JobRetryFor)
	return nil
}

// vendorOptions resolves the API key and builds the per-vendor client
// settings. Each vendor gets its own HTTP client and breaker.
func (a *app) vendorOptions(ctx context.Context, name string, pc config.ProviderConfig, store secrets.SecretStore) (provider.Options, error) {
	key, err := secrets.Resolve(ctx, store, pc.APIKey)
	if err != nil {
		return provider.Options{}, fmt.Errorf("provider %s: %w", name, err)
	}
	return provider.Options{
		APIKey:      key,
		BaseURL:     pc.BaseURL,
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     pc.Timeout,
		HTTPClient:  httputil.WithTimeout(pc.Timeout),
		Breaker:     a.breakers.For(name),
	}, nil
}

func (a *app) initRouter(ctx context.Context) error {
	var breakerOpts []circuitbreaker.RegistryOption
	if a.cfg.UseDistributedCircuitBreaker && a.redis != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(a.redis))
		slog.Info("using distributed circuit breakers")
	}
	a.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), breakerOpts...)

	var secretStore secrets.SecretStore
	if a.aws != nil {
		secretStore = secrets.NewAWSSecretsManagerWithConfig(*a.aws)
	}

	routerOpts := []router.Option{
		router.WithDefaultImage(a.cfg.AI.DefaultImageProvider),
		router.WithImagePricing(a.cfg.AI.ImagePricingTable()),
	}
	for _, name := range a.cfg.AI.ConfiguredProviders() {
		pc := a.cfg.AI.Providers[name]
		opts, err := a.vendorOptions(ctx, name, pc, secretStore)
		if err != nil {
			return err
		}

		switch name {
		case "openai":
			routerOpts = append(routerOpts, textVendor(name, pc, func() provider.Client { return openai.New(opts) }))
			if a.cfg.AI.Moderation.Enabled {
				a.moderator = moderation.New(moderation.Config{
					Enabled:       true,
					Model:         a.cfg.AI.Moderation.Model,
					MinConfidence: a.cfg.AI.Moderation.MinConfidence,
				}, opts, a.cache, a.tracker)
			}
		case "llama":
			routerOpts = append(routerOpts, textVendor(name, pc, func() provider.Client { return llama.New(opts) }))
		case "ollama":
			routerOpts = append(routerOpts, textVendor(name, pc, func() provider.Client { return ollama.New(opts) }))
		case "anthropic":
			routerOpts = append(routerOpts, textVendor(name, pc, func() provider.Client { return anthropic.New(opts) }))
		case "bedrock":
			if a.aws == nil {
				return fmt.Errorf("bedrock requires AWS_REGION or BEDROCK_REGION")
			}
			bedrockCfg := a.aws.Copy()
			if a.cfg.BedrockRegion != "" {
				bedrockCfg.Region = a.cfg.BedrockRegion
			}
			routerOpts = append(routerOpts, textVendor(name, pc, func() provider.Client { return bedrock.New(bedrockCfg, opts) }))
		case "replicate":
			routerOpts = append(routerOpts, router.WithImageVendor(router.ImageVendor{
				Name:     name,
				NewImage: func() provider.ImageClient { return replicate.New(opts) },
			}))
		case "stability":
			store := a.store
			routerOpts = append(routerOpts, router.WithImageVendor(router.ImageVendor{
				Name:     name,
				NewImage: func() provider.ImageClient { return stability.New(opts, store) },
			}))
		}
		slog.Info("registered provider", "provider", name, "model", pc.Model)
	}

	r, err := router.New(a.cfg.AI.DefaultProvider, a.tracker, routerOpts...)
	if err != nil {
		return err
	}
	a.router = r
	if a.moderator == nil && a.cfg.AI.Moderation.Enabled {
		slog.Warn("moderation enabled but openai is not configured, moderation is off")
	}
	return nil
}

func textVendor(name string, pc config.ProviderConfig, newClient func() provider.Client) router.Option {
	return router.WithVendor(router.Vendor{
		Name:      name,
		CostPer1K: pc.CostPer1KTokens,
		NewClient: newClient,
	})
}

func (a *app) initServices(ctx context.Context) error {
	if a.cfg.MonthlyBudgetUSD > 0 {
		opts := []budget.Option{budget.WithNotifier(a.notifier)}
		if a.redis != nil {
			opts = append(opts, budget.WithDeduplicator(budget.NewRedisDeduplicatorWithClient(a.redis, alertLockTTL)))
		}
		a.monitor = budget.NewMonitor(a.tracker, a.cfg.MonthlyBudgetUSD, budget.DefaultThresholds(), opts...)
		a.monitor.OnAlert(budget.LogAlertHandler)
		slog.Info("monthly budget enabled", "budget_usd", a.cfg.MonthlyBudgetUSD)
	}

	if a.aws != nil && a.cfg.S3Bucket != "" {
		a.transcriber = transcribe.New(*a.aws, a.store, a.breakers.For(transcribe.Vendor), transcribe.Config{
			PollInterval: a.cfg.TranscribePollInterval,
			MaxAttempts:  a.cfg.TranscribeMaxAttempts,
		})
		slog.Info("transcription enabled")
	}
	return nil
}

func (a *app) handler() *api.Handler {
	cfg := api.HandlerConfig{
		Router:       a.router,
		Content:      a.content,
		Tracker:      a.tracker,
		Enqueuer:     a.enqueuer,
		Moderator:    a.moderator,
		RateLimitRPM: a.cfg.RateLimitRPM,
		Budget:       a.monitor,
		Breakers:     a.breakers,
		Checkers:     a.checkers,
	}
	if a.transcriber != nil {
		cfg.Transcriber = a.transcriber
	}
	if a.redis != nil {
		cfg.RateLimiter = ratelimit.NewRedisRateLimiterWithClient(a.redis, ratelimit.DefaultWindow)
	} else {
		cfg.RateLimiter = ratelimit.NewInMemoryRateLimiter()
	}
	return api.NewHandler(cfg)
}

func (a *app) worker() *jobs.Worker {
	generator := jobs.NewGenerator(a.router, a.content,
		jobs.WithUsageQueue(a.enqueuer),
		jobs.WithNotifier(a.notifier),
		jobs.WithBudget(a.monitor),
	)
	return jobs.NewWorker(a.queue, generator,
		jobs.WithConcurrency(a.cfg.WorkerConcurrency),
		jobs.WithPollInterval(a.cfg.WorkerPollInterval),
	)
}

// inProcessQueue reports whether jobs live only in this process, in which
// case serve must run the worker itself.
func (a *app) inProcessQueue() bool {
	_, ok := a.queue.(*queue.InMemoryQueue)
	return ok
}
