package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/salesagent/internal/channel"
	"github.com/salesagent/internal/config"
	"github.com/salesagent/internal/coordination"
	"github.com/salesagent/internal/database"
	"github.com/salesagent/internal/jobqueue"
	"github.com/salesagent/internal/knowledge"
	"github.com/salesagent/internal/llm"
	"github.com/salesagent/internal/logging"
	"github.com/salesagent/internal/media"
	"github.com/salesagent/internal/memory"
	"github.com/salesagent/internal/pipeline"
	"github.com/salesagent/internal/prompts"
	"github.com/salesagent/internal/retry"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/internal/usage"
)

// tokenTTL outlives any debounce window by a wide margin
const tokenTTL = time.Hour

// envFileFlag is shared by the commands that touch infrastructure
var envFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Usage: "Load environment variables from this file before reading the config",
}

// loadConfig reads the config named by the global flag and sets up logging
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("env-file"); path != "" {
		if err := LoadEnvFile(path); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	resolveDatabaseURL(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

// resolveDatabaseURL fills an empty database.url from DATABASE_URL or the nearest .env,
// so the River pool and the app database connect to the same place
func resolveDatabaseURL(cfg *config.Config) {
	if url, err := database.ResolveURL(cfg.Database.URL); err == nil {
		cfg.Database.URL = url
	}
}

// infra holds the long-lived connections of a process
type infra struct {
	db      *sql.DB
	store   *store.PostgresStore
	redis   *redis.Client
	tokens  *coordination.RedisTokenStore
	channel *channel.Client
}

func openInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Admission fails open, so an unreachable Redis only degrades debouncing
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis is not reachable, debounce will admit every job")
	}

	return &infra{
		db:      db,
		store:   store.NewPostgresStore(db),
		redis:   rdb,
		tokens:  coordination.NewRedisTokenStore(rdb, cfg.Redis.KeyPrefix, tokenTTL),
		channel: channel.NewClient(cfg.Channel.BaseURL, cfg.Channel.APIKey, cfg.Channel.RatePerSecond),
	}, nil
}

func (i *infra) Close() {
	if err := i.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	if err := i.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}

// buildProcessor wires the message pipeline on top of the shared infrastructure
func buildProcessor(ctx context.Context, cfg *config.Config, in *infra) (*pipeline.Processor, error) {
	modelRetry := retry.ModelCallConfig(cfg.AI.MaxRetries)

	chatModel, err := llm.NewOpenAIModel(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.DefaultModel)
	if err != nil {
		return nil, err
	}
	resilient := llm.NewResilientModel(chatModel, modelRetry, cfg.Pipeline.JobTimeout/2)

	summaryModel, err := llm.NewOpenAIModel(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.SummaryModel)
	if err != nil {
		return nil, err
	}
	summarizer := llm.NewSummarizer(llm.NewResilientModel(summaryModel, modelRetry, cfg.Pipeline.JobTimeout/2), cfg.AI.SummaryModel, 0)

	embedder, err := knowledge.NewOpenAIEmbedder(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	searcher := knowledge.NewSearcher(in.store, embedder, modelRetry)

	blobs, err := media.NewBlobStore(ctx, cfg.Storage.Driver, cfg.Storage.Dir, cfg.Storage.Bucket, cfg.Storage.Region)
	if err != nil {
		return nil, err
	}
	transcriber := media.NewWhisperTranscriber(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.TranscriptionModel)

	builder := prompts.NewContextBuilder(in.store, in.store, searcher, prompts.BuilderConfig{
		HistoryLimit:     cfg.Pipeline.HistoryLimit,
		RAGTopK:          cfg.Pipeline.RAGTopK,
		RAGMinSimilarity: cfg.Pipeline.RAGMinSimilarity,
	})

	deps := pipeline.Dependencies{
		Tokens:    in.tokens,
		Budget:    usage.NewGate(in.store, in.channel, cfg.Pipeline.NoCreditsNotice),
		Records:   in.store,
		CRM:       in.store,
		Knowledge: searcher,
		Media:     media.NewPreprocessor(in.channel, transcriber, blobs, in.store),
		Context:   builder,
		Generator: llm.NewOrchestrator(resilient, cfg.AI.MaxSteps, cfg.AI.MaxOutputTokens),
		Memory:    memory.NewCompressor(in.store, summarizer, cfg.Pipeline.CompressThreshold, cfg.Pipeline.KeepRecent),
		Channel:   in.channel,
	}

	return pipeline.NewProcessor(deps, pipeline.Config{
		DefaultModel:        cfg.AI.DefaultModel,
		SearchTopK:          cfg.Pipeline.SearchTopK,
		SearchMinSimilarity: cfg.Pipeline.SearchMinSimilarity,
		PresenceTimeout:     5 * time.Second,
	}).WithLogger(log.Logger), nil
}

func queueConfig(cfg *config.Config) jobqueue.QueueConfig {
	qc := jobqueue.DefaultQueueConfig()
	qc.MaxWorkers = cfg.Queue.MaxWorkers
	qc.ResumeSweepInterval = cfg.Queue.ResumeSweepInterval
	qc.JobTimeout = cfg.Pipeline.JobTimeout
	qc.PauseTTL = cfg.Pipeline.PauseTTL
	return qc
}
