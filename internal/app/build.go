package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/consolidation"
	"github.com/ent0n29/mnemos/internal/conversation"
	"github.com/ent0n29/mnemos/internal/httpapi"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/provider"
	"github.com/ent0n29/mnemos/internal/recall"
	"github.com/ent0n29/mnemos/internal/session"
)

type BuildResult struct {
	Config     config.Config
	Logger     *logrus.Logger
	Registry   *prometheus.Registry
	Metrics    *observability.Metrics
	Backend    memory.Backend
	History    *memory.ChatHistory
	Vectors    *memory.VectorMemory
	Assembler  *recall.Assembler
	Engine     *consolidation.Engine
	Dispatcher *consolidation.Dispatcher
	Tracker    *session.Manager
	Service    *conversation.Service
	API        *httpapi.Server

	// Cleanup should be called on shutdown to release external resources (DB, provider clients).
	Cleanup func() error
}

// Build wires every component from cfg. Nothing runs in the background
// until Start is called.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	if logger == nil {
		var err error
		logger, err = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	providers, err := provider.New(ctx, provider.Config{
		EmbeddingProvider:  cfg.EmbeddingProvider,
		EmbeddingModel:     cfg.EmbeddingModel,
		SummarizerProvider: cfg.SummarizerProvider,
		SummarizerModel:    cfg.SummarizerModel,
		Dimensions:         cfg.MemoryEmbeddingDim,
		GeminiAPIKey:       cfg.GeminiAPIKey,
		OpenAIAPIKey:       cfg.OpenAIAPIKey,
		OpenAIBaseURL:      cfg.OpenAIBaseURL,
		AnthropicAPIKey:    cfg.AnthropicAPIKey,
		OllamaHost:         cfg.OllamaHost,
		RateLimit:          cfg.ProviderRateLimit,
		MaxRetries:         cfg.ProviderMaxRetries,
		QueryCacheSize:     cfg.QueryCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("provider init failed: %w", err)
	}

	backend, err := memory.NewBackend(ctx, memory.Options{
		DatabaseURL:  cfg.DatabaseURL,
		EmbeddingDim: cfg.MemoryEmbeddingDim,
		IVFFlatLists: cfg.IVFFlatLists,
		SearchProbes: cfg.SearchProbes,
	})
	if err != nil {
		providers.Cleanup()
		return nil, fmt.Errorf("memory backend init failed: %w", err)
	}

	history := memory.NewChatHistory(backend.Turns())
	vectors, err := memory.NewVectorMemory(backend.Vectors(), providers.Embedder, cfg.MemoryEmbeddingDim)
	if err != nil {
		_ = backend.Close()
		providers.Cleanup()
		return nil, fmt.Errorf("vector memory init failed: %w", err)
	}

	assembler := recall.NewAssembler(history, vectors, recall.Defaults{
		ShortTermLimit: cfg.ContextSTMLimit,
		LongTermLimit:  cfg.ContextLTMLimit,
		MinImportance:  cfg.ImportanceFloor,
	}, logger, metrics)

	engine, err := consolidation.NewEngine(consolidation.Deps{
		Locker:     backend,
		History:    history,
		Vectors:    vectors,
		Summarizer: providers.Summarizer,
		Logger:     logger.WithField("component", "consolidation"),
		Metrics:    metrics,
	}, consolidation.Config{
		SoftThreshold:        cfg.SoftThreshold,
		HardThreshold:        cfg.HardThreshold,
		RetryAfter:           cfg.RetryAfter,
		DiscardEmptyInsights: cfg.DiscardEmptyInsights,
		RedactInput:          cfg.RedactSummaryInput,
		EmbedConcurrency:     4,
	})
	if err != nil {
		_ = backend.Close()
		providers.Cleanup()
		return nil, fmt.Errorf("consolidation engine init failed: %w", err)
	}

	dispatcher := consolidation.NewDispatcher(backend, engine, cfg.ConsolidationWorkers, cfg.ConsolidationQueue,
		logger.WithField("component", "dispatcher"), metrics)
	dispatcher.SetResultHook(func(job consolidation.Job, res consolidation.Result, err error) {
		if err != nil || !res.Consolidated {
			return
		}
		logger.WithFields(logrus.Fields{
			"user_id":     job.Key.UserID,
			"session_id":  job.Key.SessionID,
			"forced":      job.Force,
			"stm_deleted": res.TurnsDeleted,
			"ltm_created": len(res.Memories),
		}).Debug("background consolidation finished")
	})

	idle := cfg.SessionIdleTimeout
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	tracker := session.NewManager(idle)
	tracker.SetExpireHook(func(c *session.Conversation) {
		metrics.ConversationEvent("idle_expired")
		metrics.SetActiveConversations(tracker.ActiveCount())
		dispatcher.Enqueue(consolidation.Job{
			Key:   consolidation.Key{UserID: c.UserID, SessionID: c.SessionID},
			Force: true,
		})
	})

	mode := conversation.ModeInline
	if cfg.ConsolidationMode == string(conversation.ModeAsync) {
		mode = conversation.ModeAsync
	}
	service := conversation.NewService(conversation.Deps{
		Backend:    backend,
		History:    history,
		Assembler:  assembler,
		Engine:     engine,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Logger:     logger.WithField("component", "conversation"),
		Metrics:    metrics,
	}, conversation.Options{Mode: mode, TurnTTL: cfg.TurnTTL})

	api := httpapi.New(httpapi.Options{
		Backend:       backend,
		Queue:         dispatcher,
		Conversations: tracker,
		Metrics:       metrics,
		Gatherer:      registry,
		Memory:        &httpapi.MemoryAPI{
			Backend:       backend,
			History:       history,
			Vectors:       vectors,
			Assembler:     assembler,
			Conversations: service,
			Dispatcher:    dispatcher,
		},
	})

	cleanup := func() error {
		var errs []string
		dispatcher.Stop()
		if err := backend.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		providers.Cleanup()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		Logger:     logger,
		Registry:   registry,
		Metrics:    metrics,
		Backend:    backend,
		History:    history,
		Vectors:    vectors,
		Assembler:  assembler,
		Engine:     engine,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Service:    service,
		API:        api,
		Cleanup:    cleanup,
	}, nil
}

// Start launches the consolidation workers, the idle-conversation janitor
// and the expiry sweeper. They stop when ctx is done.
func (b *BuildResult) Start(ctx context.Context) {
	b.Dispatcher.Start(ctx)
	if b.Config.SessionIdleTimeout > 0 {
		b.Tracker.StartJanitor(ctx, janitorInterval(b.Config.SessionIdleTimeout))
	}
	memory.StartExpirySweeper(ctx, b.Backend, b.History, b.Config.PurgeInterval,
		b.Logger.WithField("component", "sweeper"), b.Metrics.AddPurged)
}

func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}
