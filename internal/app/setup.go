package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/duolab/duologue/db"
	"github.com/duolab/duologue/internal/broadcast"
	"github.com/duolab/duologue/internal/config"
	"github.com/duolab/duologue/internal/database"
	"github.com/duolab/duologue/internal/log"
	"github.com/duolab/duologue/internal/notify"
	"github.com/duolab/duologue/internal/orchestrator"
	"github.com/duolab/duologue/internal/provider"
	"github.com/duolab/duologue/internal/rag"
	"github.com/duolab/duologue/internal/store"
	"github.com/duolab/duologue/internal/transcript"
	"github.com/duolab/duologue/internal/turn"
)

// Setup creates and initializes the application. Call Close on the returned
// App to release resources.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.Logger = log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	a.otelCleanup = provideOtelShutdown(ctx, cfg)

	if err := db.Migrate(cfg.DSN()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.NewPool(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.Store = store.NewPostgres(pool, a.Logger)

	g, registry, embedder, err := provideProviders(ctx, cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Registry = registry

	a.Gateway = rag.New(rag.Config{
		DB:         chromem.NewDB(),
		Collection: cfg.RAGCollection,
		Dimension:  cfg.RAGDimension,
		Embedder:   embedder,
		Messages:   a.Store,
		Logger:     a.Logger,
	})
	if cfg.RAGEnabled {
		a.Gateway.InitializeCollection()
	}

	a.Bus = broadcast.NewBus(a.Logger)
	a.Broadcaster = broadcast.New(a.Bus, a.Logger,
		broadcast.WithMaxPayloadBytes(cfg.MaxBroadcastBytes))

	a.Generator = turn.NewGenerator(registry, a.Store, a.Gateway, embedder, turn.Config{
		HistoryWindow:    cfg.HistoryWindow,
		ContextLimit:     cfg.RAGContextLimit,
		MinSimilarity:    float32(cfg.RAGMinSimilarity),
		RetrievalEnabled: cfg.RAGEnabled,
	}, a.Logger)

	transcripts := transcript.NewWriter(cfg.TranscriptDir, a.Store, a.Logger)
	notifier := notify.NewLogNotifier(a.Logger)

	a.Orchestrator = orchestrator.New(a.Store, a.Generator, a.Broadcaster,
		transcripts, notifier,
		func() bool { return cfg.ReadOnly },
		orchestrator.Config{
			MaxAttempts:     cfg.MaxRetryAttempts,
			RetryDelay:      cfg.RetryDelay,
			EmptyAttempts:   cfg.EmptyTurnAttempts,
			EmptyRetryDelay: cfg.EmptyTurnDelay,
			FallbackMessage: cfg.FallbackMessage,
			InterTurnDelay:  cfg.InterTurnDelay,
			HistoryWindow:   int32(cfg.HistoryWindow),
			ProviderRPS:     cfg.ProviderRPS,
		}, a.Logger)

	a.Runner = orchestrator.NewRunner(a.Orchestrator, cfg.Workers, 0, a.Logger)

	return a, nil
}

// provideProviders initializes genkit with every reachable provider plugin
// and registers a driver factory per provider. Providers whose API keys are
// absent are simply not registered; resolving them later yields
// ErrNotRegistered.
func provideProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, *provider.Registry, rag.Embedder, error) {
	var plugins []api.Plugin

	googleAvailable := os.Getenv("GEMINI_API_KEY") != ""
	if googleAvailable {
		plugins = append(plugins, &googlegenai.GoogleAI{})
	}
	openaiAvailable := os.Getenv("OPENAI_API_KEY") != ""
	if openaiAvailable {
		plugins = append(plugins, &openai.OpenAI{})
	}
	ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
	plugins = append(plugins, ollamaPlugin)

	g := genkit.Init(ctx, genkit.WithPlugins(plugins...))
	if g == nil {
		return nil, nil, nil, errors.New("initializing genkit")
	}

	registry := provider.NewRegistry()
	if googleAvailable {
		registry.Register(config.ProviderGoogleAI, func(model string) (provider.Driver, error) {
			if model == "" {
				model = cfg.DefaultModel
			}
			return provider.NewGenkitDriver(g, config.ProviderGoogleAI, model, logger), nil
		})
	}
	if openaiAvailable {
		registry.Register(config.ProviderOpenAI, func(model string) (provider.Driver, error) {
			if model == "" {
				model = cfg.DefaultModel
			}
			return provider.NewGenkitDriver(g, config.ProviderOpenAI, model, logger), nil
		})
	}

	// Ollama has no model auto-discovery; define each requested model once.
	var mu sync.Mutex
	defined := make(map[string]struct{})
	registry.Register(config.ProviderOllama, func(model string) (provider.Driver, error) {
		if model == "" {
			return nil, fmt.Errorf("ollama requires an explicit model name")
		}
		mu.Lock()
		if _, ok := defined[model]; !ok {
			ollamaPlugin.DefineModel(g, ollama.ModelDefinition{Name: model, Type: "chat"}, nil)
			defined[model] = struct{}{}
		}
		mu.Unlock()
		return provider.NewGenkitDriver(g, config.ProviderOllama, model, logger), nil
	})

	embedder := provideEmbedder(g, cfg, ollamaPlugin, googleAvailable, openaiAvailable)
	return g, registry, embedder, nil
}

// provideEmbedder picks the embedder for the configured default provider.
// Falls back to a zero-vector embedder when the provider is unreachable, so
// retrieval degrades instead of failing.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config, ollamaPlugin *ollama.Ollama, googleAvailable, openaiAvailable bool) rag.Embedder {
	switch cfg.DefaultProvider {
	case config.ProviderGoogleAI:
		if googleAvailable {
			return rag.NewGenkitEmbedder(googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel), cfg.RAGDimension)
		}
	case config.ProviderOpenAI:
		if openaiAvailable {
			return rag.NewGenkitEmbedder(genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel)), cfg.RAGDimension)
		}
	case config.ProviderOllama:
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		return rag.NewGenkitEmbedder(ollama.Embedder(g, cfg.OllamaHost), cfg.RAGDimension)
	}
	return rag.NewZeroEmbedder(cfg.RAGDimension)
}

// provideOtelShutdown wires OTLP trace export into genkit's tracer provider
// when tracing is enabled. Returns the shutdown hook.
func provideOtelShutdown(ctx context.Context, cfg *config.Config) func() {
	if !cfg.TracingEnabled {
		return func() {}
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.TracingEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)
	shutdown := tracing.TracerProvider().Shutdown

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}
