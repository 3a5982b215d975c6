// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/config"
	"github.com/capitalize-ai/language-chat/internal/handler"
	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/internal/mistakes"
	natsclient "github.com/capitalize-ai/language-chat/internal/nats"
	"github.com/capitalize-ai/language-chat/internal/service"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/tracing"
)

const serviceName = "language-chat"

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.LogDevelopment {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("store", cfg.StoreBackend))
	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint, cfg.TracingInsecure)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.close()

	completer, endpoint, err := newCompleter(cfg, log)
	if err != nil {
		return err
	}

	// Initialize services
	st := store.New(backend.bucket, log)
	deps := service.Deps{
		Store:      st,
		Completer:  completer,
		Summarizer: service.NewSummarizer(completer, log),
		Mistakes:   mistakes.NewPipeline(completer, st, log),
		Events:     backend.events,
		Logger:     log,
	}

	var supports func(string) bool
	if endpoint != nil {
		supports = endpoint.Supports
	}
	sessions := service.NewSessionManager(deps, cfg.DefaultModel, supports, log)
	sessions.StartReaper(cfg.SessionIdleTimeout, cfg.SessionIdleTimeout/2)
	conversationSvc := service.NewConversationService(st, completer, cfg.TopicModel, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(backend.ready)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	sessionHandler := handler.NewSessionHandler(sessions, log)
	streamHandler := handler.NewStreamHandler(sessionHandler, cfg.SSEHeartbeat, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.RateLimit(cfg.RateLimitRequests*4, cfg.RateLimitWindow))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Completion endpoint, served only when this process owns the providers
		if endpoint != nil {
			r.Post("/chat", handler.NewChatHandler(endpoint, log).Chat)
		}

		r.Route("/languages/{language}", func(r chi.Router) {
			r.Get("/topics", conversationHandler.Topics)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", conversationHandler.List)
				r.Post("/", conversationHandler.Create)
				r.Delete("/", conversationHandler.Delete)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", conversationHandler.Get)
					r.Post("/sessions", sessionHandler.Open)
					if backend.eventLog != nil {
						r.Get("/events", handler.NewEventsHandler(backend.eventLog, log).List)
					}
				})
			})
		})

		// Sessions
		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Delete("/", sessionHandler.Close)
			r.Post("/messages", sessionHandler.Send)
			r.Get("/stream", streamHandler.Stream)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions did not finish", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// backend is the store bucket together with its event sink. eventLog is
// nil unless events are kept in a readable stream.
type backend struct {
	bucket   store.Bucket
	events   service.EventPublisher
	eventLog handler.EventReader
	ready    handler.ReadyFunc
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		bucket, err := natsClient.OpenKVBucket(ctx, cfg.NATSKVBucket)
		if err != nil {
			natsClient.Close()
			return nil, err
		}

		var events service.EventPublisher = service.NopPublisher{}
		var eventLog handler.EventReader
		if cfg.NATSEvents {
			streamManager := natsclient.NewStreamManager(natsClient)
			if err := streamManager.EnsureStream(ctx); err != nil {
				natsClient.Close()
				return nil, fmt.Errorf("failed to ensure stream: %w", err)
			}
			events = streamManager
			eventLog = streamManager
		}

		return &backend{
			bucket:   bucket,
			events:   events,
			eventLog: eventLog,
			ready: func(ctx context.Context) error {
				if !natsClient.IsConnected() {
					return errors.New("NATS not connected")
				}
				return bucket.Ready(ctx)
			},
			close: natsClient.Close,
		}, nil

	case config.StoreSQLite:
		bucket, err := store.OpenSQLiteBucket(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{
			bucket: bucket,
			events: service.NopPublisher{},
			ready:  bucket.Ready,
			close: func() {
				if err := bucket.Close(); err != nil {
					log.Warn("failed to close sqlite store", zap.Error(err))
				}
			},
		}, nil

	default:
		log.Warn("using the in-memory store, conversations are lost on restart")
		bucket := store.NewMemoryBucket()
		return &backend{
			bucket: bucket,
			events: service.NopPublisher{},
			ready:  bucket.Ready,
			close:  func() {},
		}, nil
	}
}

// newCompleter returns the remote completion endpoint when one is
// configured, otherwise an in-process endpoint over every provider with an
// API key. The default provider is listed first so it serves shared models.
func newCompleter(cfg *config.Config, log *logger.Logger) (llm.Completer, *llm.Endpoint, error) {
	if cfg.ChatEndpointURL != "" {
		log.Info("using remote completion endpoint", zap.String("url", cfg.ChatEndpointURL))
		return llm.NewHTTPCompleter(cfg.ChatEndpointURL, cfg.ChatEndpointToken, cfg.ChatEndpointTimeout), nil, nil
	}

	keys := map[llm.Provider]string{
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
	}
	order := []llm.Provider{llm.Provider(cfg.DefaultLLM)}
	for _, p := range []llm.Provider{llm.ProviderOpenAI, llm.ProviderAnthropic} {
		if p != order[0] {
			order = append(order, p)
		}
	}

	var clients []llm.Client
	for _, provider := range order {
		if keys[provider] == "" {
			continue
		}
		if provider == llm.ProviderOpenAI && cfg.OpenAIBaseURL != "" {
			openaiCfg := openai.DefaultConfig(keys[provider])
			openaiCfg.BaseURL = cfg.OpenAIBaseURL
			clients = append(clients, llm.NewOpenAIClientWithConfig(openaiCfg))
			continue
		}
		client, err := llm.NewClient(provider, keys[provider])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create %s client: %w", provider, err)
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, nil, errors.New("no LLM provider configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or CHAT_ENDPOINT_URL")
	}

	endpoint := llm.NewEndpoint(llm.NewTokenCounter(), log, clients...)
	if !endpoint.Supports(cfg.DefaultModel) {
		log.Warn("default model is not served by any provider", zap.String("model", cfg.DefaultModel))
	}
	return endpoint, endpoint, nil
}
