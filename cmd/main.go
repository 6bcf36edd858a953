package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"ebookfactory/internal/api"
	"ebookfactory/internal/config"
	fileutil "ebookfactory/internal/file"
	"ebookfactory/internal/gateway"
	"ebookfactory/internal/generation"
	"ebookfactory/internal/tracing"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	shutdownTracing, err := tracing.Init(baseCtx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Enabled:     cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	router := setupRouter(cfg)

	manager := buildManager(baseCtx, cfg)
	manager.SetBaseContext(baseCtx)
	wireAPI(router, manager, cfg)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Bool("credential", cfg.HasCredential()).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, shutdownTracing, shutdownTimeout)
}

func setupRouter(cfg config.Config) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(api.ZerologLogger())
	r.Use(api.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// buildManager wires the AI gateway when a credential is configured. Without
// one the manager still serves the UI and refuses to generate.
func buildManager(ctx context.Context, cfg config.Config) *generation.Manager {
	opts := generation.Options{
		MaxConcurrentGenerations: cfg.MaxConcurrentGenerations,
		CredentialKey:            cfg.LLM.APIKeyEnv,
		CredentialConfigured:     cfg.HasCredential(),
	}
	if !cfg.HasCredential() {
		log.Warn().Str("env", cfg.LLM.APIKeyEnv).Msg("API key not set, generation disabled")
		return generation.NewManager(nil, opts)
	}

	settings := gateway.Settings{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		TextModel:   cfg.LLM.TextModel,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Language:    cfg.Generation.Language,
		Chapters:    cfg.Generation.Chapters,
	}
	chat, err := gateway.NewChatModel(ctx, settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build chat model")
	}
	images, err := gateway.NewGeminiImageModel(ctx, cfg.LLM.APIKey, cfg.LLM.ImageModel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build image model")
	}
	gw := gateway.Instrument(gateway.NewClient(chat, images, settings))
	return generation.NewManager(gw, opts)
}

func wireAPI(router *gin.Engine, manager *generation.Manager, cfg config.Config) {
	apiHandler := api.NewAPI(manager, api.Options{
		DataDir:          cfg.DataDir,
		ExpectedChapters: cfg.Generation.Chapters,
	})
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *generation.Manager, shutdownTracing func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !m.WaitAll(ctx) {
		log.Warn().Msg("generations did not finish before timeout")
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown warning")
	}
	log.Info().Msg("server exited cleanly")
}
