package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sofya/companion-bridge/internal/bus"
	"github.com/sofya/companion-bridge/internal/config"
	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/pairing"
	"github.com/sofya/companion-bridge/internal/relay"
	"github.com/sofya/companion-bridge/internal/surface"
	"github.com/sofya/companion-bridge/internal/topic"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("mqtt_url", cfg.MQTTURL).
		Str("topic_namespace", cfg.TopicNamespace).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Companion bridge starting")

	// One shared bus connection for the whole process
	buses := bus.NewManager(
		bus.CredentialsFromConfig(cfg),
		bus.NewMQTTDialer(cfg, observability.WithComponent("mqtt")),
		bus.WithLogger(observability.WithComponent("bus")),
		bus.WithCircuitBreaker(cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
	)
	coordinator := pairing.NewCoordinator(buses, topic.New(cfg.TopicNamespace), observability.WithComponent("pairing"))
	rl := relay.New(coordinator, relay.OptionsFromConfig(cfg), observability.WithComponent("relay"))

	// Create HTTP server
	mux := http.NewServeMux()

	// Embedded surface WebSocket and local transcription control
	mux.HandleFunc("/bridge", surface.HandleBridgeWS(rl, observability.WithComponent("surface")))
	mux.HandleFunc("/transcription", surface.HandleControl(rl))
	mux.HandleFunc("/transcription/", surface.HandleControl(rl))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(cfg.ConnectTimeout(), map[string]observability.HealthCheckFunc{
		"bus": buses.Check,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Sessions outlive Shutdown (their connections are hijacked), so they
	// hang off a context of their own.
	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	// Create HTTP server with timeouts. No write timeout: bridge
	// connections last as long as the session.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sessionsCtx },
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/bridge?code=<pairing code>", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelSessions()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Let the active session announce its departure and release the bus
	drained := make(chan struct{})
	go func() {
		rl.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn().Msg("Session teardown timed out")
	}

	logger.Info().Msg("Server exited gracefully")
}
