// companion pairs with a desktop session and relays a transcription surface
// over stdio. Bridge messages are read from stdin as JSON lines and commands
// are written to stdout; lines starting with ":" control the session
// (:start, :stop, :sync, :state, :quit) and are answered on stderr.
//
// Usage:
//
//	companion [flags] <pairing code>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/sofya/companion-bridge/internal/bus"
	"github.com/sofya/companion-bridge/internal/config"
	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/pairing"
	"github.com/sofya/companion-bridge/internal/relay"
	"github.com/sofya/companion-bridge/internal/resilience"
	"github.com/sofya/companion-bridge/internal/surface"
	"github.com/sofya/companion-bridge/internal/topic"
)

const (
	exitInvalidCode = 2
	exitConnection  = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		switch {
		case errors.Is(err, pairing.ErrInvalidCode):
			os.Exit(exitInvalidCode)
		case errors.Is(err, pairing.ErrConnection):
			os.Exit(exitConnection)
		}
		os.Exit(1)
	}
}

func run() error {
	var (
		code     string
		envFile  string
		mqttURL  string
		logLevel string
		attempts int
		pretty   bool
	)

	flagSet := pflag.NewFlagSet("companion", pflag.ContinueOnError)
	flagSet.StringVarP(&code, "code", "c", "", "pairing code shown by the desktop (or pass it as the only argument)")
	flagSet.StringVar(&envFile, "env-file", config.GetEnv("COMPANION_ENV_FILE", ".env"), "load environment variables from this file if it exists")
	flagSet.StringVar(&mqttURL, "mqtt-url", "", "broker URL, overrides MQTT_URL")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	flagSet.IntVar(&attempts, "attempts", 0, "pairing attempts on connection errors, overrides RETRY_MAX_ATTEMPTS")
	flagSet.BoolVar(&pretty, "pretty", false, "human-readable logs on stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	switch {
	case len(args) > 1:
		return fmt.Errorf("unexpected argument: %s", args[1])
	case len(args) == 1 && code != "":
		return fmt.Errorf("pairing code given twice")
	case len(args) == 1:
		code = args[0]
	}

	// A missing env file is fine; the environment may be complete.
	_ = godotenv.Load(envFile)
	if mqttURL != "" {
		os.Setenv("MQTT_URL", mqttURL)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if code == "" {
		code = config.GetEnv("COMPANION_CODE", "")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if attempts > 0 {
		cfg.RetryMaxAttempts = attempts
	}

	// stdout carries bridge commands
	observability.InitLoggerTo(os.Stderr, cfg.LogLevel, pretty || cfg.LogPretty)
	logger := observability.GetLogger()

	buses := bus.NewManager(
		bus.CredentialsFromConfig(cfg),
		bus.NewMQTTDialer(cfg, observability.WithComponent("mqtt")),
		bus.WithLogger(observability.WithComponent("bus")),
		bus.WithCircuitBreaker(cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
	)
	coordinator := pairing.NewCoordinator(buses, topic.New(cfg.TopicNamespace), observability.WithComponent("pairing"))
	rl := relay.New(coordinator, relay.OptionsFromConfig(cfg), observability.WithComponent("relay"))

	stdio := surface.NewStdio(rl, os.Stdout, os.Stderr, observability.WithComponent("surface"))
	go stdio.Serve(os.Stdin)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retry := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// Only connection failures are retried here; a rejected code needs a
	// new one from the user.
	err = resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			logger.Info().Int("attempt", attempt+1).Msg("Retrying pairing")
		}
		return rl.Run(ctx, code, stdio)
	}, retry, func(err error) bool {
		return errors.Is(err, pairing.ErrConnection)
	})

	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Interrupted")
		return nil
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `companion pairs with a desktop session and relays transcription.

Bridge messages are read from stdin, one JSON object per line, and
commands for the surface are written to stdout. Control lines:

  :start   start transcription
  :stop    stop transcription
  :sync    request the surface's state
  :state   print the session state on stderr
  :quit    end the session

Usage: companion [flags] <pairing code>

The code may also come from COMPANION_CODE, and the env file path from
COMPANION_ENV_FILE.

Flags:
`)
	flagSet.PrintDefaults()
}
