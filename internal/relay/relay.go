// Package relay runs one paired transcription session between a surface and
// the message bus.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/bridge"
	"github.com/sofya/companion-bridge/internal/config"
	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/pairing"
	"github.com/sofya/companion-bridge/internal/transcript"
)

// ErrSessionActive is returned by Run while another session is running.
var ErrSessionActive = errors.New("a session is already active")

// Surface is the embedded content surface: commands go out through Send and
// inbound messages arrive on Inbound, which is closed when the surface goes
// away.
type Surface interface {
	bridge.Sender
	Inbound() <-chan []byte
}

// Pairer establishes sessions. *pairing.Coordinator implements it.
type Pairer interface {
	Pair(ctx context.Context, code string) (*pairing.Session, error)
}

// Options tunes session timing.
type Options struct {
	// SyncDelay is the wait after the surface attaches before the first
	// state sync; ResyncDelay the wait before the second one.
	SyncDelay   time.Duration
	ResyncDelay time.Duration
	// SilenceTimeout, when positive, logs commands left unanswered that long.
	SilenceTimeout time.Duration
	// DiagnosticInterval, when positive, logs the session state periodically.
	DiagnosticInterval time.Duration
	JournalSize        int
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	first, second := cfg.SyncDelays()
	return Options{
		SyncDelay:          first,
		ResyncDelay:        second,
		SilenceTimeout:     cfg.SilenceTimeout(),
		DiagnosticInterval: cfg.DiagnosticEvery(),
		JournalSize:        cfg.DiagnosticJournalSize,
	}
}

// Active describes the running session.
type Active struct {
	Session *pairing.Session
	Engine  *bridge.Engine
}

// Relay allows at most one session at a time.
type Relay struct {
	pairer Pairer
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	current *Active
	wg      sync.WaitGroup
}

// New creates a relay pairing through pairer.
func New(pairer Pairer, opts Options, logger zerolog.Logger) *Relay {
	return &Relay{
		pairer: pairer,
		opts:   opts,
		logger: logger,
	}
}

// Current returns the running session, if any.
func (r *Relay) Current() (Active, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Active{}, false
	}
	return *r.current, true
}

// Run pairs code and relays surface traffic until the surface closes its
// inbound channel or ctx ends. Inbound messages are handled one at a time in
// arrival order. On return the engine is closed first, so late messages are
// ignored, then the session is torn down. Pairing errors are returned as is.
func (r *Relay) Run(ctx context.Context, code string, surface Surface) error {
	if !r.claim() {
		return ErrSessionActive
	}
	defer r.unclaim()

	session, err := r.pairer.Pair(ctx, code)
	if err != nil {
		return err
	}

	logger := observability.WithCorrelationID(r.logger, session.ID()).With().
		Str("topic", session.Topic()).
		Logger()

	journal := observability.NewJournal(r.opts.JournalSize)
	rec := transcript.New(session, session.Topic(), logger)
	engine := bridge.NewEngine(surface, rec, bridge.WithLogger(logger), bridge.WithJournal(journal))

	r.setCurrent(&Active{Session: session, Engine: engine})
	defer func() {
		r.setCurrent(nil)
		engine.Close()
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("Session teardown incomplete")
		}
		logger.Info().Int("lines", len(rec.Lines())).Msg("Relay finished")
	}()

	logger.Info().Msg("Relaying")
	return r.loop(ctx, engine, surface, logger)
}

func (r *Relay) loop(ctx context.Context, engine *bridge.Engine, surface Surface, logger zerolog.Logger) error {
	syncTimer := time.NewTimer(r.opts.SyncDelay)
	defer syncTimer.Stop()
	var resync <-chan time.Time

	diagnostics := tick(r.opts.DiagnosticInterval)
	defer diagnostics.Stop()

	watchdog := tick(r.opts.SilenceTimeout / 2)
	defer watchdog.Stop()
	var reported time.Time

	inbound := surface.Inbound()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Relay cancelled")
			return ctx.Err()

		case raw, ok := <-inbound:
			if !ok {
				logger.Info().Msg("Surface detached")
				return nil
			}
			if err := engine.HandleRaw(raw); err != nil {
				var perr *bridge.ProtocolError
				if !errors.As(err, &perr) {
					logger.Warn().Err(err).Msg("Failed to handle bridge message")
				}
			}

		case <-syncTimer.C:
			r.sync(engine, logger)
			resync = time.After(r.opts.ResyncDelay)

		case <-resync:
			resync = nil
			r.sync(engine, logger)

		case <-diagnostics.C:
			snap := engine.Snapshot()
			logger.Debug().
				Str("phase", snap.Phase.String()).
				Bool("ready", snap.Ready).
				Int("live_len", len(snap.Live)).
				Int("transcript_len", len(snap.Transcript)).
				Int("journal", engine.Journal().Len()).
				Msg("Session diagnostics")

		case <-watchdog.C:
			since, waiting := engine.AwaitingReplySince()
			if waiting && since != reported && time.Since(since) >= r.opts.SilenceTimeout {
				reported = since
				observability.RecordSilence()
				logger.Warn().Time("since", since).Msg("Surface has not answered")
			}
		}
	}
}

func (r *Relay) sync(engine *bridge.Engine, logger zerolog.Logger) {
	if err := engine.SyncState(); err != nil {
		logger.Warn().Err(err).Msg("State sync failed")
	}
}

// Wait blocks until no session is running.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	r.wg.Add(1)
	return true
}

func (r *Relay) unclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.wg.Done()
}

func (r *Relay) setCurrent(a *Active) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = a
}

// ticker is a time.Ticker that may never fire.
type ticker struct {
	C <-chan time.Time
	t *time.Ticker
}

func tick(every time.Duration) ticker {
	if every <= 0 {
		return ticker{}
	}
	t := time.NewTicker(every)
	return ticker{C: t.C, t: t}
}

func (t ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
