package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/transcript"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("bridge session closed")

// Phase is the coarse transcription state.
type Phase int

const (
	PhaseNotReady Phase = iota
	PhaseIdle
	PhaseTranscribing
)

func (p Phase) String() string {
	switch p {
	case PhaseNotReady:
		return "not_ready"
	case PhaseIdle:
		return "idle"
	case PhaseTranscribing:
		return "transcribing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{PhaseNotReady, PhaseIdle, PhaseTranscribing} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Snapshot is a consistent view of the transcription state.
type Snapshot struct {
	Phase        Phase  `json:"phase"`
	Ready        bool   `json:"ready"`
	Transcribing bool   `json:"transcribing"`
	Live         string `json:"live"`
	Transcript   string `json:"transcript"`
}

// Sender delivers encoded commands to the surface.
type Sender interface {
	Send(payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(payload []byte) error

func (f SenderFunc) Send(payload []byte) error {
	return f(payload)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithJournal records traffic in j instead of a private journal.
func WithJournal(j *observability.Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// Engine is the state machine for one surface. Messages must be handed to
// it in arrival order; it serialises them and the commands it sends.
// Replies are matched to commands by type only.
type Engine struct {
	sender     Sender
	transcript *transcript.Reconciler
	journal    *observability.Journal
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	ready bool
	// settled is set by ready or error; the phase never returns to
	// PhaseNotReady after either.
	settled      bool
	transcribing bool
	live         string
	closed       bool
	awaiting     time.Time
}

// NewEngine creates an engine writing commands to sender and finalised
// lines to rec.
func NewEngine(sender Sender, rec *transcript.Reconciler, opts ...Option) *Engine {
	e := &Engine{
		sender:     sender,
		transcript: rec,
		logger:     observability.WithComponent("bridge"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal == nil {
		e.journal = observability.NewJournal(0)
	}
	return e
}

// HandleRaw decodes inbound text and handles it.
func (e *Engine) HandleRaw(raw []byte) error {
	e.journal.Record("<- " + string(raw))
	return e.handle(Decode(raw))
}

// Handle applies one inbound message. An Error message moves the engine to
// idle and is returned as a *ProtocolError. Messages arriving after Close
// are dropped.
func (e *Engine) Handle(msg Message) error {
	e.journal.Record("<- " + msg.Type())
	return e.handle(msg)
}

func (e *Engine) handle(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.logger.Debug().Str("type", msg.Type()).Msg("Dropping message after close")
		return nil
	}
	observability.RecordBridgeMessage("in", msg.Type())
	e.awaiting = time.Time{}

	switch m := msg.(type) {
	case Ready:
		e.ready = true
		e.settled = true
		e.logger.Info().Str("source", m.Source).Msg("Surface ready")
		return e.syncLocked()

	case TranscriptionStarted:
		e.transcribing = true
		e.logger.Info().Msg("Transcription started")

	case Recognizing:
		if m.Transcription != nil {
			e.live = *m.Transcription
		}
		e.transcribing = m.Transcribing

	case Recognized:
		if m.Transcription != nil {
			e.appendLocked(*m.Transcription)
		}
		e.live = ""
		e.transcribing = m.Transcribing

	case TranscriptionStopped:
		e.transcribing = false
		if m.Transcription != nil {
			e.transcript.Replace(*m.Transcription)
			e.live = ""
		}
		e.logger.Info().Msg("Transcription stopped")

	case TranscriptionState:
		if m.Transcription != nil {
			e.live = *m.Transcription
		}
		e.transcribing = m.Transcribing

	case RecognizedState:
		if m.Transcription != nil {
			e.transcript.Replace(*m.Transcription)
		}
		e.transcribing = m.Transcribing

	case TranscriptionUpdate:
		if m.Transcription != nil {
			e.appendLocked(*m.Transcription)
		}
		e.live = ""
		if m.Transcribing != nil {
			e.transcribing = *m.Transcribing
		}

	case Error:
		e.transcribing = false
		e.settled = true
		observability.RecordError("protocol_error", "bridge")
		e.logger.Warn().Str("reason", m.Reason).RawJSON("details", detailsJSON(m.Details)).Msg("Surface reported an error")
		return &ProtocolError{Reason: m.Reason, Details: m.Details}

	case Unknown:
		e.logger.Warn().Str("kind", m.Kind).Str("raw", m.Raw).Msg("Ignoring unrecognised bridge message")
	}
	return nil
}

func (e *Engine) appendLocked(line string) {
	// Publish failures are logged by the reconciler; the line is kept.
	outcome, _ := e.transcript.Append(line)
	e.logger.Debug().Str("outcome", outcome.String()).Msg("Final line")
}

// StartTranscription asks the surface to start. The transcribing flag is set
// before the reply arrives.
func (e *Engine) StartTranscription() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.transcribing = true
	return e.sendLocked(Command{Type: CmdStartTranscription})
}

// StopTranscription asks the surface to stop. The transcribing flag is
// cleared before the reply arrives.
func (e *Engine) StopTranscription() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.transcribing = false
	return e.sendLocked(Command{Type: CmdStopTranscription})
}

// SyncState requests both state replies.
func (e *Engine) SyncState() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.syncLocked()
}

func (e *Engine) syncLocked() error {
	return errors.Join(
		e.sendLocked(Command{Type: CmdGetTranscriptionState}),
		e.sendLocked(Command{Type: CmdGetRecognizedState}),
	)
}

func (e *Engine) sendLocked(cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	e.journal.Record("-> " + string(payload))
	observability.RecordBridgeMessage("out", cmd.Type)

	if err := e.sender.Send(payload); err != nil {
		observability.RecordError("send_failed", "bridge")
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	if e.awaiting.IsZero() {
		e.awaiting = e.now()
	}
	return nil
}

// AwaitingReplySince returns when the oldest command still without any
// inbound message after it was sent.
func (e *Engine) AwaitingReplySince() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaiting, !e.awaiting.IsZero()
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Ready:        e.ready,
		Transcribing: e.transcribing,
		Live:         e.live,
		Transcript:   e.transcript.Text(),
	}
	switch {
	case e.transcribing:
		s.Phase = PhaseTranscribing
	case e.settled:
		s.Phase = PhaseIdle
	default:
		s.Phase = PhaseNotReady
	}
	return s
}

// Journal returns the traffic journal.
func (e *Engine) Journal() *observability.Journal {
	return e.journal
}

// Close ends the session. Later messages are dropped and commands fail.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.awaiting = time.Time{}
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func detailsJSON(details json.RawMessage) []byte {
	if len(details) == 0 {
		return []byte("null")
	}
	return details
}
