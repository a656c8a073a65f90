package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sofya/companion-bridge/internal/transcript"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, string(payload))
	return nil
}

func (s *recordingSender) types(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, raw := range s.sent {
		var cmd struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &cmd))
		out = append(out, cmd.Type)
	}
	return out
}

type stubPublisher struct {
	lines []string
}

func (p *stubPublisher) Connected() bool { return true }

func (p *stubPublisher) Publish(topic, payload string) error {
	p.lines = append(p.lines, payload)
	return nil
}

func newTestEngine() (*Engine, *recordingSender, *stubPublisher) {
	sender := &recordingSender{}
	pub := &stubPublisher{}
	rec := transcript.New(pub, "sofya-platform/1/transcriptions", zerolog.Nop())
	return NewEngine(sender, rec, WithLogger(zerolog.Nop())), sender, pub
}

func feed(t *testing.T, e *Engine, lines ...string) {
	t.Helper()
	for _, line := range lines {
		require.NoError(t, e.HandleRaw([]byte(line)))
	}
}

func TestRecognizedLinesAccumulate(t *testing.T) {
	e, _, pub := newTestEngine()

	feed(t, e,
		`{"type":"recognized","data":{"transcription":"hello","isTranscribing":true}}`,
		`{"type":"recognized","data":{"transcription":"world","isTranscribing":true}}`,
	)

	snap := e.Snapshot()
	require.Equal(t, "hello\nworld", snap.Transcript)
	require.Equal(t, PhaseTranscribing, snap.Phase)
	require.Equal(t, []string{"hello", "world"}, pub.lines)
}

func TestTranscriptionStoppedReplacesTranscript(t *testing.T) {
	e, _, pub := newTestEngine()

	feed(t, e,
		`{"type":"recognized","data":{"transcription":"hello","isTranscribing":true}}`,
		`{"type":"recognizing","data":{"transcription":"wor","isTranscribing":true}}`,
		`{"type":"transcriptionStopped","data":{"message":"done","transcription":"final text","isTranscribing":false}}`,
	)

	snap := e.Snapshot()
	require.Equal(t, "final text", snap.Transcript)
	require.Empty(t, snap.Live)
	require.False(t, snap.Transcribing)
	require.Equal(t, []string{"hello"}, pub.lines)
}

func TestTranscriptionStoppedWithoutTextKeepsTranscript(t *testing.T) {
	e, _, _ := newTestEngine()

	feed(t, e,
		`{"type":"recognized","data":{"transcription":"kept"}}`,
		`{"type":"transcriptionStopped","data":{"message":"done"}}`,
	)
	require.Equal(t, "kept", e.Snapshot().Transcript)
}

func TestRecognizingTouchesOnlyLiveFragment(t *testing.T) {
	e, _, pub := newTestEngine()

	feed(t, e, `{"type":"recognized","data":{"transcription":"first"}}`)
	feed(t, e, `{"type":"recognizing","data":{"transcription":"sec","isTranscribing":true}}`)

	snap := e.Snapshot()
	require.Equal(t, "first", snap.Transcript)
	require.Equal(t, "sec", snap.Live)
	require.True(t, snap.Transcribing)

	feed(t, e, `{"type":"recognized","data":{"transcription":"second","isTranscribing":true}}`)
	snap = e.Snapshot()
	require.Empty(t, snap.Live)
	require.Equal(t, "first\nsecond", snap.Transcript)
	require.Equal(t, []string{"first", "second"}, pub.lines)
}

func TestTranscriptionUpdateAppends(t *testing.T) {
	e, _, pub := newTestEngine()

	feed(t, e,
		`{"type":"transcriptionStarted","data":{"message":"ok","isTranscribing":true}}`,
		`{"type":"recognizing","data":{"transcription":"par","isTranscribing":true}}`,
		`{"type":"transcriptionUpdate","data":{"transcription":"partial line"}}`,
	)

	snap := e.Snapshot()
	require.Equal(t, "partial line", snap.Transcript)
	require.Empty(t, snap.Live)
	require.True(t, snap.Transcribing, "absent flag leaves the state alone")

	feed(t, e, `{"type":"transcriptionUpdate","data":{"transcription":"partial line","isTranscribing":false}}`)
	require.False(t, e.Snapshot().Transcribing)
	require.Equal(t, []string{"partial line"}, pub.lines, "repeated final is published once")
}

func TestSyncReplies(t *testing.T) {
	e, _, pub := newTestEngine()

	feed(t, e, `{"type":"recognized","data":{"transcription":"local"}}`)
	feed(t, e, `{"type":"transcriptionState","data":{"transcription":"live now","isTranscribing":true}}`)

	snap := e.Snapshot()
	require.Equal(t, "live now", snap.Live)
	require.Equal(t, "local", snap.Transcript)
	require.True(t, snap.Transcribing)

	feed(t, e, `{"type":"recognizedState","data":{"transcription":"line one\nline two","isTranscribing":true}}`)
	snap = e.Snapshot()
	require.Equal(t, "line one\nline two", snap.Transcript)
	require.Equal(t, []string{"local"}, pub.lines, "resync is never published")
}

func TestReadyTriggersStateSync(t *testing.T) {
	e, sender, _ := newTestEngine()
	require.Equal(t, PhaseNotReady, e.Snapshot().Phase)

	feed(t, e, `{"type":"ready","data":{"source":"injected"}}`)

	require.Equal(t, PhaseIdle, e.Snapshot().Phase)
	require.Equal(t, []string{CmdGetTranscriptionState, CmdGetRecognizedState}, sender.types(t))
}

func TestErrorMovesToIdle(t *testing.T) {
	e, _, _ := newTestEngine()
	feed(t, e,
		`{"type":"ready"}`,
		`{"type":"transcriptionStarted"}`,
	)
	require.Equal(t, PhaseTranscribing, e.Snapshot().Phase)

	err := e.HandleRaw([]byte(`{"type":"error","data":{"error":"mic denied","details":{"code":7}}}`))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "mic denied", perr.Reason)
	require.JSONEq(t, `{"code":7}`, string(perr.Details))
	require.Equal(t, PhaseIdle, e.Snapshot().Phase)
	require.False(t, e.Closed(), "errors do not end the session")

	require.NoError(t, e.StartTranscription())
}

func TestErrorBeforeReadyMovesToIdle(t *testing.T) {
	e, _, _ := newTestEngine()
	require.Equal(t, PhaseNotReady, e.Snapshot().Phase)

	err := e.HandleRaw([]byte(`{"type":"error","data":{"error":"no microphone"}}`))
	require.Error(t, err)

	snap := e.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.False(t, snap.Ready, "an error is not a ready announcement")
	require.False(t, snap.Transcribing)
}

func TestUnknownInputIsJournaledAndIgnored(t *testing.T) {
	e, _, _ := newTestEngine()
	feed(t, e, `{"type":"ready"}`)
	before := e.Snapshot()

	feed(t, e, "not json", `{"type":"somethingNew"}`, `[1,2]`)

	require.Equal(t, before, e.Snapshot())
	entries := e.Journal().Entries()
	require.Equal(t, `<- [1,2]`, entries[0].Line)
	require.Equal(t, `<- {"type":"somethingNew"}`, entries[1].Line)
	require.Equal(t, `<- not json`, entries[2].Line)
}

func TestCommandsAreOptimistic(t *testing.T) {
	e, sender, _ := newTestEngine()

	require.NoError(t, e.StartTranscription())
	require.True(t, e.Snapshot().Transcribing)

	require.NoError(t, e.StopTranscription())
	require.False(t, e.Snapshot().Transcribing)

	require.Equal(t, []string{CmdStartTranscription, CmdStopTranscription}, sender.types(t))
}

func TestSendFailureIsReturned(t *testing.T) {
	e, sender, _ := newTestEngine()
	sender.err = errors.New("socket closed")

	err := e.SyncState()
	require.ErrorIs(t, err, sender.err)
	require.Contains(t, err.Error(), CmdGetTranscriptionState)
	require.Contains(t, err.Error(), CmdGetRecognizedState)
}

func TestMessagesAfterCloseAreIgnored(t *testing.T) {
	e, sender, pub := newTestEngine()
	feed(t, e, `{"type":"recognized","data":{"transcription":"before"}}`)

	e.Close()
	feed(t, e,
		`{"type":"recognized","data":{"transcription":"late"}}`,
		`{"type":"ready"}`,
	)
	require.NoError(t, e.HandleRaw([]byte(`{"type":"error","data":{"error":"late"}}`)))

	require.Equal(t, "before", e.Snapshot().Transcript)
	require.Equal(t, []string{"before"}, pub.lines)
	require.Empty(t, sender.sent)
	require.ErrorIs(t, e.StartTranscription(), ErrClosed)
	require.ErrorIs(t, e.SyncState(), ErrClosed)
}

func TestAwaitingReplySince(t *testing.T) {
	e, _, _ := newTestEngine()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }

	_, waiting := e.AwaitingReplySince()
	require.False(t, waiting)

	require.NoError(t, e.SyncState())
	since, waiting := e.AwaitingReplySince()
	require.True(t, waiting)
	require.Equal(t, clock, since)

	clock = clock.Add(time.Second)
	require.NoError(t, e.StartTranscription())
	since, _ = e.AwaitingReplySince()
	require.Equal(t, clock.Add(-time.Second), since, "oldest unanswered command wins")

	feed(t, e, `{"type":"transcriptionState","data":{"isTranscribing":true}}`)
	_, waiting = e.AwaitingReplySince()
	require.False(t, waiting)
}

func TestHandleTypedMessage(t *testing.T) {
	e, _, _ := newTestEngine()
	text := "typed"

	require.NoError(t, e.Handle(Recognized{Transcription: &text, Transcribing: true}))
	require.Equal(t, "typed", e.Snapshot().Transcript)
	require.True(t, strings.HasPrefix(e.Journal().Entries()[0].Line, "<- recognized"))
}

func TestSnapshotJSON(t *testing.T) {
	e, _, _ := newTestEngine()
	feed(t, e, `{"type":"ready"}`)

	raw, err := json.Marshal(e.Snapshot())
	require.NoError(t, err)
	require.JSONEq(t, `{"phase":"idle","ready":true,"transcribing":false,"live":"","transcript":""}`, string(raw))
}
