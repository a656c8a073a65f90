// Package bridge speaks the JSON protocol of the embedded content surface
// that performs transcription.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeReady                = "ready"
	TypeTranscriptionStarted = "transcriptionStarted"
	TypeRecognizing          = "recognizing"
	TypeRecognized           = "recognized"
	TypeTranscriptionStopped = "transcriptionStopped"
	TypeTranscriptionState   = "transcriptionState"
	TypeRecognizedState      = "recognizedState"
	TypeTranscriptionUpdate  = "transcriptionUpdate"
	TypeError                = "error"
	TypeUnknown              = "unknown"
)

// Message is one inbound bridge message. The concrete types below are the
// only implementations.
type Message interface {
	Type() string
	isMessage()
}

// Ready announces that the surface can take commands.
type Ready struct {
	Source string
}

// TranscriptionStarted confirms that recognition is running.
type TranscriptionStarted struct {
	Note string
}

// Recognizing carries an in-progress partial result.
type Recognizing struct {
	Transcription *string
	Transcribing  bool
}

// Recognized carries a final result for one line.
type Recognized struct {
	Transcription *string
	Transcribing  bool
}

// TranscriptionStopped confirms that recognition ended and carries the
// authoritative transcript.
type TranscriptionStopped struct {
	Note          string
	Transcription *string
}

// TranscriptionState answers getTranscriptionState with the live fragment.
type TranscriptionState struct {
	Transcription *string
	Transcribing  bool
}

// RecognizedState answers getRecognizedState with the full transcript.
type RecognizedState struct {
	Transcription *string
	Transcribing  bool
}

// TranscriptionUpdate carries a final line. Transcribing is nil when the
// surface did not say.
type TranscriptionUpdate struct {
	Transcription *string
	Transcribing  *bool
}

// Error is a failure reported by the surface.
type Error struct {
	Reason  string
	Details json.RawMessage
}

// Unknown wraps anything else: malformed text, a non-object, or an
// unrecognised type. Raw is the inbound text as received.
type Unknown struct {
	Kind string
	Raw  string
}

func (Ready) Type() string                { return TypeReady }
func (TranscriptionStarted) Type() string { return TypeTranscriptionStarted }
func (Recognizing) Type() string          { return TypeRecognizing }
func (Recognized) Type() string           { return TypeRecognized }
func (TranscriptionStopped) Type() string { return TypeTranscriptionStopped }
func (TranscriptionState) Type() string   { return TypeTranscriptionState }
func (RecognizedState) Type() string      { return TypeRecognizedState }
func (TranscriptionUpdate) Type() string  { return TypeTranscriptionUpdate }
func (Error) Type() string                { return TypeError }
func (Unknown) Type() string              { return TypeUnknown }

func (Ready) isMessage()                {}
func (TranscriptionStarted) isMessage() {}
func (Recognizing) isMessage()          {}
func (Recognized) isMessage()           {}
func (TranscriptionStopped) isMessage() {}
func (TranscriptionState) isMessage()   {}
func (RecognizedState) isMessage()      {}
func (TranscriptionUpdate) isMessage()  {}
func (Error) isMessage()                {}
func (Unknown) isMessage()              {}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type payload struct {
	Transcription  json.RawMessage `json:"transcription"`
	IsTranscribing json.RawMessage `json:"isTranscribing"`
	Message        string          `json:"message"`
	Source         string          `json:"source"`
	Error          string          `json:"error"`
	Details        json.RawMessage `json:"details"`
}

// Decode parses inbound text. It never fails: text that is not a JSON object
// with a known type becomes Unknown. Payload fields of the wrong JSON type
// are treated as absent.
func Decode(raw []byte) Message {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unknown{Raw: string(raw)}
	}

	var p payload
	if len(env.Data) > 0 {
		// Type mismatches leave the affected field zero; the rest still decode.
		_ = json.Unmarshal(env.Data, &p)
	}
	text := optional[string](p.Transcription)
	transcribing := optional[bool](p.IsTranscribing)

	switch env.Type {
	case TypeReady:
		return Ready{Source: p.Source}
	case TypeTranscriptionStarted:
		return TranscriptionStarted{Note: p.Message}
	case TypeRecognizing:
		return Recognizing{Transcription: text, Transcribing: flag(transcribing)}
	case TypeRecognized:
		return Recognized{Transcription: text, Transcribing: flag(transcribing)}
	case TypeTranscriptionStopped:
		return TranscriptionStopped{Note: p.Message, Transcription: text}
	case TypeTranscriptionState:
		return TranscriptionState{Transcription: text, Transcribing: flag(transcribing)}
	case TypeRecognizedState:
		return RecognizedState{Transcription: text, Transcribing: flag(transcribing)}
	case TypeTranscriptionUpdate:
		return TranscriptionUpdate{Transcription: text, Transcribing: transcribing}
	case TypeError:
		return Error{Reason: p.Error, Details: p.Details}
	default:
		return Unknown{Kind: env.Type, Raw: string(raw)}
	}
}

// optional decodes raw as a T, returning nil when it is absent, null or of
// another JSON type.
func optional[T any](raw json.RawMessage) *T {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func flag(b *bool) bool {
	return b != nil && *b
}

// ProtocolError is returned by Engine.Handle for an error message. It does
// not end the session.
type ProtocolError struct {
	Reason  string
	Details json.RawMessage
}

func (e *ProtocolError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("bridge error: %s", e.Reason)
	}
	return fmt.Sprintf("bridge error: %s (%s)", e.Reason, e.Details)
}
