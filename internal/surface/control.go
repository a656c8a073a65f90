package surface

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sofya/companion-bridge/internal/bridge"
	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/relay"
)

// ErrNoSession is returned by control actions while nothing is paired.
var ErrNoSession = errors.New("no active session")

// Control actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
	ActionSync  = "sync"
	ActionState = "state"
)

// State is what the control surface reports about the running session.
type State struct {
	SessionID string                       `json:"session_id"`
	Topic     string                       `json:"topic"`
	Connected bool                         `json:"connected"`
	Bridge    bridge.Snapshot              `json:"bridge"`
	Journal   []observability.JournalEntry `json:"journal,omitempty"`
}

// Control runs action against the active session and returns its state.
// The state action also returns the traffic journal.
func Control(rl *relay.Relay, action string) (State, error) {
	active, ok := rl.Current()
	if !ok {
		return State{}, ErrNoSession
	}

	var err error
	switch action {
	case ActionStart:
		err = active.Engine.StartTranscription()
	case ActionStop:
		err = active.Engine.StopTranscription()
	case ActionSync:
		err = active.Engine.SyncState()
	case ActionState:
	default:
		return State{}, fmt.Errorf("unknown action %q", action)
	}

	state := State{
		SessionID: active.Session.ID(),
		Topic:     active.Session.Topic(),
		Connected: active.Session.Connected(),
		Bridge:    active.Engine.Snapshot(),
	}
	if action == ActionState {
		state.Journal = active.Engine.Journal().Entries()
	}
	return state, err
}

// HandleControl serves POST /transcription/{start,stop,sync} and
// GET /transcription.
func HandleControl(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transcription"), "/")
		if action == "" {
			action = ActionState
		}

		wantMethod := http.MethodPost
		if action == ActionState {
			wantMethod = http.MethodGet
		}
		if r.Method != wantMethod {
			w.Header().Set("Allow", wantMethod)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		state, err := Control(rl, action)
		switch {
		case errors.Is(err, ErrNoSession):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, bridge.ErrClosed):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil && state.SessionID == "":
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "state": state})
			return
		}

		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusAccepted
		}
		writeJSON(w, status, state)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
