package surface

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/relay"
)

const (
	controlPrefix = ":"
	actionQuit    = "quit"
	maxLineBytes  = 1 << 20
)

// Stdio is a surface speaking newline-delimited JSON. Bridge messages are
// read from the input, commands are written to out, one per line. Lines
// starting with ":" are control actions (:start, :stop, :sync, :state,
// :quit) whose results are written to status.
type Stdio struct {
	relay  *relay.Relay
	logger zerolog.Logger

	writeMu sync.Mutex
	out     io.Writer

	statusMu sync.Mutex
	status   io.Writer

	inbound chan []byte
}

// NewStdio creates a stdio surface. Nothing is read until Serve.
func NewStdio(rl *relay.Relay, out, status io.Writer, logger zerolog.Logger) *Stdio {
	return &Stdio{
		relay:   rl,
		logger:  logger,
		out:     out,
		status:  status,
		inbound: make(chan []byte, inboundQueue),
	}
}

func (s *Stdio) Inbound() <-chan []byte {
	return s.inbound
}

// Send writes payload as one line.
func (s *Stdio) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(s.out, "\n")
	return err
}

// Serve reads in until EOF or :quit, then closes Inbound. Call it once.
func (s *Stdio) Serve(in io.Reader) {
	defer close(s.inbound)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if action, ok := strings.CutPrefix(line, controlPrefix); ok {
			if action == actionQuit {
				return
			}
			s.control(action)
			continue
		}
		s.inbound <- []byte(line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Stopped reading surface input")
	}
}

type controlReply struct {
	Action string `json:"action"`
	State  *State `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Stdio) control(action string) {
	reply := controlReply{Action: action}
	state, err := Control(s.relay, action)
	if err != nil {
		reply.Error = err.Error()
	}
	if state.SessionID != "" {
		reply.State = &state
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if err := json.NewEncoder(s.status).Encode(reply); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write control reply")
	}
}
