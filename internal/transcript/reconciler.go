// Package transcript accumulates finalised transcription lines for the active
// session and forwards each one to the session topic.
package transcript

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/topic"
)

const separator = "\n"

// Publisher is the slice of the bus connection the reconciler needs.
type Publisher interface {
	Connected() bool
	Publish(topic, payload string) error
}

// Outcome says what Append did with a line.
type Outcome int

const (
	// Ignored lines were blank.
	Ignored Outcome = iota
	// Duplicate lines repeated the previous final line and were dropped.
	Duplicate
	// Kept lines were accumulated but not published (no connection or no topic).
	Kept
	// Published lines were accumulated and published.
	Published
	// Failed lines were accumulated but the publish failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Duplicate:
		return "duplicate"
	case Kept:
		return "skipped"
	case Published:
		return "published"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Reconciler holds the accumulated transcript of one session.
type Reconciler struct {
	pub    Publisher
	topic  string
	logger zerolog.Logger

	mu   sync.Mutex
	text string
	last string
}

// New returns an empty reconciler publishing on topic through pub.
// A nil pub or topic.None keeps lines local.
func New(pub Publisher, sessionTopic string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		pub:    pub,
		topic:  sessionTopic,
		logger: logger,
	}
}

// Append adds a finalised line. Blank lines and an exact repeat of the
// previous line are dropped. The line is published only when the connection
// is live and a topic is set; unpublished lines are not queued. A publish
// failure is returned but the line stays in the transcript.
func (r *Reconciler) Append(line string) (Outcome, error) {
	if strings.TrimSpace(line) == "" {
		return Ignored, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.text != "" && line == r.last {
		observability.RecordTranscriptLine(Duplicate.String())
		r.logger.Debug().Str("line", line).Msg("Dropping repeated final line")
		return Duplicate, nil
	}

	if r.text == "" {
		r.text = line
	} else {
		r.text += separator + line
	}
	r.last = line

	outcome, err := r.publishLocked(line)
	observability.RecordTranscriptLine(outcome.String())
	return outcome, err
}

func (r *Reconciler) publishLocked(line string) (Outcome, error) {
	if r.pub == nil || r.topic == topic.None || !r.pub.Connected() {
		return Kept, nil
	}
	if err := r.pub.Publish(r.topic, line); err != nil {
		r.logger.Warn().Err(err).Str("topic", r.topic).Msg("Failed to publish transcript line")
		return Failed, fmt.Errorf("publish transcript line: %w", err)
	}
	return Published, nil
}

// Replace overwrites the transcript with an authoritative value from the
// surface. Nothing is published.
func (r *Reconciler) Replace(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.text = text
	if i := strings.LastIndex(text, separator); i >= 0 {
		r.last = text[i+len(separator):]
	} else {
		r.last = text
	}
}

// Text returns the accumulated transcript.
func (r *Reconciler) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Lines returns the accumulated transcript split into lines.
func (r *Reconciler) Lines() []string {
	text := r.Text()
	if text == "" {
		return nil
	}
	return strings.Split(text, separator)
}

// Topic returns the topic lines are published on.
func (r *Reconciler) Topic() string {
	return r.topic
}
