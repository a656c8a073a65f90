package transcript

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []string
}

func (p *fakePublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) Publish(topic, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, topic+"|"+payload)
	return nil
}

const sessionTopic = "sofya-platform/123456/transcriptions"

func TestAppendJoinsWithNewline(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, sessionTopic, zerolog.Nop())

	_, err := r.Append("hello")
	require.NoError(t, err)
	_, err = r.Append("world")
	require.NoError(t, err)

	require.Equal(t, "hello\nworld", r.Text())
	require.Equal(t, []string{"hello", "world"}, r.Lines())
	require.Equal(t, []string{sessionTopic + "|hello", sessionTopic + "|world"}, pub.sent)
}

func TestAppendIgnoresBlank(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, sessionTopic, zerolog.Nop())

	for _, line := range []string{"", " ", "\t\n"} {
		outcome, err := r.Append(line)
		require.NoError(t, err)
		require.Equal(t, Ignored, outcome)
	}
	require.Empty(t, r.Text())
	require.Nil(t, r.Lines())
	require.Empty(t, pub.sent)
}

func TestAppendDropsRepeatedFinal(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, sessionTopic, zerolog.Nop())

	r.Append("same")
	outcome, err := r.Append("same")
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	r.Append("other")
	r.Append("same")

	require.Equal(t, "same\nother\nsame", r.Text())
	require.Len(t, pub.sent, 3)
}

func TestAppendWithoutConnectionKeepsLine(t *testing.T) {
	pub := &fakePublisher{connected: false}
	r := New(pub, sessionTopic, zerolog.Nop())

	outcome, err := r.Append("offline")
	require.NoError(t, err)
	require.Equal(t, Kept, outcome)
	require.Equal(t, "offline", r.Text())
	require.Empty(t, pub.sent)

	// Lines are not queued for later.
	pub.connected = true
	r.Append("online")
	require.Equal(t, []string{sessionTopic + "|online"}, pub.sent)
}

func TestAppendWithoutTopicKeepsLine(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, "", zerolog.Nop())

	outcome, err := r.Append("local")
	require.NoError(t, err)
	require.Equal(t, Kept, outcome)
	require.Empty(t, pub.sent)

	outcome, err = New(nil, sessionTopic, zerolog.Nop()).Append("local")
	require.NoError(t, err)
	require.Equal(t, Kept, outcome)
}

func TestAppendPublishFailureKeepsLine(t *testing.T) {
	down := errors.New("broker down")
	pub := &fakePublisher{connected: true, err: down}
	r := New(pub, sessionTopic, zerolog.Nop())

	outcome, err := r.Append("kept anyway")
	require.ErrorIs(t, err, down)
	require.Equal(t, Failed, outcome)
	require.Equal(t, "kept anyway", r.Text())
}

func TestReplaceOverridesAccumulatedLines(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, sessionTopic, zerolog.Nop())

	r.Append("hello")
	r.Append("wrold")
	r.Replace("final text")

	require.Equal(t, "final text", r.Text())
	require.Len(t, pub.sent, 2, "replace never publishes")

	r.Replace("")
	require.Empty(t, r.Text())
}

func TestReplaceSetsDeduplicationBaseline(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := New(pub, sessionTopic, zerolog.Nop())

	r.Replace("first\nsecond")
	outcome, _ := r.Append("second")
	require.Equal(t, Duplicate, outcome)

	outcome, _ = r.Append("third")
	require.Equal(t, Published, outcome)
	require.Equal(t, "first\nsecond\nthird", r.Text())
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "published", Published.String())
	require.Equal(t, "skipped", Kept.String())
	require.Equal(t, "failed", Failed.String())
	require.Equal(t, "duplicate", Duplicate.String())
	require.Equal(t, "ignored", Ignored.String())
}
