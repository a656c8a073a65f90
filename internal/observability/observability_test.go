package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestJournalKeepsNewestFirst(t *testing.T) {
	j := NewJournal(3)
	for i := 1; i <= 5; i++ {
		j.Record(fmt.Sprintf("line %d", i))
	}

	entries := j.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "line 5", entries[0].Line)
	require.Equal(t, "line 4", entries[1].Line)
	require.Equal(t, "line 3", entries[2].Line)
}

func TestJournalEntriesIsACopy(t *testing.T) {
	j := NewJournal(2)
	j.Record("a")

	entries := j.Entries()
	entries[0].Line = "mutated"
	require.Equal(t, "a", j.Entries()[0].Line)
}

func TestJournalDefaultLimit(t *testing.T) {
	j := NewJournal(0)
	for i := 0; i < 250; i++ {
		j.Record("x")
	}
	require.Equal(t, 200, j.Len())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "debug", parseLevel("DEBUG").String())
	require.Equal(t, "warn", parseLevel(" warn ").String())
	require.Equal(t, "info", parseLevel("nonsense").String())
	require.Equal(t, "info", parseLevel("").String())
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("component", "relay").Logger()

	logger := WithCorrelationID(base, "session-1")
	logger.Info().Msg("paired")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "session-1", line["correlation_id"])
	require.Equal(t, "relay", line["component"])

	buf.Reset()
	logger = WithCorrelationID(base, "")
	logger.Info().Msg("generated")
	line = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.NotEmpty(t, line["correlation_id"])
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheckFunc
		wantStatus int
		wantState  string
	}{
		{
			name: "all healthy",
			checks: map[string]HealthCheckFunc{
				"mqtt": func(ctx context.Context) (bool, error) { return true, nil },
			},
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name: "one failing",
			checks: map[string]HealthCheckFunc{
				"mqtt":  func(ctx context.Context) (bool, error) { return false, errors.New("broker unreachable") },
				"other": func(ctx context.Context) (bool, error) { return true, nil },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(time.Second, tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tt.wantState, body.Status)
			require.Len(t, body.Dependencies, len(tt.checks))
		})
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, serviceName, body.Service)
}

func TestSessionMetricsEndIsIdempotent(t *testing.T) {
	m := NewSessionMetrics("s-1")
	m.RecordSessionStart()
	m.RecordSessionEnd()
	m.RecordSessionEnd()
	require.True(t, m.ended)
}
