package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "settlement", zerolog.WarnLevel)

	logger.Info().Msg("hidden")
	logger.Warn().Int64("sequence", 7).Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "settlement", line["component"])
	assert.Equal(t, "shown", line["message"])
	assert.EqualValues(t, 7, line["sequence"])
	assert.Contains(t, line, "time")
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker()

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec
	}

	assert.False(t, h.IsReady())
	assert.Equal(t, http.StatusServiceUnavailable, get().Code)

	h.SetReady(true)
	assert.True(t, h.IsReady())
	assert.Equal(t, http.StatusOK, get().Code)

	var down error = errors.New("connection refused")
	h.AddProbe("postgres", func() error { return down })
	assert.False(t, h.IsReady())

	rec := get()
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status  string            `json:"status"`
		Failing map[string]string `json:"failing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "connection refused", body.Failing["postgres"])

	down = nil
	assert.True(t, h.IsReady())
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BetsPlaced.Inc()
	m.BetsSettled.WithLabelValues("win").Inc()
	m.TreasuryBalance.Set(9_000_000)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BetsPlaced))
	assert.Equal(t, 9_000_000.0, testutil.ToFloat64(m.TreasuryBalance))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second registration on the same registry collides.
	assert.Panics(t, func() { NewMetrics(reg) })
}
