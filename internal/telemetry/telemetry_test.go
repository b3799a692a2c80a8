package telemetry_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"stageline/internal/telemetry"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	log := telemetry.NewLoggerTo(&buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})
	log.Debug().Str("stage", "research").Msg("stage completed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["stage"] != "research" || line["message"] != "stage completed" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"DEBUG": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"off":   zerolog.Disabled,
	}
	for in, want := range cases {
		if got := telemetry.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsCounters(t *testing.T) {
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	m.StageExecuted("research", "completed", 10*time.Millisecond)
	m.StageExecuted("research", "completed", 10*time.Millisecond)
	m.GateReached("brand-voice")

	count, err := testutil.GatherAndCount(m.Registry(), "test_stage_executions_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one series, got %d", count)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	m.StageExecuted("a", "failed", time.Second)
	m.GateReached("a")
	m.Approved("a")
	m.Retried("a")
	m.RunFinished("completed")
	if telemetry.NewMetrics(telemetry.MetricsConfig{}) != nil {
		t.Fatal("disabled metrics should be nil")
	}
}
