package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/config"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"nope":  zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestNewWithWriterEmitsServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.Config{LogLevel: "info", LogFormat: "json"}, &buf)
	log.Debug().Msg("hidden")
	log.Info().Str("session_id", "s1").Msg("visible")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (raw %q)", err, buf.String())
	}
	if line["service"] != serviceName {
		t.Fatalf("service = %v, want %q", line["service"], serviceName)
	}
	if line["session_id"] != "s1" {
		t.Fatalf("session_id = %v, want s1", line["session_id"])
	}
}
