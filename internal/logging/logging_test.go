package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerToWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "debug"}, &buf)
	logger.Debug().Str("component", "collateral").Msg("refreshed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "collateral" || line["message"] != "refreshed" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatal("timestamp missing")
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "nonsense"}, &buf)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatal("debug line should be filtered")
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Format: "console"}, &buf)
	logger.Info().Msg("status changed")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "status changed") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
