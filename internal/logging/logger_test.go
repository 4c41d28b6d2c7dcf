package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCtxAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{})

	ctx := ContextWithCorrelationID(context.Background(), "abc-123")
	Ctx(ctx).Info().Msg("hello")

	if !strings.Contains(buf.String(), `"correlation_id":"abc-123"`) {
		t.Fatalf("missing correlation id in %s", buf.String())
	}
}

func TestSlogLoggerWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Output: &buf})
	defer Init(Config{})

	NewSlogLogger().Info("supervisor event", "service", "pool")

	out := buf.String()
	if !strings.Contains(out, `"service":"pool"`) || !strings.Contains(out, "supervisor event") {
		t.Fatalf("unexpected output %s", out)
	}
}
