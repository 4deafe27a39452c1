package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestOrNopHandlesNil(t *testing.T) {
	l := OrNop(nil)
	if l == nil || l.Logger == nil {
		t.Fatalf("expected a usable logger")
	}
	l.Info("discarded")
}

func TestWithKeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := (&Logger{Logger: zap.New(core)}).With(zap.String("table", "thread"))
	l.Info("applied")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["table"] != "thread" {
		t.Fatalf("expected table field, got %+v", entries[0].ContextMap())
	}
}
