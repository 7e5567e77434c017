package debuglog

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedf(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := SetLogger(zap.New(core))
	defer restore()

	for i := 0; i < 5; i++ {
		RateLimitedf("test:key", time.Hour, "bad mac from %d", 3)
	}
	if n := logs.FilterMessage("bad mac from 3").Len(); n != 1 {
		t.Fatalf("expected one rate limited entry, got %d", n)
	}
	RateLimitedf("", time.Hour, "dropped")
	if logs.FilterMessage("dropped").Len() != 0 {
		t.Fatalf("empty key must not log")
	}
}

func TestLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := SetLogger(zap.New(core))
	defer restore()

	Debugf("hidden")
	Logf("info %d", 1)
	Warnf("warn")
	Errorf("error")
	if logs.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", logs.Len())
	}
	if logs.All()[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected level %v", logs.All()[1].Level)
	}
}
