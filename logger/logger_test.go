package logger

import (
	"os"
	"testing"
	"time"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestWithExchange(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("connector").WithExchange("okx")
	if entry.Entry.Data["exchange"] != "okx" || entry.Entry.Data["component"] != "connector" {
		t.Fatalf("scoped fields missing: %v", entry.Entry.Data)
	}
}

func TestWarnCountsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(os.Stderr)
	before := Counters()["counter_test"]

	log.WithComponent("counter_test").Warn("first")
	log.WithComponent("counter_test").Error("second")
	log.WithComponent("counter_test").Warnf("third %d", 3)
	log.WithExchange("okx").Warn("no component")

	after := Counters()["counter_test"]
	if after.Warns != before.Warns+2 || after.Errors != before.Errors+1 {
		t.Fatalf("unexpected counts: before=%+v after=%+v", before, after)
	}
}

func TestLimiterSuppressesWithinWindow(t *testing.T) {
	l := NewLimiter(10 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if ok, _ := l.Allow("conn"); !ok {
		t.Fatalf("first record should pass")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("conn"); ok {
			t.Fatalf("record %d inside window should be suppressed", i)
		}
	}
	if ok, _ := l.Allow("other"); !ok {
		t.Fatalf("independent key should pass")
	}

	now = now.Add(11 * time.Second)
	ok, suppressed := l.Allow("conn")
	if !ok {
		t.Fatalf("record after window should pass")
	}
	if suppressed != 3 {
		t.Fatalf("expected 3 suppressed, got %d", suppressed)
	}
}

func TestLimiterZeroWindow(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatalf("zero window must admit every record")
		}
	}
}
