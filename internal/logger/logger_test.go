package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q)=%v, want %v", raw, got, want)
		}
	}
}

func TestNewWritesFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Config{Level: "info", Format: "console", File: FileConfig{Enabled: true, Path: dir, Name: "x.log"}})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()
	data, err := os.ReadFile(filepath.Join(dir, "x.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("log file is empty")
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(50)
	logged := 0
	for i := 0; i < 101; i++ {
		if _, ok := th.Allow(); ok {
			logged++
		}
	}
	if logged != 3 {
		t.Fatalf("logged=%d, want 3", logged)
	}
	th.Reset()
	if n, ok := th.Allow(); n != 1 || !ok {
		t.Fatalf("after reset n=%d ok=%v, want 1 true", n, ok)
	}
}
