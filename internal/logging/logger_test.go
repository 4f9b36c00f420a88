package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cortexuvula/omnibridge/internal/config"
)

func TestSetupStdout(t *testing.T) {
	lj := Setup(config.LoggingConfig{Level: "info", Format: "json"})
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}
	slog.Info("test message", "key", "value")
}

func TestSetupTextFormat(t *testing.T) {
	lj := Setup(config.LoggingConfig{Level: "debug", Format: "text"})
	if lj != nil {
		t.Error("expected nil lumberjack logger for stdout")
	}
	slog.Debug("debug message should appear")
}

func TestSetupFileLogging(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	lj := Setup(config.LoggingConfig{
		Level: "info", Format: "json", File: logFile,
		MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 7,
	})
	if lj == nil {
		t.Fatal("expected lumberjack logger for file output")
	}
	defer lj.Close()

	slog.Info("file log test", "key", "value")

	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Error("log file is empty")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default fallback
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
