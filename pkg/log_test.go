package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message")
	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("log output missing message: %s", buf.String())
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	if logger == nil {
		t.Fatal("NewJSONLogger returned nil")
	}

	logger.Info("test message")
	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("JSON log output missing message: %s", output)
	}
}

func TestNewLogger_FollowsLogLevel(t *testing.T) {
	level := GetLogLevel()
	defer SetLogLevel(level)

	var buf bytes.Buffer
	logger := NewLogger(&buf, nil)

	SetLogLevel(slog.LevelWarn)
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(buf.String(), "quiet") {
		t.Errorf("info record passed a warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "loud") {
		t.Errorf("warn record missing: %s", buf.String())
	}

	SetLogLevel(slog.LevelInfo)
	logger.Info("now heard")
	if !strings.Contains(buf.String(), "now heard") {
		t.Errorf("nil options did not track SetLogLevel: %s", buf.String())
	}
}

func TestComponents(t *testing.T) {
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	tests := []struct {
		component Component
		want      string
	}{
		{ComponentHCD, "hcd"},
		{ComponentEnum, "enum"},
		{ComponentHub, "hub"},
		{ComponentUHCI, "uhci"},
		{ComponentOHCI, "ohci"},
		{ComponentEHCI, "ehci"},
		{ComponentXHCI, "xhci"},
		{ComponentPCI, "pci"},
		{ComponentPMem, "pmem"},
		{ComponentSim, "sim"},
		{ComponentKbd, "kbd"},
		{ComponentCLI, "cli"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			var buf bytes.Buffer
			SetLogger(NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
			LogWarn(tt.component, "tagged", "port", 2)
			output := buf.String()
			if !strings.Contains(output, `"component":"`+tt.want+`"`) {
				t.Errorf("record missing component %q: %s", tt.want, output)
			}
			if !strings.Contains(output, `"port":2`) {
				t.Errorf("record missing attribute: %s", output)
			}
		})
	}
}

func TestLogDebug(t *testing.T) {
	var buf bytes.Buffer
	original, level := DefaultLogger, GetLogLevel()
	defer func() {
		DefaultLogger = original
		SetLogLevel(level)
	}()

	SetLogLevel(slog.LevelDebug)
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentEnum, "debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("debug log missing message: %s", output)
	}
	if !strings.Contains(output, "component=enum") {
		t.Errorf("debug log missing component: %s", output)
	}
}

func TestLogInfo(t *testing.T) {
	var buf bytes.Buffer

	original, level := DefaultLogger, GetLogLevel()
	defer func() {
		DefaultLogger = original
		SetLogLevel(level)
	}()

	SetLogLevel(slog.LevelInfo)
	SetLogger(NewLogger(&buf, nil))

	LogInfo(ComponentHCD, "info message")
	output := buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("info log missing message: %s", output)
	}
	if !strings.Contains(output, "component=hcd") {
		t.Errorf("info log missing component: %s", output)
	}
}

func TestLogWarn(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogWarn(ComponentXHCI, "warn message")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("warn log missing message: %s", output)
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, nil))

	LogError(ComponentPCI, "error message")
	output := buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("error log missing message: %s", output)
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	customLogger := NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	SetLogger(customLogger)

	LogInfo(ComponentKbd, "custom logger test")
	if !strings.Contains(buf.String(), "custom logger test") {
		t.Error("custom logger not used")
	}
}

func TestSetVerbose(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()
	defer SetVerbose(ComponentKbd, false)

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	LogDebug(ComponentKbd, "hidden report")
	if strings.Contains(buf.String(), "hidden report") {
		t.Fatalf("debug record emitted at info level: %s", buf.String())
	}

	if IsVerbose(ComponentKbd) {
		t.Fatal("IsVerbose() = true before SetVerbose")
	}
	SetVerbose(ComponentKbd, true)
	if !IsVerbose(ComponentKbd) {
		t.Fatal("IsVerbose() = false after SetVerbose(true)")
	}
	LogDebug(ComponentKbd, "promoted report")
	output := buf.String()
	if !strings.Contains(output, "promoted report") {
		t.Errorf("promoted debug record missing: %s", output)
	}
	if !strings.Contains(output, "level=INFO") {
		t.Errorf("promoted record not at info level: %s", output)
	}

	LogDebug(ComponentEnum, "other component")
	if strings.Contains(buf.String(), "other component") {
		t.Errorf("non-verbose component promoted: %s", buf.String())
	}
}

func TestSetVerbose_Off(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	SetVerbose(ComponentHub, true)
	SetVerbose(ComponentHub, false)
	if IsVerbose(ComponentHub) {
		t.Fatal("IsVerbose() = true after SetVerbose(false)")
	}
	LogDebug(ComponentHub, "port status")
	if strings.Contains(buf.String(), "port status") {
		t.Errorf("debug record emitted after verbose was cleared: %s", buf.String())
	}

	LogInfo(ComponentHub, "info stays")
	if !strings.Contains(buf.String(), "info stays") {
		t.Errorf("info record missing: %s", buf.String())
	}
}
