package logger

import (
	"bytes"
	"strings"
	"testing"
)

func initBuffer(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	err := Init(Config{
		Level:   level,
		Format:  FormatText,
		Outputs: []OutputConfig{{Type: OutputStdout, Writer: buf}},
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { Shutdown() })
	return buf
}

func TestLogger_InitAndGet(t *testing.T) {
	t.Setenv(LevelEnv, "")
	buf := initBuffer(t, LevelInfo)

	Get().Info("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("log output missing message: %s", buf.String())
	}
}

func TestLogger_InitTwice(t *testing.T) {
	initBuffer(t, LevelInfo)

	if err := Init(Config{}); err == nil {
		t.Error("second Init() should fail")
	}
}

func TestLogger_LevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "debug")
	buf := initBuffer(t, LevelError)

	Get().Debug("verbose")

	if !strings.Contains(buf.String(), "verbose") {
		t.Errorf("env level should override config: %q", buf.String())
	}
}

func TestLogger_NullLogger(t *testing.T) {
	Shutdown()

	l := Get()
	if _, ok := l.(*NullLogger); !ok {
		t.Fatalf("expected NullLogger before Init, got %T", l)
	}
	// must not panic
	l.Info("dropped")
	l.With("k", "v").Error("dropped")
}

func TestLogger_With(t *testing.T) {
	t.Setenv(LevelEnv, "")
	buf := initBuffer(t, LevelInfo)

	With("component", "mirror").Info("message")

	if !strings.Contains(buf.String(), "component=mirror") {
		t.Errorf("output missing context: %s", buf.String())
	}
}

func TestLogger_Shutdown(t *testing.T) {
	initBuffer(t, LevelInfo)

	if err := Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
	if err := Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestPlainLogger(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewPlainLoggerTo(LevelInfo, &out, &errOut)

	l.Debug("hidden")
	l.With("task_id", "t1").Info("started", "simulate", true)
	l.Warn("slow", "odd")

	if strings.Contains(out.String(), "hidden") {
		t.Error("debug should be filtered at info level")
	}
	if got := out.String(); got != "[INFO] started task_id=t1 simulate=true\n" {
		t.Errorf("unexpected info line %q", got)
	}
	if got := errOut.String(); got != "[WARN] slow !BADKEY=odd\n" {
		t.Errorf("unexpected warn line %q", got)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if ParseLevel("WARNING") != LevelWarn || ParseLevel("bogus") != LevelInfo {
		t.Error("unexpected ParseLevel result")
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("") != FormatText {
		t.Error("unexpected ParseFormat result")
	}
	if LevelError.String() != "error" || Level(9).String() != "unknown" {
		t.Error("unexpected level names")
	}
}
