package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestParseLevel tests level name mapping
func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"":      logrus.WarnLevel,
		"debug": logrus.DebugLevel,
		"INFO":  logrus.InfoLevel,
		"off":   logrus.PanicLevel,
		"bogus": logrus.WarnLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in, logrus.WarnLevel); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestConsoleSinkLevels tests that the console sink honors its own minimum level
func TestConsoleSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Level: "debug", ConsoleLevel: "warn", Console: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	log := Named("core")
	log.Debug("hidden debug line")
	log.Warn("visible warning")

	out := buf.String()
	if strings.Contains(out, "hidden debug line") {
		t.Errorf("debug line reached console sink: %q", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Errorf("warning missing from console sink: %q", out)
	}
	if !strings.Contains(out, "name=core") {
		t.Errorf("subsystem name missing: %q", out)
	}
}
