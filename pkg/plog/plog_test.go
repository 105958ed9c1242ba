package plog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := LevelFromString(in).String(); got != want {
			t.Errorf("LevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestQuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	SetQuiet(true)
	Info("should not appear")
	Warn("should appear")
	SetQuiet(false)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("quiet mode did not suppress info log")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("quiet mode suppressed warn log")
	}
}
