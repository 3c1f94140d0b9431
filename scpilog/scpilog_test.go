package scpilog

import (
	"bytes"
	"strings"
	"testing"
)

func TestAddLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("test-filter", &buf, WARN)
	defer DelLogger("test-filter")

	Infof("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("INFO message leaked through a WARN-level sink: %q", buf.String())
	}

	Warnf("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("WARN message missing from sink output: %q", buf.String())
	}
}

func TestSetLevelUnknownLoggerErrors(t *testing.T) {
	if err := SetLevel("no-such-logger", DEBUG); err == nil {
		t.Fatal("expected an error setting the level of an unregistered logger")
	}
}

func TestSetLevelChangesFiltering(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("test-setlevel", &buf, ERROR)
	defer DelLogger("test-setlevel")

	Warnf("filtered out")
	if buf.Len() != 0 {
		t.Fatalf("WARN message leaked through an ERROR-level sink: %q", buf.String())
	}

	if err := SetLevel("test-setlevel", WARN); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	Warnf("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("WARN message missing after lowering sink level: %q", buf.String())
	}
}

func TestDelLoggerStopsOutput(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("test-del", &buf, DEBUG)
	DelLogger("test-del")

	Errorf("should not be recorded")
	if buf.Len() != 0 {
		t.Fatalf("message recorded after DelLogger: %q", buf.String())
	}
}

func TestContextIncludesNameAndFields(t *testing.T) {
	var buf bytes.Buffer
	AddLogger("test-context", &buf, DEBUG)
	defer DelLogger("test-context")

	c := New("dispatch").With("client", "abc123")
	c.Infof("dispatched %s", "SOUR:VOLT?")

	out := buf.String()
	if !strings.Contains(out, "dispatch") {
		t.Fatalf("log output missing context name: %q", out)
	}
	if !strings.Contains(out, "client=abc123") {
		t.Fatalf("log output missing With field: %q", out)
	}
	if !strings.Contains(out, "dispatched SOUR:VOLT?") {
		t.Fatalf("log output missing formatted message: %q", out)
	}
}

func TestContextWithIsImmutable(t *testing.T) {
	base := New("root")
	derived := base.With("a", 1)
	derived2 := derived.With("b", 2)

	var buf bytes.Buffer
	AddLogger("test-immutable", &buf, DEBUG)
	defer DelLogger("test-immutable")

	base.Infof("base message")
	if strings.Contains(buf.String(), "a=1") {
		t.Fatal("base Context was mutated by a derived With call")
	}

	buf.Reset()
	derived2.Infof("derived message")
	out := buf.String()
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=2") {
		t.Fatalf("derived2 should carry both fields, got %q", out)
	}
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Fatalf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
