package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_Levels(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug output to be suppressed, got %q", buf.String())
	}

	New(&buf, true).Debug("shown", "calendar", "c1")
	if !strings.Contains(buf.String(), "calendar=c1") {
		t.Errorf("Expected verbose logger to emit debug attrs, got %q", buf.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	l := Discard()
	if OrDiscard(l) != l {
		t.Error("OrDiscard should return a non-nil logger unchanged")
	}
}
