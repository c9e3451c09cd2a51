package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	base := time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2026-03-01T08:00:00Z", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"3 days ago", base.AddDate(0, 0, -3)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseWhen(tt.input, base)
			if err != nil {
				t.Fatalf("parseWhen(%q) failed: %v", tt.input, err)
			}
			if got.Year() != tt.want.Year() || got.YearDay() != tt.want.YearDay() {
				t.Errorf("parseWhen(%q) = %v, want day of %v", tt.input, got, tt.want)
			}
		})
	}

	if _, err := parseWhen("not a time at all", base); err == nil {
		t.Error("expected error for unparseable input")
	}
}

func TestPrintStructured(t *testing.T) {
	v := map[string]any{"queued": 2, "online": true}

	var buf bytes.Buffer
	if printStructured(&buf, "text", v) {
		t.Error("text output should be left to the caller")
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output for text: %q", buf.String())
	}

	buf.Reset()
	if !printStructured(&buf, "json", v) {
		t.Fatal("json not handled")
	}
	if !strings.Contains(buf.String(), `"queued": 2`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	if !printStructured(&buf, "yaml", v) {
		t.Fatal("yaml not handled")
	}
	if !strings.Contains(buf.String(), "online: true") {
		t.Errorf("yaml output = %q", buf.String())
	}
}
