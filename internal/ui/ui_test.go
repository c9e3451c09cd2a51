package ui

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"/api/farmers/1234", 8, "/api/fa…"},
		{"ñandú-ñandú", 3, "ña…"},
		{"x", 0, "x"},
		{"abc", 1, "…"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRenderTable(t *testing.T) {
	out := RenderTable([]string{"ID", "PATH"}, [][]string{{"op-1", "/api/farmers"}})
	for _, want := range []string{"ID", "PATH", "op-1", "/api/farmers"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderKeepsText(t *testing.T) {
	for _, fn := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted, RenderBold} {
		if got := fn("done"); !strings.Contains(got, "done") {
			t.Errorf("rendered text lost: %q", got)
		}
	}
}

func TestDisableColor(t *testing.T) {
	DisableColor()
	if got := RenderWarn("queued"); got != "queued" {
		t.Errorf("RenderWarn with color disabled = %q, want plain text", got)
	}
}

func TestColorDisabled(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "")
	t.Setenv("NO_COLOR", "1")
	if !ColorDisabled() {
		t.Error("NO_COLOR=1 should disable color")
	}
}
