package tui

import (
	"strings"
	"testing"
)

func TestProgressBar(t *testing.T) {
	bar := progressBar(50, 10)
	if !strings.Contains(bar, "50.0%") {
		t.Errorf("bar = %q", bar)
	}
	if got := strings.Count(bar, "█"); got != 5 {
		t.Errorf("full cells = %d, want 5", got)
	}

	if !strings.Contains(progressBar(150, 10), "100.0%") {
		t.Error("overflow not clamped")
	}
	if !strings.Contains(progressBar(-5, 10), "0.0%") {
		t.Error("underflow not clamped")
	}
}

func TestFormatCount(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{42, "42"},
		{1500, "1.5K"},
		{2_000_000, "2.0M"},
		{3_200_000_000, "3.2B"},
	}
	for _, c := range cases {
		if got := formatCount(c.in); got != c.want {
			t.Errorf("formatCount(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(512); got != "512B" {
		t.Errorf("bytes = %q", got)
	}
	if got := formatBytes(2 << 20); got != "2.0MiB" {
		t.Errorf("mib = %q", got)
	}
}
