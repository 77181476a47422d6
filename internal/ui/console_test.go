package ui

import (
	"io"
	"os"
	"strings"
	"testing"
)

// captureStdout runs fn and returns what it wrote to stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to read captured output: %v", err)
	}
	return string(out)
}

func TestFormatMessage_NoColors(t *testing.T) {
	c := &Console{useColors: false}

	msg := c.formatMessage(StyleError, "something failed")
	if msg != "something failed" {
		t.Errorf("formatMessage without colors = %q, want plain message", msg)
	}
}

func TestFormatMessage_WithColors(t *testing.T) {
	c := &Console{useColors: true}

	tests := []struct {
		style ConsoleStyle
		color string
	}{
		{StyleError, colorRed},
		{StyleWarning, colorYellow},
		{StyleSuccess, colorGreen},
		{StyleInfo, colorBlue},
	}

	for _, tt := range tests {
		msg := c.formatMessage(tt.style, "text")
		if !strings.HasPrefix(msg, tt.color) {
			t.Errorf("style %d: message %q missing color prefix", tt.style, msg)
		}
		if !strings.HasSuffix(msg, colorReset) {
			t.Errorf("style %d: message %q missing reset suffix", tt.style, msg)
		}
	}

	// Normal style passes through untouched.
	if msg := c.formatMessage(StyleNormal, "plain"); msg != "plain" {
		t.Errorf("StyleNormal = %q, want plain", msg)
	}
}

func TestPrintNodeState(t *testing.T) {
	c := &Console{useColors: true}

	tests := []struct {
		state string
		color string
	}{
		{"Healthy", colorGreen},
		{"Stopped", colorGreen},
		{"Failed", colorRed + colorBold},
		{"SkippedDueToDependencyFailure", colorRed + colorBold},
		{"Building", colorYellow},
		{"WaitingHealthy", colorYellow},
	}

	for _, tt := range tests {
		out := captureStdout(t, func() {
			c.PrintNodeState("db", tt.state, "")
		})
		if !strings.HasPrefix(out, tt.color) {
			t.Errorf("state %s: output %q missing color prefix", tt.state, out)
		}
		if !strings.Contains(out, "db") || !strings.Contains(out, tt.state) {
			t.Errorf("state %s: output %q missing service or state", tt.state, out)
		}
	}
}

func TestPrintNodeState_Detail(t *testing.T) {
	c := &Console{useColors: false}

	out := captureStdout(t, func() {
		c.PrintNodeState("api", "Healthy", "settled")
	})
	if !strings.Contains(out, "(settled)") {
		t.Errorf("output %q missing detail", out)
	}

	out = captureStdout(t, func() {
		c.PrintNodeState("api", "Healthy", "")
	})
	if strings.Contains(out, "(") {
		t.Errorf("output %q has empty detail parens", out)
	}
}

func TestFormatErrorMessage(t *testing.T) {
	c := NewConsole()

	msg := c.FormatErrorMessage("Build failed", "exit status 2", "Check the Dockerfile")
	lines := strings.Split(msg, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), msg)
	}
	if lines[0] != "Build failed" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "Cause: exit status 2" {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "Suggestion: Check the Dockerfile" {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestFormatErrorMessage_PartialFields(t *testing.T) {
	c := NewConsole()

	if msg := c.FormatErrorMessage("Only context", "", ""); msg != "Only context" {
		t.Errorf("context-only message = %q", msg)
	}
	if msg := c.FormatErrorMessage("", "", ""); msg != "" {
		t.Errorf("empty message = %q", msg)
	}
}
