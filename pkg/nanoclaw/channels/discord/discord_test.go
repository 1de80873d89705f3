package discord

import (
	"strings"
	"testing"
)

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("short message should not split: %v", chunks)
	}
}

func TestSplitMessageLong(t *testing.T) {
	lines := strings.Repeat("line of some length here\n", 200)
	chunks := splitMessage(lines, 2000)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	var total int
	for _, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk exceeds limit: %d bytes", len(c))
		}
		total += len(c)
	}
	if total != len(lines) {
		t.Errorf("content lost in split: %d != %d", total, len(lines))
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 1500)
	chunks := splitMessage(text, 2000)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "a") && !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk should end at the newline boundary")
	}
}
