package gateway

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestSplitMessageShortText(t *testing.T) {
	chunks := splitMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("Expected single chunk, got %v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := splitMessage(text, 15)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 10)+"\n" {
		t.Errorf("Expected split at newline, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 10) {
		t.Errorf("Unexpected second chunk: %q", chunks[1])
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	text := strings.Repeat("x", 45)
	chunks := splitMessage(text, 20)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 20 {
			t.Errorf("Chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("Chunks must reassemble to the original text")
	}
}

func TestIsBotMentioned(t *testing.T) {
	mentions := []*discordgo.User{{ID: "100"}, {ID: "200"}}
	if !isBotMentioned(mentions, "200") {
		t.Error("Expected mention of 200 to be detected")
	}
	if isBotMentioned(mentions, "300") {
		t.Error("Did not expect mention of 300")
	}
	if isBotMentioned(nil, "100") {
		t.Error("Empty mentions must not match")
	}
}

func TestToSet(t *testing.T) {
	s := toSet([]string{"a", "b", "a"})
	if len(s) != 2 || !s["a"] || !s["b"] || s["c"] {
		t.Errorf("Unexpected set contents: %v", s)
	}
	if len(toSet(nil)) != 0 {
		t.Error("Nil input must produce an empty set")
	}
}
