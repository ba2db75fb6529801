package gateway

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fpt/clawlink/pkg/relay"
)

func TestTranscriptAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w := NewTranscriptWriter(TranscriptConfig{Enabled: true, Dir: dir})
	if err := w.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	now := time.Now().Truncate(time.Millisecond)
	messages := []relay.SyncMessage{
		{SessionID: "sess-1", MessageID: "m1", Role: "user", Text: "ping", Timestamp: now},
		{SessionID: "sess-1", MessageID: "m2", Role: "agent", Text: "pong", IsExternal: true, Timestamp: now},
	}
	for _, m := range messages {
		if err := w.Append(m); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	f, err := os.Open(w.SessionPath("sess-1"))
	if err != nil {
		t.Fatalf("Failed to open transcript: %v", err)
	}
	defer f.Close()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e TranscriptEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Malformed transcript line: %v", err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Text != "ping" || entries[0].Role != "user" || entries[0].External {
		t.Errorf("Unexpected first entry: %+v", entries[0])
	}
	if entries[1].Text != "pong" || !entries[1].External {
		t.Errorf("External flag must be persisted: %+v", entries[1])
	}
}

func TestTranscriptDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewTranscriptWriter(TranscriptConfig{Enabled: false, Dir: dir})

	if err := w.Append(relay.SyncMessage{SessionID: "sess-1", Text: "x"}); err != nil {
		t.Fatalf("Disabled writer must not error: %v", err)
	}
	if _, err := os.Stat(w.SessionPath("sess-1")); !os.IsNotExist(err) {
		t.Error("Disabled writer must not create files")
	}
}

func TestSessionPathSanitization(t *testing.T) {
	w := NewTranscriptWriter(TranscriptConfig{Enabled: true, Dir: "/tmp/transcripts"})

	path := w.SessionPath("../../etc/passwd")
	if strings.Contains(path, "..") {
		t.Errorf("Path traversal characters must be stripped: %s", path)
	}
	if !strings.HasPrefix(path, "/tmp/transcripts/") || !strings.HasSuffix(path, ".jsonl") {
		t.Errorf("Unexpected transcript path: %s", path)
	}

	long := w.SessionPath(strings.Repeat("s", 500))
	base := strings.TrimSuffix(long[len("/tmp/transcripts/"):], ".jsonl")
	if len(base) != 128 {
		t.Errorf("Expected name capped at 128 chars, got %d", len(base))
	}
}
