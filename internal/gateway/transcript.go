package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fpt/clawlink/pkg/relay"
)

// TranscriptEntry is one persisted line of session traffic.
type TranscriptEntry struct {
	Timestamp time.Time `json:"ts"`
	MessageID string    `json:"message_id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	External  bool      `json:"external,omitempty"`
}

// TranscriptWriter appends mirrored session traffic to a per-session JSONL
// file, external messages included, so a shared session can be replayed or
// audited later.
type TranscriptWriter struct {
	config TranscriptConfig
	mu     sync.Mutex
}

// NewTranscriptWriter creates a transcript writer.
func NewTranscriptWriter(cfg TranscriptConfig) *TranscriptWriter {
	return &TranscriptWriter{config: cfg}
}

// EnsureDirectories creates the transcript directory if needed.
func (t *TranscriptWriter) EnsureDirectories() error {
	if !t.config.Enabled {
		return nil
	}
	return os.MkdirAll(t.config.Dir, 0o755)
}

var transcriptNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SessionPath returns the transcript file path for a session id.
func (t *TranscriptWriter) SessionPath(sessionID string) string {
	safe := transcriptNameRe.ReplaceAllString(sessionID, "_")
	if len(safe) > 128 {
		safe = safe[:128]
	}
	return filepath.Join(t.config.Dir, safe+".jsonl")
}

// Append records one sync message. Failures are swallowed; the transcript
// is an observability aid, never in the request path.
func (t *TranscriptWriter) Append(m relay.SyncMessage) error {
	if !t.config.Enabled {
		return nil
	}

	entry := TranscriptEntry{
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
		Role:      m.Role,
		Text:      m.Text,
		External:  m.IsExternal,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.SessionPath(m.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}
