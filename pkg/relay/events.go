package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// EventStatus reflects a protocol-level event observed on the session,
// including events attributed to other clients sharing it.
type EventStatus struct {
	EventType  string
	Event      *Event
	IsExternal bool
	Timestamp  time.Time
}

// SyncMessage mirrors one conversational message seen on the session, so
// observers that do not own the conversation can still follow traffic.
type SyncMessage struct {
	SessionID  string
	MessageID  string
	Role       string
	Text       string
	Raw        json.RawMessage
	IsExternal bool
	Timestamp  time.Time
}

// Progress reports an intermediate message attributed to a tracked
// conversation.
type Progress struct {
	ConversationID string
	Text           string
	MessageCount   int
}

// StreamEnded signals that a conversation received its last message.
// Emitted at most once per conversation, even when an explicit ready event
// and a timeout race to finalize it.
type StreamEnded struct {
	ConversationID string
	LastMessage    string
	MessageCount   int
}

// Listeners fans consumer events out to registered callbacks. Multiple
// subscribers per kind are supported; invocation order across subscribers
// is unspecified. Callbacks run on the correlator's frame-handling
// goroutine and must not block.
type Listeners struct {
	mu          sync.RWMutex
	eventStatus []func(EventStatus)
	syncMessage []func(SyncMessage)
	progress    []func(Progress)
	streamEnded []func(StreamEnded)
}

// OnEventStatus registers a callback for protocol-level events.
func (l *Listeners) OnEventStatus(fn func(EventStatus)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eventStatus = append(l.eventStatus, fn)
}

// OnSyncMessage registers a callback for mirrored session traffic.
func (l *Listeners) OnSyncMessage(fn func(SyncMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncMessage = append(l.syncMessage, fn)
}

// OnProgress registers a callback for per-conversation progress.
func (l *Listeners) OnProgress(fn func(Progress)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, fn)
}

// OnStreamEnded registers a callback for conversation stream-end signals.
func (l *Listeners) OnStreamEnded(fn func(StreamEnded)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streamEnded = append(l.streamEnded, fn)
}

func (l *Listeners) emitEventStatus(ev EventStatus) {
	l.mu.RLock()
	fns := l.eventStatus
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (l *Listeners) emitSyncMessage(m SyncMessage) {
	l.mu.RLock()
	fns := l.syncMessage
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (l *Listeners) emitProgress(p Progress) {
	l.mu.RLock()
	fns := l.progress
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (l *Listeners) emitStreamEnded(s StreamEnded) {
	l.mu.RLock()
	fns := l.streamEnded
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
