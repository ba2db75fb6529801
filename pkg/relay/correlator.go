package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
)

// ErrConversationTimeout is the rejection reason when no ready signal
// arrives within a conversation's window.
var ErrConversationTimeout = errors.New("conversation timed out waiting for agent")

// Emitter is the outbound half of the relay channel.
type Emitter interface {
	Emit(v any) error
}

// Defaults for the correlation heuristics.
const (
	DefaultNetworkBuffer  = 2 * time.Second
	DefaultRequestTimeout = 2 * time.Minute
	DefaultMessageCap     = 100
)

// CorrelatorConfig tunes the correlation engine for one session.
type CorrelatorConfig struct {
	SessionID string

	// NetworkBuffer widens the correlation window backwards to absorb
	// clock skew between the relay's timestamps and local send times.
	NetworkBuffer time.Duration
	// DefaultTimeout applies to SendAndWait calls that pass none.
	DefaultTimeout time.Duration
	// SilenceTimeout, when positive, finalizes a conversation after that
	// much quiet following its last message. Off by default: the ready
	// event is the authoritative completion signal.
	SilenceTimeout time.Duration
	// MessageCap force-completes a conversation that buffered this many
	// messages, a safety valve against runaway agent loops.
	MessageCap int
	// SentFrom tags outbound envelopes with the originating client.
	SentFrom string
	// PreTimeout, when set, runs right before a conversation is rejected
	// for timeout, giving the caller a chance at a soft abort.
	PreTimeout func(conversationID string)
}

// SendOptions control one SendAndWait call.
type SendOptions struct {
	Timeout        time.Duration
	PermissionMode string
	OnProgress     func(Progress)
}

// Correlator owns the set of in-flight conversations for one session. It
// classifies inbound frames, attributes agent messages to conversations by
// the time-window heuristic, and fulfills each conversation's outcome
// exactly once.
//
// The wire protocol carries no request identifier, so attribution is
// heuristic: among open conversations whose window contains the message
// timestamp, the most recently created one wins. Two SendAndWait calls
// issued close together can therefore misattribute messages; that
// ambiguity is inherent to the protocol, not resolvable here.
type Correlator struct {
	cfg       CorrelatorConfig
	enc       *SessionEncryption
	channel   Emitter
	listeners Listeners
	logger    *pkgLogger.Logger

	mu     sync.Mutex
	active map[string]*Conversation
	now    func() time.Time
}

// NewCorrelator builds a correlator for the configured session. The
// keyring must hold the session's encryption context.
func NewCorrelator(cfg CorrelatorConfig, keyring *Keyring, channel Emitter, log *pkgLogger.Logger) (*Correlator, error) {
	enc, ok := keyring.Get(cfg.SessionID)
	if !ok {
		return nil, errors.Errorf("no encryption key for session %s", cfg.SessionID)
	}
	if cfg.NetworkBuffer <= 0 {
		cfg.NetworkBuffer = DefaultNetworkBuffer
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}
	if cfg.MessageCap <= 0 {
		cfg.MessageCap = DefaultMessageCap
	}
	if cfg.SentFrom == "" {
		cfg.SentFrom = "clawlink"
	}
	if log == nil {
		log = pkgLogger.Default
	}
	return &Correlator{
		cfg:     cfg,
		enc:     enc,
		channel: channel,
		logger:  log.WithComponent("correlator").WithSession(cfg.SessionID),
		active:  make(map[string]*Conversation),
		now:     time.Now,
	}, nil
}

// Events exposes the consumer-facing listener registry.
func (c *Correlator) Events() *Listeners {
	return &c.listeners
}

// ActiveCount returns the number of conversations still in flight.
func (c *Correlator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Send encrypts and emits a user message into the session without tracking
// a conversation for it. Streaming consumers (Responder) correlate the
// reply themselves.
func (c *Correlator) Send(text, permissionMode string) error {
	return c.send(text, permissionMode, uuid.NewString())
}

func (c *Correlator) send(text, permissionMode, localID string) error {
	env := NewUserEnvelope(text, c.cfg.SentFrom, permissionMode)
	cipher, err := c.enc.Encrypt(env)
	if err != nil {
		return errors.Wrap(err, "encrypt outbound message")
	}
	frame := OutboundFrame{
		SessionID:      c.cfg.SessionID,
		Message:        cipher,
		LocalID:        localID,
		PermissionMode: permissionMode,
	}
	return errors.Wrap(c.channel.Emit(frame), "emit outbound frame")
}

// SendAndWait sends content into the session and blocks until the matched
// conversation completes, times out, or ctx is cancelled. The returned
// Result carries the extracted structured outcome.
func (c *Correlator) SendAndWait(ctx context.Context, text string, opts SendOptions) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	now := c.now()
	conv := &Conversation{
		id:             uuid.NewString(),
		status:         StatusWaiting,
		createdAt:      now,
		lastActivityAt: now,
		timeout:        timeout,
		permissionMode: opts.PermissionMode,
		onProgress:     opts.OnProgress,
		done:           make(chan outcome, 1),
	}

	c.mu.Lock()
	c.active[conv.id] = conv
	conv.timeoutTimer = time.AfterFunc(timeout, func() { c.expire(conv.id) })
	c.mu.Unlock()

	if err := c.send(text, opts.PermissionMode, conv.id); err != nil {
		c.remove(conv.id)
		return Result{}, err
	}

	c.logger.Debug("Conversation started", "conversation", conv.id, "timeout", timeout)

	select {
	case <-ctx.Done():
		c.remove(conv.id)
		return Result{}, ctx.Err()
	case out := <-conv.done:
		return out.result, out.err
	}
}

// remove drops a conversation without fulfilling its outcome (explicit
// cleanup, e.g. the caller's context was cancelled).
func (c *Correlator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.active[id]; ok {
		conv.stopTimers()
		delete(c.active, id)
	}
}

// HandleFrame processes one inbound push from the relay channel. Safe to
// call from the transport's read goroutine; any per-frame panic is caught
// so one bad frame cannot take down the other in-flight conversations.
func (c *Correlator) HandleFrame(frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Frame handling panicked", "panic", r)
		}
	}()

	if frame.Body.Type != FrameNewMessage {
		return
	}
	if frame.Body.SessionID != c.cfg.SessionID {
		return
	}
	msg := frame.Body.Message
	if msg == nil || msg.Content.Type != "encrypted" {
		return
	}

	var env Envelope
	if err := c.enc.Decrypt(msg.Content.Cipher, &env); err != nil {
		// Unrelated or transient traffic on a shared channel; drop.
		c.logger.Debug("Dropping undecryptable frame", "message", msg.ID, "error", err)
		return
	}
	env.MessageID = msg.ID
	env.CreatedAt = time.UnixMilli(msg.CreatedAt)

	c.handleEnvelope(env)
}

// handleEnvelope classifies a decrypted envelope and routes it. Listener
// callbacks are collected under the lock and fired after release so they
// may call back into the correlator.
func (c *Correlator) handleEnvelope(env Envelope) {
	c.mu.Lock()
	match := c.claim(env.CreatedAt)
	external := match == nil

	var emits []func()

	if env.Content.Kind == ContentEvent {
		ev := env.Content.Event
		status := EventStatus{
			EventType:  ev.Type,
			Event:      ev,
			IsExternal: external,
			Timestamp:  env.CreatedAt,
		}
		// Emitted unconditionally, external events included, so callers
		// can reflect shared-session activity and recover stuck state.
		emits = append(emits, func() { c.listeners.emitEventStatus(status) })
		if ev.Type == EventReady && !external {
			emits = append(emits, c.completeLocked(match)...)
		}
		c.mu.Unlock()
		runAll(emits)
		return
	}

	text, ok := env.ConversationText()
	if !ok {
		// Non-conversational metadata (tool frames, summaries).
		c.mu.Unlock()
		return
	}

	mirrored := SyncMessage{
		SessionID:  c.cfg.SessionID,
		MessageID:  env.MessageID,
		Role:       env.Role,
		Text:       text,
		Raw:        env.Content.Raw,
		IsExternal: external,
		Timestamp:  env.CreatedAt,
	}
	emits = append(emits, func() { c.listeners.emitSyncMessage(mirrored) })

	if (env.Role == RoleAgent || env.Role == RoleAssistant) && match != nil {
		emits = append(emits, c.appendMessageLocked(match, env, text)...)
	}
	c.mu.Unlock()
	runAll(emits)
}

// claim returns the conversation whose correlation window contains t,
// preferring the most recently created open one. Nil means the timestamp
// belongs to no tracked conversation (external traffic).
func (c *Correlator) claim(t time.Time) *Conversation {
	var best *Conversation
	for _, conv := range c.active {
		if !conv.claims(t, c.cfg.NetworkBuffer) {
			continue
		}
		if best == nil || conv.createdAt.After(best.createdAt) {
			best = conv
		}
	}
	return best
}

// appendMessageLocked records an attributed agent message and decides
// whether the conversation is complete. Completion normally arrives via
// the ready event; the checks here are fallbacks only.
func (c *Correlator) appendMessageLocked(conv *Conversation, env Envelope, text string) []func() {
	conv.messages = append(conv.messages, ConversationMessage{
		Timestamp: env.CreatedAt,
		Role:      env.Role,
		Text:      text,
		Raw:       env.Content.Raw,
	})
	conv.lastActivityAt = c.now()
	if conv.status == StatusWaiting {
		conv.status = StatusActive
	}
	if conv.silenceTimer != nil {
		conv.silenceTimer.Stop()
		conv.silenceTimer = nil
	}

	p := Progress{ConversationID: conv.id, Text: text, MessageCount: len(conv.messages)}
	onProgress := conv.onProgress
	emits := []func(){func() {
		if onProgress != nil {
			onProgress(p)
		}
		c.listeners.emitProgress(p)
	}}

	if waitingForSkillPattern.MatchString(text) {
		conv.waitingForSkill = true
		return emits
	}
	conv.waitingForSkill = false

	if len(conv.messages) >= c.cfg.MessageCap {
		c.logger.Warn("Conversation hit message cap, force-completing",
			"conversation", conv.id, "messages", len(conv.messages))
		return append(emits, c.completeLocked(conv)...)
	}

	if c.cfg.SilenceTimeout > 0 {
		id := conv.id
		conv.silenceTimer = time.AfterFunc(c.cfg.SilenceTimeout, func() { c.finalizeAfterSilence(id) })
	}
	return emits
}

// completeLocked finalizes a conversation: timers cancelled, stream-ended
// emitted once, outcome resolved, conversation removed from the active set.
func (c *Correlator) completeLocked(conv *Conversation) []func() {
	if conv == nil || conv.status.terminal() {
		return nil
	}
	conv.stopTimers()

	emits := c.streamEndedLocked(conv)

	status := EventStatus{
		EventType: EventReady,
		Event:     &Event{Type: EventReady},
		Timestamp: c.now(),
	}
	emits = append(emits, func() { c.listeners.emitEventStatus(status) })

	conv.status = StatusCompleted
	conv.resolve(outcome{result: extractResult(conv.messages)})
	delete(c.active, conv.id)

	c.logger.Debug("Conversation completed", "conversation", conv.id, "messages", len(conv.messages))
	return emits
}

// streamEndedLocked emits the stream-ended signal, once per conversation.
func (c *Correlator) streamEndedLocked(conv *Conversation) []func() {
	if conv.streamEndedEmitted {
		return nil
	}
	conv.streamEndedEmitted = true
	s := StreamEnded{
		ConversationID: conv.id,
		LastMessage:    conv.lastMessageText(),
		MessageCount:   len(conv.messages),
	}
	return []func(){func() { c.listeners.emitStreamEnded(s) }}
}

// expire is the timeout timer callback for one conversation.
func (c *Correlator) expire(id string) {
	c.mu.Lock()
	conv, ok := c.active[id]
	if !ok || conv.status.terminal() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// The soft-abort hook runs unlocked so it can emit on the channel.
	if c.cfg.PreTimeout != nil {
		c.cfg.PreTimeout(id)
	}

	c.mu.Lock()
	conv, ok = c.active[id]
	if !ok || conv.status.terminal() {
		// A ready event won the race while the hook ran.
		c.mu.Unlock()
		return
	}
	conv.stopTimers()

	var emits []func()
	if len(conv.messages) > 0 {
		// Late-arriving partial content is surfaced before rejecting.
		emits = c.streamEndedLocked(conv)
	}
	conv.status = StatusTimeout
	conv.resolve(outcome{err: errors.Wrapf(ErrConversationTimeout, "after %s", conv.timeout)})
	delete(c.active, id)
	c.mu.Unlock()

	c.logger.Warn("Conversation timed out", "conversation", id, "timeout", conv.timeout)
	runAll(emits)
}

// finalizeAfterSilence is the silence timer callback: the agent went quiet
// without a ready event, so treat the buffered content as final.
func (c *Correlator) finalizeAfterSilence(id string) {
	c.mu.Lock()
	conv, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	emits := c.completeLocked(conv)
	c.mu.Unlock()
	runAll(emits)
}

// Disconnect rejects every in-flight conversation with the channel error.
// No partial content is salvaged; callers decide whether to resend.
func (c *Correlator) Disconnect(err error) {
	c.mu.Lock()
	var emits []func()
	for id, conv := range c.active {
		conv.stopTimers()
		if len(conv.messages) > 0 {
			emits = append(emits, c.streamEndedLocked(conv)...)
		}
		conv.status = StatusTimeout
		conv.resolve(outcome{err: errors.Wrap(err, "relay channel disconnected")})
		delete(c.active, id)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Relay channel disconnected", "error", err)
	}
	runAll(emits)
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
