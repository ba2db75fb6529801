package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
)

// ErrEmptyResponse is the failure reason when a turn finalizes with no
// usable text.
var ErrEmptyResponse = errors.New("agent returned an empty response")

// DefaultDebounce is the quiet period after the last chunk before the
// buffered text is treated as final. A fallback for agents that never send
// an explicit ready signal.
const DefaultDebounce = 3 * time.Second

// ChannelContext is opaque routing metadata attached to a request. The
// responder passes it back to delivery unmodified.
type ChannelContext = any

// QueuedRequest is one admitted request handed over by the queue.
type QueuedRequest struct {
	ID             string
	Context        ChannelContext
	Text           string
	PermissionMode string
}

// RequestQueue serializes request admission. Implementations guarantee at
// most one current request at a time; the responder never has to.
type RequestQueue interface {
	SetProcessCallback(fn func(*QueuedRequest))
	CurrentRequest() *QueuedRequest
	CompleteCurrentRequest(text string)
	FailCurrentRequest(reason error)
}

// Deliverer ships a finalized answer back to whatever originated the
// request.
type Deliverer interface {
	Deliver(ctx context.Context, route ChannelContext, text string) error
}

// Sender forwards request content into the agent session. *Correlator
// satisfies it.
type Sender interface {
	Send(text, permissionMode string) error
}

// ResponderConfig tunes the assembler.
type ResponderConfig struct {
	Debounce       time.Duration
	PermissionMode string
	// OnPartial observes each buffered chunk, e.g. to refresh a typing
	// indicator while the agent streams.
	OnPartial func(chunk string, buffered int)
}

// Responder assembles the streamed answer for the queue's current request.
// Agent messages are buffered and debounced into one finalized response;
// an explicit ready event short-circuits the debounce. State machine:
// idle → (process request) → pending → (debounce or ready) → settled.
type Responder struct {
	queue     RequestQueue
	sender    Sender
	deliverer Deliverer
	cfg       ResponderConfig
	logger    *pkgLogger.Logger

	mu sync.Mutex
	// pending is true from request admission until the turn settles; it
	// keeps a ready/debounce race from settling the same turn twice.
	pending   bool
	buf       strings.Builder
	streaming bool
	timer     *time.Timer
}

// NewResponder wires an assembler onto the queue's process callback.
func NewResponder(queue RequestQueue, sender Sender, deliverer Deliverer, cfg ResponderConfig, log *pkgLogger.Logger) *Responder {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if log == nil {
		log = pkgLogger.Default
	}
	r := &Responder{
		queue:     queue,
		sender:    sender,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    log.WithComponent("responder"),
	}
	queue.SetProcessCallback(r.processRequest)
	return r
}

// processRequest starts a fresh turn for the queue's new current request.
func (r *Responder) processRequest(req *QueuedRequest) {
	r.mu.Lock()
	r.resetLocked()
	r.pending = true
	r.mu.Unlock()

	mode := req.PermissionMode
	if mode == "" {
		mode = r.cfg.PermissionMode
	}
	if err := r.sender.Send(req.Text, mode); err != nil {
		r.logger.Error("Failed to forward request to agent", "request", req.ID, "error", err)
		r.mu.Lock()
		r.pending = false
		r.mu.Unlock()
		r.queue.FailCurrentRequest(err)
	}
}

// HandleSyncMessage buffers one streamed agent chunk for the current
// request. Non-agent roles and idle periods are ignored.
func (r *Responder) HandleSyncMessage(m SyncMessage) {
	if m.Role != RoleAgent && m.Role != RoleAssistant {
		return
	}

	r.mu.Lock()
	if !r.pending {
		r.mu.Unlock()
		return
	}
	r.buf.WriteString(m.Text)
	r.streaming = true
	buffered := r.buf.Len()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.cfg.Debounce, r.finalize)
	r.mu.Unlock()

	if r.cfg.OnPartial != nil {
		r.cfg.OnPartial(m.Text, buffered)
	}
}

// HandleEventStatus finalizes the turn immediately on an explicit ready
// signal instead of waiting out the debounce.
func (r *Responder) HandleEventStatus(ev EventStatus) {
	if ev.EventType != EventReady {
		return
	}
	r.finalize()
}

// HandleDisconnect fails the current request with the channel error.
// Partial buffered content is not salvaged.
func (r *Responder) HandleDisconnect(err error) {
	r.mu.Lock()
	wasPending := r.pending
	wasStreaming := r.streaming
	r.resetLocked()
	r.mu.Unlock()

	if !wasPending {
		return
	}
	if wasStreaming {
		r.logger.Warn("Discarding partial response after disconnect")
	}
	r.queue.FailCurrentRequest(errors.Wrap(err, "agent connection lost"))
}

// finalize treats the buffered text as the complete answer: delivered
// asynchronously (failures logged, not retried), then the request is
// marked complete. The ready event is authoritative turn-completion, so a
// turn that streamed nothing extractable still settles here as an empty
// response failure rather than leaving the request in flight.
func (r *Responder) finalize() {
	r.mu.Lock()
	if !r.pending {
		r.mu.Unlock()
		return
	}
	text := strings.TrimSpace(r.buf.String())
	r.resetLocked()
	r.mu.Unlock()

	req := r.queue.CurrentRequest()
	if req == nil {
		return
	}
	if text == "" {
		r.queue.FailCurrentRequest(ErrEmptyResponse)
		return
	}

	route := req.Context
	go func() {
		if err := r.deliverer.Deliver(context.Background(), route, text); err != nil {
			r.logger.Error("Delivery failed", "request", req.ID, "error", err)
		}
	}()
	r.queue.CompleteCurrentRequest(text)
}

func (r *Responder) resetLocked() {
	r.pending = false
	r.buf.Reset()
	r.streaming = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
