package gateway

import (
	"sync"

	pkgLogger "github.com/fpt/clawlink/pkg/logger"
	"github.com/fpt/clawlink/pkg/relay"
)

// RequestQueue serializes admission of agent requests: at most one request
// is current at a time, the rest wait FIFO. Implements relay.RequestQueue.
type RequestQueue struct {
	mu      sync.Mutex
	process func(*relay.QueuedRequest)
	onFail  func(req *relay.QueuedRequest, reason error)
	current *relay.QueuedRequest
	backlog []*relay.QueuedRequest
	logger  *pkgLogger.Logger
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue(log *pkgLogger.Logger) *RequestQueue {
	if log == nil {
		log = pkgLogger.Default
	}
	return &RequestQueue{logger: log.WithComponent("queue")}
}

// SetProcessCallback registers the consumer invoked when a request becomes
// current.
func (q *RequestQueue) SetProcessCallback(fn func(*relay.QueuedRequest)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.process = fn
}

// SetFailureCallback registers an observer for failed requests, e.g. to
// notify the originating channel.
func (q *RequestQueue) SetFailureCallback(fn func(req *relay.QueuedRequest, reason error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail = fn
}

// Enqueue admits a request. It becomes current immediately when the queue
// is idle, otherwise it waits its turn. Returns the backlog position
// (0 = processing now).
func (q *RequestQueue) Enqueue(req *relay.QueuedRequest) int {
	q.mu.Lock()
	if q.current == nil {
		q.current = req
		fn := q.process
		q.mu.Unlock()
		if fn != nil {
			go fn(req)
		}
		return 0
	}
	q.backlog = append(q.backlog, req)
	pos := len(q.backlog)
	q.mu.Unlock()
	q.logger.Debug("Request queued behind current", "request", req.ID, "position", pos)
	return pos
}

// CurrentRequest returns the request being processed, or nil when idle.
func (q *RequestQueue) CurrentRequest() *relay.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Len returns the number of requests waiting behind the current one.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// CompleteCurrentRequest finishes the current request and admits the next.
func (q *RequestQueue) CompleteCurrentRequest(text string) {
	q.mu.Lock()
	req := q.current
	q.mu.Unlock()
	if req == nil {
		return
	}
	q.logger.Debug("Request completed", "request", req.ID, "chars", len(text))
	q.advance()
}

// FailCurrentRequest drops the current request with a reason and admits
// the next. No retry happens at this layer.
func (q *RequestQueue) FailCurrentRequest(reason error) {
	q.mu.Lock()
	req := q.current
	onFail := q.onFail
	q.mu.Unlock()
	if req == nil {
		return
	}
	q.logger.Warn("Request failed", "request", req.ID, "error", reason)
	if onFail != nil {
		onFail(req, reason)
	}
	q.advance()
}

func (q *RequestQueue) advance() {
	q.mu.Lock()
	q.current = nil
	if len(q.backlog) == 0 {
		q.mu.Unlock()
		return
	}
	next := q.backlog[0]
	q.backlog = q.backlog[1:]
	q.current = next
	fn := q.process
	q.mu.Unlock()
	if fn != nil {
		go fn(next)
	}
}
