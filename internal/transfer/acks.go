package transfer

import (
	"log/slog"
	"sync"
	"time"
)

// AckTracker retains the bookkeeping for finished sends until the server
// confirms receipt with upload_received, or a bounded timeout passes. The
// protocol does not guarantee the acknowledgment arrives, so a tracked entry
// is never kept forever.
type AckTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  *slog.Logger
	pending map[string]*pendingAck
	closed  bool
}

type pendingAck struct {
	checksum string
	timer    *time.Timer
}

// NewAckTracker creates a tracker whose entries expire after timeout.
func NewAckTracker(timeout time.Duration, logger *slog.Logger) *AckTracker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AckTracker{
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingAck),
	}
}

// Track records a finished send awaiting its acknowledgment.
func (t *AckTracker) Track(requestID, checksum string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	p := &pendingAck{checksum: checksum}
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(requestID) })
	t.pending[requestID] = p
}

// Ack resolves a tracked send with the server's computed digest. A mismatch
// or an acknowledgment for an untracked request is logged; neither is fatal.
func (t *AckTracker) Ack(requestID, computed string, ok bool) {
	t.mu.Lock()
	p, found := t.pending[requestID]
	if found {
		p.timer.Stop()
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if !found {
		t.logger.Warn("acknowledgment for untracked request", "request_id", requestID)
		return
	}
	if !ok || computed != p.checksum {
		t.logger.Warn("server digest mismatch",
			"request_id", requestID,
			"sent", p.checksum,
			"computed", computed,
			"ok", ok)
		return
	}
	t.logger.Info("upload acknowledged", "request_id", requestID, "checksum", computed)
}

// Pending reports how many sends are still awaiting acknowledgment.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close abandons all outstanding entries, e.g. when the connection drops.
func (t *AckTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

func (t *AckTracker) expire(requestID string) {
	t.mu.Lock()
	_, found := t.pending[requestID]
	delete(t.pending, requestID)
	t.mu.Unlock()
	if found {
		t.logger.Warn("no acknowledgment before timeout", "request_id", requestID, "timeout", t.timeout)
	}
}
