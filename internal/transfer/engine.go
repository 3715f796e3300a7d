package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wirepull/wirepull/pkg/protocol"
)

// pendingRequest is a dispatched download that has not yet announced itself
// with an upload_start.
type pendingRequest struct {
	clientID string
	fileKey  string
}

// Receiving is one inbound transfer: an open sink, a rolling digest, and the
// byte accounting for a single request id.
type Receiving struct {
	RequestID     string
	ClientID      string
	Filename      string // sender-declared label
	OutPath       string
	DeclaredSize  int64
	BytesReceived int64
	LastSeq       uint64
	Status        Status

	sink   *os.File
	digest hash.Hash
}

// Engine owns every active Receiving record plus the pending-request set.
// All three event sources (control messages, chunk frames, disconnects) are
// serialized through one mutex; records are short-lived, so the map is
// guarded rather than the individual entries.
type Engine struct {
	mu      sync.Mutex
	dir     string
	logger  *slog.Logger
	pending map[string]pendingRequest
	active  map[string]*Receiving
	now     func() time.Time
}

// NewEngine creates a receiving engine that writes completed transfers
// under dir.
func NewEngine(dir string, logger *slog.Logger) *Engine {
	return &Engine{
		dir:     dir,
		logger:  logger,
		pending: make(map[string]pendingRequest),
		active:  make(map[string]*Receiving),
		now:     time.Now,
	}
}

// Expect registers a dispatched download request. The record itself is not
// created until the client announces with upload_start.
func (e *Engine) Expect(requestID, clientID, fileKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[requestID] = pendingRequest{clientID: clientID, fileKey: fileKey}
}

// CancelExpect drops a pending request whose dispatch failed.
func (e *Engine) CancelExpect(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, requestID)
}

// Active reports how many transfers are pending or in flight, for admission
// control at the trigger route.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) + len(e.active)
}

// HandleUploadStart turns a pending request into a live Receiving record and
// opens its sink. An announcement for an unknown request id is logged and
// ignored.
func (e *Engine) HandleUploadStart(clientID string, msg protocol.UploadStart) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.pending[msg.RequestID]
	if !ok {
		e.logger.Warn("upload_start for unknown request", "request_id", msg.RequestID, "client_id", clientID)
		return nil
	}
	delete(e.pending, msg.RequestID)

	outPath := filepath.Join(e.dir, e.outputName(req.clientID, req.fileKey))
	sink, err := os.Create(outPath)
	if err != nil {
		e.logger.Error("open sink failed", "request_id", msg.RequestID, "path", outPath, "error", err)
		return fmt.Errorf("open sink: %w", err)
	}

	e.active[msg.RequestID] = &Receiving{
		RequestID:    msg.RequestID,
		ClientID:     req.clientID,
		Filename:     msg.Filename,
		OutPath:      outPath,
		DeclaredSize: msg.Filesize,
		Status:       StatusAnnounced,
		sink:         sink,
		digest:       sha256.New(),
	}

	e.logger.Info("upload started",
		"request_id", msg.RequestID,
		"client_id", req.clientID,
		"filename", msg.Filename,
		"filesize", msg.Filesize,
		"out_path", outPath)
	return nil
}

// HandleChunk appends one decoded chunk frame to its transfer. Chunks whose
// request id has no active record are discarded: they may belong to a
// transfer that already finalized or failed.
func (e *Engine) HandleChunk(meta protocol.FrameMeta, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.active[meta.RequestID]
	if !ok {
		e.logger.Warn("chunk for inactive transfer", "request_id", meta.RequestID, "seq", meta.Seq)
		return
	}

	if _, err := rec.sink.Write(payload); err != nil {
		e.logger.Error("sink write failed",
			"request_id", meta.RequestID,
			"seq", meta.Seq,
			"error", err)
		rec.Status = StatusFailed
		rec.sink.Close()
		delete(e.active, meta.RequestID)
		return
	}

	rec.digest.Write(payload)
	rec.BytesReceived += int64(len(payload))
	rec.LastSeq = meta.Seq
	rec.Status = StatusStreaming
}

// HandleUploadEnd finalizes a transfer: flushes and closes the sink, captures
// the digest, and removes the record. It returns the computed lowercase hex
// digest; ok is false when no active record matches.
func (e *Engine) HandleUploadEnd(msg protocol.UploadEnd) (computed string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, found := e.active[msg.RequestID]
	if !found {
		e.logger.Warn("upload_end for unknown request", "request_id", msg.RequestID)
		return "", false
	}

	rec.Status = StatusFinalizing
	if err := rec.sink.Close(); err != nil {
		e.logger.Error("sink close failed", "request_id", msg.RequestID, "error", err)
		rec.Status = StatusFailed
		delete(e.active, msg.RequestID)
		return "", false
	}

	computed = hex.EncodeToString(rec.digest.Sum(nil))
	rec.Status = StatusCompleted
	delete(e.active, msg.RequestID)

	e.logger.Info("upload finished",
		"request_id", msg.RequestID,
		"client_id", rec.ClientID,
		"bytes", rec.BytesReceived,
		"checksum", computed,
		"out_path", rec.OutPath)
	return computed, true
}

// Abandon releases a single transfer: the record is dropped and its sink
// handle closed, leaving the partial file on disk. Unknown request ids are a
// no-op. Used when a session ends while its announced uploads are still
// streaming.
func (e *Engine) Abandon(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.pending, requestID)
	rec, ok := e.active[requestID]
	if !ok {
		return
	}
	rec.Status = StatusAbandoned
	rec.sink.Close()
	delete(e.active, requestID)
	e.logger.Warn("transfer abandoned",
		"request_id", requestID,
		"client_id", rec.ClientID,
		"bytes", rec.BytesReceived)
}

// AbandonClient releases every transfer owned by a departed client: pending
// requests are dropped and live records are closed without finalizing. No
// acknowledgment is ever sent for an abandoned transfer.
func (e *Engine) AbandonClient(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, req := range e.pending {
		if req.clientID == clientID {
			delete(e.pending, id)
		}
	}
	for id, rec := range e.active {
		if rec.ClientID != clientID {
			continue
		}
		rec.Status = StatusAbandoned
		rec.sink.Close()
		delete(e.active, id)
		e.logger.Warn("transfer abandoned",
			"request_id", id,
			"client_id", clientID,
			"bytes", rec.BytesReceived)
	}
}

// outputName builds a collision-resistant file name from the client id, the
// current time, and the optional caller-supplied key.
func (e *Engine) outputName(clientID, fileKey string) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(e.now().UTC().Format(time.RFC3339Nano))
	name := sanitize(clientID) + "_" + ts
	if fileKey != "" {
		name += "_" + sanitize(fileKey)
	}
	return name + ".bin"
}

// sanitize keeps file names flat: anything outside [A-Za-z0-9._-] becomes '-'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
