package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wirepull/wirepull/internal/config"
	"github.com/wirepull/wirepull/internal/logging"
	"github.com/wirepull/wirepull/internal/registry"
	"github.com/wirepull/wirepull/internal/transfer"
	"github.com/wirepull/wirepull/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Agents connect from anywhere; auth happens via token.
	},
}

// readIdleTimeout must comfortably exceed the agents' 30s heartbeat.
const readIdleTimeout = 90 * time.Second

func main() {
	cfg := config.ParseServerConfig()
	logger := logging.New("wirepullserv", cfg.LogLevel)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Error("cannot create download dir", "dir", cfg.DownloadDir, "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	engine := transfer.NewEngine(cfg.DownloadDir, logger)
	triggers := newIPLimiter(rate.Limit(cfg.TriggersPerMin/60.0), cfg.TriggersBurst)

	http.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	http.HandleFunc("GET /clients", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r, cfg.AuthSecret) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reg.List())
	})

	http.HandleFunc("POST /download/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r, cfg.AuthSecret) {
			return
		}
		handleDownloadTrigger(w, r, reg, engine, triggers, cfg, logger)
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, reg, engine, cfg, logger)
	})

	logger.Info("listening", "addr", cfg.Addr, "download_dir", cfg.DownloadDir)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// handleDownloadTrigger dispatches a download_request to a connected client.
// It reports whether the dispatch succeeded, not the transfer's outcome.
func handleDownloadTrigger(w http.ResponseWriter, r *http.Request, reg *registry.Registry, engine *transfer.Engine, triggers *ipLimiter, cfg config.ServerConfig, logger *slog.Logger) {
	clientID := r.PathValue("clientID")

	if _, ok := reg.Get(clientID); !ok {
		sendError(w, http.StatusNotFound, "not connected")
		return
	}
	if ip := clientIP(r); ip != "" && !triggers.Allow(ip) {
		sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if engine.Active() >= cfg.MaxConcurrent {
		sendError(w, http.StatusTooManyRequests, "too many concurrent transfers")
		return
	}

	var body struct {
		FileKey string `json:"fileKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	requestID := uuid.NewString()
	engine.Expect(requestID, clientID, body.FileKey)

	err := reg.Send(clientID, protocol.DownloadRequest{
		Type:      protocol.KindDownloadRequest,
		RequestID: requestID,
		FileKey:   body.FileKey,
		ChunkSize: cfg.ChunkSize,
	})
	if err != nil {
		engine.CancelExpect(requestID)
		sendError(w, http.StatusBadGateway, "dispatch failed")
		return
	}

	logger.Info("download dispatched", "request_id", requestID, "client_id", clientID, "file_key", body.FileKey)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "requestId": requestID})
}

// handleWebSocket runs one client session: handshake, greeting, then the
// read loop that splits control traffic from chunk frames.
func handleWebSocket(w http.ResponseWriter, r *http.Request, reg *registry.Registry, engine *transfer.Engine, cfg config.ServerConfig, logger *slog.Logger) {
	token := r.URL.Query().Get("token")
	clientID := r.URL.Query().Get("clientId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reject before processing any messages.
	if token != cfg.AuthSecret {
		logger.Warn("handshake rejected", "reason", "bad token", "remote", r.RemoteAddr)
		closeWith(conn, protocol.CloseUnauthorized, "unauthorized")
		return
	}
	if clientID == "" {
		logger.Warn("handshake rejected", "reason", "missing client id", "remote", r.RemoteAddr)
		closeWith(conn, protocol.CloseMissingClientID, "missing client id")
		return
	}

	var writeMu sync.Mutex
	sendJSON := func(msg any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	sessionToken := reg.Add(clientID, sendJSON)
	logger.Info("client connected", "client_id", clientID, "remote", r.RemoteAddr)

	// Uploads announced on this connection; a stale session must only tear
	// down its own transfers, never those of a newer session reusing the
	// client id.
	announced := make(map[string]struct{})
	defer func() {
		for id := range announced {
			engine.Abandon(id)
		}
		if reg.Remove(clientID, sessionToken) {
			engine.AbandonClient(clientID)
			logger.Info("client disconnected", "client_id", clientID)
		} else {
			logger.Info("stale session ended", "client_id", clientID)
		}
	}()

	err = sendJSON(protocol.Hello{
		Type:       protocol.KindHello,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("send hello failed", "client_id", clientID, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout", "client_id", clientID)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "client_id", clientID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			meta, payload, err := protocol.DecodeFrame(message)
			if err != nil {
				// Contained: drop the frame, keep the connection.
				logger.Warn("malformed frame dropped", "client_id", clientID, "error", err)
				continue
			}
			engine.HandleChunk(meta, payload)

		case websocket.TextMessage:
			ctl, err := protocol.DecodeControl(message)
			if err != nil {
				logger.Warn("invalid control message", "client_id", clientID, "error", err)
				continue
			}
			dispatchControl(clientID, ctl, reg, engine, sendJSON, announced, logger)
		}
	}
}

// dispatchControl maps a control message's kind to its effect. Unknown kinds
// are logged and ignored for forward compatibility. announced tracks which
// uploads are streaming over this connection; it is touched only by the
// session's read loop.
func dispatchControl(clientID string, ctl protocol.Control, reg *registry.Registry, engine *transfer.Engine, sendJSON func(any) error, announced map[string]struct{}, logger *slog.Logger) {
	switch ctl.Kind {
	case protocol.KindRegisterMeta:
		var msg protocol.RegisterMeta
		if err := ctl.Decode(&msg); err != nil {
			logger.Warn("bad register_meta", "client_id", clientID, "error", err)
			return
		}
		reg.SetMeta(clientID, msg.Meta)

	case protocol.KindHeartbeat:
		reg.Touch(clientID)

	case protocol.KindUploadStart:
		var msg protocol.UploadStart
		if err := ctl.Decode(&msg); err != nil {
			logger.Warn("bad upload_start", "client_id", clientID, "error", err)
			return
		}
		if err := engine.HandleUploadStart(clientID, msg); err != nil {
			logger.Error("upload_start failed", "client_id", clientID, "error", err)
			return
		}
		announced[msg.RequestID] = struct{}{}

	case protocol.KindUploadEnd:
		var msg protocol.UploadEnd
		if err := ctl.Decode(&msg); err != nil {
			logger.Warn("bad upload_end", "client_id", clientID, "error", err)
			return
		}
		delete(announced, msg.RequestID)
		computed, ok := engine.HandleUploadEnd(msg)
		if !ok {
			return
		}
		match := computed == msg.Checksum
		if !match {
			logger.Warn("checksum mismatch",
				"client_id", clientID,
				"request_id", msg.RequestID,
				"declared", msg.Checksum,
				"computed", computed)
		}
		err := sendJSON(protocol.UploadReceived{
			Type:      protocol.KindUploadReceived,
			RequestID: msg.RequestID,
			Computed:  computed,
			OK:        match,
		})
		if err != nil {
			logger.Error("send upload_received failed", "client_id", clientID, "error", err)
		}

	case protocol.KindError:
		var msg protocol.ErrorMessage
		if err := ctl.Decode(&msg); err != nil {
			logger.Warn("bad error message", "client_id", clientID, "error", err)
			return
		}
		logger.Warn("client reported error", "client_id", clientID, "request_id", msg.RequestID, "message", msg.Message)
		engine.CancelExpect(msg.RequestID)

	default:
		logger.Warn("unknown control type", "client_id", clientID, "kind", ctl.Kind)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func authorized(w http.ResponseWriter, r *http.Request, secret string) bool {
	if r.Header.Get("X-API-Key") != secret {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter applies a per-IP token bucket to the trigger route.
type ipLimiter struct {
	mu    sync.Mutex
	perIP map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		perIP: make(map[string]*rate.Limiter),
		limit: limit,
		burst: burst,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
