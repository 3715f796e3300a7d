package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wirepull/wirepull/internal/config"
	"github.com/wirepull/wirepull/internal/transfer"
	"github.com/wirepull/wirepull/internal/wsclient"
	"github.com/wirepull/wirepull/pkg/protocol"
)

// Agent maintains one authenticated connection to the coordinating server
// and answers its control traffic: it registers, heartbeats, and streams
// local files back when asked. When the connection drops unexpectedly it
// reconnects with capped exponential backoff until ctx is cancelled or
// reconnection is disabled.
type Agent struct {
	cfg    config.AgentConfig
	logger *slog.Logger
	state  atomic.Int32
}

// New creates an agent from its configuration.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{cfg: cfg, logger: logger}
}

// State reports the connection state for observability.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

// Run drives the connect/serve/reconnect cycle until ctx is cancelled.
// With reconnection disabled it returns after the first session ends.
func (a *Agent) Run(ctx context.Context) error {
	bo := newBackoff()
	for {
		a.setState(StateConnecting)
		err := a.runSession(ctx, bo)
		a.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !a.cfg.Reconnect {
			return err
		}

		wait := bo.NextBackOff()
		a.logger.Info("reconnecting", "backoff", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession performs one full connection lifecycle: dial, register, serve
// until the connection closes. The backoff resets only after a successful
// dial.
func (a *Agent) runSession(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	wsURL, err := wsclient.BuildURL(a.cfg.ServerURL, a.cfg.AuthSecret, a.cfg.ClientID)
	if err != nil {
		return err
	}

	conn, err := wsclient.Dial(ctx, wsURL, a.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	bo.Reset()
	a.setState(StateConnected)
	a.logger.Info("connected", "server_url", a.cfg.ServerURL, "client_id", a.cfg.ClientID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.register(conn); err != nil {
		return err
	}
	go a.heartbeatLoop(sessionCtx, conn)

	sender := transfer.NewSender(conn, a.cfg.FilePath, a.cfg.ChunkSize, a.logger)
	acks := transfer.NewAckTracker(a.cfg.AckTimeout, a.logger)
	defer acks.Close()

	return conn.ReadLoop(sessionCtx, func(ctl protocol.Control) {
		a.handleControl(sessionCtx, ctl, conn, sender, acks)
	})
}

func (a *Agent) register(conn *wsclient.Conn) error {
	hostname, _ := os.Hostname()
	return conn.SendControl(protocol.RegisterMeta{
		Type: protocol.KindRegisterMeta,
		Meta: map[string]any{
			"clientId": a.cfg.ClientID,
			"hostname": hostname,
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
		},
	})
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *wsclient.Conn) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.SendControl(protocol.Heartbeat{
				Type: protocol.KindHeartbeat,
				TS:   time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
		}
	}
}

func (a *Agent) handleControl(ctx context.Context, ctl protocol.Control, conn *wsclient.Conn, sender *transfer.Sender, acks *transfer.AckTracker) {
	switch ctl.Kind {
	case protocol.KindHello:
		var hello protocol.Hello
		if err := ctl.Decode(&hello); err != nil {
			a.logger.Warn("bad hello", "error", err)
			return
		}
		a.logger.Info("server greeting", "server_time", hello.ServerTime)

	case protocol.KindDownloadRequest:
		var req protocol.DownloadRequest
		if err := ctl.Decode(&req); err != nil {
			a.logger.Warn("bad download_request", "error", err)
			return
		}
		a.logger.Info("download requested", "request_id", req.RequestID, "file_key", req.FileKey)
		// Each upload streams on its own goroutine; chunks of concurrent
		// uploads interleave on the wire keyed by request id.
		go func() {
			checksum, err := sender.Run(ctx, req)
			if err != nil {
				if !errors.Is(err, transfer.ErrSourceNotFound) {
					a.logger.Error("upload failed", "request_id", req.RequestID, "error", err)
				}
				return
			}
			acks.Track(req.RequestID, checksum)
		}()

	case protocol.KindUploadReceived:
		var ack protocol.UploadReceived
		if err := ctl.Decode(&ack); err != nil {
			a.logger.Warn("bad upload_received", "error", err)
			return
		}
		acks.Ack(ack.RequestID, ack.Computed, ack.OK)

	case protocol.KindError:
		var em protocol.ErrorMessage
		if err := ctl.Decode(&em); err != nil {
			a.logger.Warn("bad error message", "error", err)
			return
		}
		a.logger.Warn("server reported error", "request_id", em.RequestID, "message", em.Message)

	default:
		a.logger.Debug("ignoring control message", "kind", ctl.Kind)
	}
}
