package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirepull/wirepull/pkg/protocol"
)

// Conn is one authenticated WebSocket connection to the server. It carries
// JSON control messages and binary chunk frames over the same socket; all
// writes funnel through a single writer goroutine, and the byte depth of the
// outbound queue is exposed for the flow-control gate.
type Conn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan outbound
	closing chan struct{} // closed by Close; send stays open so senders never panic
	done    chan struct{} // closed when writeLoop exits

	closeOnce sync.Once
	writeMu   sync.Mutex
	queued    atomic.Int64
}

type outbound struct {
	msgType int
	data    []byte
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// BuildURL derives the WebSocket endpoint from the server's base URL and
// attaches the handshake credentials as query parameters.
func BuildURL(serverURL, token, clientID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	scheme := strings.Replace(u.Scheme, "http", "ws", 1)
	if u.Scheme == "https" {
		scheme = "wss"
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("clientId", clientID)

	wsURL := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     "/ws",
		RawQuery: q.Encode(),
	}
	return wsURL.String(), nil
}

// Dial establishes the connection. wsURL must be a full WebSocket URL
// including the handshake query parameters (see BuildURL).
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:    conn,
		logger:  logger,
		send:    make(chan outbound, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// SendControl marshals a control message and queues it as a text message.
func (c *Conn) SendControl(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}
	return c.enqueue(outbound{msgType: websocket.TextMessage, data: data})
}

// SendBinary queues an encoded chunk frame. It blocks while the send queue's
// slot buffer is full; byte-level flow control is the gate's job, not this
// queue's.
func (c *Conn) SendBinary(frame []byte) error {
	return c.enqueue(outbound{msgType: websocket.BinaryMessage, data: frame})
}

// QueuedBytes reports how many outbound bytes are buffered but not yet
// written to the socket.
func (c *Conn) QueuedBytes() int64 {
	return c.queued.Load()
}

var errConnClosed = fmt.Errorf("connection closed")

func (c *Conn) enqueue(ob outbound) error {
	select {
	case <-c.closing:
		return errConnClosed
	case <-c.done:
		return errConnClosed
	default:
	}
	c.queued.Add(int64(len(ob.data)))
	select {
	case c.send <- ob:
		return nil
	case <-c.closing:
	case <-c.done:
	}
	c.queued.Add(-int64(len(ob.data)))
	return errConnClosed
}

// writeLoop is the only goroutine that touches the socket's write side. On
// shutdown it drains whatever is already queued before exiting.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case ob := <-c.send:
			if !c.write(ob) {
				return
			}
		case <-c.closing:
			for {
				select {
				case ob := <-c.send:
					if !c.write(ob) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(ob outbound) bool {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := c.conn.WriteMessage(ob.msgType, ob.data)
	c.writeMu.Unlock()
	c.queued.Add(-int64(len(ob.data)))
	if err != nil {
		c.logger.Error("websocket write error", "error", err)
		return false
	}
	return true
}

// ReadLoop reads until the connection closes or ctx is cancelled, delivering
// each decoded control message to onControl. Binary messages are not expected
// on the agent side of the protocol and are dropped with a warning.
func (c *Conn) ReadLoop(ctx context.Context, onControl func(ctl protocol.Control)) error {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Forces ReadMessage to unblock immediately.
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if messageType == websocket.BinaryMessage {
			c.logger.Warn("unexpected binary message", "bytes", len(message))
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ctl, err := protocol.DecodeControl(message)
		if err != nil {
			c.logger.Warn("invalid control message", "error", err)
			continue
		}
		onControl(ctl)
	}
}

// Close shuts down the writer goroutine and the socket. Safe to call more
// than once and concurrently with in-flight sends, which fail with a
// connection-closed error instead of panicking.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}
