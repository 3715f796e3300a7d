package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/wirepull/wirepull/internal/bufpool"
	"github.com/wirepull/wirepull/internal/flowcontrol"
	"github.com/wirepull/wirepull/internal/progress"
	"github.com/wirepull/wirepull/pkg/protocol"
)

// ErrSourceNotFound means the requested source file does not exist; the
// counterpart has already been told via an error control message and no
// transfer record exists. Other open failures report file_open_failed on the
// wire and surface the underlying error.
var ErrSourceNotFound = errors.New("source file not found")

// Conn is the slice of a connection the sending path needs: serialized
// control and binary writes plus the outbound queue depth the flow-control
// gate inspects.
type Conn interface {
	SendControl(msg any) error
	SendBinary(frame []byte) error
	QueuedBytes() int64
}

// Sender streams local files over one connection in response to download
// requests. Safe for concurrent Run calls; chunks of concurrent transfers
// interleave on the wire and are kept apart by request id.
type Sender struct {
	conn        Conn
	gate        flowcontrol.Gate
	pool        *bufpool.Pool
	logger      *slog.Logger
	defaultPath string
	chunkSize   int
	now         func() time.Time
}

// NewSender builds the sending path for one connection. chunkSize is the
// default when a request does not name one; defaultPath is the source used
// when a request carries no file key.
func NewSender(conn Conn, defaultPath string, chunkSize int, logger *slog.Logger) *Sender {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &Sender{
		conn:        conn,
		pool:        bufpool.New(chunkSize),
		logger:      logger,
		defaultPath: defaultPath,
		chunkSize:   chunkSize,
		now:         time.Now,
	}
}

// Run executes one download request end to end: announce, stream chunks
// under flow control, finish with the digest. It returns ErrSourceNotFound
// (after reporting it to the counterpart) when the source does not exist.
// The returned checksum is the lowercase hex SHA-256 of the source.
func (s *Sender) Run(ctx context.Context, req protocol.DownloadRequest) (checksum string, err error) {
	path := req.FileKey
	if path == "" {
		path = s.defaultPath
	}

	src, err := os.Open(path)
	if err != nil {
		s.logger.Warn("cannot open source", "request_id", req.RequestID, "path", path, "error", err)
		msg := "file_open_failed"
		if errors.Is(err, fs.ErrNotExist) {
			msg = "file_not_found"
		}
		sendErr := s.conn.SendControl(protocol.ErrorMessage{
			Type:      protocol.KindError,
			RequestID: req.RequestID,
			Message:   msg,
		})
		if sendErr != nil {
			return "", fmt.Errorf("report unreadable source: %w", sendErr)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrSourceNotFound
		}
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	err = s.conn.SendControl(protocol.UploadStart{
		Type:      protocol.KindUploadStart,
		RequestID: req.RequestID,
		Filename:  path,
		Filesize:  info.Size(),
	})
	if err != nil {
		return "", fmt.Errorf("send upload_start: %w", err)
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}
	buf := s.buffer(chunkSize)
	defer s.release(buf)

	digest := sha256.New()
	meter := progress.NewMeter()
	meter.Start(info.Size())
	var seq uint64
	var sent int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			seq++
			digest.Write(buf[:n])

			frame := protocol.EncodeFrame(protocol.FrameMeta{
				RequestID: req.RequestID,
				Seq:       seq,
				Timestamp: s.now().UnixMilli(),
			}, buf[:n])

			if err := s.gate.Wait(ctx, s.conn.QueuedBytes); err != nil {
				return "", err
			}
			if err := s.conn.SendBinary(frame); err != nil {
				return "", fmt.Errorf("send chunk %d: %w", seq, err)
			}
			sent += int64(n)
			meter.Add(n)
			if seq%64 == 0 {
				stats := meter.Snapshot()
				s.logger.Debug("upload progress",
					"request_id", req.RequestID,
					"bytes", stats.BytesDone,
					"percent", fmt.Sprintf("%.1f", stats.Percent),
					"rate_bps", fmt.Sprintf("%.0f", stats.RateBps))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read source: %w", readErr)
		}
	}

	checksum = hex.EncodeToString(digest.Sum(nil))
	err = s.conn.SendControl(protocol.UploadEnd{
		Type:      protocol.KindUploadEnd,
		RequestID: req.RequestID,
		Checksum:  checksum,
		Filesize:  sent,
	})
	if err != nil {
		return "", fmt.Errorf("send upload_end: %w", err)
	}

	stats := meter.Snapshot()
	s.logger.Info("upload complete",
		"request_id", req.RequestID,
		"path", path,
		"bytes", sent,
		"chunks", seq,
		"elapsed", stats.Elapsed,
		"checksum", checksum)
	return checksum, nil
}

func (s *Sender) buffer(chunkSize int) []byte {
	if chunkSize == s.pool.BufSize() {
		return s.pool.Get()
	}
	return make([]byte, chunkSize)
}

func (s *Sender) release(buf []byte) {
	if cap(buf) >= s.pool.BufSize() {
		s.pool.Put(buf)
	}
}
