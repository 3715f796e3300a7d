package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameMeta is the metadata block carried by every binary chunk frame.
// Seq is 1-based and strictly increasing within one transfer; Timestamp is
// Unix milliseconds at the time the chunk was framed.
type FrameMeta struct {
	RequestID string `json:"requestId"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// Frame decode failures. A malformed frame is dropped by the caller; it never
// tears down the connection.
var (
	ErrFrameTooShort    = errors.New("frame shorter than length prefix")
	ErrIncompleteHeader = errors.New("frame metadata extends past buffer end")
	ErrMetadataParse    = errors.New("frame metadata is not valid JSON")
)

// EncodeFrame packs metadata and payload into one self-delimiting binary
// frame: a big-endian uint32 metadata length, the metadata as UTF-8 JSON,
// then the raw payload bytes. The payload is copied, so callers may reuse
// their buffer after EncodeFrame returns.
func EncodeFrame(meta FrameMeta, payload []byte) []byte {
	header, err := json.Marshal(meta)
	if err != nil {
		// FrameMeta has no unmarshalable fields.
		panic(fmt.Sprintf("marshal frame metadata: %v", err))
	}
	buf := make([]byte, 4+len(header)+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(header)))
	copy(buf[4:], header)
	copy(buf[4+len(header):], payload)
	return buf
}

// DecodeFrame splits a binary frame into its metadata and payload. A
// zero-length payload is valid. The returned payload aliases buf.
func DecodeFrame(buf []byte) (FrameMeta, []byte, error) {
	if len(buf) < 4 {
		return FrameMeta{}, nil, ErrFrameTooShort
	}
	headerLen := binary.BigEndian.Uint32(buf[:4])
	if uint64(len(buf)) < 4+uint64(headerLen) {
		return FrameMeta{}, nil, ErrIncompleteHeader
	}
	end := 4 + int(headerLen)
	var meta FrameMeta
	if err := json.Unmarshal(buf[4:end], &meta); err != nil {
		return FrameMeta{}, nil, fmt.Errorf("%w: %v", ErrMetadataParse, err)
	}
	return meta, buf[end:], nil
}
