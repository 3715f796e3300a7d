package protocol

// Control messages travel as flat JSON text over the same connection as the
// binary frames, discriminated by the "type" field. Each struct carries its
// own Type so it marshals directly to the wire form; senders set it to the
// matching Kind constant.

// Hello is the server's greeting, sent once right after a connection is
// accepted.
type Hello struct {
	Type       string `json:"type"`
	ServerTime string `json:"serverTime"`
}

// RegisterMeta carries a client's self-description, sent once per connection.
type RegisterMeta struct {
	Type string         `json:"type"`
	Meta map[string]any `json:"meta"`
}

// Heartbeat is the periodic liveness signal. TS is Unix milliseconds.
type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// DownloadRequest asks a client to stream a file back to the server.
// FileKey selects the source; empty means the client's configured default.
// ChunkSize of 0 means the client's configured default.
type DownloadRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	FileKey   string `json:"fileKey,omitempty"`
	ChunkSize int    `json:"chunkSize,omitempty"`
}

// UploadStart announces that chunk frames for a transfer are about to follow.
type UploadStart struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Filename  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
}

// UploadEnd terminates a transfer. Checksum is the lowercase hex SHA-256 of
// the full source content.
type UploadEnd struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Checksum  string `json:"checksum"`
	Filesize  int64  `json:"filesize"`
}

// UploadReceived is the server's acknowledgment of a finalized transfer,
// carrying the digest it computed over the received bytes.
type UploadReceived struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Computed  string `json:"computed"`
	OK        bool   `json:"ok"`
}

// ErrorMessage reports a failure to the counterpart, e.g. a missing source
// file for a download request.
type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}
