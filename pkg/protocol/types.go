package protocol

// Control message kinds. Unknown kinds must be tolerated by every receiver.
const (
	KindHello           = "hello"
	KindRegisterMeta    = "register_meta"
	KindHeartbeat       = "heartbeat"
	KindDownloadRequest = "download_request"
	KindUploadStart     = "upload_start"
	KindUploadEnd       = "upload_end"
	KindUploadReceived  = "upload_received"
	KindError           = "error"
)

// WebSocket close codes used during the connection handshake.
const (
	CloseUnauthorized    = 4001
	CloseMissingClientID = 4002
)
