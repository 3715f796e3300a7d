package transfer

// Status tracks a transfer record through its lifecycle. Completed, Failed
// and Abandoned are terminal; a record leaves the active set on any of them.
type Status int

const (
	StatusAnnounced Status = iota
	StatusStreaming
	StatusFinalizing
	StatusCompleted
	StatusFailed
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusAnnounced:
		return "announced"
	case StatusStreaming:
		return "streaming"
	case StatusFinalizing:
		return "finalizing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}
