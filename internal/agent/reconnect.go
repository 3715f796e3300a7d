package agent

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State of the connection as driven by the reconnect loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reconnect policy: start at 1s, grow by 1.5x per failed attempt, cap at 30s.
const (
	initialBackoff = 1000 * time.Millisecond
	maxBackoff     = 30000 * time.Millisecond
	backoffFactor  = 1.5
)

// newBackoff builds the retry policy for the reconnect loop. Jitter is
// disabled so successive waits are exactly min(prev*1.5, 30s); Reset brings
// the next wait back to 1s after a successful connection. The policy never
// gives up on its own.
func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = backoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
