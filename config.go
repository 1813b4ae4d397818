package forward

import "time"

// Config holds the options recognized by the adapter (§6.4). It is built
// and passed in explicitly by the embedding application; loading it from
// a file or environment is outside this package's scope.
type Config struct {
	// WaitForDownstreamConnectionEnabled, when true, makes Start block
	// until the first downstream connect attempt succeeds.
	WaitForDownstreamConnectionEnabled bool

	// PathSeparator replaces "/" in the rewritten downstream address.
	// Defaults to "/" when empty.
	PathSeparator string

	// ConnectTimeout bounds a single downstream connect attempt.
	ConnectTimeout time.Duration

	// ReconnectAttempts caps the number of reconnect attempts; -1 means
	// unlimited, 0 disables reconnection entirely.
	ReconnectAttempts int

	// ReconnectInterval is the delay between reconnect attempts.
	ReconnectInterval time.Duration

	// AAD is copied into ConnectOptions.AAD by NewDownstreamConnector. The
	// go-amqp factory built by NewConnectionFactory does not read it; that
	// factory authenticates with the credential passed to
	// NewConnectionFactory. See internal/auth.
	AAD *AADCredential
}

// DefaultConfig returns the fixed defaults named in §4.1: 100ms connect
// timeout, unlimited reconnects, 200ms reconnect interval.
func DefaultConfig() Config {
	return Config{
		PathSeparator:     defaultPathSeparator,
		ConnectTimeout:    100 * time.Millisecond,
		ReconnectAttempts: -1,
		ReconnectInterval: 200 * time.Millisecond,
	}
}

func (c Config) pathSeparator() string {
	if c.PathSeparator == "" {
		return defaultPathSeparator
	}
	return c.PathSeparator
}

// reconnectScheduleDelay is the fixed delay before a disconnect-triggered
// reconnect is scheduled (§4.4 "Disconnect recovery", step 4). It is
// distinct from ReconnectInterval, which paces attempts *within* a single
// reconnect loop once it starts.
const reconnectScheduleDelay = 300 * time.Millisecond

// drainTimeout bounds how long the engine waits for an upstream drain to
// complete before giving up silently (§4.4 handleFlow, §5). Kept as a
// constant, matching the teacher's own treatment of hardcoded protocol
// timeouts (see DESIGN.md).
const drainTimeout = 10 * time.Second
