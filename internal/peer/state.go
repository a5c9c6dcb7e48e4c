package peer

// ConnectionState tracks the lifecycle of the underlying peer
// connection, independent of data channel readiness.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionNegotiating
	ConnectionConnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionNegotiating:
		return "negotiating"
	case ConnectionConnected:
		return "connected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState tracks the single logical data channel to the remote
// peer. A session is fully established only when the connection is
// connected AND the channel is open.
type ChannelState int

const (
	ChannelNone ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNone:
		return "none"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}
