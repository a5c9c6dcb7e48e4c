// Package transfer implements the chunked file transfer state machines
// that run over a peer data channel: sending with backpressure and
// pause/resume, receiving with out-of-order reassembly, and the
// end-to-end completion handshake.
package transfer

import "time"

const (
	// Outbound sends pause when the channel's unsent backlog exceeds
	// HighWaterMark and resume via the channel's low-threshold signal.
	HighWaterMark = 1024 * 1024
	LowWaterMark  = 64 * 1024

	// Progress callbacks are throttled to one per interval, except the
	// final chunk which always reports.
	progressInterval = 100 * time.Millisecond

	// The send loop yields the scheduler after this many chunks.
	yieldEvery = 5

	// DefaultAckTimeout bounds the wait for the receiver's
	// transfer-complete ack after file-complete was sent.
	DefaultAckTimeout = 30 * time.Second
	// DefaultRecvTimeout bounds chunk inactivity on the receive side.
	DefaultRecvTimeout = 30 * time.Second
)

// State is a transfer's position in its lifecycle. Failed is absorbing
// and reachable from every non-terminal state.
type State int

const (
	StateQueued State = iota
	StateStarting
	StateActive
	StatePaused
	StateCompleting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Channel is the slice of the data channel the transfer machinery
// depends on. *webrtc.DataChannel satisfies it directly.
type Channel interface {
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// File is an outbound file held in memory for the transfer's duration.
type File struct {
	Name string
	Type string
	Data []byte
}

// ReceivedFile is a fully reassembled inbound file.
type ReceivedFile struct {
	FileID   string
	FileName string
	FileType string
	PeerID   string
	Data     []byte
}

// Progress is a point-in-time snapshot of one direction of one
// transfer.
type Progress struct {
	FileID     string
	FileName   string
	Bytes      int64 // sent or received, depending on direction
	TotalBytes int64
	Percent    int
	ChunksDone int
	TotalChunks int
	Throughput int64 // bytes per second
	Paused     bool
	Completed  bool
}

func percent(done, total int64) int {
	if total == 0 {
		return 100
	}
	return int(done * 100 / total)
}

func throughput(bytes int64, since time.Time) int64 {
	elapsed := time.Since(since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(bytes) / elapsed)
}
