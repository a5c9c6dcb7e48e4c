package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/pindrop/internal/protocol"
)

// Options configures an Engine. All callbacks are optional.
type Options struct {
	PeerID string
	Logger *logrus.Logger

	// OnProgress reports throttled send/receive progress.
	OnProgress func(p Progress)
	// OnQueued fires when a send is accepted before any channel exists.
	OnQueued func(fileName string)
	// OnReceived fires once per fully reassembled inbound file, before
	// the transfer-complete ack is sent back.
	OnReceived func(f ReceivedFile)
	// OnDelivered fires on the sending side when the receiver's
	// transfer-complete ack arrives.
	OnDelivered func(fileID, fileName string)
	// OnFailed fires when a transfer in either direction times out or
	// is abandoned.
	OnFailed func(fileID, fileName string, err error)

	// AckTimeout and RecvTimeout default to 30s when zero.
	AckTimeout  time.Duration
	RecvTimeout time.Duration
}

// Engine runs all transfers, in both directions, for one remote peer.
// It is driven entirely by the owner: Send/Offer calls from the local
// side and HandleText/HandleBinary calls from the data channel's
// message callback. The channel guarantees ordered delivery, which is
// what makes the meta-then-binary pairing on the receive side sound.
type Engine struct {
	peerID string
	log    *logrus.Logger

	mu     sync.Mutex
	ch     Channel
	closed bool

	waiting   []queuedFile          // sends awaiting a channel or their turn on the wire
	offered   map[string]*File      // announced files servable on request
	sends     map[string]*sendState // in-flight outbound, by file id
	currentID string                // the one send currently draining the channel
	pausedID  string                // at most one paused send per channel

	recvs       map[string]*recvState // in-flight inbound, by file id
	pendingMeta *protocol.Control     // primes exactly the next binary frame

	onProgress  func(p Progress)
	onQueued    func(fileName string)
	onReceived  func(f ReceivedFile)
	onDelivered func(fileID, fileName string)
	onFailed    func(fileID, fileName string, err error)

	ackTimeout  time.Duration
	recvTimeout time.Duration

	newID func() string
	now   func() time.Time
}

type queuedFile struct {
	id   string
	file *File
}

func NewEngine(opts Options) *Engine {
	ackTimeout := opts.AckTimeout
	if ackTimeout == 0 {
		ackTimeout = DefaultAckTimeout
	}
	recvTimeout := opts.RecvTimeout
	if recvTimeout == 0 {
		recvTimeout = DefaultRecvTimeout
	}

	return &Engine{
		peerID:      opts.PeerID,
		log:         opts.Logger,
		offered:     make(map[string]*File),
		sends:       make(map[string]*sendState),
		recvs:       make(map[string]*recvState),
		onProgress:  opts.OnProgress,
		onQueued:    opts.OnQueued,
		onReceived:  opts.OnReceived,
		onDelivered: opts.OnDelivered,
		onFailed:    opts.OnFailed,
		ackTimeout:  ackTimeout,
		recvTimeout: recvTimeout,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// AttachChannel binds the engine to an open data channel, installs the
// low-watermark resume hook and starts the first send queued while no
// channel existed.
func (e *Engine) AttachChannel(ch Channel) {
	ch.SetBufferedAmountLowThreshold(LowWaterMark)
	ch.OnBufferedAmountLow(e.resume)

	e.mu.Lock()
	e.ch = ch
	e.startNextLocked()
	e.mu.Unlock()
}

// Offer registers an announced file so the remote peer can pull it with
// a request-file control message. It does not start a transfer.
func (e *Engine) Offer(fileID string, f *File) {
	e.mu.Lock()
	e.offered[fileID] = f
	e.mu.Unlock()
}

// HandleText processes one control frame from the data channel.
func (e *Engine) HandleText(data []byte) {
	ctrl, err := protocol.Decode(data)
	if err != nil {
		e.log.Warnf("peer %s: undecodable control frame: %v", e.peerID, err)
		return
	}

	switch ctrl.Type {
	case protocol.MsgFileStart:
		e.handleFileStart(ctrl)
	case protocol.MsgFileChunkMeta:
		e.handleChunkMeta(ctrl)
	case protocol.MsgFileComplete:
		e.handleFileComplete(ctrl)
	case protocol.MsgTransferComplete:
		e.handleTransferComplete(ctrl)
	case protocol.MsgRequestFile:
		e.handleRequestFile(ctrl)
	case protocol.MsgRequestChunk:
		e.handleRequestChunk(ctrl)
	default:
		e.log.Warnf("peer %s: unknown control type %q", e.peerID, ctrl.Type)
	}
}

// Close abandons every in-flight transfer in both directions and
// releases their buffers. Abandoned transfers report failed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.ch = nil
	e.offered = map[string]*File{}
	e.pendingMeta = nil
	e.currentID = ""
	e.pausedID = ""

	type abandoned struct{ id, name string }
	var dead []abandoned
	for _, q := range e.waiting {
		dead = append(dead, abandoned{q.id, q.file.Name})
	}
	e.waiting = nil
	for id, st := range e.sends {
		st.stopAckTimer()
		st.state = StateFailed
		dead = append(dead, abandoned{id, st.file.Name})
		delete(e.sends, id)
	}
	for id, st := range e.recvs {
		st.stopTimer()
		dead = append(dead, abandoned{id, st.fileName})
		delete(e.recvs, id)
	}
	onFailed := e.onFailed
	e.mu.Unlock()

	if onFailed != nil {
		for _, d := range dead {
			onFailed(d.id, d.name, fmt.Errorf("session closed"))
		}
	}
}

func (e *Engine) emitProgress(p Progress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}
