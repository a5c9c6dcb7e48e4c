package transfer

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/pindrop/internal/chunker"
	"github.com/rudransh-shrivastava/pindrop/internal/logger"
	"github.com/rudransh-shrivastava/pindrop/internal/protocol"
)

type wireFrame struct {
	text bool
	data []byte
}

// fakeChannel records frames and simulates the transport's send
// backlog: every Send grows the buffered amount until the test drains
// it.
type fakeChannel struct {
	mu        sync.Mutex
	frames    []wireFrame
	buffered  uint64
	threshold uint64
	onLow     func()
	countBuf  bool
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, wireFrame{data: buf})
	if c.countBuf {
		c.buffered += uint64(len(data))
	}
	return nil
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, wireFrame{text: true, data: []byte(s)})
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(th uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = th
}

func (c *fakeChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = f
}

// drainTo delivers every recorded frame to the remote engine and
// returns how many were delivered.
func (c *fakeChannel) drainTo(e *Engine) int {
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()

	for _, f := range frames {
		if f.text {
			e.HandleText(f.data)
		} else {
			e.HandleBinary(f.data)
		}
	}
	return len(frames)
}

func (c *fakeChannel) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if !f.text {
			n++
		}
	}
	return n
}

func (c *fakeChannel) chunkMetaIndices(t *testing.T) []int {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var indices []int
	for _, f := range c.frames {
		if !f.text {
			continue
		}
		ctrl, err := protocol.Decode(f.data)
		if err != nil {
			t.Fatalf("undecodable control frame: %v", err)
		}
		if ctrl.Type == protocol.MsgFileChunkMeta {
			indices = append(indices, ctrl.ChunkIndex)
		}
	}
	return indices
}

type pair struct {
	sender   *Engine
	receiver *Engine
	sendCh   *fakeChannel
	recvCh   *fakeChannel

	mu        sync.Mutex
	received  []ReceivedFile
	delivered []string
	failed    []string
}

func newPair(t *testing.T) *pair {
	t.Helper()
	log := logger.NewLogger()
	p := &pair{sendCh: &fakeChannel{}, recvCh: &fakeChannel{}}

	p.sender = NewEngine(Options{
		PeerID: "receiver-peer",
		Logger: log,
		OnDelivered: func(fileID, fileName string) {
			p.mu.Lock()
			p.delivered = append(p.delivered, fileID)
			p.mu.Unlock()
		},
		OnFailed: func(fileID, fileName string, err error) {
			p.mu.Lock()
			p.failed = append(p.failed, fileID)
			p.mu.Unlock()
		},
	})
	p.receiver = NewEngine(Options{
		PeerID: "sender-peer",
		Logger: log,
		OnReceived: func(f ReceivedFile) {
			p.mu.Lock()
			p.received = append(p.received, f)
			p.mu.Unlock()
		},
	})

	p.sender.AttachChannel(p.sendCh)
	p.receiver.AttachChannel(p.recvCh)
	return p
}

// shuttle moves frames back and forth until the wire goes quiet.
func (p *pair) shuttle() {
	for {
		n := p.sendCh.drainTo(p.receiver)
		n += p.recvCh.drainTo(p.sender)
		if n == 0 {
			return
		}
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	p := newPair(t)

	data := make([]byte, 300*chunker.KiB)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := p.sender.Send(&File{Name: "photo.png", Type: "image/png", Data: data}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.shuttle()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) != 1 {
		t.Fatalf("expected 1 received file, got %d", len(p.received))
	}
	got := p.received[0]
	if got.FileName != "photo.png" || got.FileType != "image/png" {
		t.Errorf("unexpected file identity: %q %q", got.FileName, got.FileType)
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("received data does not match sent data")
	}
	if len(p.delivered) != 1 || p.delivered[0] != got.FileID {
		t.Errorf("expected delivery ack for %s, got %v", got.FileID, p.delivered)
	}
}

func TestSendEmptyFile(t *testing.T) {
	p := newPair(t)

	if err := p.sender.Send(&File{Name: "empty.txt", Type: "text/plain"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.shuttle()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) != 1 {
		t.Fatalf("expected 1 received file, got %d", len(p.received))
	}
	if len(p.received[0].Data) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(p.received[0].Data))
	}
	if len(p.delivered) != 1 {
		t.Errorf("expected delivery ack, got %v", p.delivered)
	}
}

func TestSendPausesAtHighWatermarkAndResumes(t *testing.T) {
	log := logger.NewLogger()
	ch := &fakeChannel{countBuf: true}

	var pausedSeen bool
	e := NewEngine(Options{
		PeerID: "remote",
		Logger: log,
		OnProgress: func(p Progress) {
			if p.Paused {
				pausedSeen = true
			}
		},
	})
	e.AttachChannel(ch)

	if ch.threshold != LowWaterMark {
		t.Fatalf("expected low threshold %d, got %d", LowWaterMark, ch.threshold)
	}

	data := make([]byte, 4*chunker.MiB)
	if err := e.Send(&File{Name: "big.bin", Data: data}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	totalChunks := chunker.TotalChunks(int64(len(data)), chunker.ChunkSizeFor(int64(len(data))))
	sentBefore := ch.binaryCount()
	if sentBefore >= totalChunks {
		t.Fatalf("expected the send to pause before all %d chunks, but %d were sent", totalChunks, sentBefore)
	}
	if !pausedSeen {
		t.Errorf("expected a paused progress report")
	}

	// Drain the simulated backlog and fire the low-watermark signal the
	// way the transport would.
	ch.mu.Lock()
	ch.buffered = 0
	onLow := ch.onLow
	ch.mu.Unlock()
	onLow()

	// The backlog refills past the watermark again, so resume may pause
	// more than once before the file is through.
	for ch.binaryCount() < totalChunks {
		before := ch.binaryCount()
		ch.mu.Lock()
		ch.buffered = 0
		ch.mu.Unlock()
		onLow()
		if ch.binaryCount() == before {
			t.Fatalf("no progress after resume: stuck at %d of %d chunks", before, totalChunks)
		}
	}

	indices := ch.chunkMetaIndices(t)
	if len(indices) != totalChunks {
		t.Fatalf("expected %d chunk metas, got %d", totalChunks, len(indices))
	}
	for i, idx := range indices {
		if idx != i {
			t.Fatalf("chunk %d sent out of order or duplicated (index %d); resume must continue at the paused index", i, idx)
		}
	}
}

func TestSecondSendWaitsForFirst(t *testing.T) {
	log := logger.NewLogger()
	ch := &fakeChannel{countBuf: true}
	e := NewEngine(Options{PeerID: "remote", Logger: log})
	e.AttachChannel(ch)

	data := make([]byte, 4*chunker.MiB)
	if err := e.SendAs("file-a", &File{Name: "first.bin", Data: data}); err != nil {
		t.Fatalf("first SendAs: %v", err)
	}
	if err := e.SendAs("file-b", &File{Name: "second.bin", Data: data}); err != nil {
		t.Fatalf("second SendAs: %v", err)
	}

	perFile := chunker.TotalChunks(int64(len(data)), chunker.ChunkSizeFor(int64(len(data))))
	total := 2 * perFile

	// Drain the simulated backlog until both transfers are through. If
	// a paused send is ever orphaned by the low-watermark signal, the
	// chunk count stops growing and the test fails here.
	for ch.binaryCount() < total {
		before := ch.binaryCount()
		ch.mu.Lock()
		ch.buffered = 0
		onLow := ch.onLow
		ch.mu.Unlock()
		onLow()
		if ch.binaryCount() == before {
			t.Fatalf("transfers stalled at %d of %d chunks", before, total)
		}
	}

	// One send drains the wire at a time: all of first.bin, including
	// its file-complete, goes out before second.bin's file-start.
	type event struct {
		typ    protocol.ControlType
		fileID string
		index  int
	}
	var events []event
	ch.mu.Lock()
	for _, f := range ch.frames {
		if !f.text {
			continue
		}
		ctrl, err := protocol.Decode(f.data)
		if err != nil {
			ch.mu.Unlock()
			t.Fatalf("undecodable control frame: %v", err)
		}
		events = append(events, event{ctrl.Type, ctrl.FileID, ctrl.ChunkIndex})
	}
	ch.mu.Unlock()

	firstComplete, secondStart := -1, -1
	next := map[string]int{"file-a": 0, "file-b": 0}
	for i, ev := range events {
		switch ev.typ {
		case protocol.MsgFileComplete:
			if ev.fileID == "file-a" {
				firstComplete = i
			}
		case protocol.MsgFileStart:
			if ev.fileID == "file-b" {
				secondStart = i
			}
		case protocol.MsgFileChunkMeta:
			if ev.index != next[ev.fileID] {
				t.Fatalf("%s sent chunk %d, expected %d: pause must resume at the exact index",
					ev.fileID, ev.index, next[ev.fileID])
			}
			next[ev.fileID]++
		}
	}
	if next["file-a"] != perFile || next["file-b"] != perFile {
		t.Fatalf("chunk counts: file-a=%d file-b=%d, want %d each", next["file-a"], next["file-b"], perFile)
	}
	if firstComplete == -1 || secondStart == -1 || secondStart < firstComplete {
		t.Fatalf("second send started at frame %d before the first completed at frame %d",
			secondStart, firstComplete)
	}
}

func TestQueuedSendStartsOnAttach(t *testing.T) {
	log := logger.NewLogger()
	var queued []string
	e := NewEngine(Options{
		PeerID:   "remote",
		Logger:   log,
		OnQueued: func(name string) { queued = append(queued, name) },
	})

	if err := e.Send(&File{Name: "later.txt", Data: []byte("soon")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(queued) != 1 || queued[0] != "later.txt" {
		t.Fatalf("expected later.txt to be queued, got %v", queued)
	}

	ch := &fakeChannel{}
	e.AttachChannel(ch)

	ch.mu.Lock()
	frames := len(ch.frames)
	ch.mu.Unlock()
	if frames == 0 {
		t.Fatalf("expected queued send to start on attach")
	}

	ch.mu.Lock()
	first := ch.frames[0]
	ch.mu.Unlock()
	if !first.text {
		t.Fatalf("expected first frame to be a control message")
	}
	start, err := protocol.Decode(first.data)
	if err != nil {
		t.Fatalf("decoding first frame: %v", err)
	}
	if start.Type != protocol.MsgFileStart || start.FileName != "later.txt" {
		t.Errorf("expected a file-start for later.txt, got %+v", start)
	}
}

func TestBinaryWithoutMetaIsDropped(t *testing.T) {
	p := newPair(t)

	p.receiver.HandleBinary([]byte("stray bytes"))

	// A stray frame must not poison the next well-formed transfer.
	if err := p.sender.Send(&File{Name: "after.txt", Data: []byte("fine")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p.shuttle()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) != 1 || string(p.received[0].Data) != "fine" {
		t.Fatalf("expected the transfer after the stray frame to succeed, got %v", p.received)
	}
}

func TestOutOfOrderChunksReassemble(t *testing.T) {
	log := logger.NewLogger()
	ch := &fakeChannel{}
	var received []ReceivedFile
	e := NewEngine(Options{
		PeerID:     "remote",
		Logger:     log,
		OnReceived: func(f ReceivedFile) { received = append(received, f) },
	})
	e.AttachChannel(ch)

	parts := [][]byte{[]byte("aaa"), []byte("bbb"), []byte("ccc")}
	deliver := func(ctrl *protocol.Control) {
		data, err := json.Marshal(ctrl)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		e.HandleText(data)
	}

	deliver(&protocol.Control{
		Type: protocol.MsgFileStart, FileID: "f1", FileName: "abc.txt",
		FileSize: 9, TotalChunks: 3, ChunkSize: 3,
	})
	for _, idx := range []int{1, 0, 2} {
		deliver(&protocol.Control{
			Type: protocol.MsgFileChunkMeta, FileID: "f1",
			ChunkIndex: idx, ChunkSize: 3, LastChunk: idx == 2,
		})
		e.HandleBinary(parts[idx])
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 received file, got %d", len(received))
	}
	if got := string(received[0].Data); got != "aaabbbccc" {
		t.Errorf("expected chunks reassembled in index order, got %q", got)
	}

	// The ack carries the identity and a timestamp.
	ch.mu.Lock()
	last := ch.frames[len(ch.frames)-1]
	ch.mu.Unlock()
	ack, err := protocol.Decode(last.data)
	if err != nil || !last.text {
		t.Fatalf("expected a trailing control frame, err=%v", err)
	}
	if ack.Type != protocol.MsgTransferComplete || ack.FileID != "f1" || ack.FileName != "abc.txt" || ack.Timestamp == 0 {
		t.Errorf("malformed transfer-complete ack: %+v", ack)
	}
}

func TestAckTimeoutFailsSend(t *testing.T) {
	log := logger.NewLogger()
	ch := &fakeChannel{}
	failedCh := make(chan string, 1)
	e := NewEngine(Options{
		PeerID:     "remote",
		Logger:     log,
		AckTimeout: 20 * time.Millisecond,
		OnFailed:   func(fileID, fileName string, err error) { failedCh <- fileName },
	})
	e.AttachChannel(ch)

	if err := e.Send(&File{Name: "unacked.txt", Data: []byte("hello")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case name := <-failedCh:
		if name != "unacked.txt" {
			t.Errorf("expected unacked.txt to fail, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatalf("send did not fail after the ack timeout")
	}
}

func TestRecvInactivityTimeout(t *testing.T) {
	log := logger.NewLogger()
	failedCh := make(chan string, 1)
	e := NewEngine(Options{
		PeerID:      "remote",
		Logger:      log,
		RecvTimeout: 20 * time.Millisecond,
		OnFailed:    func(fileID, fileName string, err error) { failedCh <- fileName },
	})
	e.AttachChannel(&fakeChannel{})

	start, err := json.Marshal(&protocol.Control{
		Type: protocol.MsgFileStart, FileID: "f1", FileName: "stalled.txt",
		FileSize: 100, TotalChunks: 5, ChunkSize: 20,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	e.HandleText(start)

	select {
	case name := <-failedCh:
		if name != "stalled.txt" {
			t.Errorf("expected stalled.txt to fail, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatalf("stalled receive did not time out")
	}
}

func TestRequestFileStartsSend(t *testing.T) {
	p := newPair(t)

	p.sender.Offer("offered-1", &File{Name: "pulled.txt", Data: []byte("pull me")})

	req, err := json.Marshal(&protocol.Control{Type: protocol.MsgRequestFile, FileID: "offered-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p.sender.HandleText(req)
	p.shuttle()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) != 1 || string(p.received[0].Data) != "pull me" {
		t.Fatalf("expected the offered file to arrive on request, got %v", p.received)
	}
	if p.received[0].FileID != "offered-1" {
		t.Errorf("expected the transfer to keep the offered id, got %s", p.received[0].FileID)
	}
}

func TestCloseAbandonsTransfers(t *testing.T) {
	log := logger.NewLogger()
	var failed []string
	var mu sync.Mutex
	e := NewEngine(Options{
		PeerID: "remote",
		Logger: log,
		OnFailed: func(fileID, fileName string, err error) {
			mu.Lock()
			failed = append(failed, fileName)
			mu.Unlock()
		},
	})
	e.AttachChannel(&fakeChannel{})

	start, err := json.Marshal(&protocol.Control{
		Type: protocol.MsgFileStart, FileID: "f1", FileName: "partial.txt",
		FileSize: 100, TotalChunks: 5, ChunkSize: 20,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	e.HandleText(start)
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0] != "partial.txt" {
		t.Fatalf("expected the in-flight receive to be abandoned, got %v", failed)
	}

	if sendErr := e.Send(&File{Name: "late.txt"}); sendErr == nil {
		t.Errorf("expected Send after Close to fail")
	}
}
