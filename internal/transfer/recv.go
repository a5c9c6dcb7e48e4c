package transfer

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/pindrop/internal/chunker"
	"github.com/rudransh-shrivastava/pindrop/internal/protocol"
)

type recvState struct {
	id          string
	fileName    string
	fileType    string
	fileSize    int64
	totalChunks int
	received    map[int][]byte
	bytes       int64
	started     time.Time
	lastEmit    time.Time
	timer       *time.Timer
}

func (st *recvState) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (e *Engine) handleFileStart(ctrl *protocol.Control) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.recvs[ctrl.FileID]; exists {
		e.log.Warnf("peer %s: duplicate file-start for %s, ignoring", e.peerID, ctrl.FileID)
		return
	}

	st := &recvState{
		id:          ctrl.FileID,
		fileName:    ctrl.FileName,
		fileType:    ctrl.FileType,
		fileSize:    ctrl.FileSize,
		totalChunks: ctrl.TotalChunks,
		received:    make(map[int][]byte, ctrl.TotalChunks),
		started:     e.now(),
	}
	st.timer = time.AfterFunc(e.recvTimeout, func() { e.recvTimedOut(ctrl.FileID) })
	e.recvs[ctrl.FileID] = st

	e.log.Infof("peer %s: receiving %s (%d bytes, %d chunks)",
		e.peerID, st.fileName, st.fileSize, st.totalChunks)
}

// handleChunkMeta primes the engine so that the next binary frame is
// attributed to this chunk. The channel is ordered, so the binary frame
// the sender wrote immediately after this meta is the next one we see.
func (e *Engine) handleChunkMeta(ctrl *protocol.Control) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingMeta != nil {
		e.log.Warnf("peer %s: chunk meta %d/%s arrived while chunk %d/%s is unpaired, dropping the older one",
			e.peerID, ctrl.ChunkIndex, ctrl.FileID, e.pendingMeta.ChunkIndex, e.pendingMeta.FileID)
	}
	e.pendingMeta = ctrl
}

// HandleBinary processes one raw chunk frame. A binary frame with no
// preceding meta is a protocol violation and is dropped.
func (e *Engine) HandleBinary(data []byte) {
	e.mu.Lock()

	meta := e.pendingMeta
	e.pendingMeta = nil
	if meta == nil {
		e.mu.Unlock()
		e.log.Warnf("peer %s: binary frame without chunk meta, dropping %d bytes", e.peerID, len(data))
		return
	}

	st, ok := e.recvs[meta.FileID]
	if !ok {
		e.mu.Unlock()
		e.log.Warnf("peer %s: chunk %d for unknown transfer %s, dropping", e.peerID, meta.ChunkIndex, meta.FileID)
		return
	}

	if _, dup := st.received[meta.ChunkIndex]; !dup {
		// Copy: the transport may reuse the frame buffer.
		buf := make([]byte, len(data))
		copy(buf, data)
		st.received[meta.ChunkIndex] = buf
		st.bytes += int64(len(data))
	}
	st.resetTimerLocked(e)

	if meta.LastChunk || time.Since(st.lastEmit) >= progressInterval {
		st.lastEmit = e.now()
		e.emitProgress(e.recvProgressLocked(st))
	}

	complete := len(st.received) == st.totalChunks
	e.mu.Unlock()

	if complete {
		e.finishRecv(meta.FileID)
	}
}

// handleFileComplete covers the case where the sender's file-complete
// arrives after every chunk was already stored (assembly is triggered
// by whichever condition is met last). With chunks still missing it is
// a no-op; the inactivity timer decides the transfer's fate.
func (e *Engine) handleFileComplete(ctrl *protocol.Control) {
	e.mu.Lock()
	st, ok := e.recvs[ctrl.FileID]
	complete := ok && len(st.received) == st.totalChunks
	e.mu.Unlock()

	if !ok {
		e.log.Warnf("peer %s: file-complete for unknown transfer %s", e.peerID, ctrl.FileID)
		return
	}
	if complete {
		e.finishRecv(ctrl.FileID)
	}
}

// finishRecv reassembles, hands the file to the owner and acks the
// sender with transfer-complete.
func (e *Engine) finishRecv(fileID string) {
	e.mu.Lock()
	st, ok := e.recvs[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.stopTimer()
	delete(e.recvs, fileID)

	data, err := chunker.Reassemble(st.received, st.totalChunks)
	if err != nil {
		onFailed := e.onFailed
		e.mu.Unlock()
		e.log.Warnf("peer %s: reassembly of %s failed: %v", e.peerID, st.fileName, err)
		if onFailed != nil {
			onFailed(fileID, st.fileName, err)
		}
		return
	}

	ack := &protocol.Control{
		Type:      protocol.MsgTransferComplete,
		FileID:    fileID,
		FileName:  st.fileName,
		Timestamp: e.now().UnixMilli(),
	}
	ackErr := fmt.Errorf("no channel")
	if e.ch != nil {
		ackErr = e.sendControlLocked(ack)
	}
	onReceived := e.onReceived
	e.mu.Unlock()

	if ackErr != nil {
		e.log.Warnf("peer %s: failed to ack %s: %v", e.peerID, st.fileName, ackErr)
	}
	e.log.Infof("peer %s: received %s (%d bytes)", e.peerID, st.fileName, len(data))

	if onReceived != nil {
		onReceived(ReceivedFile{
			FileID:   fileID,
			FileName: st.fileName,
			FileType: st.fileType,
			PeerID:   e.peerID,
			Data:     data,
		})
	}
}

func (e *Engine) recvTimedOut(fileID string) {
	e.mu.Lock()
	st, ok := e.recvs[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.stopTimer()
	delete(e.recvs, fileID)
	onFailed := e.onFailed
	missing := st.totalChunks - len(st.received)
	e.mu.Unlock()

	err := fmt.Errorf("no chunks for %s, %d of %d still missing", e.recvTimeout, missing, st.totalChunks)
	e.log.Warnf("peer %s: receive of %s timed out: %v", e.peerID, st.fileName, err)
	if onFailed != nil {
		onFailed(fileID, st.fileName, err)
	}
}

func (st *recvState) resetTimerLocked(e *Engine) {
	if st.timer != nil {
		st.timer.Stop()
	}
	id := st.id
	st.timer = time.AfterFunc(e.recvTimeout, func() { e.recvTimedOut(id) })
}

func (e *Engine) recvProgressLocked(st *recvState) Progress {
	return Progress{
		FileID:      st.id,
		FileName:    st.fileName,
		Bytes:       st.bytes,
		TotalBytes:  st.fileSize,
		Percent:     percent(st.bytes, st.fileSize),
		ChunksDone:  len(st.received),
		TotalChunks: st.totalChunks,
		Throughput:  throughput(st.bytes, st.started),
		Completed:   len(st.received) == st.totalChunks,
	}
}
