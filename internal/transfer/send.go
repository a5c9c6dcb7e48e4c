package transfer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rudransh-shrivastava/pindrop/internal/chunker"
	"github.com/rudransh-shrivastava/pindrop/internal/protocol"
)

type sendState struct {
	id        string
	file      *File
	state     State
	chunks    []chunker.Chunk
	next      int // index of the next chunk to put on the wire
	bytesSent int64
	started   time.Time
	lastEmit  time.Time
	ackTimer  *time.Timer
}

func (st *sendState) stopAckTimer() {
	if st.ackTimer != nil {
		st.ackTimer.Stop()
		st.ackTimer = nil
	}
}

// Send starts an outbound transfer under a fresh file id, or queues it
// if no channel is attached yet. Queued sends start automatically when
// AttachChannel runs.
func (e *Engine) Send(f *File) error {
	return e.SendAs(e.newID(), f)
}

// SendAs is Send with a caller-chosen file id, so the id on the wire
// can match the one announced to the room.
//
// The single ordered channel drains one send at a time: a send started
// while another is active or paused waits its turn in queue order, so
// the low-watermark signal always resumes the one transfer that paused.
func (e *Engine) SendAs(fileID string, f *File) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if e.ch == nil || e.currentID != "" {
		e.waiting = append(e.waiting, queuedFile{id: fileID, file: f})
		noChannel := e.ch == nil
		onQueued := e.onQueued
		e.mu.Unlock()

		if noChannel {
			e.log.Infof("peer %s: no data channel yet, queued %s", e.peerID, f.Name)
		} else {
			e.log.Infof("peer %s: transfer in progress, queued %s", e.peerID, f.Name)
		}
		if onQueued != nil {
			onQueued(f.Name)
		}
		return nil
	}

	err := e.startSendLocked(fileID, f)
	e.startNextLocked()
	e.mu.Unlock()
	return err
}

// startNextLocked starts waiting sends until one occupies the wire or
// the queue is empty.
func (e *Engine) startNextLocked() {
	for e.ch != nil && e.currentID == "" && len(e.waiting) > 0 {
		q := e.waiting[0]
		e.waiting = e.waiting[1:]
		if err := e.startSendLocked(q.id, q.file); err != nil {
			e.log.Warnf("peer %s: queued send of %s failed: %v", e.peerID, q.file.Name, err)
		}
	}
}

func (e *Engine) startSendLocked(fileID string, f *File) error {
	chunkSize := chunker.ChunkSizeFor(int64(len(f.Data)))
	st := &sendState{
		id:      fileID,
		file:    f,
		state:   StateStarting,
		chunks:  chunker.Split(f.Data, chunkSize),
		started: e.now(),
	}
	e.sends[fileID] = st
	e.currentID = fileID

	start := &protocol.Control{
		Type:        protocol.MsgFileStart,
		FileID:      st.id,
		FileName:    f.Name,
		FileSize:    int64(len(f.Data)),
		FileType:    f.Type,
		TotalChunks: len(st.chunks),
		ChunkSize:   chunkSize,
	}
	if err := e.sendControlLocked(start); err != nil {
		delete(e.sends, fileID)
		e.currentID = ""
		return fmt.Errorf("sending file-start for %s: %w", f.Name, err)
	}

	e.log.Infof("peer %s: sending %s (%d bytes, %d chunks of %d)",
		e.peerID, f.Name, len(f.Data), len(st.chunks), chunkSize)

	st.state = StateActive
	return e.pumpLocked(st)
}

// pumpLocked pushes chunks starting at st.next until the transfer is
// done or the channel backlog crosses the high watermark. A paused
// transfer resumes at exactly st.next; at most one send can be paused
// since the single ordered channel carries one active send at a time.
func (e *Engine) pumpLocked(st *sendState) error {
	for st.next < len(st.chunks) {
		if e.ch.BufferedAmount() > HighWaterMark {
			st.state = StatePaused
			e.pausedID = st.id
			e.log.Debugf("peer %s: backlog over high watermark, pausing %s at chunk %d",
				e.peerID, st.file.Name, st.next)
			e.emitProgress(e.sendProgressLocked(st))
			return nil
		}

		c := st.chunks[st.next]
		meta := &protocol.Control{
			Type:       protocol.MsgFileChunkMeta,
			FileID:     st.id,
			ChunkIndex: c.Index,
			ChunkSize:  c.Size,
			LastChunk:  c.Last,
		}
		if err := e.sendControlLocked(meta); err != nil {
			return e.failSendLocked(st, fmt.Errorf("sending chunk %d meta: %w", c.Index, err))
		}
		if err := e.ch.Send(c.Data); err != nil {
			return e.failSendLocked(st, fmt.Errorf("sending chunk %d: %w", c.Index, err))
		}

		st.next++
		st.bytesSent += int64(c.Size)

		if c.Last || time.Since(st.lastEmit) >= progressInterval {
			st.lastEmit = e.now()
			e.emitProgress(e.sendProgressLocked(st))
		}

		if st.next%yieldEvery == 0 {
			e.mu.Unlock()
			runtime.Gosched()
			e.mu.Lock()
			if e.closed || e.sends[st.id] != st {
				return nil
			}
		}
	}

	done := &protocol.Control{
		Type:   protocol.MsgFileComplete,
		FileID: st.id,
	}
	if err := e.sendControlLocked(done); err != nil {
		return e.failSendLocked(st, fmt.Errorf("sending file-complete: %w", err))
	}

	st.state = StateCompleting
	st.ackTimer = time.AfterFunc(e.ackTimeout, func() { e.ackTimedOut(st.id) })
	if e.currentID == st.id {
		e.currentID = ""
	}
	e.log.Infof("peer %s: all chunks of %s sent, awaiting ack", e.peerID, st.file.Name)
	return nil
}

// resume is the channel's buffered-amount-low callback.
func (e *Engine) resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.sends[e.pausedID]
	if !ok || e.closed {
		return
	}
	e.pausedID = ""
	st.state = StateActive
	e.log.Debugf("peer %s: backlog drained, resuming %s at chunk %d",
		e.peerID, st.file.Name, st.next)
	if err := e.pumpLocked(st); err != nil {
		e.log.Warnf("peer %s: resume of %s failed: %v", e.peerID, st.file.Name, err)
	}
	e.startNextLocked()
}

// handleTransferComplete finishes a send when the receiver acks it.
func (e *Engine) handleTransferComplete(ctrl *protocol.Control) {
	e.mu.Lock()
	st, ok := e.sends[ctrl.FileID]
	if !ok {
		e.mu.Unlock()
		e.log.Warnf("peer %s: ack for unknown transfer %s", e.peerID, ctrl.FileID)
		return
	}
	st.stopAckTimer()
	st.state = StateCompleted
	delete(e.sends, ctrl.FileID)
	name := st.file.Name
	onDelivered := e.onDelivered
	e.mu.Unlock()

	e.log.Infof("peer %s: %s delivered", e.peerID, name)
	if onDelivered != nil {
		onDelivered(ctrl.FileID, name)
	}
}

// handleRequestFile starts a send of a previously offered file, keyed
// by the id it was announced under.
func (e *Engine) handleRequestFile(ctrl *protocol.Control) {
	e.mu.Lock()
	f, ok := e.offered[ctrl.FileID]
	if !ok || e.ch == nil {
		e.mu.Unlock()
		e.log.Warnf("peer %s: request for unavailable file %s", e.peerID, ctrl.FileID)
		return
	}
	if _, active := e.sends[ctrl.FileID]; active {
		e.mu.Unlock()
		return
	}
	if e.currentID != "" {
		e.waiting = append(e.waiting, queuedFile{id: ctrl.FileID, file: f})
		e.mu.Unlock()
		return
	}
	err := e.startSendLocked(ctrl.FileID, f)
	e.startNextLocked()
	e.mu.Unlock()

	if err != nil {
		e.log.Warnf("peer %s: requested send of %s failed: %v", e.peerID, f.Name, err)
	}
}

// handleRequestChunk re-sends one chunk of an offered file.
func (e *Engine) handleRequestChunk(ctrl *protocol.Control) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.offered[ctrl.FileID]
	if !ok || e.ch == nil {
		e.log.Warnf("peer %s: chunk request for unavailable file %s", e.peerID, ctrl.FileID)
		return
	}
	chunks := chunker.Split(f.Data, chunker.ChunkSizeFor(int64(len(f.Data))))
	if ctrl.ChunkIndex < 0 || ctrl.ChunkIndex >= len(chunks) {
		e.log.Warnf("peer %s: chunk %d of %s out of range", e.peerID, ctrl.ChunkIndex, ctrl.FileID)
		return
	}

	c := chunks[ctrl.ChunkIndex]
	meta := &protocol.Control{
		Type:       protocol.MsgFileChunkMeta,
		FileID:     ctrl.FileID,
		ChunkIndex: c.Index,
		ChunkSize:  c.Size,
		LastChunk:  c.Last,
	}
	if err := e.sendControlLocked(meta); err != nil {
		e.log.Warnf("peer %s: re-sending chunk %d meta: %v", e.peerID, c.Index, err)
		return
	}
	if err := e.ch.Send(c.Data); err != nil {
		e.log.Warnf("peer %s: re-sending chunk %d: %v", e.peerID, c.Index, err)
	}
}

func (e *Engine) ackTimedOut(fileID string) {
	e.mu.Lock()
	st, ok := e.sends[fileID]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.failSendLocked(st, fmt.Errorf("no completion ack within %s", e.ackTimeout))
	e.mu.Unlock()
}

// failSendLocked moves a send to the absorbing failed state, frees it
// and notifies the owner. It returns the error for callers that
// propagate it.
func (e *Engine) failSendLocked(st *sendState, err error) error {
	st.stopAckTimer()
	st.state = StateFailed
	delete(e.sends, st.id)
	if e.pausedID == st.id {
		e.pausedID = ""
	}
	if e.currentID == st.id {
		e.currentID = ""
	}
	onFailed := e.onFailed

	e.log.Warnf("peer %s: transfer of %s failed: %v", e.peerID, st.file.Name, err)
	if onFailed != nil {
		e.mu.Unlock()
		onFailed(st.id, st.file.Name, err)
		e.mu.Lock()
	}
	return err
}

func (e *Engine) sendControlLocked(ctrl *protocol.Control) error {
	data, err := protocol.Encode(ctrl)
	if err != nil {
		return err
	}
	return e.ch.SendText(string(data))
}

func (e *Engine) sendProgressLocked(st *sendState) Progress {
	total := int64(len(st.file.Data))
	return Progress{
		FileID:      st.id,
		FileName:    st.file.Name,
		Bytes:       st.bytesSent,
		TotalBytes:  total,
		Percent:     percent(st.bytesSent, total),
		ChunksDone:  st.next,
		TotalChunks: len(st.chunks),
		Throughput:  throughput(st.bytesSent, st.started),
		Paused:      st.state == StatePaused,
		Completed:   st.next == len(st.chunks),
	}
}
