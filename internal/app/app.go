// Package app wires the relay client, the peer session and the
// transfer engine into one file-sharing participant.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/pindrop/internal/chunker"
	"github.com/rudransh-shrivastava/pindrop/internal/client"
	"github.com/rudransh-shrivastava/pindrop/internal/peer"
	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
	"github.com/rudransh-shrivastava/pindrop/internal/store"
	"github.com/rudransh-shrivastava/pindrop/internal/transfer"
)

// Events surface app-level happenings to the UI. Nil handlers are
// skipped.
type Events struct {
	OnRoomCreated      func(pin string)
	OnRoomJoined       func(pin string)
	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	OnFileAvailable    func(fileName string, fileSize int64)
	OnProgress         func(p transfer.Progress)
	OnFileSaved        func(path string, f transfer.ReceivedFile)
	OnDelivered        func(fileName string)
	OnTransferFailed   func(fileName string, err error)
	OnServerError      func(message string)
}

type Options struct {
	RelayURL    string
	DownloadDir string
	// HistoryPath is the sqlite file for transfer history; empty
	// disables history.
	HistoryPath string
	Logger      *logrus.Logger
	Events      Events
}

// App is one participant: it holds the relay connection, at most one
// peer session and that session's transfer engine.
type App struct {
	log    *logrus.Logger
	opts   Options
	client *client.Client
	store  *store.Store

	mu          sync.Mutex
	session     *peer.Session
	engine      *transfer.Engine
	remoteID    string
	staged      []*stagedFile
	sendStarted map[string]time.Time
}

type stagedFile struct {
	id        string
	file      *transfer.File
	announced bool
}

func New(opts Options) (*App, error) {
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}

	a := &App{
		log:         opts.Logger,
		opts:        opts,
		sendStarted: make(map[string]time.Time),
	}

	if opts.HistoryPath != "" {
		st, err := store.NewStore(opts.HistoryPath)
		if err != nil {
			return nil, err
		}
		a.store = st
	}
	return a, nil
}

// Start connects to the relay. The app reacts to relay events from
// here on; CreateRoom or JoinRoom picks its role.
func (a *App) Start(ctx context.Context) error {
	c, err := client.Dial(ctx, client.Options{
		URL:    a.opts.RelayURL,
		Logger: a.log,
		Events: client.Events{
			OnRoomCreated:      a.onRoomCreated,
			OnRoomJoined:       a.onRoomJoined,
			OnPeerJoined:       a.onPeerJoined,
			OnPeerDisconnected: a.onPeerDisconnected,
			OnHostAssigned:     a.onHostAssigned,
			OnOffer:            a.onOffer,
			OnAnswer:           a.onAnswer,
			OnCandidate:        a.onCandidate,
			OnFileAvailable:    a.onFileAvailable,
			OnRoomExpired:      a.onRoomExpired,
			OnServerError:      a.onServerError,
		},
	})
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func (a *App) CreateRoom() error {
	return a.client.CreateRoom()
}

func (a *App) JoinRoom(pin string) error {
	return a.client.JoinRoom(pin)
}

// ShareFile loads a file and sends it to the connected peer, or stages
// it until a peer session is established.
func (a *App) ShareFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	fileType := mime.TypeByExtension(filepath.Ext(path))
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	f := &transfer.File{
		Name: filepath.Base(path),
		Type: fileType,
		Data: data,
	}
	fileID := uuid.NewString()

	announced := a.announce(fileID, f)

	a.mu.Lock()
	engine := a.engine
	if engine == nil {
		a.staged = append(a.staged, &stagedFile{id: fileID, file: f, announced: announced})
		a.mu.Unlock()
		a.log.Infof("no peer connected yet, staged %s", f.Name)
		return nil
	}
	a.sendStarted[fileID] = time.Now()
	a.mu.Unlock()

	engine.Offer(fileID, f)
	return engine.SendAs(fileID, f)
}

// History returns the most recent transfer records, newest first.
func (a *App) History(limit int) ([]store.TransferRecord, error) {
	if a.store == nil {
		return nil, fmt.Errorf("history is disabled")
	}
	return a.store.List(limit)
}

func (a *App) Close() error {
	a.teardownSession("shutting down")
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// announce publishes the file's manifest to the room. Returns false
// when there is no room to announce to yet.
func (a *App) announce(fileID string, f *transfer.File) bool {
	pin, _, _ := a.client.Room()
	if pin == "" {
		return false
	}
	chunkSize := chunker.ChunkSizeFor(int64(len(f.Data)))
	m := chunker.BuildManifest(fileID, f.Name, f.Type, f.Data, chunkSize)
	if err := a.client.AnnounceFile(m); err != nil {
		a.log.Warnf("announcing %s: %v", f.Name, err)
		return false
	}
	return true
}

func (a *App) onRoomCreated(pin string) {
	a.log.Infof("room %s created, waiting for a peer", pin)
	if a.opts.Events.OnRoomCreated != nil {
		a.opts.Events.OnRoomCreated(pin)
	}
}

func (a *App) onRoomJoined(pin string, _ signaling.RoomStatus) {
	a.log.Infof("joined room %s", pin)
	if a.opts.Events.OnRoomJoined != nil {
		a.opts.Events.OnRoomJoined(pin)
	}
}

// onPeerJoined fires on the host when the guest arrives; the host
// creates the session and opens negotiation.
func (a *App) onPeerJoined(peerID string, _ signaling.RoomStatus) {
	a.log.Infof("peer %s joined the room", peerID)
	session, err := a.startSession(peerID, true)
	if err != nil {
		a.log.Errorf("starting session with %s: %v", peerID, err)
		return
	}
	if err := session.StartNegotiation(); err != nil {
		a.log.Errorf("negotiating with %s: %v", peerID, err)
		a.teardownSession("negotiation failed")
	}
}

func (a *App) onPeerDisconnected(peerID string, wasHost bool, _ signaling.RoomStatus) {
	a.log.Infof("peer %s left the room", peerID)
	a.teardownSession("peer disconnected")
	if a.opts.Events.OnPeerDisconnected != nil {
		a.opts.Events.OnPeerDisconnected(peerID)
	}
}

func (a *App) onHostAssigned() {
	a.log.Info("promoted to room host")
}

func (a *App) onOffer(sourceID string, raw json.RawMessage) {
	session, err := a.ensureSession(sourceID)
	if err != nil {
		a.log.Errorf("session for offer from %s: %v", sourceID, err)
		return
	}

	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		a.log.Warnf("malformed offer from %s: %v", sourceID, err)
		return
	}
	if err := session.HandleOffer(sd); err != nil {
		a.log.Errorf("handling offer from %s: %v", sourceID, err)
		a.teardownSession("offer handling failed")
	}
}

func (a *App) onAnswer(sourceID string, raw json.RawMessage) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		a.log.Warnf("answer from %s with no session", sourceID)
		return
	}

	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		a.log.Warnf("malformed answer from %s: %v", sourceID, err)
		return
	}
	if err := session.HandleAnswer(sd); err != nil {
		a.log.Errorf("handling answer from %s: %v", sourceID, err)
	}
}

func (a *App) onCandidate(sourceID string, raw json.RawMessage) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		a.log.Debugf("candidate from %s with no session, dropping", sourceID)
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		a.log.Warnf("malformed candidate from %s: %v", sourceID, err)
		return
	}
	if err := session.AddICECandidate(cand); err != nil {
		a.log.Warnf("applying candidate from %s: %v", sourceID, err)
	}
}

func (a *App) onFileAvailable(sourceID, fileID, fileName string, fileSize int64, fileType string) {
	a.log.Infof("peer offers %s (%d bytes)", fileName, fileSize)
	if a.opts.Events.OnFileAvailable != nil {
		a.opts.Events.OnFileAvailable(fileName, fileSize)
	}
}

func (a *App) onRoomExpired(pin string) {
	a.log.Warnf("room %s expired", pin)
	a.teardownSession("room expired")
}

func (a *App) onServerError(msg string) {
	if a.opts.Events.OnServerError != nil {
		a.opts.Events.OnServerError(msg)
	}
}

// ensureSession returns the live session, creating a guest-side one if
// none exists yet.
func (a *App) ensureSession(peerID string) (*peer.Session, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		return session, nil
	}
	return a.startSession(peerID, false)
}

func (a *App) startSession(peerID string, isHost bool) (*peer.Session, error) {
	engine := transfer.NewEngine(transfer.Options{
		PeerID:      peerID,
		Logger:      a.log,
		OnProgress:  a.opts.Events.OnProgress,
		OnReceived:  a.saveReceived,
		OnDelivered: a.onDelivered,
		OnFailed:    a.onTransferFailed,
	})

	session, err := peer.NewSession(peer.Options{
		PeerID:   peerID,
		IsHost:   isHost,
		Signaler: &signaler{client: a.client},
		Logger:   a.log,
		OnEstablished: func() {
			a.log.Infof("connected to peer %s", peerID)
			if a.opts.Events.OnPeerConnected != nil {
				a.opts.Events.OnPeerConnected(peerID)
			}
			a.drainStaged(engine)
		},
		OnChannelOpen: func(dc *webrtc.DataChannel) {
			engine.AttachChannel(dc)
		},
		OnMessage: func(msg webrtc.DataChannelMessage) {
			if msg.IsString {
				engine.HandleText(msg.Data)
			} else {
				engine.HandleBinary(msg.Data)
			}
		},
		OnFailed: func() {
			a.log.Warnf("connection to %s is dead", peerID)
			a.teardownSession("connection failed")
		},
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	a.mu.Lock()
	a.session = session
	a.engine = engine
	a.remoteID = peerID
	a.mu.Unlock()
	return session, nil
}

// drainStaged pushes every file staged before the session existed.
func (a *App) drainStaged(engine *transfer.Engine) {
	a.mu.Lock()
	staged := a.staged
	a.staged = nil
	for _, s := range staged {
		a.sendStarted[s.id] = time.Now()
	}
	a.mu.Unlock()

	for _, s := range staged {
		if !s.announced {
			a.announce(s.id, s.file)
		}
		engine.Offer(s.id, s.file)
		if err := engine.SendAs(s.id, s.file); err != nil {
			a.log.Warnf("sending staged %s: %v", s.file.Name, err)
		}
	}
}

func (a *App) teardownSession(reason string) {
	a.mu.Lock()
	session := a.session
	engine := a.engine
	a.session = nil
	a.engine = nil
	a.remoteID = ""
	a.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
	if session != nil {
		a.log.Debugf("closing peer session: %s", reason)
		_ = session.Close()
	}
}

// saveReceived writes a reassembled file into the download directory,
// never clobbering an existing file.
func (a *App) saveReceived(f transfer.ReceivedFile) {
	path := uniquePath(a.opts.DownloadDir, f.FileName)
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		a.log.Errorf("saving %s: %v", f.FileName, err)
		if a.opts.Events.OnTransferFailed != nil {
			a.opts.Events.OnTransferFailed(f.FileName, err)
		}
		return
	}

	a.record(&store.TransferRecord{
		FileID:     f.FileID,
		FileName:   f.FileName,
		FileSize:   int64(len(f.Data)),
		Direction:  store.DirectionReceived,
		PeerID:     f.PeerID,
		Status:     store.StatusCompleted,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	})

	a.log.Infof("saved %s", path)
	if a.opts.Events.OnFileSaved != nil {
		a.opts.Events.OnFileSaved(path, f)
	}
}

func (a *App) onDelivered(fileID, fileName string) {
	a.mu.Lock()
	started, ok := a.sendStarted[fileID]
	delete(a.sendStarted, fileID)
	remoteID := a.remoteID
	a.mu.Unlock()
	if !ok {
		started = time.Now()
	}

	a.record(&store.TransferRecord{
		FileID:     fileID,
		FileName:   fileName,
		Direction:  store.DirectionSent,
		PeerID:     remoteID,
		Status:     store.StatusCompleted,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})

	if a.opts.Events.OnDelivered != nil {
		a.opts.Events.OnDelivered(fileName)
	}
}

func (a *App) onTransferFailed(fileID, fileName string, err error) {
	a.mu.Lock()
	started, ok := a.sendStarted[fileID]
	delete(a.sendStarted, fileID)
	remoteID := a.remoteID
	a.mu.Unlock()

	direction := store.DirectionReceived
	if ok {
		direction = store.DirectionSent
	} else {
		started = time.Now()
	}

	a.record(&store.TransferRecord{
		FileID:     fileID,
		FileName:   fileName,
		Direction:  direction,
		PeerID:     remoteID,
		Status:     store.StatusFailed,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})

	if a.opts.Events.OnTransferFailed != nil {
		a.opts.Events.OnTransferFailed(fileName, err)
	}
}

func (a *App) record(rec *store.TransferRecord) {
	if a.store == nil {
		return
	}
	if err := a.store.Record(rec); err != nil {
		a.log.Warnf("recording transfer history: %v", err)
	}
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// signaler adapts the relay client to the peer session's needs: pion
// descriptions and candidates go over the wire as raw JSON.
type signaler struct {
	client *client.Client
}

func (s *signaler) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return s.client.SendOffer(targetID, raw)
}

func (s *signaler) SendAnswer(targetID string, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return s.client.SendAnswer(targetID, raw)
}

func (s *signaler) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return s.client.SendCandidate(targetID, raw)
}
