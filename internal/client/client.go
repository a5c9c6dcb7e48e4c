// Package client implements the relay side of a peer: a websocket
// connection that creates or joins a room, announces files and carries
// negotiation traffic, with automatic reconnection on abnormal closure.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
)

const defaultReconnectDelay = 5 * time.Second

// Events holds one handler per server event. Nil handlers are skipped.
// Handlers run on the read pump goroutine, one at a time.
type Events struct {
	OnClientID         func(id string)
	OnRoomCreated      func(pin string)
	OnRoomJoined       func(pin string, status signaling.RoomStatus)
	OnRoomStatus       func(status signaling.RoomStatus)
	OnPeerJoined       func(peerID string, status signaling.RoomStatus)
	OnPeerDisconnected func(peerID string, wasHost bool, status signaling.RoomStatus)
	OnHostAssigned     func()
	OnOffer            func(sourceID string, offer json.RawMessage)
	OnAnswer           func(sourceID string, answer json.RawMessage)
	OnCandidate        func(sourceID string, candidate json.RawMessage)
	OnFileAvailable    func(sourceID, fileID, fileName string, fileSize int64, fileType string)
	OnRoomExpired      func(pin string)
	OnServerError      func(message string)
	OnReconnected      func()
}

type Options struct {
	// URL is the relay's websocket endpoint, e.g. ws://host:port/ws.
	URL    string
	Logger *logrus.Logger
	Events Events

	// ReconnectDelay defaults to 5s when zero.
	ReconnectDelay time.Duration
}

// Client is the relay connection of one peer. Public methods are safe
// for concurrent use.
type Client struct {
	url    string
	log    *logrus.Logger
	events Events
	delay  time.Duration

	mu       sync.Mutex
	ws       *websocket.Conn
	clientID string
	roomPIN  string
	isHost   bool
	status   signaling.RoomStatus
	closed   bool

	// Manifests announced while the connection was down, flushed on
	// reconnect.
	pendingManifests []*signaling.Manifest

	done chan struct{}
}

// Dial connects to the relay and starts the read pump. The returned
// client reconnects on its own until Close is called.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	delay := opts.ReconnectDelay
	if delay == 0 {
		delay = defaultReconnectDelay
	}

	c := &Client{
		url:    opts.URL,
		log:    opts.Logger,
		events: opts.Events,
		delay:  delay,
		done:   make(chan struct{}),
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", opts.URL, err)
	}
	c.ws = ws

	go c.readPump()
	return c, nil
}

// ClientID returns the id the relay issued, or "" before the greeting
// arrived.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Room reports the current room PIN (or ""), whether this client is the
// host, and the last known room status.
func (c *Client) Room() (pin string, isHost bool, status signaling.RoomStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomPIN, c.isHost, c.status
}

func (c *Client) CreateRoom() error {
	return c.send(&signaling.Envelope{Type: signaling.MsgCreateRoom})
}

func (c *Client) JoinRoom(pin string) error {
	return c.send(&signaling.Envelope{Type: signaling.MsgJoinRoom, PIN: pin})
}

func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	c.roomPIN = ""
	c.isHost = false
	c.status = signaling.RoomStatus{}
	c.mu.Unlock()
	return c.send(&signaling.Envelope{Type: signaling.MsgLeaveRoom})
}

func (c *Client) SendOffer(targetID string, offer json.RawMessage) error {
	return c.send(&signaling.Envelope{
		Type:     signaling.MsgOffer,
		TargetID: targetID,
		Offer:    offer,
	})
}

func (c *Client) SendAnswer(targetID string, answer json.RawMessage) error {
	return c.send(&signaling.Envelope{
		Type:     signaling.MsgAnswer,
		TargetID: targetID,
		Answer:   answer,
	})
}

func (c *Client) SendCandidate(targetID string, candidate json.RawMessage) error {
	return c.send(&signaling.Envelope{
		Type:      signaling.MsgICECandidate,
		TargetID:  targetID,
		Candidate: candidate,
	})
}

// AnnounceFile publishes a manifest to the room. While the connection
// is down the manifest is held and flushed after reconnecting.
func (c *Client) AnnounceFile(m *signaling.Manifest) error {
	err := c.send(&signaling.Envelope{Type: signaling.MsgFileManifest, Manifest: m})
	if err != nil {
		c.mu.Lock()
		closed := c.closed
		if !closed {
			c.pendingManifests = append(c.pendingManifests, m)
		}
		c.mu.Unlock()
		if !closed {
			c.log.Warnf("announce of %s failed, will retry after reconnect: %v", m.FileName, err)
			return nil
		}
	}
	return err
}

// Close shuts the connection down for good; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return ws.Close()
}

func (c *Client) send(env *signaling.Envelope) error {
	data, err := signaling.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readPump reads frames until the connection drops, then reconnects
// unless Close was called.
func (c *Client) readPump() {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				c.mu.Lock()
				closed := c.closed
				if !closed {
					// Sends fail fast (and manifests queue) until
					// the reconnect lands.
					c.ws = nil
				}
				c.mu.Unlock()
				if closed {
					return
				}
				c.log.Warnf("relay connection lost: %v", err)
				break
			}
			c.dispatch(data)
		}

		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries the dial every delay interval until it succeeds or
// the client is closed. On success the client rejoins its room and
// flushes pending manifests.
func (c *Client) reconnect() bool {
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(c.delay):
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warnf("reconnect failed, retrying in %s: %v", c.delay, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return false
		}
		c.ws = ws
		pin := c.roomPIN
		pending := c.pendingManifests
		c.pendingManifests = nil
		c.mu.Unlock()

		c.log.Info("reconnected to relay")

		// The relay forgot us on disconnect; membership must be
		// re-established before anything else.
		if pin != "" {
			if err := c.JoinRoom(pin); err != nil {
				c.log.Warnf("rejoining room %s: %v", pin, err)
			}
		}
		for _, m := range pending {
			if err := c.AnnounceFile(m); err != nil {
				c.log.Warnf("re-announcing %s: %v", m.FileName, err)
			}
		}

		if c.events.OnReconnected != nil {
			c.events.OnReconnected()
		}
		return true
	}
}

func (c *Client) dispatch(data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		c.log.Warnf("malformed message from relay: %v", err)
		return
	}

	switch env.Type {
	case signaling.MsgClientID:
		c.mu.Lock()
		c.clientID = env.ClientID
		c.mu.Unlock()
		if c.events.OnClientID != nil {
			c.events.OnClientID(env.ClientID)
		}

	case signaling.MsgRoomCreated:
		c.mu.Lock()
		c.roomPIN = env.PIN
		c.isHost = true
		c.status = signaling.RoomStatus{PeerCount: 1}
		c.mu.Unlock()
		if c.events.OnRoomCreated != nil {
			c.events.OnRoomCreated(env.PIN)
		}

	case signaling.MsgRoomJoined:
		status := statusOf(env)
		c.mu.Lock()
		c.roomPIN = env.PIN
		c.isHost = env.IsHost
		c.status = status
		c.mu.Unlock()
		if c.events.OnRoomJoined != nil {
			c.events.OnRoomJoined(env.PIN, status)
		}

	case signaling.MsgRoomStatusUpdate:
		status := statusOf(env)
		c.mu.Lock()
		c.status = status
		c.mu.Unlock()
		if c.events.OnRoomStatus != nil {
			c.events.OnRoomStatus(status)
		}

	case signaling.MsgPeerJoined:
		status := statusOf(env)
		c.mu.Lock()
		c.status = status
		c.mu.Unlock()
		if c.events.OnPeerJoined != nil {
			c.events.OnPeerJoined(env.PeerID, status)
		}

	case signaling.MsgPeerDisconnected:
		status := statusOf(env)
		c.mu.Lock()
		c.status = status
		c.mu.Unlock()
		if c.events.OnPeerDisconnected != nil {
			c.events.OnPeerDisconnected(env.PeerID, env.IsHost, status)
		}

	case signaling.MsgHostAssigned:
		c.mu.Lock()
		c.isHost = true
		c.mu.Unlock()
		if c.events.OnHostAssigned != nil {
			c.events.OnHostAssigned()
		}

	case signaling.MsgOffer:
		if c.events.OnOffer != nil {
			c.events.OnOffer(env.SourceID, env.Offer)
		}

	case signaling.MsgAnswer:
		if c.events.OnAnswer != nil {
			c.events.OnAnswer(env.SourceID, env.Answer)
		}

	case signaling.MsgICECandidate:
		if c.events.OnCandidate != nil {
			c.events.OnCandidate(env.SourceID, env.Candidate)
		}

	case signaling.MsgNewFileAvailable:
		if c.events.OnFileAvailable != nil {
			c.events.OnFileAvailable(env.SourceID, env.FileID, env.FileName, env.FileSize, env.FileType)
		}

	case signaling.MsgRoomExpired:
		c.mu.Lock()
		c.roomPIN = ""
		c.isHost = false
		c.status = signaling.RoomStatus{}
		c.mu.Unlock()
		if c.events.OnRoomExpired != nil {
			c.events.OnRoomExpired(env.PIN)
		}

	case signaling.MsgError:
		c.log.Warnf("relay error: %s", env.Message)
		if c.events.OnServerError != nil {
			c.events.OnServerError(env.Message)
		}

	default:
		c.log.Warnf("unknown message type %q from relay", env.Type)
	}
}

func statusOf(env *signaling.Envelope) signaling.RoomStatus {
	if env.RoomStatus == nil {
		return signaling.RoomStatus{}
	}
	return *env.RoomStatus
}
