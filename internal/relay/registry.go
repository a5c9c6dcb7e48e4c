package relay

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
)

const maxRoomPeers = 2

// Conn is the write side of a connected client. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	Send(env *signaling.Envelope) error
}

// Client is the registry's view of one connected participant. The ID is
// issued by the registry at connection time and lives only as long as
// the connection.
type Client struct {
	ID   string
	conn Conn

	// roomPIN is a back-reference, not ownership. Guarded by the
	// registry mutex.
	roomPIN string
}

// Room pairs at most two clients under a PIN.
type Room struct {
	PIN       string
	HostID    string
	peers     []string // join order, first remaining peer is promoted on host leave
	manifests map[string]*signaling.Manifest
	createdAt time.Time
}

func (r *Room) status() *signaling.RoomStatus {
	return &signaling.RoomStatus{
		PeerCount: len(r.peers),
		IsFull:    len(r.peers) >= maxRoomPeers,
	}
}

// Registry is the single point of truth for rooms and clients. All room
// mutations are serialized behind one mutex so that occupancy checks and
// the notifications they trigger are atomic with respect to concurrent
// joins, leaves and sweeps.
type Registry struct {
	mu      sync.Mutex
	log     *logrus.Logger
	rooms   map[string]*Room
	clients map[string]*Client
}

func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		log:     log,
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

// Register admits a new connection, issues it a client id and sends the
// client-id greeting.
func (reg *Registry) Register(conn Conn) *Client {
	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
	}

	reg.mu.Lock()
	reg.clients[client.ID] = client
	reg.mu.Unlock()

	reg.send(client, &signaling.Envelope{
		Type:     signaling.MsgClientID,
		ClientID: client.ID,
	})
	reg.log.Debugf("client %s registered", client.ID)
	return client
}

// CreateRoom creates a room with the client as host and sole peer.
func (reg *Registry) CreateRoom(client *Client) (string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if client.roomPIN != "" {
		if _, live := reg.rooms[client.roomPIN]; live {
			return "", ErrAlreadyInRoom
		}
		client.roomPIN = ""
	}

	pin := reg.generatePINLocked()
	reg.rooms[pin] = &Room{
		PIN:       pin,
		HostID:    client.ID,
		peers:     []string{client.ID},
		manifests: make(map[string]*signaling.Manifest),
		createdAt: time.Now(),
	}
	client.roomPIN = pin

	reg.send(client, &signaling.Envelope{
		Type:   signaling.MsgRoomCreated,
		PIN:    pin,
		IsHost: true,
	})
	reg.log.Infof("room %s created by client %s", pin, client.ID)
	return pin, nil
}

// JoinRoom adds the client to the room with the given PIN. The occupancy
// check and the resulting notifications happen under one lock, so two
// concurrent joins against a one-peer room resolve to exactly one
// success and one ErrRoomFull. Rejoining the current room is rejected
// (peers is a set, a member must never be counted twice); joining from
// another room leaves that room first.
func (reg *Registry) JoinRoom(client *Client, pin string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[pin]
	if !ok {
		return ErrRoomNotFound
	}
	if client.roomPIN == pin {
		return ErrAlreadyInRoom
	}
	if client.roomPIN != "" {
		reg.leaveLocked(client)
	}
	if len(room.peers) >= maxRoomPeers {
		return ErrRoomFull
	}

	room.peers = append(room.peers, client.ID)
	client.roomPIN = pin
	status := room.status()

	if host, ok := reg.clients[room.HostID]; ok && host.ID != client.ID {
		reg.send(host, &signaling.Envelope{
			Type:       signaling.MsgPeerJoined,
			PeerID:     client.ID,
			RoomStatus: status,
		})
	}

	reg.send(client, &signaling.Envelope{
		Type:       signaling.MsgRoomJoined,
		PIN:        pin,
		IsHost:     false,
		RoomStatus: status,
	})

	if status.IsFull {
		for _, id := range room.peers {
			if peer, ok := reg.clients[id]; ok {
				reg.send(peer, &signaling.Envelope{
					Type:       signaling.MsgRoomStatusUpdate,
					RoomStatus: status,
				})
			}
		}
	}

	reg.log.Infof("client %s joined room %s (%d/%d)", client.ID, pin, status.PeerCount, maxRoomPeers)
	return nil
}

// Relay forwards an offer, answer or ice-candidate verbatim to the
// addressed client. Undeliverable messages are dropped without error:
// the sender keeps going either way.
func (reg *Registry) Relay(client *Client, env *signaling.Envelope) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if client.roomPIN == "" {
		reg.log.Debugf("dropping %s from %s: sender not in a room", env.Type, client.ID)
		return
	}
	target, ok := reg.clients[env.TargetID]
	if !ok || target.roomPIN != client.roomPIN {
		reg.log.Debugf("dropping %s from %s: target %s unavailable", env.Type, client.ID, env.TargetID)
		return
	}

	reg.send(target, &signaling.Envelope{
		Type:      env.Type,
		SourceID:  client.ID,
		Offer:     env.Offer,
		Answer:    env.Answer,
		Candidate: env.Candidate,
	})
}

// AnnounceFile stores the manifest on the client's room and notifies the
// other peer that the file is available.
func (reg *Registry) AnnounceFile(client *Client, manifest *signaling.Manifest) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[client.roomPIN]
	if !ok {
		return ErrNotInRoom
	}
	room.manifests[manifest.FileID] = manifest

	for _, id := range room.peers {
		if id == client.ID {
			continue
		}
		if peer, ok := reg.clients[id]; ok {
			reg.send(peer, &signaling.Envelope{
				Type:     signaling.MsgNewFileAvailable,
				FileID:   manifest.FileID,
				FileName: manifest.FileName,
				FileSize: manifest.FileSize,
				FileType: manifest.FileType,
				SourceID: client.ID,
			})
		}
	}
	return nil
}

// LeaveRoom removes the client from its room without dropping the
// connection.
func (reg *Registry) LeaveRoom(client *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.leaveLocked(client)
}

// Disconnect removes the client from its room (if any) and forgets it.
func (reg *Registry) Disconnect(client *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.leaveLocked(client)
	delete(reg.clients, client.ID)
	reg.log.Debugf("client %s disconnected", client.ID)
}

func (reg *Registry) leaveLocked(client *Client) {
	room, ok := reg.rooms[client.roomPIN]
	client.roomPIN = ""
	if !ok {
		return
	}

	for i, id := range room.peers {
		if id == client.ID {
			room.peers = append(room.peers[:i], room.peers[i+1:]...)
			break
		}
	}

	if len(room.peers) == 0 {
		delete(reg.rooms, room.PIN)
		reg.log.Infof("room %s deleted", room.PIN)
		return
	}

	wasHost := room.HostID == client.ID
	status := room.status()

	for _, id := range room.peers {
		if peer, ok := reg.clients[id]; ok {
			reg.send(peer, &signaling.Envelope{
				Type:       signaling.MsgPeerDisconnected,
				PeerID:     client.ID,
				IsHost:     wasHost,
				RoomStatus: status,
			})
		}
	}

	if wasHost {
		room.HostID = room.peers[0]
		if newHost, ok := reg.clients[room.HostID]; ok {
			reg.send(newHost, &signaling.Envelope{
				Type:   signaling.MsgHostAssigned,
				IsHost: true,
			})
		}
		reg.log.Infof("room %s host reassigned to %s", room.PIN, room.HostID)
	}
}

// SweepExpired destroys rooms older than maxAge, notifying every
// occupant. Returns the number of rooms removed.
func (reg *Registry) SweepExpired(maxAge time.Duration) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	removed := 0
	now := time.Now()
	for pin, room := range reg.rooms {
		if now.Sub(room.createdAt) <= maxAge {
			continue
		}
		for _, id := range room.peers {
			if peer, ok := reg.clients[id]; ok {
				reg.send(peer, &signaling.Envelope{
					Type: signaling.MsgRoomExpired,
					PIN:  pin,
				})
				peer.roomPIN = ""
			}
		}
		delete(reg.rooms, pin)
		removed++
		reg.log.Infof("expired room %s deleted", pin)
	}
	return removed
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// generatePINLocked draws 6-digit PINs (100000-999999, leading digit
// never zero) until one misses every live room.
func (reg *Registry) generatePINLocked() string {
	for {
		pin := fmt.Sprintf("%06d", 100000+rand.Intn(900000))
		if _, taken := reg.rooms[pin]; !taken {
			return pin
		}
	}
}

func (reg *Registry) send(client *Client, env *signaling.Envelope) {
	if err := client.conn.Send(env); err != nil {
		reg.log.Warnf("failed to send %s to client %s: %v", env.Type, client.ID, err)
	}
}
