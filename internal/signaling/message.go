// Package signaling defines the JSON wire messages exchanged between
// clients and the relay server.
package signaling

import "encoding/json"

type MessageType string

// Client to server.
const (
	MsgCreateRoom   MessageType = "create-room"
	MsgJoinRoom     MessageType = "join-room"
	MsgLeaveRoom    MessageType = "leave-room"
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice-candidate"
	MsgFileManifest MessageType = "file-manifest"
)

// Server to client. Offer, answer and ice-candidate reuse the constants
// above; the relay forwards them with SourceID filled in.
const (
	MsgClientID         MessageType = "client-id"
	MsgRoomCreated      MessageType = "room-created"
	MsgRoomJoined       MessageType = "room-joined"
	MsgRoomStatusUpdate MessageType = "room-status-update"
	MsgPeerJoined       MessageType = "peer-joined"
	MsgPeerDisconnected MessageType = "peer-disconnected"
	MsgHostAssigned     MessageType = "host-assigned"
	MsgNewFileAvailable MessageType = "new-file-available"
	MsgRoomExpired      MessageType = "room-expired"
	MsgError            MessageType = "error"
)

// Envelope is the single wire frame for all relay traffic. Type selects
// which of the optional fields are meaningful; unset fields are omitted
// from the encoded JSON.
//
// Offer, Answer and Candidate are kept as raw JSON: the relay forwards
// them verbatim and never inspects SDP or candidate internals.
type Envelope struct {
	Type MessageType `json:"type"`

	PIN      string `json:"pin,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	SourceID string `json:"sourceId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	PeerID   string `json:"peerId,omitempty"`
	IsHost   bool   `json:"isHost,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	RoomStatus *RoomStatus `json:"roomStatus,omitempty"`
	Manifest   *Manifest   `json:"manifest,omitempty"`

	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`

	Message string `json:"message,omitempty"`
}

// RoomStatus is attached to every room membership notification.
type RoomStatus struct {
	PeerCount int  `json:"peerCount"`
	IsFull    bool `json:"isFull"`
}

// ChunkInfo describes one chunk boundary inside a manifest.
type ChunkInfo struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// Manifest describes a file's chunk layout. It is announced to the room
// before any transfer and is immutable once built.
type Manifest struct {
	FileID      string      `json:"fileId"`
	FileName    string      `json:"fileName"`
	FileSize    int64       `json:"fileSize"`
	FileType    string      `json:"fileType"`
	TotalChunks int         `json:"totalChunks"`
	Chunks      []ChunkInfo `json:"chunks"`
}

func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}
