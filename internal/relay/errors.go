package relay

import "errors"

// Registry failures surfaced to the requesting client as an "error"
// wire message. None of these are fatal to the connection.
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full (maximum 2 participants)")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotInRoom     = errors.New("not in a room")
)
