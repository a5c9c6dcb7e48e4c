package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rudransh-shrivastava/pindrop/internal/logger"
	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{
		Addr:   "127.0.0.1:0",
		Logger: logger.NewLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(cancel)
	return srv
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *signaling.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("setting deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	env, err := signaling.Decode(data)
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	return env
}

func TestGreetingOnConnect(t *testing.T) {
	srv := startTestServer(t)
	ws := dialWS(t, srv)

	greeting := readEnvelope(t, ws)
	if greeting.Type != signaling.MsgClientID || greeting.ClientID == "" {
		t.Fatalf("expected a client-id greeting, got %+v", greeting)
	}
}

func TestMalformedMessageAnswersError(t *testing.T) {
	srv := startTestServer(t)
	ws := dialWS(t, srv)
	readEnvelope(t, ws) // greeting

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("writing: %v", err)
	}

	env := readEnvelope(t, ws)
	if env.Type != signaling.MsgError || env.Message == "" {
		t.Fatalf("expected an error envelope, got %+v", env)
	}

	// The connection survives and still serves requests.
	if err := ws.WriteJSON(&signaling.Envelope{Type: signaling.MsgCreateRoom}); err != nil {
		t.Fatalf("writing create-room: %v", err)
	}
	created := readEnvelope(t, ws)
	if created.Type != signaling.MsgRoomCreated || len(created.PIN) != 6 {
		t.Fatalf("expected room-created after the error, got %+v", created)
	}
}

func TestUnknownTypeAnswersError(t *testing.T) {
	srv := startTestServer(t)
	ws := dialWS(t, srv)
	readEnvelope(t, ws)

	if err := ws.WriteJSON(&signaling.Envelope{Type: "frobnicate"}); err != nil {
		t.Fatalf("writing: %v", err)
	}
	env := readEnvelope(t, ws)
	if env.Type != signaling.MsgError {
		t.Fatalf("expected an error envelope, got %+v", env)
	}
}

func TestDisconnectCleansUpRoom(t *testing.T) {
	srv := startTestServer(t)
	ws := dialWS(t, srv)
	readEnvelope(t, ws)

	if err := ws.WriteJSON(&signaling.Envelope{Type: signaling.MsgCreateRoom}); err != nil {
		t.Fatalf("writing create-room: %v", err)
	}
	readEnvelope(t, ws)

	if srv.Registry().RoomCount() != 1 {
		t.Fatalf("expected 1 room")
	}
	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Registry().RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room was not cleaned up after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
