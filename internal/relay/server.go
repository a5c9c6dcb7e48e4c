package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/pindrop/internal/signaling"
)

const (
	defaultRoomMaxAge    = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

type Config struct {
	Addr          string
	RoomMaxAge    time.Duration
	SweepInterval time.Duration
	Logger        *logrus.Logger
}

// Server accepts websocket connections and feeds their messages into
// the Registry. One goroutine per connection reads; writes to each
// client are serialized by its wsConn mutex.
type Server struct {
	config   Config
	log      *logrus.Logger
	registry *Registry
	upgrader websocket.Upgrader
	listener net.Listener
	httpSrv  *http.Server

	// Upgraded connections are hijacked, so httpSrv.Shutdown does not
	// close them; the server tracks them and closes them itself.
	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.RoomMaxAge == 0 {
		cfg.RoomMaxAge = defaultRoomMaxAge
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		config:   cfg,
		log:      log,
		registry: NewRegistry(log),
		upgrader: websocket.Upgrader{
			// Browser clients connect from arbitrary origins; pairing
			// is protected by the PIN, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		listener: listener,
		conns:    make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	srv.httpSrv = &http.Server{Handler: mux}
	return srv, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Start serves until ctx is cancelled, sweeping expired rooms on the
// configured interval.
func (s *Server) Start(ctx context.Context) error {
	s.log.Infof("relay listening on %s", s.Addr())

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	s.log.Info("shutting down relay")

	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.ws.Close()
	}
	s.connMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.SweepExpired(s.config.RoomMaxAge); n > 0 {
				s.log.Infof("sweep removed %d expired rooms", n)
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{ws: ws}
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	client := s.registry.Register(conn)
	s.log.Infof("client %s connected from %s", client.ID, r.RemoteAddr)

	defer func() {
		s.registry.Disconnect(client)
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = ws.Close()
		s.log.Infof("client %s connection closed", client.ID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("client %s read error: %v", client.ID, err)
			}
			return
		}
		s.handleMessage(client, conn, data)
	}
}

// handleMessage processes one inbound frame. A malformed or failing
// message answers the sender with an error envelope and never touches
// any other client's connection.
func (s *Server) handleMessage(client *Client, conn *wsConn, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		s.log.Warnf("client %s sent malformed message: %v", client.ID, err)
		s.sendError(conn, "failed to process message")
		return
	}

	switch env.Type {
	case signaling.MsgCreateRoom:
		if _, err := s.registry.CreateRoom(client); err != nil {
			s.sendError(conn, err.Error())
		}
	case signaling.MsgJoinRoom:
		if err := s.registry.JoinRoom(client, env.PIN); err != nil {
			s.sendError(conn, err.Error())
		}
	case signaling.MsgLeaveRoom:
		s.registry.LeaveRoom(client)
	case signaling.MsgOffer, signaling.MsgAnswer, signaling.MsgICECandidate:
		s.registry.Relay(client, env)
	case signaling.MsgFileManifest:
		if env.Manifest == nil {
			s.sendError(conn, "file-manifest requires a manifest")
			return
		}
		if err := s.registry.AnnounceFile(client, env.Manifest); err != nil {
			s.sendError(conn, err.Error())
		}
	default:
		s.log.Warnf("client %s sent unknown message type %q", client.ID, env.Type)
		s.sendError(conn, "unknown message type")
	}
}

func (s *Server) sendError(conn *wsConn, msg string) {
	err := conn.Send(&signaling.Envelope{
		Type:    signaling.MsgError,
		Message: msg,
	})
	if err != nil {
		s.log.Debugf("failed to send error message: %v", err)
	}
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(env *signaling.Envelope) error {
	data, err := signaling.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
