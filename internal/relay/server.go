// Package relay implements the room relay: a websocket rendezvous that
// caches rooms and their messages so peers joining late, or peers with
// no direct channel to a room's creator, still converge on the same
// room list. It trusts its clients; privacy filtering happens on the
// peers, not here.
package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/meshlink/internal/proto"
)

// Server is the relay host. One process-wide room cache, no auth, no
// persistence: restarting the relay loses the cache and peers re-seed it.
type Server struct {
	bind string
	port int

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	mu    sync.RWMutex
	rooms map[string]proto.Room
	msgs  map[string][]proto.ChatMessage
	order []string
	conns map[*relayConn]struct{}
}

type relayConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *relayConn) send(env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func NewServer(bind string, port int) *Server {
	return &Server{
		bind: bind,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]proto.Room),
		msgs:  make(map[string][]proto.ChatMessage),
		conns: make(map[*relayConn]struct{}),
	}
}

// Start binds the listener and serves until Shutdown. Returns once the
// listener is bound, so Addr is valid immediately after.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bind, s.port))
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: server stopped: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when started with port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL returns the websocket endpoint clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr()
}

// Shutdown stops the listener and closes every client socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.conns = make(map[*relayConn]struct{})
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		// Plain HTTP probe, e.g. a health check.
		fmt.Fprintln(w, "Meshlink relay running")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}

	c := &relayConn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	log.Printf("RELAY: client connected (%d online)", total)

	// Every new client gets the full room snapshot first.
	if err := c.send(&proto.RoomList{Rooms: s.snapshot()}); err != nil {
		log.Printf("RELAY: room list send failed: %v", err)
	}

	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c)
	total = len(s.conns)
	s.mu.Unlock()
	_ = ws.Close()
	log.Printf("RELAY: client disconnected (%d online)", total)
}

func (s *Server) readLoop(c *relayConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := proto.Decode(data)
		if err != nil {
			log.Printf("RELAY: dropping message: %v", err)
			continue
		}

		switch e := env.(type) {
		case *proto.CreateRoom:
			s.handleCreateRoom(c, e.Room)
		case *proto.RoomMsg:
			s.handleRoomMessage(c, e)
		default:
			log.Printf("RELAY: ignoring %s", env.Kind())
		}
	}
}

// handleCreateRoom caches the room and fans it out to every other
// client. First writer wins: a second submission for a known id is
// dropped entirely. Messages already held for the room id (relayed
// before the room was submitted) become the room's history.
func (s *Server) handleCreateRoom(from *relayConn, room proto.Room) {
	s.mu.Lock()
	if _, exists := s.rooms[room.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.msgs[room.ID] = append(append([]proto.ChatMessage{}, room.Messages...), s.msgs[room.ID]...)
	room.Messages = nil
	s.rooms[room.ID] = room
	s.order = append(s.order, room.ID)
	out := room
	out.Messages = append([]proto.ChatMessage{}, s.msgs[room.ID]...)
	s.mu.Unlock()

	log.Printf("RELAY: room %q cached (%s)", room.Name, room.ID)
	s.fanOut(&proto.RoomCreated{Room: out}, from)
}

// handleRoomMessage stores the message under its room id and fans it
// out to every client, the sender included. Rooms the relay has never
// seen get a message list too: peers may know rooms the relay lost
// across a restart, and the fan-out path must keep working for them.
func (s *Server) handleRoomMessage(_ *relayConn, msg *proto.RoomMsg) {
	s.mu.Lock()
	duplicate := false
	for _, m := range s.msgs[msg.RoomID] {
		if m.ID == msg.ID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		s.msgs[msg.RoomID] = append(s.msgs[msg.RoomID], msg.Message())
	}
	s.mu.Unlock()

	s.fanOut(msg, nil)
}

// fanOut writes best-effort to every connected client except the one
// given. A failed write is the client's problem; its read loop will
// notice the dead socket.
func (s *Server) fanOut(env proto.Envelope, except *relayConn) {
	s.mu.RLock()
	conns := make([]*relayConn, 0, len(s.conns))
	for c := range s.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(env); err != nil {
			log.Printf("RELAY: fan-out %s failed: %v", env.Kind(), err)
		}
	}
}

// snapshot returns the cached rooms in creation order, each carrying
// its stored history.
func (s *Server) snapshot() []proto.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]proto.Room, 0, len(s.order))
	for _, id := range s.order {
		room := s.rooms[id]
		room.Messages = append([]proto.ChatMessage{}, s.msgs[id]...)
		out = append(out, room)
	}
	return out
}
