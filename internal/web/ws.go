package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
)

const (
	// sendBufSize bounds a connection's outbound queue. The fan-out engine
	// drops a client whose queue stays full, surfacing the stall instead of
	// buffering without bound.
	sendBufSize = 256

	// writeWait caps one socket write before the connection is declared dead.
	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity is a trusted header, not a browser credential, so an origin
	// check gains nothing over what any local process can already do.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one WebSocket connection. Send implements fanout.Sink: the
// engine and control broadcasts queue messages, the write pump serializes
// them onto the socket.
type wsClient struct {
	id   string
	user string
	conn *websocket.Conn
	send chan protocol.Message
	done chan struct{}
	once sync.Once
}

// Send queues a message without blocking. It reports false when the client
// is closing or its queue is full, which callers treat as a dead client.
func (c *wsClient) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump is the single writer for the connection; gorilla permits at most
// one concurrent writer per socket.
func (c *wsClient) writePump() {
	defer c.conn.Close() //nolint:errcheck
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// ClientRegistry tracks live WebSocket connections by id and by user. It
// implements session.OwnerNotifier so stdin_injected reaches the owner's
// other connections when a session has no attached clients.
type ClientRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*wsClient
	byUser map[string]map[string]*wsClient
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byID:   make(map[string]*wsClient),
		byUser: make(map[string]map[string]*wsClient),
	}
}

func (cr *ClientRegistry) add(c *wsClient) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.byID[c.id] = c
	conns := cr.byUser[c.user]
	if conns == nil {
		conns = make(map[string]*wsClient)
		cr.byUser[c.user] = conns
	}
	conns[c.id] = c
}

func (cr *ClientRegistry) remove(c *wsClient) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.byID, c.id)
	if conns := cr.byUser[c.user]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(cr.byUser, c.user)
		}
	}
}

func (cr *ClientRegistry) get(id string) (*wsClient, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	c, ok := cr.byID[id]
	return c, ok
}

// Count reports the number of live connections.
func (cr *ClientRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.byID)
}

// SendToOwner implements session.OwnerNotifier.
func (cr *ClientRegistry) SendToOwner(owner string, msg protocol.Message) {
	cr.mu.RLock()
	conns := make([]*wsClient, 0, len(cr.byUser[owner]))
	for _, c := range cr.byUser[owner] {
		conns = append(conns, c)
	}
	cr.mu.RUnlock()
	for _, c := range conns {
		c.Send(msg)
	}
}

// handleWS upgrades the connection and runs its read loop until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	c := &wsClient{
		id:   uuid.NewString(),
		user: identity(r),
		conn: conn,
		send: make(chan protocol.Message, sendBufSize),
		done: make(chan struct{}),
	}
	s.deps.Clients.add(c)
	go c.writePump()
	s.readLoop(c)
}

// readLoop processes client messages until the socket drops, then detaches
// the client from every session it was watching.
func (s *Server) readLoop(c *wsClient) {
	defer func() {
		c.close()
		s.deps.Engine.DetachEverywhere(c.id)
		s.deps.Clients.remove(c)
		c.conn.Close() //nolint:errcheck
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			c.Send(protocol.NewError("", "bad_request", err.Error()))
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *wsClient, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.ClientTypeAttach:
		s.wsAttach(c, msg)
	case protocol.ClientTypeDetach:
		if !s.deps.Engine.Detach(s.deps.Registry.Resolve(msg.SessionID), c.id, true) {
			c.Send(protocol.NewError(msg.SessionID, "not_found", "not attached"))
		}
	case protocol.ClientTypeDetachClient:
		s.wsDetachClient(c, msg)
	case protocol.ClientTypeHistoryLoaded:
		s.deps.Engine.HistoryLoaded(s.deps.Registry.Resolve(msg.SessionID), c.id)
	case protocol.ClientTypeStdin:
		s.wsStdin(c, msg)
	case protocol.ClientTypeResize:
		s.wsResize(c, msg)
	case protocol.ClientTypePing:
		c.Send(protocol.NewPong(msg.Timestamp))
	}
}

func (s *Server) wsAttach(c *wsClient, msg protocol.ClientMessage) {
	sess, err := s.deps.Registry.Get(msg.SessionID)
	if err != nil {
		c.Send(protocol.NewError(msg.SessionID, "not_found", err.Error()))
		return
	}
	if !canView(sess.Owner(), sess.Visibility(), c.user) {
		c.Send(protocol.NewError(msg.SessionID, "not_found", "session not found"))
		return
	}
	sess.Attach(c.id, c)
}

// wsStdin forwards free-form bytes to the PTY. Rejected when the session is
// not interactive, the client is not attached, or the session is read-only
// for this user.
func (s *Server) wsStdin(c *wsClient, msg protocol.ClientMessage) {
	sess, err := s.deps.Registry.Get(msg.SessionID)
	if err != nil {
		c.Send(protocol.NewError(msg.SessionID, "not_found", err.Error()))
		return
	}
	if !s.deps.Engine.IsAttached(sess.ID, c.id) {
		c.Send(protocol.NewError(msg.SessionID, "forbidden", "not attached"))
		return
	}
	if !canControl(sess.Owner(), sess.Visibility(), c.user) {
		c.Send(protocol.NewError(msg.SessionID, "forbidden", "session is read-only"))
		return
	}
	if !sess.Interactive() {
		c.Send(protocol.NewError(msg.SessionID, "bad_request", "session is not interactive"))
		return
	}
	sess.Write(msg.Data)
}

// wsResize applies a new geometry. Ignored when the client is not attached;
// rate-limit and permission failures surface on the channel.
func (s *Server) wsResize(c *wsClient, msg protocol.ClientMessage) {
	sess, err := s.deps.Registry.Get(msg.SessionID)
	if err != nil {
		return
	}
	if !s.deps.Engine.IsAttached(sess.ID, c.id) {
		return
	}
	if !canControl(sess.Owner(), sess.Visibility(), c.user) {
		c.Send(protocol.NewError(msg.SessionID, "forbidden", "session is read-only"))
		return
	}
	if err := sess.Resize(msg.Cols, msg.Rows); err != nil {
		c.Send(protocol.NewError(msg.SessionID, apperr.KindOf(err).String(), err.Error()))
	}
}

// wsDetachClient force-detaches another client, the takeover path when a
// user wants exclusive control. Without a session id it may only target the
// caller's own connections.
func (s *Server) wsDetachClient(c *wsClient, msg protocol.ClientMessage) {
	if msg.SessionID != "" {
		sess, err := s.deps.Registry.Get(msg.SessionID)
		if err != nil {
			c.Send(protocol.NewError(msg.SessionID, "not_found", err.Error()))
			return
		}
		if !canControl(sess.Owner(), sess.Visibility(), c.user) {
			c.Send(protocol.NewError(msg.SessionID, "forbidden", "session is read-only"))
			return
		}
		s.deps.Engine.Detach(sess.ID, msg.TargetClientID, true)
		return
	}
	target, ok := s.deps.Clients.get(msg.TargetClientID)
	if !ok || target.user != c.user {
		c.Send(protocol.NewError("", "forbidden", "unknown client"))
		return
	}
	s.deps.Engine.DetachEverywhere(msg.TargetClientID)
}
