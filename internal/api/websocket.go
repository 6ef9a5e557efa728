package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"mapkvm/internal/driver"
	"mapkvm/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins as this is a local network tool
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSManager handles WebSocket connections and broadcasting
type WSManager struct {
	server     *Server
	clients    map[*WebSocketClient]bool
	clientsMu  sync.RWMutex
	broadcast  chan protocol.Message
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	shutdown   chan struct{}
	stopOnce   sync.Once
}

// WebSocketClient represents a connected game client or operator tool
type WebSocketClient struct {
	manager *WSManager
	conn    *websocket.Conn
	send    chan []byte
	ip      string
	limiter *rate.Limiter

	mu     sync.Mutex
	authed bool
	actor  string
}

func newWSManager(s *Server) *WSManager {
	return &WSManager{
		server:     s,
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan protocol.Message, 16),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		shutdown:   make(chan struct{}),
	}
}

func (m *WSManager) start() {
	for {
		select {
		case client := <-m.register:
			m.clientsMu.Lock()
			m.clients[client] = true
			n := len(m.clients)
			m.clientsMu.Unlock()
			log.Printf("WS: New client from %s. Total clients: %d", client.ip, n)

		case client := <-m.unregister:
			m.clientsMu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
			}
			n := len(m.clients)
			m.clientsMu.Unlock()
			log.Printf("WS: Client from %s gone. Total clients: %d", client.ip, n)
			m.dropActor(client.actorSnapshot())

		case message := <-m.broadcast:
			m.broadcastMessage(message)

		case <-m.shutdown:
			return
		}
	}
}

func (m *WSManager) stop() {
	m.stopOnce.Do(func() { close(m.shutdown) })
}

// dropActor makes an actor leave once its last connection is gone.
func (m *WSManager) dropActor(actor string) {
	if actor == "" {
		return
	}
	m.clientsMu.RLock()
	for c := range m.clients {
		if c.actorSnapshot() == actor {
			m.clientsMu.RUnlock()
			return
		}
	}
	m.clientsMu.RUnlock()
	if m.server.driver.Joined(actor) {
		m.server.driver.Leave(actor)
	}
}

func (m *WSManager) broadcastMessage(message protocol.Message) {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		log.Printf("WS: Failed to marshal broadcast message: %v", err)
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()

	for client := range m.clients {
		if !client.authedSnapshot() {
			continue
		}
		select {
		case client.send <- jsonMsg:
		default:
			log.Printf("WS: Dropping message for slow client %s", client.ip)
		}
	}
}

// Broadcast queues a message for every authenticated client. It never blocks;
// the message is dropped when the hub is backed up.
func (m *WSManager) Broadcast(msg protocol.Message) {
	select {
	case m.broadcast <- msg:
	default:
		log.Printf("WS: Broadcast queue full, dropping %s", msg.Type)
	}
}

// Correct implements driver.Corrector for actors connected over WebSocket.
func (m *WSManager) Correct(actor string, c driver.Correction) {
	data, err := json.Marshal(protocol.Message{
		Type: protocol.TypeCorrection,
		Payload: protocol.CorrectionPayload{
			Sample:   c.Sample,
			Position: protocol.Vec{X: c.Position.X(), Y: c.Position.Y(), Z: c.Position.Z()},
			Orient:   c.Orient,
			Yaw:      c.Yaw,
			Pitch:    c.Pitch,
		},
	})
	if err != nil {
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for client := range m.clients {
		if client.actorSnapshot() != actor {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
	}
}

func (m *WSManager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: Failed to upgrade connection: %v", err)
		return
	}

	client := &WebSocketClient{
		manager: m,
		conn:    conn,
		send:    make(chan []byte, 256),
		ip:      r.RemoteAddr,
		limiter: m.server.limiters.fresh(),
	}

	select {
	case m.register <- client:
	case <-m.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) authedSnapshot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *WebSocketClient) actorSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actor
}

func (c *WebSocketClient) setIdentity(actor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.actor = actor
}

// readPump pumps messages from the websocket connection to the hub.
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(8192)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS: Read error: %v", err)
			}
			break
		}

		if !c.handleMessage(message) {
			break
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(50 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) reply(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WS: Failed to marshal reply: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("WS: Dropping reply for slow client %s", c.ip)
	}
}

func (c *WebSocketClient) replyError(text string) {
	c.reply(protocol.Message{Type: protocol.TypeError, Payload: protocol.ErrorPayload{Message: text}})
}

// handleMessage routes one message. It returns false when the connection
// should be closed.
func (c *WebSocketClient) handleMessage(data []byte) bool {
	if !gjson.ValidBytes(data) {
		log.Printf("WS: Invalid message from %s", c.ip)
		c.replyError("invalid message")
		return true
	}

	typ := protocol.MessageType(gjson.GetBytes(data, "type").String())
	payload := gjson.GetBytes(data, "payload")
	srv := c.manager.server

	if typ == protocol.TypeAuth {
		token := srv.token()
		if token != "" && payload.Get("token").String() != token {
			log.Printf("WS: Rejected auth from %s", c.ip)
			c.replyError("unauthorized")
			return false
		}
		actor := payload.Get("actor").String()
		c.setIdentity(actor)
		log.Printf("WS: Client %s authenticated (actor=%q, version=%s)", c.ip, actor, payload.Get("client_version").String())
		c.reply(protocol.Message{Type: protocol.TypeStatus, Payload: srv.Status()})
		return true
	}

	if !c.authedSnapshot() {
		if srv.token() != "" {
			c.replyError("unauthorized")
			return false
		}
		c.setIdentity("")
	}

	switch typ {
	case protocol.TypeCommand:
		if !c.limiter.Allow() {
			c.replyError("rate limit exceeded")
			return true
		}
		var pos *protocol.Vec
		if p := payload.Get("position"); p.Exists() {
			pos = &protocol.Vec{X: p.Get("x").Float(), Y: p.Get("y").Float(), Z: p.Get("z").Float()}
		}
		line := payload.Get("line").String()
		res := srv.execute(c.actorSnapshot(), line, pos)
		c.reply(protocol.Message{Type: protocol.TypeCommandResult, Payload: res})

	case protocol.TypeSample:
		actor := c.actorSnapshot()
		if actor == "" {
			c.replyError("no actor")
			return true
		}
		xyz := gjson.GetManyBytes(data, "payload.x", "payload.y", "payload.z")
		srv.driver.Push(actor, mgl64.Vec3{xyz[0].Float(), xyz[1].Float(), xyz[2].Float()})

	case protocol.TypeProfile:
		if err := srv.driver.SetProfile(c.actorSnapshot(), int(payload.Get("profile").Int())); err != nil {
			c.replyError(err.Error())
		}

	case protocol.TypePing:
		c.reply(protocol.Message{Type: protocol.TypePing})

	default:
		c.replyError("unknown message type")
	}
	return true
}
