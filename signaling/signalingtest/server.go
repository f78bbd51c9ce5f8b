// Package signalingtest содержит сигнальный сервер для тестов.
//
// Server в ручном режиме только записывает входящие конверты и отправляет то,
// что тест положит через Push. В режиме хаба (NewHub) сервер сам ведет
// минимальную логику комнат: выдает id на INIT, подтверждает CONFIG_HOST и
// CONFIG_PEER, знакомит хоста и нового пира и пересылает MAKE_OFFER,
// MAKE_ANSWER и ICE адресату с заполненным origin.
package signalingtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/udisondev/phi/signaling"
)

type client struct {
	id     string
	user   string
	pubkey string
	lobby  string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *client) write(env signaling.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signaling.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Received входящий конверт вместе с id клиента, который его прислал.
type Received struct {
	From string
	signaling.Envelope
}

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	hub      bool

	mu      sync.Mutex
	clients []*client
	hosts   map[string]*client // lobby -> host

	received  chan Received
	closeOnce sync.Once
}

// NewServer запускает сервер в ручном режиме.
func NewServer(t testing.TB) *Server {
	return start(t, false)
}

// NewHub запускает сервер в режиме хаба.
func NewHub(t testing.TB) *Server {
	return start(t, true)
}

func start(t testing.TB, hub bool) *Server {
	t.Helper()
	s := &Server{
		hub:      hub,
		hosts:    make(map[string]*client),
		received: make(chan Received, 256),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL адрес для signaling.Link.Dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.removeClient(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("Test server got malformed frame", "error", err)
			continue
		}

		select {
		case s.received <- Received{From: c.id, Envelope: env}:
		default:
			slog.Warn("Test server receive buffer is full", "opcode", env.Opcode.String())
		}

		if s.hub {
			s.route(c, env)
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	if c.lobby != "" && s.hosts[c.lobby] == c {
		delete(s.hosts, c.lobby)
	}
}

func (s *Server) route(c *client, env signaling.Envelope) {
	reply := func(op signaling.Opcode, payload any) {
		out, err := signaling.NewEnvelope(op, payload, "")
		if err != nil {
			return
		}
		out.Listener = env.Listener
		c.write(out)
	}

	switch env.Opcode {
	case signaling.OpMeta:
		reply(signaling.OpAckMeta, nil)

	case signaling.OpKeepalive:
		reply(signaling.OpKeepalive, nil)

	case signaling.OpInit:
		var user string
		json.Unmarshal(env.Payload, &user)
		s.mu.Lock()
		c.user = user
		s.mu.Unlock()
		reply(signaling.OpInitOK, signaling.InitOK{User: user, ID: c.id, SessionID: uuid.NewString()})

	case signaling.OpLobbyList:
		s.mu.Lock()
		lobbies := make([]string, 0, len(s.hosts))
		for name := range s.hosts {
			lobbies = append(lobbies, name)
		}
		s.mu.Unlock()
		reply(signaling.OpLobbyList, lobbies)

	case signaling.OpLobbyInfo:
		var name string
		json.Unmarshal(env.Payload, &name)
		s.mu.Lock()
		host, ok := s.hosts[name]
		var info signaling.LobbyInfo
		if ok {
			info = signaling.LobbyInfo{HostID: host.id, HostUsername: host.user, CurrentPeers: s.countPeers(name)}
		}
		s.mu.Unlock()
		if !ok {
			reply(signaling.OpLobbyNotFound, nil)
			return
		}
		reply(signaling.OpLobbyInfo, info)

	case signaling.OpConfigHost:
		var cfg signaling.HostConfig
		json.Unmarshal(env.Payload, &cfg)
		s.mu.Lock()
		_, exists := s.hosts[cfg.LobbyID]
		if !exists {
			c.lobby = cfg.LobbyID
			c.pubkey = cfg.PublicKey
			s.hosts[cfg.LobbyID] = c
		}
		s.mu.Unlock()
		if exists {
			reply(signaling.OpLobbyExists, nil)
			return
		}
		reply(signaling.OpAckHost, nil)

	case signaling.OpConfigPeer:
		var cfg signaling.PeerConfig
		json.Unmarshal(env.Payload, &cfg)
		s.mu.Lock()
		host, ok := s.hosts[cfg.LobbyID]
		var joiner, owner signaling.NewPeer
		if ok {
			c.lobby = cfg.LobbyID
			c.pubkey = cfg.PublicKey
			joiner = signaling.NewPeer{ID: c.id, User: c.user, PublicKey: c.pubkey}
			owner = signaling.NewPeer{ID: host.id, User: host.user, PublicKey: host.pubkey}
		}
		s.mu.Unlock()
		if !ok {
			reply(signaling.OpLobbyNotFound, nil)
			return
		}
		reply(signaling.OpAckPeer, nil)

		// хост ждет offer, новый пир его отправляет
		s.send(host, signaling.OpAnticipate, joiner, nil)
		s.send(c, signaling.OpNewPeer, owner, nil)

	case signaling.OpMakeOffer, signaling.OpMakeAnswer, signaling.OpICE:
		target := s.find(env.Recipient)
		if target == nil {
			return
		}
		s.mu.Lock()
		origin := &signaling.PeerInfo{ID: c.id, User: c.user}
		s.mu.Unlock()
		out := signaling.Envelope{Opcode: env.Opcode, Payload: env.Payload, Origin: origin}
		target.write(out)
	}
}

func (s *Server) countPeers(lobby string) int {
	n := 0
	for _, c := range s.clients {
		if c.lobby == lobby && s.hosts[lobby] != c {
			n++
		}
	}
	return n
}

func (s *Server) find(id string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (s *Server) send(c *client, op signaling.Opcode, payload any, origin *signaling.PeerInfo) {
	env, err := signaling.NewEnvelope(op, payload, "")
	if err != nil {
		return
	}
	env.Origin = origin
	c.write(env)
}

// Push отправляет конверт всем подключенным клиентам.
func (s *Server) Push(t testing.TB, env signaling.Envelope) {
	t.Helper()
	s.mu.Lock()
	clients := append([]*client(nil), s.clients...)
	s.mu.Unlock()

	if len(clients) == 0 {
		t.Fatalf("push %s: no connected clients", env.Opcode)
	}
	for _, c := range clients {
		if err := c.write(env); err != nil {
			t.Fatalf("push %s: %v", env.Opcode, err)
		}
	}
}

// PushRaw отправляет всем клиентам произвольный текстовый фрейм.
func (s *Server) PushRaw(t testing.TB, frame string) {
	t.Helper()
	s.mu.Lock()
	clients := append([]*client(nil), s.clients...)
	s.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
		c.mu.Unlock()
		if err != nil {
			t.Fatalf("push raw frame: %v", err)
		}
	}
}

// PushPayload кодирует payload и отправляет конверт всем клиентам.
func (s *Server) PushPayload(t testing.TB, op signaling.Opcode, payload any, origin *signaling.PeerInfo) {
	t.Helper()
	env, err := signaling.NewEnvelope(op, payload, "")
	if err != nil {
		t.Fatalf("encode %s: %v", op, err)
	}
	env.Origin = origin
	s.Push(t, env)
}

// Expect пропускает входящие конверты, пока не придет конверт с opcode op.
func (s *Server) Expect(t testing.TB, op signaling.Opcode, timeout time.Duration) Received {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case r := <-s.received:
			if r.Opcode == op {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out after %s waiting for %s", timeout, op)
			return Received{}
		}
	}
}

// Disconnect закрывает все соединения со стороны сервера.
func (s *Server) Disconnect() {
	s.mu.Lock()
	clients := append([]*client(nil), s.clients...)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.srv.Close()
	})
}
