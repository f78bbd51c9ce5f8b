// Package client реализует сессию phi: подключение к сигнальному серверу,
// комнаты, обработку сигнальных сообщений и отправку сообщений пирам.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/udisondev/phi/p2p"
	"github.com/udisondev/phi/signaling"
)

var (
	ErrNotConnected       = errors.New("not connected to signaling server")
	ErrUsernameRequired   = errors.New("username is not set")
	ErrUsernameAlreadySet = errors.New("username is already set")
	ErrRejected           = errors.New("request rejected by server")
)

const (
	ClientType       = "phi"
	ClientVersion    = "1.0.0"
	ProtocolVersion  = "1"
	SignalingVersion = "1.2"
)

const closeTimeout = 5 * time.Second

// Options настройки клиента.
type Options struct {
	ICE            p2p.Config
	Keepalive      bool
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client владеет сессией, соединением с сервером и реестром пиров.
// Состояние создается в Connect и сбрасывается в Close.
type Client struct {
	opts Options
	log  *slog.Logger
	bus  *p2p.Bus

	mu      sync.RWMutex
	link    *signaling.Link
	conn    *p2p.Connector
	session Session
}

func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ICE.Logger == nil {
		opts.ICE.Logger = log
	}
	return &Client{
		opts: opts,
		log:  log,
		bus:  p2p.NewBus(log),
	}
}

// Subscribe подписывает на события сессии. Подписка переживает переподключения.
func (c *Client) Subscribe(buffer int) (<-chan p2p.Event, func()) {
	return c.bus.Subscribe(buffer)
}

// Connect подключается к серверу. Если соединение уже есть, ничего не делает.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.session.State != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.session.State = Connecting
	c.mu.Unlock()

	link := signaling.NewLink(c.log)
	if c.opts.RequestTimeout > 0 {
		link.SetRequestTimeout(c.opts.RequestTimeout)
	}

	income, err := link.Dial(ctx, url)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("connect: %w", err)
	}

	keys, err := p2p.GenerateKeyPair()
	if err != nil {
		link.Close()
		c.setState(Disconnected)
		return fmt.Errorf("generate key pair: %w", err)
	}

	conn := p2p.NewConnector(link, keys, c.bus, c.opts.ICE)

	c.mu.Lock()
	c.link = link
	c.conn = conn
	c.session = Session{Keys: keys, State: Connected}
	c.mu.Unlock()

	go c.dispatch(link, conn, income)

	meta, err := signaling.NewEnvelope(signaling.OpMeta, metadata(), "")
	if err != nil {
		return err
	}
	if err := link.Send(ctx, meta); err != nil {
		c.log.Warn("Failed to announce metadata", "error", err)
	}

	c.log.Info("Connected", "url", url, "keepalive", c.opts.Keepalive)
	c.bus.Publish(p2p.Event{Type: p2p.EventConnected})

	if c.opts.Keepalive {
		if err := link.Send(ctx, signaling.Envelope{Opcode: signaling.OpKeepalive}); err != nil {
			c.log.Warn("Failed to start keepalive", "error", err)
		}
	}
	return nil
}

func metadata() signaling.Metadata {
	return signaling.Metadata{
		ClientType:       ClientType,
		ClientVersion:    ClientVersion,
		ProtocolVersion:  ProtocolVersion,
		SignalingVersion: SignalingVersion,
		UserAgent:        fmt.Sprintf("phi-go/%s (%s; %s; %s)", ClientVersion, runtime.GOOS, runtime.GOARCH, runtime.Version()),
		EncryptionSuite:  p2p.EncryptionSuite,
		KeyExchangeMode:  p2p.KeyExchangeMode,
	}
}

// Close завершает сессию: останавливает keepalive, закрывает всех пиров,
// очищает хранилище широковещательных сообщений, сбрасывает роль,
// имя и id и закрывает соединение с сервером.
func (c *Client) Close() error {
	c.mu.RLock()
	link := c.link
	c.mu.RUnlock()
	if link == nil {
		return nil
	}
	return c.teardown(link)
}

// teardown выполняется один раз для каждого link.
func (c *Client) teardown(link *signaling.Link) error {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.link = nil
	c.conn = nil
	c.session = Session{State: Disconnected}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if err := conn.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close peers: %w", err))
	}
	if err := link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close signaling: %w", err))
	}
	c.log.Info("Session closed")
	return errors.Join(errs...)
}

func (c *Client) setState(s SignalingState) {
	c.mu.Lock()
	c.session.State = s
	c.mu.Unlock()
}

func (c *Client) active() (*signaling.Link, *p2p.Connector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil || !c.link.Connected() {
		return nil, nil, ErrNotConnected
	}
	return c.link, c.conn, nil
}

// SetUsername отправляет INIT. Имя можно задать один раз за сессию.
func (c *Client) SetUsername(ctx context.Context, username string) error {
	if username == "" {
		return fmt.Errorf("%w: empty username", p2p.ErrInvalidArgument)
	}
	link, _, err := c.active()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session.Username != "" {
		c.mu.Unlock()
		return ErrUsernameAlreadySet
	}
	c.session.Username = username
	c.mu.Unlock()

	env, err := signaling.NewEnvelope(signaling.OpInit, username, "")
	if err == nil {
		err = link.Send(ctx, env)
	}
	if err != nil {
		// INIT не ушел: имя можно задать повторно
		c.mu.Lock()
		if c.session.Username == username {
			c.session.Username = ""
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// MakeRoom создает комнату. Без имени пользователя возвращает ErrUsernameRequired
// и ничего не отправляет.
func (c *Client) MakeRoom(ctx context.Context, opts RoomOptions) error {
	link, _, err := c.active()
	if err != nil {
		return err
	}

	c.mu.RLock()
	username, pubkey := c.session.Username, c.session.Keys.Public
	c.mu.RUnlock()
	if username == "" {
		return ErrUsernameRequired
	}

	hostReclaim, peersClaim := opts.Reclaim.flags()
	env, err := signaling.NewEnvelope(signaling.OpConfigHost, signaling.HostConfig{
		LobbyID:               opts.Name,
		AllowHostReclaim:      hostReclaim,
		AllowPeersToClaimHost: peersClaim,
		MaxPeers:              opts.MaxPeers,
		Password:              opts.Password,
		UseServerRelay:        opts.UseRelay,
		PublicKey:             pubkey,
	}, "")
	if err != nil {
		return err
	}
	return link.Send(ctx, env)
}

// JoinRoom входит в существующую комнату.
func (c *Client) JoinRoom(ctx context.Context, name, password string) error {
	link, _, err := c.active()
	if err != nil {
		return err
	}

	c.mu.RLock()
	username, pubkey := c.session.Username, c.session.Keys.Public
	c.mu.RUnlock()
	if username == "" {
		return ErrUsernameRequired
	}

	env, err := signaling.NewEnvelope(signaling.OpConfigPeer, signaling.PeerConfig{
		LobbyID:   name,
		Password:  password,
		PublicKey: pubkey,
	}, "")
	if err != nil {
		return err
	}
	return link.Send(ctx, env)
}

// RoomList запрашивает список открытых комнат.
func (c *Client) RoomList(ctx context.Context) ([]string, error) {
	link, _, err := c.active()
	if err != nil {
		return nil, err
	}

	resp, err := link.Request(ctx, signaling.Envelope{Opcode: signaling.OpLobbyList})
	if err != nil {
		return nil, err
	}
	if resp.Opcode != signaling.OpLobbyList {
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Opcode)
	}

	var rooms []string
	if len(resp.Payload) == 0 || string(resp.Payload) == "null" {
		return rooms, nil
	}
	if err := resp.Decode(&rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomInfo запрашивает сведения о комнате.
func (c *Client) RoomInfo(ctx context.Context, name string) (signaling.LobbyInfo, error) {
	link, _, err := c.active()
	if err != nil {
		return signaling.LobbyInfo{}, err
	}

	req, err := signaling.NewEnvelope(signaling.OpLobbyInfo, name, "")
	if err != nil {
		return signaling.LobbyInfo{}, err
	}
	resp, err := link.Request(ctx, req)
	if err != nil {
		return signaling.LobbyInfo{}, err
	}
	if resp.Opcode != signaling.OpLobbyInfo {
		return signaling.LobbyInfo{}, fmt.Errorf("%w: %s", ErrRejected, resp.Opcode)
	}

	var info signaling.LobbyInfo
	if err := resp.Decode(&info); err != nil {
		return signaling.LobbyInfo{}, err
	}
	return info, nil
}

// SendBroadcast отправляет G_MSG всем пирам.
func (c *Client) SendBroadcast(ctx context.Context, channel string, data any, relay, waitForFlush bool) error {
	_, conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.Broadcast(ctx, channel, p2p.OpBroadcast, data, relay, waitForFlush)
}

// SendPrivate отправляет P_MSG одному пиру.
func (c *Client) SendPrivate(ctx context.Context, peerID, channel string, data any, relay, waitForFlush bool) error {
	return c.Send(ctx, peerID, channel, p2p.OpPrivate, data, relay, waitForFlush)
}

// Send отправляет пакет с произвольным opcode.
func (c *Client) Send(ctx context.Context, peerID, channel, opcode string, data any, relay, waitForFlush bool) error {
	_, conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.SendMessage(ctx, peerID, channel, opcode, data, relay, waitForFlush)
}

// OpenChannel открывает дополнительный канал к пиру.
func (c *Client) OpenChannel(ctx context.Context, peerID, name string, ordered bool) error {
	_, conn, err := c.active()
	if err != nil {
		return err
	}
	release, err := conn.Lock(ctx, peerID)
	if err != nil {
		return err
	}
	defer release()
	return conn.OpenChannel(ctx, peerID, name, ordered)
}

// CloseChannel закрывает дополнительный канал к пиру.
func (c *Client) CloseChannel(ctx context.Context, peerID, name string) error {
	_, conn, err := c.active()
	if err != nil {
		return err
	}
	release, err := conn.Lock(ctx, peerID)
	if err != nil {
		return err
	}
	defer release()
	return conn.CloseChannel(ctx, peerID, name)
}

// ClosePeer закрывает соединение с одним пиром.
func (c *Client) ClosePeer(ctx context.Context, peerID string) error {
	_, conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.CloseConnection(ctx, peerID)
}

func (c *Client) connector() *p2p.Connector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Peers возвращает всех известных пиров.
func (c *Client) Peers() []p2p.PeerInfo {
	conn := c.connector()
	if conn == nil {
		return nil
	}
	return conn.Peers()
}

// PeerUsername возвращает имя пира по id.
func (c *Client) PeerUsername(peerID string) (string, bool) {
	conn := c.connector()
	if conn == nil {
		return "", false
	}
	info, ok := conn.Lookup(peerID)
	return info.Username, ok
}

// BroadcastValue последнее G_MSG в канале.
func (c *Client) BroadcastValue(channel string) (p2p.BroadcastValue, bool) {
	conn := c.connector()
	if conn == nil {
		return p2p.BroadcastValue{}, false
	}
	return conn.Broadcasts().Get(channel)
}

// PrivateValue последнее P_MSG от пира в канале.
func (c *Client) PrivateValue(peerID, channel string) (json.RawMessage, bool) {
	conn := c.connector()
	if conn == nil {
		return nil, false
	}
	return conn.PrivateValue(peerID, channel)
}

func (c *Client) ChannelOpen(peerID, channel string) bool {
	conn := c.connector()
	return conn != nil && conn.IsChannelOpen(peerID, channel)
}

func (c *Client) ChannelClosed(peerID, channel string) bool {
	conn := c.connector()
	return conn != nil && conn.WasChannelClosed(peerID, channel)
}

func (c *Client) RelayEnabled() bool {
	conn := c.connector()
	return conn != nil && conn.RelayEnabled()
}

// Session возвращает копию текущей сессии.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) ID() string { return c.Session().ID }
func (c *Client) Username() string { return c.Session().Username }
func (c *Client) Role() Role { return c.Session().Role }
func (c *Client) State() SignalingState { return c.Session().State }
func (c *Client) PublicKey() string { return c.Session().Keys.Public }
