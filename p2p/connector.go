// Package p2p управляет WebRTC соединениями с пирами комнаты.
//
// Архитектура:
//
//  1. Connector владеет Registry (id пира -> *Peer) и отправляет MAKE_OFFER,
//     MAKE_ANSWER и ICE через Signaler (обычно signaling.Link).
//
//  2. Все изменения записи одного пира идут под KeyedMutex с ключом id пира:
//     создание, согласование, ICE и закрытие не могут перемешаться.
//     Операции разных пиров выполняются параллельно.
//
//  3. Обработчики pion хранят только Connector и id пира и каждый раз заново
//     находят запись в Registry. После удаления записи старые обработчики
//     ничего не делают.
//
//  4. Если пир прислал публичный ключ, все сигнальные payload и все сообщения
//     data channel к нему и от него шифруются AES-GCM ключом из ECDH.
//
//  5. События публикуются в Bus.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/udisondev/phi/signaling"
)

// ChannelProtocol протокол, объявляемый для всех data channel.
const ChannelProtocol = "clomega"

// OperationTimeout ограничивает одну асинхронную операцию над пиром.
const OperationTimeout = 30 * time.Second

// Signaler отправляет конверты сигнальному серверу.
type Signaler interface {
	Send(ctx context.Context, env signaling.Envelope) error
}

// Config конфигурация для Connector
type Config struct {
	STUNServers    []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string
	// TURNOnly включает политику "relay": только кандидаты через TURN.
	TURNOnly bool

	// SettingEngine позволяет тестам включить loopback кандидаты.
	SettingEngine *webrtc.SettingEngine
	Logger        *slog.Logger
}

// Connector управляет WebRTC соединениями
type Connector struct {
	sig        Signaler
	api        *webrtc.API
	config     webrtc.Configuration
	keys       KeyPair
	registry   *Registry
	locks      *KeyedMutex
	bus        *Bus
	broadcasts *BroadcastStore
	log        *slog.Logger

	relayEnabled atomic.Bool
	closed       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnector creates a new Connector instance
func NewConnector(sig Signaler, keys KeyPair, bus *Bus, cfg Config) *Connector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	config := webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(cfg.STUNServers) > 0 {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs: cfg.STUNServers,
		})
	}
	if len(cfg.TURNServers) > 0 {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	if cfg.TURNOnly {
		config.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	log.Debug("Configured ICE servers", "stun", cfg.STUNServers, "turn", cfg.TURNServers, "turnOnly", cfg.TURNOnly)

	var api *webrtc.API
	if cfg.SettingEngine != nil {
		api = webrtc.NewAPI(webrtc.WithSettingEngine(*cfg.SettingEngine))
	} else {
		api = webrtc.NewAPI()
	}

	if bus == nil {
		bus = NewBus(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		sig:        sig,
		api:        api,
		config:     config,
		keys:       keys,
		registry:   NewRegistry(),
		locks:      NewKeyedMutex(),
		bus:        bus,
		broadcasts: NewBroadcastStore(),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Connector) Registry() *Registry {
	return c.registry
}

func (c *Connector) Broadcasts() *BroadcastStore {
	return c.broadcasts
}

// Go резервирует очередь по id сразу (в порядке вызовов) и выполняет fn
// в отдельной горутине, когда до нее дойдет очередь.
// Ошибка fn логируется и публикуется как EventError.
func (c *Connector) Go(id string, fn func(ctx context.Context) error) <-chan error {
	ticket := c.locks.Reserve(id)
	done := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, OperationTimeout)
		defer cancel()

		if err := ticket.Wait(ctx); err != nil {
			done <- err
			return
		}
		err := fn(ctx)
		ticket.Release()

		if err != nil {
			c.log.Warn("Peer operation failed", "peerID", id, "error", err)
			c.bus.Publish(Event{Type: EventError, PeerID: id, Err: err})
		}
		done <- err
	}()

	return done
}

// Lock блокирует id пира для синхронной операции.
func (c *Connector) Lock(ctx context.Context, id string) (func(), error) {
	ticket := c.locks.Reserve(id)
	if err := ticket.Wait(ctx); err != nil {
		return nil, err
	}
	return ticket.Release, nil
}

// CreateConnection создает запись о пире и PeerConnection с каналом default.
// Вызывающий должен держать блокировку id.
func (c *Connector) CreateConnection(ctx context.Context, id, username, remotePublicKey string) error {
	if c.closed.Load() {
		return ErrConnectorClosed
	}
	if id == "" {
		return fmt.Errorf("%w: empty peer id", ErrInvalidArgument)
	}
	if username == "" {
		return fmt.Errorf("%w: empty username for peer %s", ErrInvalidArgument, id)
	}
	if _, exists := c.registry.Get(id); exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, id)
	}

	var key *SharedKey
	if remotePublicKey != "" {
		k, err := DeriveSharedKey(remotePublicKey, c.keys.Private)
		if err != nil {
			return fmt.Errorf("derive shared key for %s: %w", id, err)
		}
		key = &k
	}

	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	peer := newPeer(id, username, key)
	peer.conn = pc
	c.setupConnectionHandlers(id, pc)

	negotiated := true
	ordered := true
	channelID := uint16(0)
	protocol := ChannelProtocol
	dc, err := pc.CreateDataChannel(DefaultChannel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Protocol:   &protocol,
		Negotiated: &negotiated,
		ID:         &channelID,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create default channel: %w", err)
	}
	ch := &Channel{Name: DefaultChannel, Ordered: true, dc: dc}
	peer.addChannel(ch)
	c.setupDataChannel(id, ch)

	// запись появляется в реестре уже с каналом default
	if err := c.registry.Insert(peer); err != nil {
		pc.Close()
		return err
	}

	if key != nil {
		c.log.Info("Peer supports encryption", "peerID", id, "username", username)
		c.bus.Publish(Event{Type: EventPeerSupportsEncryption, PeerID: id, Username: username})
	}

	peer.setState(PeerNegotiating)
	c.log.Info("Peer connection created", "peerID", id, "username", username, "encrypted", key != nil)
	return nil
}

// setupConnectionHandlers настраивает обработчики состояния соединения
func (c *Connector) setupConnectionHandlers(id string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		peer, ok := c.current(id, pc)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, signaling.WriteTimeout)
		defer cancel()
		if err := c.sendNegotiation(ctx, peer, signaling.OpICE, cand.ToJSON()); err != nil {
			c.log.Debug("Failed to send ICE candidate", "peerID", id, "error", err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer, ok := c.current(id, pc)
		if !ok {
			return
		}
		ch := &Channel{Name: dc.Label(), Ordered: dc.Ordered(), dc: dc}
		if !peer.addChannel(ch) {
			c.log.Debug("Ignoring known data channel", "peerID", id, "channel", dc.Label())
			return
		}
		c.log.Debug("Remote opened data channel", "peerID", id, "channel", dc.Label())
		c.setupDataChannel(id, ch)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer, ok := c.current(id, pc)
		if !ok {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			peer.setState(PeerConnected)
			c.log.Info("Connected to peer", "peerID", id, "username", peer.Username)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			c.log.Info("Disconnected from peer", "peerID", id, "username", peer.Username, "state", state.String())
		case webrtc.PeerConnectionStateFailed:
			c.log.Warn("Failed to connect to peer", "peerID", id, "username", peer.Username)
			c.ScheduleClose(id)
		}
	})
}

// setupDataChannel настраивает обработчики для DataChannel
func (c *Connector) setupDataChannel(id string, ch *Channel) {
	name := ch.Name
	dc := ch.dc

	dc.OnOpen(func() {
		peer, ok := c.owner(id, name, dc)
		if !ok {
			return
		}
		c.log.Info("Data channel opened", "peerID", id, "channel", name)
		if name == DefaultChannel {
			c.bus.Publish(Event{Type: EventPeerConnected, PeerID: id, Username: peer.Username, Channel: name})
			return
		}
		c.bus.Publish(Event{Type: EventChannelOpen, PeerID: id, Username: peer.Username, Channel: name})
	})

	dc.OnClose(func() {
		peer, ok := c.owner(id, name, dc)
		if !ok {
			return
		}
		c.log.Info("Data channel closed", "peerID", id, "channel", name)
		if name == DefaultChannel {
			c.ScheduleClose(id)
			return
		}
		if _, removed := peer.destroyChannel(name); removed {
			c.bus.Publish(Event{Type: EventChannelClose, PeerID: id, Username: peer.Username, Channel: name})
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if _, ok := c.owner(id, name, dc); !ok {
			return
		}
		c.handleMessage(id, name, msg.Data)
	})

	dc.OnError(func(err error) {
		// SCTP "User Initiated Abort" - это нормально при закрытии соединения
		c.log.Debug("Data channel error", "peerID", id, "channel", name, "error", err)
	})
}

// current возвращает запись, если она все еще принадлежит этому PeerConnection.
func (c *Connector) current(id string, pc *webrtc.PeerConnection) (*Peer, bool) {
	peer, ok := c.registry.Get(id)
	if !ok || peer.conn != pc {
		return nil, false
	}
	return peer, true
}

// owner возвращает запись, если канал name все еще этот dc.
func (c *Connector) owner(id, name string, dc *webrtc.DataChannel) (*Peer, bool) {
	peer, ok := c.registry.Get(id)
	if !ok {
		return nil, false
	}
	ch, ok := peer.channel(name)
	if !ok || ch.dc != dc {
		return nil, false
	}
	return peer, true
}

func (c *Connector) peer(id string) (*Peer, error) {
	peer, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return peer, nil
}

// CreateOffer создает offer и отправляет его пиру через сервер.
func (c *Connector) CreateOffer(ctx context.Context, id string) error {
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	offer, err := peer.conn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := peer.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.log.Debug("Sending offer", "peerID", id, "encrypted", peer.Encrypted())
	return c.sendNegotiation(ctx, peer, signaling.OpMakeOffer, offer)
}

// HandleOffer применяет offer пира и отвечает answer.
func (c *Connector) HandleOffer(ctx context.Context, id string, contents json.RawMessage) error {
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := c.openNegotiation(peer, contents, &offer); err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	if err := c.setRemoteDescription(peer, offer); err != nil {
		return err
	}
	return c.CreateAnswer(ctx, id)
}

// CreateAnswer создает answer на уже примененный offer и отправляет его.
func (c *Connector) CreateAnswer(ctx context.Context, id string) error {
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	answer, err := peer.conn.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := peer.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.log.Debug("Sending answer", "peerID", id, "encrypted", peer.Encrypted())
	return c.sendNegotiation(ctx, peer, signaling.OpMakeAnswer, answer)
}

// HandleAnswer применяет answer пира.
func (c *Connector) HandleAnswer(_ context.Context, id string, contents json.RawMessage) error {
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	if err := c.openNegotiation(peer, contents, &answer); err != nil {
		return fmt.Errorf("read answer: %w", err)
	}
	return c.setRemoteDescription(peer, answer)
}

// HandleICECandidate добавляет кандидат пира. Кандидаты, пришедшие раньше
// remote description, откладываются до ее применения.
func (c *Connector) HandleICECandidate(_ context.Context, id string, contents json.RawMessage) error {
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	var cand webrtc.ICECandidateInit
	if err := c.openNegotiation(peer, contents, &cand); err != nil {
		return fmt.Errorf("read candidate: %w", err)
	}

	if peer.conn.RemoteDescription() == nil {
		c.log.Debug("Queueing early ICE candidate", "peerID", id)
		peer.queueCandidate(cand)
		return nil
	}
	if err := peer.conn.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (c *Connector) setRemoteDescription(peer *Peer, sd webrtc.SessionDescription) error {
	if err := peer.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	for _, cand := range peer.takeCandidates() {
		if err := peer.conn.AddICECandidate(cand); err != nil {
			c.log.Warn("Failed to add queued ICE candidate", "peerID", peer.ID, "error", err)
		}
	}
	return nil
}

// sendNegotiation отправляет {type, contents}, шифруя contents при наличии ключа.
func (c *Connector) sendNegotiation(ctx context.Context, peer *Peer, op signaling.Opcode, v any) error {
	var contents []byte
	var err error
	if peer.sharedKey != nil {
		var sealed Sealed
		sealed, err = sealJSON(v, *peer.sharedKey)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", op, err)
		}
		contents, err = json.Marshal(sealed)
	} else {
		contents, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	env, err := signaling.NewEnvelope(op, signaling.Negotiation{
		Type:     signaling.CandidateData,
		Contents: contents,
	}, peer.ID)
	if err != nil {
		return err
	}
	return c.sig.Send(ctx, env)
}

// openNegotiation расшифровывает contents (если есть ключ) и разбирает в v.
func (c *Connector) openNegotiation(peer *Peer, contents json.RawMessage, v any) error {
	if peer.sharedKey != nil {
		plain, err := openJSON(contents, *peer.sharedKey)
		if err != nil {
			return err
		}
		contents = plain
	}
	if err := json.Unmarshal(contents, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// MarkSeen возвращает true, если уведомление о новом пире для id еще не
// отправлялось. Первое обнаружение пира relay включает ретрансляцию.
func (c *Connector) MarkSeen(id string) bool {
	peer, ok := c.registry.Get(id)
	if !ok || !peer.markSeen() {
		return false
	}
	if id == RelayPeerID && !c.relayEnabled.Swap(true) {
		c.log.Info("Server relay detected")
	}
	return true
}

func (c *Connector) RelayEnabled() bool {
	return c.relayEnabled.Load()
}

// CloseConnection закрывает соединение с пиром. Неизвестный id - не ошибка.
func (c *Connector) CloseConnection(ctx context.Context, id string) error {
	release, err := c.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	c.closeLocked(id)
	return nil
}

// ScheduleClose ставит закрытие в очередь id и сразу возвращается.
func (c *Connector) ScheduleClose(id string) <-chan error {
	return c.Go(id, func(context.Context) error {
		c.closeLocked(id)
		return nil
	})
}

func (c *Connector) closeLocked(id string) {
	peer, ok := c.registry.Remove(id)
	if !ok {
		return
	}
	c.log.Info("Closing connection with peer", "peerID", id, "username", peer.Username)

	for _, ch := range peer.allChannels() {
		ch.dc.Close()
	}
	if err := peer.conn.Close(); err != nil {
		c.log.Debug("Peer connection close error", "peerID", id, "error", err)
	}
	peer.setState(PeerClosed)

	c.bus.Publish(Event{Type: EventPeerDisconnected, PeerID: id, Username: peer.Username, Channel: DefaultChannel})
}

// CloseAll закрывает все соединения и ждет завершения.
func (c *Connector) CloseAll(ctx context.Context) error {
	var pending []<-chan error
	for _, id := range c.registry.IDs() {
		pending = append(pending, c.ScheduleClose(id))
	}
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown закрывает все соединения и запрещает новые.
func (c *Connector) Shutdown(ctx context.Context) error {
	c.closed.Store(true)
	err := c.CloseAll(ctx)
	c.broadcasts.Reset()
	c.relayEnabled.Store(false)
	c.cancel()
	return err
}

// OpenChannel открывает дополнительный канал к пиру.
func (c *Connector) OpenChannel(_ context.Context, id, name string, ordered bool) error {
	if name == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidArgument)
	}
	peer, err := c.peer(id)
	if err != nil {
		return err
	}
	if _, ok := peer.channel(name); ok {
		return nil
	}

	protocol := ChannelProtocol
	dc, err := peer.conn.CreateDataChannel(name, &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &protocol,
	})
	if err != nil {
		return fmt.Errorf("create channel %s: %w", name, err)
	}

	ch := &Channel{Name: name, Ordered: ordered, dc: dc}
	if !peer.addChannel(ch) {
		dc.Close()
		return nil
	}
	c.setupDataChannel(id, ch)
	c.log.Debug("Opening data channel", "peerID", id, "channel", name, "ordered", ordered)
	return nil
}

// CloseChannel закрывает дополнительный канал. default закрыть нельзя.
func (c *Connector) CloseChannel(_ context.Context, id, name string) error {
	if name == DefaultChannel {
		return ErrDefaultChannel
	}
	peer, err := c.peer(id)
	if err != nil {
		return err
	}
	ch, ok := peer.destroyChannel(name)
	if !ok {
		return fmt.Errorf("%w: %s on peer %s", ErrChannelNotFound, name, id)
	}
	if err := ch.dc.Close(); err != nil {
		c.log.Debug("Data channel close error", "peerID", id, "channel", name, "error", err)
	}
	c.bus.Publish(Event{Type: EventChannelClose, PeerID: id, Username: peer.Username, Channel: name})
	return nil
}

// IsChannelOpen сообщает, открыт ли канал к пиру.
func (c *Connector) IsChannelOpen(id, name string) bool {
	peer, ok := c.registry.Get(id)
	if !ok {
		return false
	}
	ch, ok := peer.channel(name)
	return ok && ch.State() == ChannelOpen
}

// WasChannelClosed сообщает, был ли канал закрыт после открытия.
func (c *Connector) WasChannelClosed(id, name string) bool {
	peer, ok := c.registry.Get(id)
	if !ok {
		return false
	}
	return peer.wasDestroyed(name)
}

// PeerInfo снимок записи о пире для чтения.
type PeerInfo struct {
	ID        string
	Username  string
	State     PeerState
	Encrypted bool
	Channels  []string
}

func (c *Connector) Lookup(id string) (PeerInfo, bool) {
	peer, ok := c.registry.Get(id)
	if !ok {
		return PeerInfo{}, false
	}
	info := PeerInfo{
		ID:        peer.ID,
		Username:  peer.Username,
		State:     peer.State(),
		Encrypted: peer.Encrypted(),
	}
	for _, ch := range peer.allChannels() {
		info.Channels = append(info.Channels, ch.Name)
	}
	sort.Strings(info.Channels)
	return info, true
}

// Peers возвращает снимки всех записей, отсортированные по id.
func (c *Connector) Peers() []PeerInfo {
	ids := c.registry.IDs()
	out := make([]PeerInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := c.Lookup(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// PrivateValue последнее P_MSG от пира в канале.
func (c *Connector) PrivateValue(id, channel string) (json.RawMessage, bool) {
	peer, ok := c.registry.Get(id)
	if !ok {
		return nil, false
	}
	return peer.privateValue(channel)
}
