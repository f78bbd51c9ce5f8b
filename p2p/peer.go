package p2p

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultChannel создается вместе с каждым соединением и живет, пока живо соединение.
const DefaultChannel = "default"

// RelayPeerID id, под которым сигнальный сервер выступает как ретранслятор.
const RelayPeerID = "relay"

// PeerState состояние соединения с пиром
type PeerState uint8

const (
	PeerCreated PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerCreated:
		return "created"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState состояние data channel
type ChannelState uint8

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	default:
		return "closed"
	}
}

// Channel один data channel к пиру.
type Channel struct {
	Name    string
	Ordered bool
	dc      *webrtc.DataChannel
}

// State выводится из состояния pion канала.
func (ch *Channel) State() ChannelState {
	switch ch.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateConnecting:
		return ChannelConnecting
	default:
		return ChannelClosed
	}
}

// Peer запись о пире. Владеет соединением, каналами и общим ключом.
// Создается в CreateConnection и удаляется в CloseConnection.
type Peer struct {
	ID       string
	Username string

	// nil, если пир не прислал публичный ключ. Не меняется после создания.
	sharedKey *SharedKey

	conn *webrtc.PeerConnection

	mu        sync.Mutex
	state     PeerState
	channels  map[string]*Channel
	destroyed map[string]struct{}
	private   map[string]json.RawMessage
	seen      bool
	pending   []webrtc.ICECandidateInit
}

func newPeer(id, username string, key *SharedKey) *Peer {
	return &Peer{
		ID:        id,
		Username:  username,
		sharedKey: key,
		state:     PeerCreated,
		channels:  make(map[string]*Channel),
		destroyed: make(map[string]struct{}),
		private:   make(map[string]json.RawMessage),
	}
}

// Encrypted сообщает, согласован ли общий ключ.
func (p *Peer) Encrypted() bool {
	return p.sharedKey != nil
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) channel(name string) (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[name]
	return ch, ok
}

// addChannel добавляет канал, если канала с таким именем еще нет.
func (p *Peer) addChannel(ch *Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[ch.Name]; ok {
		return false
	}
	p.channels[ch.Name] = ch
	delete(p.destroyed, ch.Name)
	return true
}

// destroyChannel убирает канал и запоминает, что он был закрыт.
// Возвращает false, если канала уже нет.
func (p *Peer) destroyChannel(name string) (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[name]
	if !ok {
		return nil, false
	}
	delete(p.channels, name)
	p.destroyed[name] = struct{}{}
	return ch, true
}

func (p *Peer) allChannels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

func (p *Peer) wasDestroyed(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.destroyed[name]
	return ok
}

func (p *Peer) setPrivate(channel string, payload json.RawMessage) {
	p.mu.Lock()
	p.private[channel] = payload
	p.mu.Unlock()
}

func (p *Peer) privateValue(channel string) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.private[channel]
	return v, ok
}

// markSeen возвращает true только при первом вызове.
func (p *Peer) markSeen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen {
		return false
	}
	p.seen = true
	return true
}

func (p *Peer) queueCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	p.pending = append(p.pending, c)
	p.mu.Unlock()
}

func (p *Peer) takeCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}
