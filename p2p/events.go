package p2p

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// EventType определяет тип события
type EventType uint8

const (
	EventConnected EventType = iota
	EventDisconnected
	EventUsernameSynced
	EventNewPeer
	EventPeerSupportsEncryption
	EventPeerConnected
	EventPeerDisconnected
	EventPeerMessage
	EventChannelOpen
	EventChannelClose
	EventBroadcast
	EventPrivateMessage
	EventOwnershipChanged
	EventModeChanged
	EventLobbyList
	EventLobbyInfo
	EventSignal
	EventError
)

var eventNames = [...]string{
	EventConnected:              "connected",
	EventDisconnected:           "disconnected",
	EventUsernameSynced:         "username_synced",
	EventNewPeer:                "new_peer",
	EventPeerSupportsEncryption: "peer_supports_encryption",
	EventPeerConnected:          "peer_connected",
	EventPeerDisconnected:       "peer_disconnected",
	EventPeerMessage:            "peer_message",
	EventChannelOpen:            "channel_open",
	EventChannelClose:           "channel_close",
	EventBroadcast:              "broadcast",
	EventPrivateMessage:         "private_message",
	EventOwnershipChanged:       "ownership_changed",
	EventModeChanged:            "mode_changed",
	EventLobbyList:              "lobby_list",
	EventLobbyInfo:              "lobby_info",
	EventSignal:                 "signal",
	EventError:                  "error",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "unknown"
}

// Event представляет событие сессии.
// Заполняются только поля, относящиеся к типу события.
type Event struct {
	Type     EventType
	PeerID   string
	Username string
	Channel  string
	Opcode   string
	Payload  json.RawMessage
	Relayed  bool
	Mode     string
	Err      error
}

// Bus раздает события всем подписчикам в порядке публикации.
// Publish никогда не блокируется: если буфер подписчика заполнен,
// событие для него теряется (с предупреждением в логе).
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	log    *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), log: log}
}

// Subscribe возвращает канал событий и функцию отписки.
// После отписки канал закрывается.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish рассылает событие подписчикам.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("Subscriber is full, event dropped", "subscriber", id, "event", ev.Type.String(), "peerID", ev.PeerID)
		}
	}
}

// Close закрывает все подписки.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
