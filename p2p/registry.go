package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Registry хранит записи о пирах по id. Чтение безопасно из любой горутины,
// изменения для одного id сериализует Connector через KeyedMutex.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Insert добавляет запись. Вторая запись с тем же id - ошибка.
func (r *Registry) Insert(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID)
	}
	r.peers[p.ID] = p
	return nil
}

// Remove удаляет и возвращает запись, если она была.
func (r *Registry) Remove(id string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return p, ok
}

// IDs возвращает отсортированный список id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// BroadcastValue последнее широковещательное сообщение в канале.
type BroadcastValue struct {
	Payload json.RawMessage
	Origin  string
}

// BroadcastStore хранит последнее G_MSG по имени канала.
type BroadcastStore struct {
	mu     sync.RWMutex
	values map[string]BroadcastValue
}

func NewBroadcastStore() *BroadcastStore {
	return &BroadcastStore{values: make(map[string]BroadcastValue)}
}

func (s *BroadcastStore) Set(channel string, v BroadcastValue) {
	s.mu.Lock()
	s.values[channel] = v
	s.mu.Unlock()
}

func (s *BroadcastStore) Get(channel string) (BroadcastValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[channel]
	return v, ok
}

func (s *BroadcastStore) Reset() {
	s.mu.Lock()
	s.values = make(map[string]BroadcastValue)
	s.mu.Unlock()
}
