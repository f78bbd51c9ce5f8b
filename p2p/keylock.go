package p2p

import (
	"context"
	"sync"
)

// KeyedMutex сериализует операции по ключу (id пира).
// Операции с одним ключом выполняются строго по одной в порядке резервирования,
// операции с разными ключами не мешают друг другу.
// Очередь ключа удаляется, когда в ней никого не осталось.
type KeyedMutex struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
}

type keyQueue struct {
	waiting []*Ticket
	holder  *Ticket
}

// Ticket место в очереди на ключ.
type Ticket struct {
	km      *KeyedMutex
	key     string
	granted chan struct{}
	once    sync.Once
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{queues: make(map[string]*keyQueue)}
}

// Reserve занимает место в очереди, не блокируясь.
// Если ключ свободен, тикет сразу становится владельцем.
func (km *KeyedMutex) Reserve(key string) *Ticket {
	t := &Ticket{km: km, key: key, granted: make(chan struct{})}

	km.mu.Lock()
	defer km.mu.Unlock()

	q, ok := km.queues[key]
	if !ok {
		q = &keyQueue{}
		km.queues[key] = q
	}

	if q.holder == nil {
		q.holder = t
		close(t.granted)
		return t
	}
	q.waiting = append(q.waiting, t)
	return t
}

// Lock блокирует до получения ключа и возвращает функцию освобождения.
func (km *KeyedMutex) Lock(key string) func() {
	t := km.Reserve(key)
	<-t.granted
	return t.Release
}

// Len возвращает количество ключей, у которых есть владелец или очередь.
func (km *KeyedMutex) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.queues)
}

// Wait ждет своей очереди. При отмене ctx тикет освобождается сам:
// либо выбывает из очереди, либо сразу передает ключ следующему.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.granted:
		return nil
	default:
	}

	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
		t.Release()
		return ctx.Err()
	}
}

// Release отдает ключ следующему в очереди. Повторный вызов ничего не делает.
func (t *Ticket) Release() {
	t.once.Do(func() {
		km := t.km
		km.mu.Lock()
		defer km.mu.Unlock()

		q, ok := km.queues[t.key]
		if !ok {
			return
		}
		if q.holder != t {
			// тикет еще в очереди: просто выбываем
			for i, w := range q.waiting {
				if w == t {
					q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
					break
				}
			}
			return
		}

		if len(q.waiting) == 0 {
			delete(km.queues, t.key)
			return
		}

		next := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		q.holder = next
		close(next.granted)
	})
}
