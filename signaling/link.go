// Package signaling реализует соединение с сигнальным сервером:
// JSON конверты поверх websocket, корреляцию запросов и keepalive.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected   = errors.New("signaling link is not connected")
	ErrRequestTimeout = errors.New("signaling request timeout")
)

const (
	KeepaliveInterval     = 5 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	WriteTimeout          = 5 * time.Second
	HandshakeTimeout      = 10 * time.Second
	MaxMessageSize        = 1 << 20
)

// Link единственное соединение клиента с сигнальным сервером.
// Link одноразовый: после Close нужен новый Link.
type Link struct {
	log *slog.Logger

	mu         sync.Mutex // защищает запись в conn
	conn       *websocket.Conn
	reqMu      sync.Mutex
	reqMap     map[string]chan Envelope
	reqTimeout time.Duration

	kaMu      sync.Mutex
	keepalive *time.Timer

	done      chan struct{}
	closeOnce sync.Once
}

func NewLink(log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		log:        log,
		reqMap:     make(map[string]chan Envelope),
		reqTimeout: DefaultRequestTimeout,
	}
}

func (l *Link) SetRequestTimeout(timeout time.Duration) {
	l.reqMu.Lock()
	l.reqTimeout = timeout
	l.reqMu.Unlock()
}

// Dial подключается к серверу и запускает чтение.
// Возвращенный канал закрывается, когда соединение разорвано.
func (l *Link) Dial(ctx context.Context, url string) (<-chan Envelope, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}

	l.mu.Lock()
	dialed := l.conn != nil
	l.mu.Unlock()
	if dialed {
		return nil, errors.New("signaling link already dialed")
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)

	done := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.done = done
	l.mu.Unlock()

	l.log.Info("Connected to signaling server", "url", url)

	income := make(chan Envelope, 100)
	go l.readLoop(conn, income, done)

	return income, nil
}

func (l *Link) readLoop(conn *websocket.Conn, income chan<- Envelope, done chan struct{}) {
	defer func() {
		close(income)
		l.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Info("Signaling connection closed by server")
			} else {
				l.log.Debug("Signaling read finished", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.log.Warn("Dropping malformed signaling frame", "error", err, "size", len(data))
			continue
		}
		if env.Opcode == OpUnknown {
			l.log.Warn("Dropping frame with unknown opcode", "frame", string(data))
			continue
		}

		l.log.Debug("Signaling message received", "opcode", env.Opcode.String(), "origin", env.OriginID())

		if env.Listener != "" {
			l.reqMu.Lock()
			ch, ok := l.reqMap[env.Listener]
			if ok {
				delete(l.reqMap, env.Listener)
			}
			l.reqMu.Unlock()
			if ok {
				ch <- env
			}
		}

		select {
		case income <- env:
		case <-done:
			return
		}
	}
}

// Connected сообщает, открыто ли соединение.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Send отправляет конверт. Записи сериализуются.
func (l *Link) Send(ctx context.Context, env Envelope) error {
	// запись с истекшим дедлайном портит соединение gorilla
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	deadline := time.Now().Add(WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Opcode, err)
	}

	l.log.Debug("Signaling message sent", "opcode", env.Opcode.String(), "recipient", env.Recipient)
	return nil
}

// Request отправляет конверт с уникальным listener и ждет ответа с тем же listener.
func (l *Link) Request(ctx context.Context, env Envelope) (Envelope, error) {
	env.Listener = uuid.NewString()
	respCh := make(chan Envelope, 1)

	// Добавляем в мапу ДО отправки сообщения
	l.reqMu.Lock()
	l.reqMap[env.Listener] = respCh
	timeout := l.reqTimeout
	l.reqMu.Unlock()

	defer func() {
		l.reqMu.Lock()
		delete(l.reqMap, env.Listener)
		l.reqMu.Unlock()
	}()

	if err := l.Send(ctx, env); err != nil {
		return Envelope{}, err
	}

	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return Envelope{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, env.Opcode, timeout)
	case <-done:
		return Envelope{}, ErrNotConnected
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// ScheduleKeepalive отправит KEEPALIVE через KeepaliveInterval.
// Сервер отвечает на каждый KEEPALIVE, поэтому цикл продолжается, пока он отвечает.
func (l *Link) ScheduleKeepalive() {
	if !l.Connected() {
		return
	}

	l.kaMu.Lock()
	defer l.kaMu.Unlock()

	if l.keepalive != nil {
		l.keepalive.Stop()
	}
	l.keepalive = time.AfterFunc(KeepaliveInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
		defer cancel()
		if err := l.Send(ctx, Envelope{Opcode: OpKeepalive}); err != nil {
			l.log.Debug("Keepalive not sent", "error", err)
		}
	})
}

func (l *Link) stopKeepalive() {
	l.kaMu.Lock()
	defer l.kaMu.Unlock()
	if l.keepalive != nil {
		l.keepalive.Stop()
		l.keepalive = nil
	}
}

// Close останавливает keepalive и закрывает соединение. Повторный вызов безопасен.
func (l *Link) Close() error {
	l.stopKeepalive()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = l.conn.Close()
		l.log.Info("Signaling connection closed")
	})
	return err
}
