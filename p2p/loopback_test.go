package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/udisondev/phi/signaling"
)

// pipeSignaler доставляет сигнальные сообщения напрямую второму коннектору,
// как это делает сервер плюс диспетчер клиента.
type pipeSignaler struct {
	from   string
	target *Connector
}

func (p *pipeSignaler) Send(_ context.Context, env signaling.Envelope) error {
	var n signaling.Negotiation
	if err := env.Decode(&n); err != nil {
		return err
	}
	target := p.target
	p.target.Go(p.from, func(ctx context.Context) error {
		switch env.Opcode {
		case signaling.OpMakeOffer:
			return target.HandleOffer(ctx, p.from, n.Contents)
		case signaling.OpMakeAnswer:
			return target.HandleAnswer(ctx, p.from, n.Contents)
		case signaling.OpICE:
			return target.HandleICECandidate(ctx, p.from, n.Contents)
		}
		return fmt.Errorf("unexpected opcode %s", env.Opcode)
	})
	return nil
}

type loopbackSide struct {
	c      *Connector
	events <-chan Event
}

func newLoopbackPair(t *testing.T) (a, b loopbackSide) {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)

	keysA := mustKeyPair(t)
	keysB := mustKeyPair(t)
	sigA := &pipeSignaler{from: "a"}
	sigB := &pipeSignaler{from: "b"}

	busA := NewBus(nil)
	busB := NewBus(nil)
	eventsA, cancelA := busA.Subscribe(128)
	eventsB, cancelB := busB.Subscribe(128)

	ca := NewConnector(sigA, keysA, busA, Config{SettingEngine: &se})
	cb := NewConnector(sigB, keysB, busB, Config{SettingEngine: &se})
	sigA.target = cb
	sigB.target = ca

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ca.Shutdown(ctx)
		cb.Shutdown(ctx)
		cancelA()
		cancelB()
	})

	ctx := context.Background()
	if err := ca.CreateConnection(ctx, "b", "bob", keysB.Public); err != nil {
		t.Fatalf("a: CreateConnection failed: %v", err)
	}
	if err := cb.CreateConnection(ctx, "a", "alice", keysA.Public); err != nil {
		t.Fatalf("b: CreateConnection failed: %v", err)
	}

	return loopbackSide{ca, eventsA}, loopbackSide{cb, eventsB}
}

func TestLoopbackEncryptedSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}

	a, b := newLoopbackPair(t)

	errCh := a.c.Go("b", func(ctx context.Context) error {
		return a.c.CreateOffer(ctx, "b")
	})
	if err := <-errCh; err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	expectEvent(t, a.events, EventPeerConnected)
	expectEvent(t, b.events, EventPeerConnected)
	t.Log("Default channel is open on both sides")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// G_MSG
	if err := a.c.SendMessage(ctx, "b", DefaultChannel, OpBroadcast, map[string]string{"text": "hello"}, false, true); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ev := expectEvent(t, b.events, EventBroadcast)
	if ev.PeerID != "a" || ev.Username != "alice" {
		t.Errorf("unexpected broadcast origin %+v", ev)
	}
	var got map[string]string
	if err := json.Unmarshal(ev.Payload, &got); err != nil || got["text"] != "hello" {
		t.Errorf("unexpected payload %s (%v)", ev.Payload, err)
	}
	if v, ok := b.c.Broadcasts().Get(DefaultChannel); !ok || v.Origin != "a" {
		t.Errorf("broadcast store not updated: %+v", v)
	}

	// дополнительный канал
	if err := a.c.OpenChannel(ctx, "b", "files", true); err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	expectEvent(t, a.events, EventChannelOpen)
	remoteOpen := expectEvent(t, b.events, EventChannelOpen)
	if remoteOpen.Channel != "files" {
		t.Errorf("unexpected channel open event %+v", remoteOpen)
	}

	if err := a.c.SendMessage(ctx, "b", "files", OpPrivate, "chunk-1", false, false); err != nil {
		t.Fatalf("SendMessage on files failed: %v", err)
	}
	pm := expectEvent(t, b.events, EventPrivateMessage)
	if pm.Channel != "files" || string(pm.Payload) != `"chunk-1"` {
		t.Errorf("unexpected private message %+v", pm)
	}

	if err := a.c.CloseChannel(ctx, "b", "files"); err != nil {
		t.Fatalf("CloseChannel failed: %v", err)
	}
	closed := expectEvent(t, b.events, EventChannelClose)
	if closed.Channel != "files" {
		t.Errorf("unexpected channel close event %+v", closed)
	}
	if !b.c.WasChannelClosed("a", "files") {
		t.Error("remote side must remember the closed channel")
	}
	if !b.c.IsChannelOpen("a", DefaultChannel) {
		t.Error("closing a secondary channel must keep the default channel open")
	}

	// закрытие соединения доходит до второй стороны
	if err := a.c.CloseConnection(ctx, "b"); err != nil {
		t.Fatalf("CloseConnection failed: %v", err)
	}
	gone := expectEvent(t, b.events, EventPeerDisconnected)
	if gone.PeerID != "a" {
		t.Errorf("unexpected disconnect event %+v", gone)
	}
}
