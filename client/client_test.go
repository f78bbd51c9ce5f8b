package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/udisondev/phi/p2p"
	"github.com/udisondev/phi/signaling"
	"github.com/udisondev/phi/signaling/signalingtest"
)

const waitTimeout = 5 * time.Second

func connect(t *testing.T, srv *signalingtest.Server, opts Options) (*Client, <-chan p2p.Event) {
	t.Helper()

	c := New(opts)
	events, cancel := c.Subscribe(128)
	t.Cleanup(cancel)

	ctx, done := context.WithTimeout(context.Background(), waitTimeout)
	defer done()
	if err := c.Connect(ctx, srv.URL()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	// META приходит после регистрации клиента на сервере
	srv.Expect(t, signaling.OpMeta, waitTimeout)
	return c, events
}

func waitEvent(t *testing.T, events <-chan p2p.Event, typ p2p.EventType) p2p.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return p2p.Event{}
		}
	}
}

func noEvent(t *testing.T, events <-chan p2p.Event, typ p2p.EventType, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %+v", typ, ev)
			}
		case <-deadline:
			return
		}
	}
}

func TestConnectAnnouncesMetadata(t *testing.T) {
	srv := signalingtest.NewServer(t)

	c := New(Options{})
	events, cancel := c.Subscribe(16)
	defer cancel()

	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close()

	r := srv.Expect(t, signaling.OpMeta, waitTimeout)
	var meta signaling.Metadata
	if err := r.Decode(&meta); err != nil {
		t.Fatalf("decode META: %v", err)
	}
	if meta.ClientType != ClientType || meta.SignalingVersion != SignalingVersion {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.EncryptionSuite != p2p.EncryptionSuite || meta.KeyExchangeMode != p2p.KeyExchangeMode {
		t.Errorf("unexpected crypto metadata: %+v", meta)
	}

	waitEvent(t, events, p2p.EventConnected)
	if c.State() != Connected {
		t.Errorf("expected state connected, got %s", c.State())
	}
	if c.PublicKey() == "" {
		t.Error("expected key pair to be generated on connect")
	}

	// повторный Connect ничего не делает
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Errorf("second Connect returned %v", err)
	}
}

func TestConnectStartsKeepalive(t *testing.T) {
	srv := signalingtest.NewServer(t)
	connect(t, srv, Options{Keepalive: true})
	srv.Expect(t, signaling.OpKeepalive, waitTimeout)
}

func TestConnectUnreachable(t *testing.T) {
	c := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Connect(ctx, "ws://127.0.0.1:1/"); err == nil {
		t.Fatal("expected dial error")
	}
	if c.State() != Disconnected {
		t.Errorf("expected disconnected after failed dial, got %s", c.State())
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	if err := c.SetUsername(ctx, "alice"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetUsername: expected ErrNotConnected, got %v", err)
	}
	if err := c.MakeRoom(ctx, RoomOptions{Name: "room"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MakeRoom: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.RoomList(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RoomList: expected ErrNotConnected, got %v", err)
	}
	if err := c.SendBroadcast(ctx, p2p.DefaultChannel, "hi", false, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendBroadcast: expected ErrNotConnected, got %v", err)
	}
	if peers := c.Peers(); len(peers) != 0 {
		t.Errorf("expected no peers, got %v", peers)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on idle client: %v", err)
	}
}

func TestSetUsername(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})
	ctx := context.Background()

	if err := c.SetUsername(ctx, ""); !errors.Is(err, p2p.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty name, got %v", err)
	}
	if err := c.MakeRoom(ctx, RoomOptions{Name: "room"}); !errors.Is(err, ErrUsernameRequired) {
		t.Errorf("MakeRoom without username: expected ErrUsernameRequired, got %v", err)
	}

	expired, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()
	if err := c.SetUsername(expired, "alice"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if c.Username() != "" {
		t.Errorf("failed INIT must not keep the username, got %q", c.Username())
	}
	if err := c.MakeRoom(ctx, RoomOptions{Name: "room"}); !errors.Is(err, ErrUsernameRequired) {
		t.Errorf("MakeRoom after failed INIT: expected ErrUsernameRequired, got %v", err)
	}

	if err := c.SetUsername(ctx, "alice"); err != nil {
		t.Fatalf("SetUsername failed: %v", err)
	}
	r := srv.Expect(t, signaling.OpInit, waitTimeout)
	var name string
	if err := r.Decode(&name); err != nil || name != "alice" {
		t.Fatalf("expected INIT payload alice, got %q (%v)", name, err)
	}

	if err := c.SetUsername(ctx, "bob"); !errors.Is(err, ErrUsernameAlreadySet) {
		t.Errorf("expected ErrUsernameAlreadySet, got %v", err)
	}

	srv.PushPayload(t, signaling.OpInitOK, signaling.InitOK{User: "alice", ID: "id-1", SessionID: 42}, nil)
	ev := waitEvent(t, events, p2p.EventUsernameSynced)
	if ev.PeerID != "id-1" || ev.Username != "alice" {
		t.Errorf("unexpected synced event: %+v", ev)
	}

	s := c.Session()
	if s.ID != "id-1" || s.SessionID != "42" || s.State != Authenticated {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestMakeRoomReclaimPolicy(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})
	ctx := context.Background()

	if err := c.SetUsername(ctx, "alice"); err != nil {
		t.Fatalf("SetUsername failed: %v", err)
	}

	err := c.MakeRoom(ctx, RoomOptions{Name: "room", Password: "pw", MaxPeers: 4, UseRelay: true, Reclaim: ReclaimServer})
	if err != nil {
		t.Fatalf("MakeRoom failed: %v", err)
	}

	r := srv.Expect(t, signaling.OpConfigHost, waitTimeout)
	var cfg signaling.HostConfig
	if err := r.Decode(&cfg); err != nil {
		t.Fatalf("decode CONFIG_HOST: %v", err)
	}
	want := signaling.HostConfig{
		LobbyID:          "room",
		AllowHostReclaim: true,
		MaxPeers:         4,
		Password:         "pw",
		UseServerRelay:   true,
		PublicKey:        c.PublicKey(),
	}
	if cfg != want {
		t.Errorf("CONFIG_HOST mismatch:\n got %+v\nwant %+v", cfg, want)
	}

	srv.Push(t, signaling.Envelope{Opcode: signaling.OpAckHost})
	waitEvent(t, events, p2p.EventSignal)
	if c.Role() != RoleHost {
		t.Errorf("expected role host, got %s", c.Role())
	}
}

func TestReclaimPolicyFlags(t *testing.T) {
	tests := []struct {
		policy      ReclaimPolicy
		hostReclaim bool
		peersClaim  bool
	}{
		{ReclaimNone, false, false},
		{ReclaimServer, true, false},
		{ReclaimPeers, true, true},
	}
	for _, tt := range tests {
		h, p := tt.policy.flags()
		if h != tt.hostReclaim || p != tt.peersClaim {
			t.Errorf("policy %d: got (%v, %v), want (%v, %v)", tt.policy, h, p, tt.hostReclaim, tt.peersClaim)
		}
	}
}

func TestRoomQueries(t *testing.T) {
	srv := signalingtest.NewHub(t)
	host, _ := connect(t, srv, Options{})
	ctx := context.Background()

	if err := host.SetUsername(ctx, "alice"); err != nil {
		t.Fatalf("SetUsername failed: %v", err)
	}
	if err := host.MakeRoom(ctx, RoomOptions{Name: "lobby"}); err != nil {
		t.Fatalf("MakeRoom failed: %v", err)
	}

	deadline := time.Now().Add(waitTimeout)
	for host.Role() != RoleHost {
		if time.Now().After(deadline) {
			t.Fatal("host role was not confirmed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rooms, err := host.RoomList(ctx)
	if err != nil {
		t.Fatalf("RoomList failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Errorf("expected [lobby], got %v", rooms)
	}

	info, err := host.RoomInfo(ctx, "lobby")
	if err != nil {
		t.Fatalf("RoomInfo failed: %v", err)
	}
	if info.HostUsername != "alice" || info.HostID != host.ID() {
		t.Errorf("unexpected room info: %+v", info)
	}

	if _, err := host.RoomInfo(ctx, "missing"); !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected for missing room, got %v", err)
	}
}

func TestTransition(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpAnticipate, signaling.NewPeer{ID: "p1", User: "bob"}, nil)
	waitEvent(t, events, p2p.EventNewPeer)

	srv.PushPayload(t, signaling.OpTransition, "host", nil)
	srv.Expect(t, signaling.OpTransitionAck, waitTimeout)

	ev := waitEvent(t, events, p2p.EventModeChanged)
	if ev.Mode != "host" {
		t.Errorf("expected mode host, got %q", ev.Mode)
	}
	if c.Role() != RoleHost {
		t.Errorf("expected role host, got %s", c.Role())
	}

	deadline := time.Now().Add(waitTimeout)
	for len(c.Peers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected no peers after transition, got %v", c.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHostReclaimOnlyForLocalID(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpInitOK, signaling.InitOK{User: "alice", ID: "me"}, nil)
	waitEvent(t, events, p2p.EventUsernameSynced)

	srv.PushPayload(t, signaling.OpHostReclaim, signaling.PeerInfo{ID: "someone", User: "bob"}, nil)
	noEvent(t, events, p2p.EventOwnershipChanged, 200*time.Millisecond)

	srv.PushPayload(t, signaling.OpHostReclaim, signaling.PeerInfo{ID: "me", User: "alice"}, nil)
	waitEvent(t, events, p2p.EventOwnershipChanged)
	if c.Role() != RoleHost {
		t.Errorf("expected role host after reclaim, got %s", c.Role())
	}
}

func TestViolationClosesSession(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpViolation, "bad packet", nil)
	waitEvent(t, events, p2p.EventDisconnected)

	if c.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
	if c.ID() != "" || c.Role() != RoleNone {
		t.Errorf("expected session reset, got %+v", c.Session())
	}
}

func TestServerDisconnect(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.Disconnect()
	waitEvent(t, events, p2p.EventDisconnected)
	if c.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}

	// клиент можно подключить заново
	if err := c.Connect(context.Background(), srv.URL()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitEvent(t, events, p2p.EventConnected)
}

func TestDiscoveryFiresNewPeerOnce(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpAnticipate, signaling.NewPeer{ID: "p1", User: "bob"}, nil)
	ev := waitEvent(t, events, p2p.EventNewPeer)
	if ev.PeerID != "p1" || ev.Username != "bob" || ev.Opcode != "ANTICIPATE" {
		t.Errorf("unexpected new peer event: %+v", ev)
	}

	// повторное обнаружение того же id: запись уже есть, событие не повторяется
	srv.PushPayload(t, signaling.OpAnticipate, signaling.NewPeer{ID: "p1", User: "bob"}, nil)
	noEvent(t, events, p2p.EventNewPeer, 300*time.Millisecond)

	name, ok := c.PeerUsername("p1")
	if !ok || name != "bob" {
		t.Errorf("expected username bob, got %q (%v)", name, ok)
	}
	if c.RelayEnabled() {
		t.Error("relay must stay disabled until the relay peer is seen")
	}
}

func TestDiscoveryAndCandidateForSamePeerAreSerialized(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	srv.PushPayload(t, signaling.OpNewPeer, signaling.NewPeer{ID: "p9", User: "zed"}, nil)
	srv.PushPayload(t, signaling.OpICE, signaling.Negotiation{Type: signaling.CandidateData, Contents: candidate},
		&signaling.PeerInfo{ID: "p9", User: "zed"})

	waitEvent(t, events, p2p.EventNewPeer)
	// кандидат обрабатывается после создания записи, а не раньше
	noEvent(t, events, p2p.EventError, 300*time.Millisecond)

	peers := c.Peers()
	if len(peers) != 1 || peers[0].ID != "p9" || peers[0].Username != "zed" {
		t.Fatalf("expected a single record for p9, got %+v", peers)
	}
}

func TestNewPeerSendsOffer(t *testing.T) {
	srv := signalingtest.NewServer(t)
	_, events := connect(t, srv, Options{})

	remote, err := p2p.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	srv.PushPayload(t, signaling.OpNewPeer, signaling.NewPeer{ID: "p2", User: "carol", PublicKey: remote.Public}, nil)
	waitEvent(t, events, p2p.EventPeerSupportsEncryption)

	r := srv.Expect(t, signaling.OpMakeOffer, waitTimeout)
	if r.Recipient != "p2" {
		t.Errorf("expected offer for p2, got %q", r.Recipient)
	}

	var n signaling.Negotiation
	if err := r.Decode(&n); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	var sealed p2p.Sealed
	if err := json.Unmarshal(n.Contents, &sealed); err != nil {
		t.Fatalf("expected encrypted offer contents, got %s: %v", n.Contents, err)
	}
}

func TestRelayPeerEnablesRelay(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpAnticipate, signaling.NewPeer{ID: p2p.RelayPeerID, User: p2p.RelayPeerID}, nil)
	waitEvent(t, events, p2p.EventNewPeer)

	if !c.RelayEnabled() {
		t.Error("expected relay to be enabled")
	}
}

func TestPeerGoneClosesPeer(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpAnticipate, signaling.NewPeer{ID: "p1", User: "bob"}, nil)
	waitEvent(t, events, p2p.EventNewPeer)

	srv.PushPayload(t, signaling.OpPeerGone, signaling.PeerInfo{ID: "p1", User: "bob"}, nil)
	ev := waitEvent(t, events, p2p.EventPeerDisconnected)
	if ev.PeerID != "p1" {
		t.Errorf("expected p1 disconnected, got %q", ev.PeerID)
	}
	if _, ok := c.PeerUsername("p1"); ok {
		t.Error("peer record must be removed")
	}
}

func TestSignalEventAfterEachOpcode(t *testing.T) {
	srv := signalingtest.NewServer(t)
	_, events := connect(t, srv, Options{})

	srv.PushPayload(t, signaling.OpWarning, "slow down", nil)
	ev := waitEvent(t, events, p2p.EventSignal)
	if ev.Opcode != "WARNING" {
		t.Errorf("expected WARNING signal, got %q", ev.Opcode)
	}
	if string(ev.Payload) != `"slow down"` {
		t.Errorf("unexpected payload %s", ev.Payload)
	}
}

func TestChannelOperationsOnUnknownPeer(t *testing.T) {
	srv := signalingtest.NewServer(t)
	c, _ := connect(t, srv, Options{})
	ctx := context.Background()

	if err := c.OpenChannel(ctx, "ghost", "files", true); !errors.Is(err, p2p.ErrPeerNotFound) {
		t.Errorf("OpenChannel: expected ErrPeerNotFound, got %v", err)
	}
	if err := c.CloseChannel(ctx, "ghost", p2p.DefaultChannel); !errors.Is(err, p2p.ErrDefaultChannel) {
		t.Errorf("CloseChannel default: expected ErrDefaultChannel, got %v", err)
	}
	if err := c.SendPrivate(ctx, "ghost", p2p.DefaultChannel, "hi", false, false); !errors.Is(err, p2p.ErrPeerNotFound) {
		t.Errorf("SendPrivate: expected ErrPeerNotFound, got %v", err)
	}
	if err := c.SendBroadcast(ctx, p2p.DefaultChannel, "hi", true, false); !errors.Is(err, p2p.ErrRelayUnavailable) {
		t.Errorf("SendBroadcast relay: expected ErrRelayUnavailable, got %v", err)
	}
	if err := c.ClosePeer(ctx, "ghost"); err != nil {
		t.Errorf("ClosePeer unknown: expected nil, got %v", err)
	}
}
