package console

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/udisondev/phi/client"
	"github.com/udisondev/phi/p2p"
	"github.com/udisondev/phi/signaling"
)

type fakeClient struct {
	username  string
	room      client.RoomOptions
	joined    string
	broadcast []any
	relayed   bool
	private   map[string]any
	opened    []string
	peers     []p2p.PeerInfo
	sendErr   error
}

func (f *fakeClient) SetUsername(_ context.Context, name string) error {
	f.username = name
	return nil
}

func (f *fakeClient) MakeRoom(_ context.Context, opts client.RoomOptions) error {
	f.room = opts
	return nil
}

func (f *fakeClient) JoinRoom(_ context.Context, name, _ string) error {
	f.joined = name
	return nil
}

func (f *fakeClient) RoomList(context.Context) ([]string, error) {
	return []string{"a", "b"}, nil
}

func (f *fakeClient) RoomInfo(_ context.Context, name string) (signaling.LobbyInfo, error) {
	if name == "missing" {
		return signaling.LobbyInfo{}, client.ErrRejected
	}
	return signaling.LobbyInfo{HostUsername: "alice", CurrentPeers: 2, MaxPeers: 4}, nil
}

func (f *fakeClient) SendBroadcast(_ context.Context, _ string, data any, relay, _ bool) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.broadcast = append(f.broadcast, data)
	f.relayed = relay
	return nil
}

func (f *fakeClient) SendPrivate(_ context.Context, peerID, _ string, data any, _, _ bool) error {
	if f.private == nil {
		f.private = make(map[string]any)
	}
	f.private[peerID] = data
	return nil
}

func (f *fakeClient) OpenChannel(_ context.Context, peerID, name string, _ bool) error {
	f.opened = append(f.opened, peerID+"/"+name)
	return nil
}

func (f *fakeClient) CloseChannel(_ context.Context, _, name string) error {
	if name == p2p.DefaultChannel {
		return p2p.ErrDefaultChannel
	}
	return nil
}

func (f *fakeClient) Peers() []p2p.PeerInfo   { return f.peers }
func (f *fakeClient) Session() client.Session { return client.Session{Username: f.username} }
func (f *fakeClient) RelayEnabled() bool      { return false }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		text    string
		wantErr bool
	}{
		{in: "hello there", name: "say", text: "hello there"},
		{in: "/name alice", name: "name"},
		{in: "/PM bob hi you", name: "pm", text: "hi you"},
		{in: "/relay over the server", name: "relay", text: "over the server"},
		{in: "/rooms", name: "rooms"},
		{in: "/pm bob", wantErr: true},
		{in: "/name", wantErr: true},
		{in: "/dance", wantErr: true},
		{in: "/", wantErr: true},
		{in: "   ", wantErr: true},
	}

	for _, tt := range tests {
		cmd, err := parseCommand(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCommand(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tt.in, err)
			continue
		}
		if cmd.name != tt.name || cmd.text != tt.text {
			t.Errorf("parseCommand(%q) = %+v", tt.in, cmd)
		}
	}
}

func TestRoomOptions(t *testing.T) {
	opts, err := roomOptions([]string{"room", "pw", "8", "true"})
	if err != nil {
		t.Fatalf("roomOptions failed: %v", err)
	}
	if opts.Name != "room" || opts.Password != "pw" || opts.MaxPeers != 8 || !opts.UseRelay {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.Reclaim != client.ReclaimServer {
		t.Errorf("expected server reclaim by default, got %d", opts.Reclaim)
	}

	if _, err := roomOptions([]string{"room", "pw", "many"}); !errors.Is(err, errUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestExecute(t *testing.T) {
	f := &fakeClient{peers: []p2p.PeerInfo{{ID: "id-bob", Username: "bob"}}}
	ctx := context.Background()

	mustParse := func(s string) command {
		t.Helper()
		cmd, err := parseCommand(s)
		if err != nil {
			t.Fatalf("parseCommand(%q): %v", s, err)
		}
		return cmd
	}

	if msg := execute(ctx, f, mustParse("hi all")); msg != (outgoingMsg{text: "hi all"}) {
		t.Errorf("say returned %#v", msg)
	}
	if len(f.broadcast) != 1 || f.broadcast[0] != "hi all" || f.relayed {
		t.Errorf("unexpected broadcast: %v relay=%v", f.broadcast, f.relayed)
	}

	execute(ctx, f, mustParse("/relay psst"))
	if !f.relayed {
		t.Error("expected relayed broadcast")
	}

	execute(ctx, f, mustParse("/pm bob secret"))
	if f.private["id-bob"] != "secret" {
		t.Errorf("expected private message resolved by username, got %v", f.private)
	}

	execute(ctx, f, mustParse("/open bob files"))
	if len(f.opened) != 1 || f.opened[0] != "id-bob/files" {
		t.Errorf("unexpected opened channels: %v", f.opened)
	}

	if msg, ok := execute(ctx, f, mustParse("/close bob default")).(errorMsg); !ok || !strings.Contains(string(msg), "default") {
		t.Errorf("expected default channel error, got %#v", msg)
	}

	if msg := execute(ctx, f, mustParse("/rooms")); msg != systemMsg("Rooms: a, b") {
		t.Errorf("rooms returned %#v", msg)
	}
	if _, ok := execute(ctx, f, mustParse("/info missing")).(errorMsg); !ok {
		t.Error("expected error for missing room")
	}

	execute(ctx, f, mustParse("/host lobby"))
	if f.room.Name != "lobby" {
		t.Errorf("unexpected room: %+v", f.room)
	}

	if _, ok := execute(ctx, f, mustParse("/quit")).(tea.QuitMsg); !ok {
		t.Error("expected quit message")
	}

	f.sendErr = p2p.ErrRelayUnavailable
	if _, ok := execute(ctx, f, mustParse("hello")).(errorMsg); !ok {
		t.Error("expected send error to surface")
	}
}

func TestFormatEvent(t *testing.T) {
	payload, _ := json.Marshal("hello")

	text, ok := formatEvent(p2p.Event{Type: p2p.EventBroadcast, Username: "bob", Payload: payload, Relayed: true})
	if !ok || text != "bob (relay): hello" {
		t.Errorf("unexpected broadcast line %q", text)
	}

	text, ok = formatEvent(p2p.Event{Type: p2p.EventPrivateMessage, PeerID: "id-1", Payload: json.RawMessage(`{"a":1}`)})
	if !ok || text != `id-1 -> you: {"a":1}` {
		t.Errorf("unexpected private line %q", text)
	}

	if _, ok := formatEvent(p2p.Event{Type: p2p.EventPeerMessage}); ok {
		t.Error("peer message duplicates broadcast and private lines")
	}
	if _, ok := formatEvent(p2p.Event{Type: p2p.EventSignal, Opcode: "KEEPALIVE"}); ok {
		t.Error("keepalive must not be shown")
	}
	if text, ok := formatEvent(p2p.Event{Type: p2p.EventSignal, Opcode: "PASSWORD_FAIL"}); !ok || text != "Server: PASSWORD_FAIL" {
		t.Errorf("unexpected refusal line %q", text)
	}
}

func TestModelHandlesEvents(t *testing.T) {
	f := &fakeClient{}
	events := make(chan p2p.Event, 1)
	m := newModel(f, events)

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	if !m.ready {
		t.Fatal("model must be ready after first resize")
	}

	f.peers = []p2p.PeerInfo{{ID: "p1", Username: "bob"}}
	m.Update(eventMsg{event: p2p.Event{Type: p2p.EventNewPeer, PeerID: "p1", Username: "bob"}})
	if len(m.peers) != 1 {
		t.Errorf("expected peers refreshed, got %v", m.peers)
	}
	if last := m.lines[len(m.lines)-1].text; last != "Discovered bob" {
		t.Errorf("unexpected last line %q", last)
	}

	m.Update(errorMsg("boom"))
	if m.error != "boom" {
		t.Errorf("expected error shown, got %q", m.error)
	}
	if !strings.Contains(m.View(), "boom") {
		t.Error("error must be rendered in the status bar")
	}

	close(events)
	if _, ok := m.waitForEvents().(eventsClosedMsg); !ok {
		t.Error("expected closed message after events channel closes")
	}
}
