package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/udisondev/phi/client"
	"github.com/udisondev/phi/p2p"
	"github.com/udisondev/phi/signaling"
)

const commandTimeout = 10 * time.Second

var errUsage = errors.New("usage")

// Client операции сессии, которые использует консоль.
type Client interface {
	SetUsername(ctx context.Context, username string) error
	MakeRoom(ctx context.Context, opts client.RoomOptions) error
	JoinRoom(ctx context.Context, name, password string) error
	RoomList(ctx context.Context) ([]string, error)
	RoomInfo(ctx context.Context, name string) (signaling.LobbyInfo, error)
	SendBroadcast(ctx context.Context, channel string, data any, relay, waitForFlush bool) error
	SendPrivate(ctx context.Context, peerID, channel string, data any, relay, waitForFlush bool) error
	OpenChannel(ctx context.Context, peerID, name string, ordered bool) error
	CloseChannel(ctx context.Context, peerID, name string) error
	Peers() []p2p.PeerInfo
	Session() client.Session
	RelayEnabled() bool
}

// command разобранная строка ввода. Обычный текст - это команда say.
type command struct {
	name string
	args []string
	text string
}

var usage = map[string]string{
	"name":  "/name <username>",
	"host":  "/host <room> [password] [max_peers] [relay]",
	"join":  "/join <room> [password]",
	"rooms": "/rooms",
	"info":  "/info <room>",
	"peers": "/peers",
	"pm":    "/pm <peer> <text>",
	"open":  "/open <peer> <channel> [unordered]",
	"close": "/close <peer> <channel>",
	"relay": "/relay <text>",
	"quit":  "/quit",
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("%w: empty input", errUsage)
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, fmt.Errorf("%w: empty command", errUsage)
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}

	hint, ok := usage[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s", cmd.name)
	}

	var required int
	switch cmd.name {
	case "name", "host", "join", "info", "relay":
		required = 1
	case "close", "open", "pm":
		required = 2
	}
	if len(cmd.args) < required {
		return command{}, fmt.Errorf("%w: %s", errUsage, hint)
	}

	switch cmd.name {
	case "pm":
		cmd.text = strings.Join(cmd.args[1:], " ")
	case "relay":
		cmd.text = strings.Join(cmd.args, " ")
	}
	return cmd, nil
}

// run выполняет команду асинхронно и возвращает результат как сообщение.
func run(c Client, cmd command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return execute(ctx, c, cmd)
	}
}

func execute(ctx context.Context, c Client, cmd command) tea.Msg {
	switch cmd.name {
	case "say":
		if err := c.SendBroadcast(ctx, p2p.DefaultChannel, cmd.text, false, false); err != nil {
			return errorMsg(err.Error())
		}
		return outgoingMsg{text: cmd.text}

	case "relay":
		if err := c.SendBroadcast(ctx, p2p.DefaultChannel, cmd.text, true, false); err != nil {
			return errorMsg(err.Error())
		}
		return outgoingMsg{text: cmd.text, relayed: true}

	case "name":
		if err := c.SetUsername(ctx, cmd.args[0]); err != nil {
			return errorMsg(err.Error())
		}
		return statusMsg("Username requested: " + cmd.args[0])

	case "host":
		opts, err := roomOptions(cmd.args)
		if err != nil {
			return errorMsg(err.Error())
		}
		if err := c.MakeRoom(ctx, opts); err != nil {
			return errorMsg(err.Error())
		}
		return statusMsg("Creating room " + opts.Name)

	case "join":
		var password string
		if len(cmd.args) > 1 {
			password = cmd.args[1]
		}
		if err := c.JoinRoom(ctx, cmd.args[0], password); err != nil {
			return errorMsg(err.Error())
		}
		return statusMsg("Joining room " + cmd.args[0])

	case "rooms":
		rooms, err := c.RoomList(ctx)
		if err != nil {
			return errorMsg(err.Error())
		}
		if len(rooms) == 0 {
			return systemMsg("No open rooms")
		}
		return systemMsg("Rooms: " + strings.Join(rooms, ", "))

	case "info":
		info, err := c.RoomInfo(ctx, cmd.args[0])
		if err != nil {
			return errorMsg(err.Error())
		}
		return systemMsg(formatRoomInfo(cmd.args[0], info))

	case "peers":
		return peersMsg(c.Peers())

	case "pm":
		peerID := resolvePeer(c.Peers(), cmd.args[0])
		if err := c.SendPrivate(ctx, peerID, p2p.DefaultChannel, cmd.text, false, false); err != nil {
			return errorMsg(err.Error())
		}
		return outgoingMsg{text: cmd.text, to: cmd.args[0]}

	case "open":
		ordered := !(len(cmd.args) > 2 && cmd.args[2] == "unordered")
		peerID := resolvePeer(c.Peers(), cmd.args[0])
		if err := c.OpenChannel(ctx, peerID, cmd.args[1], ordered); err != nil {
			return errorMsg(err.Error())
		}
		return statusMsg(fmt.Sprintf("Opening channel %s to %s", cmd.args[1], cmd.args[0]))

	case "close":
		peerID := resolvePeer(c.Peers(), cmd.args[0])
		if err := c.CloseChannel(ctx, peerID, cmd.args[1]); err != nil {
			return errorMsg(err.Error())
		}
		return statusMsg(fmt.Sprintf("Closed channel %s to %s", cmd.args[1], cmd.args[0]))

	case "quit":
		return tea.Quit()
	}
	return errorMsg("unknown command /" + cmd.name)
}

// roomOptions разбирает аргументы /host.
func roomOptions(args []string) (client.RoomOptions, error) {
	opts := client.RoomOptions{Name: args[0], Reclaim: client.ReclaimServer}
	if len(args) > 1 {
		opts.Password = args[1]
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return client.RoomOptions{}, fmt.Errorf("%w: max_peers must be a non-negative number", errUsage)
		}
		opts.MaxPeers = n
	}
	if len(args) > 3 {
		relay, err := strconv.ParseBool(args[3])
		if err != nil {
			return client.RoomOptions{}, fmt.Errorf("%w: relay must be true or false", errUsage)
		}
		opts.UseRelay = relay
	}
	return opts, nil
}

// resolvePeer принимает id или имя пира.
func resolvePeer(peers []p2p.PeerInfo, ref string) string {
	for _, p := range peers {
		if p.ID == ref {
			return p.ID
		}
	}
	for _, p := range peers {
		if p.Username == ref {
			return p.ID
		}
	}
	return ref
}

func formatRoomInfo(name string, info signaling.LobbyInfo) string {
	limit := "unlimited"
	if info.MaxPeers > 0 {
		limit = strconv.Itoa(info.MaxPeers)
	}
	return fmt.Sprintf("Room %s: host %s, peers %d/%s, password %v, reclaimable %v",
		name, info.HostUsername, info.CurrentPeers, limit, info.PasswordRequired, info.Reclaimable)
}

// formatEvent превращает событие сессии в строку журнала.
// Служебные события возвращают false.
func formatEvent(ev p2p.Event) (string, bool) {
	who := ev.Username
	if who == "" {
		who = ev.PeerID
	}

	switch ev.Type {
	case p2p.EventConnected:
		return "Connected to signaling server", true
	case p2p.EventDisconnected:
		return "Disconnected from signaling server", true
	case p2p.EventUsernameSynced:
		return fmt.Sprintf("Signed in as %s (%s)", ev.Username, ev.PeerID), true
	case p2p.EventNewPeer:
		return fmt.Sprintf("Discovered %s", who), true
	case p2p.EventPeerSupportsEncryption:
		return fmt.Sprintf("%s supports encryption", who), true
	case p2p.EventPeerConnected:
		return fmt.Sprintf("%s connected", who), true
	case p2p.EventPeerDisconnected:
		return fmt.Sprintf("%s disconnected", who), true
	case p2p.EventChannelOpen:
		return fmt.Sprintf("Channel %s to %s is open", ev.Channel, who), true
	case p2p.EventChannelClose:
		return fmt.Sprintf("Channel %s to %s closed", ev.Channel, who), true
	case p2p.EventBroadcast:
		return fmt.Sprintf("%s%s: %s", who, relayMark(ev.Relayed), payloadText(ev.Payload)), true
	case p2p.EventPrivateMessage:
		return fmt.Sprintf("%s -> you%s: %s", who, relayMark(ev.Relayed), payloadText(ev.Payload)), true
	case p2p.EventOwnershipChanged:
		return "You now own the room", true
	case p2p.EventModeChanged:
		return fmt.Sprintf("Switched to %s mode", ev.Mode), true
	case p2p.EventError:
		if ev.Err != nil {
			return "Error: " + ev.Err.Error(), true
		}
		return "", false
	case p2p.EventSignal:
		switch ev.Opcode {
		case "WARNING", "LOBBY_NOTFOUND", "LOBBY_FULL", "LOBBY_LOCKED", "PASSWORD_REQUIRED",
			"PASSWORD_FAIL", "LOBBY_EXISTS", "ALREADY_HOST", "ALREADY_PEER", "CONFIG_REQUIRED":
			return "Server: " + ev.Opcode, true
		case "ACK_HOST":
			return "Room created", true
		case "ACK_PEER":
			return "Joined room", true
		}
	}
	return "", false
}

func relayMark(relayed bool) string {
	if relayed {
		return " (relay)"
	}
	return ""
}

// payloadText показывает строковый payload без кавычек.
func payloadText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
