package signaling

import "fmt"

// Opcode тип управляющего сообщения сигнального сервера.
type Opcode uint8

const (
	OpUnknown Opcode = iota

	// сессия
	OpMeta
	OpAckMeta
	OpInit
	OpInitOK
	OpKeepalive
	OpViolation
	OpWarning
	OpConfigRequired

	// комнаты
	OpLobbyList
	OpLobbyInfo
	OpConfigHost
	OpConfigPeer
	OpAckHost
	OpAckPeer
	OpRelayOK
	OpPasswordAck
	OpNewHost
	OpLobbyNotFound
	OpLobbyFull
	OpLobbyLocked
	OpLobbyReclaim
	OpPasswordRequired
	OpPasswordFail
	OpLobbyExists
	OpAlreadyHost
	OpAlreadyPeer
	OpHostReclaim
	OpPeerGone
	OpHostGone
	OpLobbyClose
	OpTransition
	OpTransitionAck

	// обнаружение пиров и согласование
	OpNewPeer
	OpAnticipate
	OpDiscover
	OpMakeOffer
	OpMakeAnswer
	OpICE

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	OpUnknown:          "UNKNOWN",
	OpMeta:             "META",
	OpAckMeta:          "ACK_META",
	OpInit:             "INIT",
	OpInitOK:           "INIT_OK",
	OpKeepalive:        "KEEPALIVE",
	OpViolation:        "VIOLATION",
	OpWarning:          "WARNING",
	OpConfigRequired:   "CONFIG_REQUIRED",
	OpLobbyList:        "LOBBY_LIST",
	OpLobbyInfo:        "LOBBY_INFO",
	OpConfigHost:       "CONFIG_HOST",
	OpConfigPeer:       "CONFIG_PEER",
	OpAckHost:          "ACK_HOST",
	OpAckPeer:          "ACK_PEER",
	OpRelayOK:          "RELAY_OK",
	OpPasswordAck:      "PASSWORD_ACK",
	OpNewHost:          "NEW_HOST",
	OpLobbyNotFound:    "LOBBY_NOTFOUND",
	OpLobbyFull:        "LOBBY_FULL",
	OpLobbyLocked:      "LOBBY_LOCKED",
	OpLobbyReclaim:     "LOBBY_RECLAIM",
	OpPasswordRequired: "PASSWORD_REQUIRED",
	OpPasswordFail:     "PASSWORD_FAIL",
	OpLobbyExists:      "LOBBY_EXISTS",
	OpAlreadyHost:      "ALREADY_HOST",
	OpAlreadyPeer:      "ALREADY_PEER",
	OpHostReclaim:      "HOST_RECLAIM",
	OpPeerGone:         "PEER_GONE",
	OpHostGone:         "HOST_GONE",
	OpLobbyClose:       "LOBBY_CLOSE",
	OpTransition:       "TRANSITION",
	OpTransitionAck:    "TRANSITION_ACK",
	OpNewPeer:          "NEW_PEER",
	OpAnticipate:       "ANTICIPATE",
	OpDiscover:         "DISCOVER",
	OpMakeOffer:        "MAKE_OFFER",
	OpMakeAnswer:       "MAKE_ANSWER",
	OpICE:              "ICE",
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = Opcode(op)
	}
	delete(m, opcodeNames[OpUnknown])
	return m
}()

func (o Opcode) String() string {
	if o < opcodeCount {
		return opcodeNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// ParseOpcode возвращает OpUnknown и false для неизвестных имен.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

func (o Opcode) MarshalText() ([]byte, error) {
	if o == OpUnknown || o >= opcodeCount {
		return nil, fmt.Errorf("marshal opcode: %s is not a wire opcode", o)
	}
	return []byte(opcodeNames[o]), nil
}

// UnmarshalText никогда не возвращает ошибку: неизвестные имена
// превращаются в OpUnknown, чтобы сессия продолжала работу.
func (o *Opcode) UnmarshalText(text []byte) error {
	op, _ := ParseOpcode(string(text))
	*o = op
	return nil
}
