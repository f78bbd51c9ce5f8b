package client

import "github.com/udisondev/phi/p2p"

// Role роль клиента в комнате.
type Role uint8

const (
	RoleNone Role = iota
	RoleHost
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RolePeer:
		return "peer"
	default:
		return "none"
	}
}

// parseRole разбирает payload TRANSITION.
func parseRole(mode string) Role {
	if mode == "host" {
		return RoleHost
	}
	return RolePeer
}

// SignalingState состояние соединения с сигнальным сервером.
type SignalingState uint8

const (
	Disconnected SignalingState = iota
	Connecting
	Connected
	Authenticated
)

func (s SignalingState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Session локальная идентичность. Создается при подключении и
// сбрасывается при закрытии.
type Session struct {
	ID        string
	SessionID string
	Username  string
	Role      Role
	Keys      p2p.KeyPair
	State     SignalingState
}

// ReclaimPolicy кто может забрать комнату, если хост ушел.
type ReclaimPolicy uint8

const (
	ReclaimNone ReclaimPolicy = iota
	ReclaimServer
	ReclaimPeers
)

// flags возвращает allow_host_reclaim и allow_peers_to_claim_host.
func (p ReclaimPolicy) flags() (hostReclaim, peersClaim bool) {
	switch p {
	case ReclaimServer:
		return true, false
	case ReclaimPeers:
		return true, true
	default:
		return false, false
	}
}

// RoomOptions параметры создания комнаты.
type RoomOptions struct {
	Name     string
	Password string
	// MaxPeers 0 - без ограничения.
	MaxPeers int
	UseRelay bool
	Reclaim  ReclaimPolicy
}
