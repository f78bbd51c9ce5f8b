package signaling

import (
	"encoding/json"
	"fmt"
)

// Envelope управляющее сообщение сигнального сервера.
type Envelope struct {
	Opcode    Opcode          `json:"opcode"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Origin    *PeerInfo       `json:"origin,omitempty"`
	Listener  string          `json:"listener,omitempty"`
}

// NewEnvelope кодирует payload в JSON. nil payload не попадает в сообщение.
func NewEnvelope(op Opcode, payload any, recipient string) (Envelope, error) {
	env := Envelope{Opcode: op, Recipient: recipient}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode разбирает payload в v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Opcode)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Opcode, err)
	}
	return nil
}

// OriginID возвращает id отправителя или пустую строку.
func (e Envelope) OriginID() string {
	if e.Origin == nil {
		return ""
	}
	return e.Origin.ID
}

type PeerInfo struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// Metadata отправляется в META сразу после подключения.
type Metadata struct {
	ClientType       string `json:"client_type"`
	ClientVersion    string `json:"client_version"`
	ProtocolVersion  string `json:"protocol_version"`
	SignalingVersion string `json:"signaling_version"`
	UserAgent        string `json:"user_agent"`
	EncryptionSuite  string `json:"encryption_suite"`
	KeyExchangeMode  string `json:"key_exchange_mode"`
}

type InitOK struct {
	User      string `json:"user"`
	ID        string `json:"id"`
	SessionID any    `json:"session_id"`
}

// NewPeer payload для NEW_PEER, ANTICIPATE и DISCOVER.
type NewPeer struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	PublicKey string `json:"pubkey,omitempty"`
}

type HostConfig struct {
	LobbyID               string `json:"lobby_id"`
	AllowHostReclaim      bool   `json:"allow_host_reclaim"`
	AllowPeersToClaimHost bool   `json:"allow_peers_to_claim_host"`
	MaxPeers              int    `json:"max_peers"`
	Password              string `json:"password"`
	UseServerRelay        bool   `json:"use_server_relay"`
	PublicKey             string `json:"pubkey,omitempty"`
}

type PeerConfig struct {
	LobbyID   string `json:"lobby_id"`
	Password  string `json:"password"`
	PublicKey string `json:"pubkey,omitempty"`
}

type LobbyInfo struct {
	HostID           string `json:"lobby_host_id"`
	HostUsername     string `json:"lobby_host_username"`
	MaxPeers         int    `json:"max_peers"`
	CurrentPeers     int    `json:"current_peers"`
	PasswordRequired bool   `json:"password_required"`
	Reclaimable      bool   `json:"reclaimable"`
}

// CandidateData тип кандидата для данных (голосовые не поддерживаются).
const CandidateData = 0

// Negotiation payload для MAKE_OFFER, MAKE_ANSWER и ICE.
// Contents содержит SDP/кандидат либо зашифрованную пару [ciphertext, nonce].
type Negotiation struct {
	Type     int             `json:"type"`
	Contents json.RawMessage `json:"contents"`
}
