package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/udisondev/phi/signaling"
)

// Opcodes сообщений data channel.
const (
	OpBroadcast = "G_MSG"
	OpPrivate   = "P_MSG"
)

const flushPollInterval = 10 * time.Millisecond

// DataPacket сообщение data channel.
// Channel и Recipient заполняются при отправке через relay,
// Origin заполняет relay при доставке.
type DataPacket struct {
	Opcode    string              `json:"opcode"`
	Payload   json.RawMessage     `json:"payload"`
	Channel   string              `json:"channel,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	Origin    *signaling.PeerInfo `json:"origin,omitempty"`
}

// handleMessage разбирает входящее сообщение канала name пира receiverID.
// Неизвестный пир или канал, битый пакет и ошибка расшифровки не фатальны:
// сообщение логируется и отбрасывается.
func (c *Connector) handleMessage(receiverID, name string, data []byte) {
	var pkt DataPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		c.log.Warn("Dropping malformed data packet", "peerID", receiverID, "channel", name, "error", err)
		return
	}

	originID := receiverID
	relayed := false
	if pkt.Origin != nil && pkt.Origin.ID != "" {
		originID = pkt.Origin.ID
		relayed = true
	}

	channel := name
	if relayed && pkt.Channel != "" {
		channel = pkt.Channel
	}

	peer, ok := c.registry.Get(originID)
	if !ok {
		c.log.Warn("Dropping message from unknown peer", "origin", originID, "via", receiverID, "relayed", relayed)
		return
	}
	if _, ok := peer.channel(channel); !ok {
		c.log.Warn("Dropping message for unknown channel", "peerID", originID, "channel", channel)
		return
	}

	payload := pkt.Payload
	if peer.sharedKey != nil {
		plain, err := openJSON(pkt.Payload, *peer.sharedKey)
		if err != nil {
			c.log.Warn("Dropping message that failed to decrypt", "peerID", originID, "channel", channel, "error", err)
			return
		}
		payload = plain
	}

	c.log.Debug("Data packet received", "peerID", originID, "channel", channel, "opcode", pkt.Opcode, "relayed", relayed)

	switch pkt.Opcode {
	case OpBroadcast:
		c.broadcasts.Set(channel, BroadcastValue{Payload: payload, Origin: originID})
		c.bus.Publish(Event{Type: EventBroadcast, PeerID: originID, Username: peer.Username, Channel: channel, Opcode: pkt.Opcode, Payload: payload, Relayed: relayed})
	case OpPrivate:
		peer.setPrivate(channel, payload)
		c.bus.Publish(Event{Type: EventPrivateMessage, PeerID: originID, Username: peer.Username, Channel: channel, Opcode: pkt.Opcode, Payload: payload, Relayed: relayed})
	}

	c.bus.Publish(Event{Type: EventPeerMessage, PeerID: originID, Username: peer.Username, Channel: channel, Opcode: pkt.Opcode, Payload: payload, Relayed: relayed})
}

// validatePayload пропускает объекты, массивы, строки и числа.
func validatePayload(data any) error {
	if data == nil {
		return fmt.Errorf("%w: nil", ErrInvalidPayloadType)
	}
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return fmt.Errorf("%w: raw message is not valid JSON", ErrInvalidPayloadType)
		}
		switch bytes.TrimLeft(raw, " \t\r\n")[0] {
		case 't', 'f', 'n':
			return fmt.Errorf("%w: raw message is %s", ErrInvalidPayloadType, bytes.TrimSpace(raw))
		}
		return nil
	}

	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return fmt.Errorf("%w: nil %s", ErrInvalidPayloadType, v.Type())
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPayloadType, v.Kind())
	}
}

// SendMessage отправляет пакет пиру id в канал channel.
// relay=true отправляет пакет через пира relay с указанием адресата и канала.
// waitForFlush=true возвращается только после опустошения буфера канала.
func (c *Connector) SendMessage(ctx context.Context, id, channel, opcode string, data any, relay, waitForFlush bool) error {
	if err := validatePayload(data); err != nil {
		return err
	}
	peer, err := c.peer(id)
	if err != nil {
		return err
	}

	pkt := DataPacket{Opcode: opcode}
	via := peer
	viaChannel := channel
	if relay {
		if !c.relayEnabled.Load() {
			return ErrRelayUnavailable
		}
		relayPeer, ok := c.registry.Get(RelayPeerID)
		if !ok {
			return fmt.Errorf("%w: relay peer is gone", ErrRelayUnavailable)
		}
		pkt.Recipient = id
		pkt.Channel = channel
		via = relayPeer
		viaChannel = DefaultChannel
	}

	ch, ok := via.channel(viaChannel)
	if !ok {
		return fmt.Errorf("%w: %s on peer %s", ErrChannelNotFound, viaChannel, via.ID)
	}
	if ch.State() != ChannelOpen {
		return fmt.Errorf("%w: %s on peer %s", ErrChannelNotOpen, viaChannel, via.ID)
	}

	// ключ адресата: при ретрансляции сервер не видит содержимое
	if peer.sharedKey != nil {
		sealed, err := sealJSON(data, *peer.sharedKey)
		if err != nil {
			return fmt.Errorf("encrypt payload: %w", err)
		}
		pkt.Payload, err = json.Marshal(sealed)
		if err != nil {
			return fmt.Errorf("marshal sealed payload: %w", err)
		}
	} else {
		pkt.Payload, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayloadType, err)
		}
	}

	frame, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if err := ch.dc.SendText(string(frame)); err != nil {
		return fmt.Errorf("send to %s: %w", via.ID, err)
	}
	c.log.Debug("Data packet sent", "peerID", id, "channel", channel, "opcode", opcode, "relay", relay, "encrypted", peer.Encrypted())

	if waitForFlush {
		return waitFlushed(ctx, ch)
	}
	return nil
}

// waitFlushed опрашивает буфер канала, пока он не опустеет.
func waitFlushed(ctx context.Context, ch *Channel) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for ch.dc.BufferedAmount() > 0 {
		if ch.State() != ChannelOpen {
			return fmt.Errorf("%w: %s closed while flushing", ErrChannelNotOpen, ch.Name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Broadcast отправляет пакет всем пирам (кроме relay).
// Пиры, у которых канал еще не открыт, пропускаются.
func (c *Connector) Broadcast(ctx context.Context, channel, opcode string, data any, relay, waitForFlush bool) error {
	if err := validatePayload(data); err != nil {
		return err
	}
	if relay && !c.relayEnabled.Load() {
		return ErrRelayUnavailable
	}

	var errs []error
	for _, id := range c.registry.IDs() {
		if id == RelayPeerID {
			continue
		}
		err := c.SendMessage(ctx, id, channel, opcode, data, relay, waitForFlush)
		switch {
		case err == nil:
		case errors.Is(err, ErrChannelNotOpen), errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrPeerNotFound):
			c.log.Debug("Broadcast skipped peer", "peerID", id, "channel", channel, "error", err)
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
