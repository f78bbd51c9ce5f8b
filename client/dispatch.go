package client

import (
	"context"
	"fmt"

	"github.com/udisondev/phi/p2p"
	"github.com/udisondev/phi/signaling"
)

// dispatch последовательно обрабатывает конверты сервера.
// Операции над пирами ставятся в очередь по id в порядке поступления
// и выполняются асинхронно, поэтому цикл не блокируется согласованием.
func (c *Client) dispatch(link *signaling.Link, conn *p2p.Connector, income <-chan signaling.Envelope) {
	for env := range income {
		c.handle(link, conn, env)
		c.bus.Publish(p2p.Event{
			Type:    p2p.EventSignal,
			PeerID:  env.OriginID(),
			Opcode:  env.Opcode.String(),
			Payload: env.Payload,
		})
	}

	if err := c.teardown(link); err != nil {
		c.log.Warn("Teardown finished with errors", "error", err)
	}
	c.log.Info("Disconnected from signaling server")
	c.bus.Publish(p2p.Event{Type: p2p.EventDisconnected})
}

func (c *Client) handle(link *signaling.Link, conn *p2p.Connector, env signaling.Envelope) {
	switch env.Opcode {
	case signaling.OpInitOK:
		c.handleInitOK(env)

	case signaling.OpKeepalive:
		if c.opts.Keepalive {
			link.ScheduleKeepalive()
		}

	case signaling.OpLobbyList:
		c.bus.Publish(p2p.Event{Type: p2p.EventLobbyList, Opcode: env.Opcode.String(), Payload: env.Payload})

	case signaling.OpLobbyInfo:
		c.bus.Publish(p2p.Event{Type: p2p.EventLobbyInfo, Opcode: env.Opcode.String(), Payload: env.Payload})

	case signaling.OpAckHost:
		c.setRole(link, RoleHost)

	case signaling.OpAckPeer:
		c.setRole(link, RolePeer)

	case signaling.OpAckMeta, signaling.OpRelayOK, signaling.OpPasswordAck,
		signaling.OpNewHost, signaling.OpLobbyReclaim:
		c.log.Debug("Signaling notice", "opcode", env.Opcode.String())

	case signaling.OpWarning, signaling.OpConfigRequired, signaling.OpLobbyNotFound,
		signaling.OpLobbyFull, signaling.OpLobbyLocked, signaling.OpPasswordRequired,
		signaling.OpPasswordFail, signaling.OpLobbyExists, signaling.OpAlreadyHost,
		signaling.OpAlreadyPeer:
		c.log.Warn("Signaling server refused", "opcode", env.Opcode.String(), "payload", string(env.Payload))

	case signaling.OpHostReclaim:
		c.handleHostReclaim(env)

	case signaling.OpPeerGone, signaling.OpHostGone:
		var gone signaling.PeerInfo
		if err := env.Decode(&gone); err != nil || gone.ID == "" {
			c.log.Debug("Peer gone without id", "opcode", env.Opcode.String())
			return
		}
		conn.ScheduleClose(gone.ID)

	case signaling.OpLobbyClose:
		c.log.Info("Room closed by server")
		c.closeAsync(link)

	case signaling.OpTransition:
		c.handleTransition(link, conn, env)

	case signaling.OpNewPeer, signaling.OpAnticipate, signaling.OpDiscover:
		c.handleDiscovery(conn, env)

	case signaling.OpMakeOffer:
		c.handleNegotiation(conn, env, func(ctx context.Context, id string, n signaling.Negotiation) error {
			if err := conn.HandleOffer(ctx, id, n.Contents); err != nil {
				return err
			}
			c.fireSeen(conn, id, env.Origin.User, env.Opcode)
			return nil
		})

	case signaling.OpMakeAnswer:
		c.handleNegotiation(conn, env, func(ctx context.Context, id string, n signaling.Negotiation) error {
			return conn.HandleAnswer(ctx, id, n.Contents)
		})

	case signaling.OpICE:
		c.handleNegotiation(conn, env, func(ctx context.Context, id string, n signaling.Negotiation) error {
			return conn.HandleICECandidate(ctx, id, n.Contents)
		})

	case signaling.OpViolation:
		c.log.Error("Protocol violation", "payload", string(env.Payload))
		c.bus.Publish(p2p.Event{Type: p2p.EventError, Opcode: env.Opcode.String(), Err: fmt.Errorf("protocol violation: %s", env.Payload)})
		c.closeAsync(link)

	case signaling.OpMeta, signaling.OpInit, signaling.OpConfigHost, signaling.OpConfigPeer,
		signaling.OpTransitionAck:
		c.log.Warn("Unexpected outbound opcode from server", "opcode", env.Opcode.String())

	case signaling.OpUnknown:
		c.log.Warn("Unknown signaling opcode")

	default:
		c.log.Warn("Unhandled signaling opcode", "opcode", env.Opcode.String())
	}
}

func (c *Client) handleInitOK(env signaling.Envelope) {
	var ok signaling.InitOK
	if err := env.Decode(&ok); err != nil {
		c.log.Warn("Malformed INIT_OK", "error", err)
		return
	}

	c.mu.Lock()
	c.session.ID = ok.ID
	if ok.SessionID != nil {
		c.session.SessionID = fmt.Sprint(ok.SessionID)
	}
	if ok.User != "" {
		c.session.Username = ok.User
	}
	c.session.State = Authenticated
	username := c.session.Username
	c.mu.Unlock()

	c.log.Info("Session ready", "id", ok.ID, "username", username)
	c.bus.Publish(p2p.Event{Type: p2p.EventUsernameSynced, PeerID: ok.ID, Username: username, Payload: env.Payload})
}

func (c *Client) setRole(link *signaling.Link, role Role) {
	c.mu.Lock()
	if c.link == link {
		c.session.Role = role
	}
	c.mu.Unlock()
	c.log.Info("Role confirmed", "role", role.String())
}

func (c *Client) handleHostReclaim(env signaling.Envelope) {
	var host signaling.PeerInfo
	if err := env.Decode(&host); err != nil {
		c.log.Warn("Malformed HOST_RECLAIM", "error", err)
		return
	}

	c.mu.Lock()
	mine := host.ID != "" && host.ID == c.session.ID
	if mine {
		c.session.Role = RoleHost
	}
	c.mu.Unlock()

	if !mine {
		c.log.Debug("Room ownership moved", "hostID", host.ID, "hostUsername", host.User)
		return
	}
	c.log.Info("This client now owns the room")
	c.bus.Publish(p2p.Event{Type: p2p.EventOwnershipChanged, PeerID: host.ID, Username: host.User})
}

func (c *Client) handleTransition(link *signaling.Link, conn *p2p.Connector, env signaling.Envelope) {
	var mode string
	if err := env.Decode(&mode); err != nil {
		c.log.Warn("Malformed TRANSITION", "error", err)
	}
	role := parseRole(mode)
	c.log.Info("Changing mode", "mode", mode)

	c.mu.Lock()
	if c.link == link {
		c.session.Role = role
	}
	c.mu.Unlock()

	for _, id := range conn.Registry().IDs() {
		conn.ScheduleClose(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), signaling.WriteTimeout)
	defer cancel()
	if err := link.Send(ctx, signaling.Envelope{Opcode: signaling.OpTransitionAck}); err != nil {
		c.log.Warn("Failed to acknowledge transition", "error", err)
	}

	c.bus.Publish(p2p.Event{Type: p2p.EventModeChanged, Mode: mode})
}

// handleDiscovery NEW_PEER и DISCOVER создают соединение и отправляют offer,
// ANTICIPATE только создает соединение и ждет offer.
func (c *Client) handleDiscovery(conn *p2p.Connector, env signaling.Envelope) {
	var np signaling.NewPeer
	if err := env.Decode(&np); err != nil || np.ID == "" {
		c.log.Warn("Malformed discovery payload", "opcode", env.Opcode.String(), "error", err)
		return
	}

	offer := env.Opcode != signaling.OpAnticipate
	conn.Go(np.ID, func(ctx context.Context) error {
		if err := conn.CreateConnection(ctx, np.ID, np.User, np.PublicKey); err != nil {
			return err
		}
		if offer {
			if err := conn.CreateOffer(ctx, np.ID); err != nil {
				return err
			}
		}
		c.fireSeen(conn, np.ID, np.User, env.Opcode)
		return nil
	})
}

// handleNegotiation ставит обработку MAKE_OFFER, MAKE_ANSWER или ICE
// в очередь id отправителя.
func (c *Client) handleNegotiation(conn *p2p.Connector, env signaling.Envelope, fn func(context.Context, string, signaling.Negotiation) error) {
	id := env.OriginID()
	if id == "" {
		c.log.Warn("Negotiation message without origin", "opcode", env.Opcode.String())
		return
	}
	var n signaling.Negotiation
	if err := env.Decode(&n); err != nil {
		c.log.Warn("Malformed negotiation payload", "opcode", env.Opcode.String(), "peerID", id, "error", err)
		return
	}
	if n.Type != signaling.CandidateData {
		c.log.Debug("Ignoring non-data negotiation", "opcode", env.Opcode.String(), "peerID", id, "type", n.Type)
		return
	}

	conn.Go(id, func(ctx context.Context) error {
		return fn(ctx, id, n)
	})
}

// fireSeen публикует EventNewPeer один раз на пира.
func (c *Client) fireSeen(conn *p2p.Connector, id, username string, op signaling.Opcode) {
	if !conn.MarkSeen(id) {
		return
	}
	c.log.Info("New peer", "peerID", id, "username", username, "opcode", op.String())
	c.bus.Publish(p2p.Event{Type: p2p.EventNewPeer, PeerID: id, Username: username, Opcode: op.String()})
}

// closeAsync закрывает сессию вне цикла dispatch: teardown ждет закрытия пиров.
func (c *Client) closeAsync(link *signaling.Link) {
	go func() {
		if err := c.teardown(link); err != nil {
			c.log.Warn("Teardown finished with errors", "error", err)
		}
	}()
}
