package p2p

import "errors"

var (
	ErrDuplicatePeer      = errors.New("peer already exists")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelNotOpen     = errors.New("channel is not open")
	ErrDefaultChannel     = errors.New("default channel cannot be closed separately")
	ErrInvalidPayloadType = errors.New("invalid payload type")
	ErrRelayUnavailable   = errors.New("relay is not available")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrConnectorClosed    = errors.New("connector closed")
)
