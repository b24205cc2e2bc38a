package broker

import "errors"

var (
	ErrBrokerClosed       = errors.New("broker closed")
	ErrNotConnected       = errors.New("CONNECT expected before any other packet")
	ErrAlreadyConnected   = errors.New("duplicate CONNECT on an established connection")
	ErrPacketTooLarge     = errors.New("packet exceeds configured maximum size")
	ErrCredentialRejected = errors.New("username or password rejected")
)
