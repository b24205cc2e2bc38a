package client

import (
	"errors"
	"fmt"

	"github.com/mqttgo/broker/encoding"
)

var (
	ErrNotConnected      = errors.New("client: not connected")
	ErrAlreadyConnected  = errors.New("client: already connected")
	ErrResponseTimeout   = errors.New("client: timed out waiting for a response")
	ErrReconnectExceeded = errors.New("client: exhausted configured reconnect delays")
	ErrClosed            = errors.New("client: closed")
)

// ReasonError wraps a non-success reason code returned by the broker on a
// CONNACK, SUBACK, or UNSUBACK.
type ReasonError struct {
	ReasonCode encoding.ReasonCode
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("client: broker returned reason code %s", e.ReasonCode)
}

// SessionResumeError is returned by Connect when Config.ResumeSession asked
// the broker to resume an existing session but the CONNACK reports
// SessionPresent=false: the broker had no session for this ClientID, so the
// connection came up clean instead of resumed.
type SessionResumeError struct {
	ClientID string
}

func (e *SessionResumeError) Error() string {
	return fmt.Sprintf("client: resume requested for %q but broker reported no existing session", e.ClientID)
}
