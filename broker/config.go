// Package broker implements the server side of the protocol: the
// connection handler (C6) that drives one client through
// Awaiting-CONNECT -> Connected -> Closed, and the listener/fan-out layer
// (C7) that accepts sockets and hands each to its own handler.
package broker

import (
	"time"

	"github.com/mqttgo/broker/network"
)

// Config holds broker-wide limits and policy. MaxPacketSize, ReceiveMaximum,
// MaxQoS and TopicAliasMaximum are advertised as CONNACK properties, so a
// client learns those limits when it connects.
type Config struct {
	// ListenAddress is the TCP address the broker accepts connections on.
	ListenAddress string

	// MaxPacketSize bounds the remaining length of an incoming frame: an
	// oversized frame is logged, answered with a DISCONNECT (reason
	// PacketTooLarge), and the connection is closed. Advertised to clients
	// via the MaximumPacketSize CONNACK property.
	MaxPacketSize uint32

	// ReceiveMaximum is advertised to clients; this revision enforces only
	// MaximumQoS=0, so it bounds nothing on the broker side beyond the
	// CONNACK property itself.
	ReceiveMaximum uint16

	// MaxQoS is hardwired to 0: this revision advertises MaximumQoS=0 and
	// does not run the QoS1/2 acknowledgment flows. Every SUBSCRIBE is
	// granted QoS0, and an inbound PUBLISH with QoS>0 is rejected and the
	// connection closed.
	MaxQoS byte

	// TopicAliasMaximum is advertised to clients and bounds the per-direction
	// alias table size.
	TopicAliasMaximum uint16

	// MaxSessionExpiryInterval caps the session-expiry-interval a client may
	// request; 0 means sessions never outlive their connection.
	MaxSessionExpiryInterval uint32

	// DefaultKeepAlive is used for the idle-timeout calculation when a
	// client's CONNECT supplies a keep-alive of 0 (no limit requested); the
	// server still enforces its own ceiling to avoid unbounded idle sockets.
	DefaultKeepAlive time.Duration

	// AllowAnonymous controls whether a CONNECT with neither a username nor
	// a password is accepted. It does not affect the unconditional reject
	// of a CONNECT that carries credentials and no hook confirms them.
	AllowAnonymous bool

	// TLS, when set, is built into a *tls.Config and wired onto
	// ListenerConfig.TLSConfig before the listener starts, so the broker
	// accepts TLS connections instead of plain TCP.
	TLS *network.TLSConfig

	ListenerConfig *network.ListenerConfig
}

// DefaultConfig returns the broker's out-of-the-box limits.
func DefaultConfig(addr string) *Config {
	return &Config{
		ListenAddress:            addr,
		MaxPacketSize:            256 * 1024,
		ReceiveMaximum:           65535,
		MaxQoS:                   0,
		TopicAliasMaximum:        16,
		MaxSessionExpiryInterval: 24 * 60 * 60,
		DefaultKeepAlive:         60 * time.Second,
		AllowAnonymous:           true,
		ListenerConfig:           network.DefaultListenerConfig(addr),
	}
}
