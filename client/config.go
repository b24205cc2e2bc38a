package client

import (
	"time"

	"github.com/mqttgo/broker/network"
)

// Config holds the client's connection identity, will message, keep-alive,
// and reconnect policy. Built through functional Options rather than a
// struct literal, since the option surface is wide and most fields have a
// sensible zero value.
type Config struct {
	ClientID string

	Username string
	Password []byte

	WillTopic   string
	WillMessage []byte
	WillRetain  bool
	WillQoS     byte

	// KeepAlive is sent to the broker in CONNECT and drives the local
	// pinger's interval; 0 disables ping entirely.
	KeepAlive time.Duration

	// ResponseTimeout bounds how long Connect/Subscribe/Unsubscribe wait
	// for their corresponding CONNACK/SUBACK/UNSUBACK.
	ResponseTimeout time.Duration

	TopicAliasMaximum uint16

	SessionExpiryInterval uint32

	// ResumeSession asks the broker to resume the session this ClientID
	// already owns instead of starting clean: CONNECT's CleanStart is set
	// to false, and a successful CONNACK with SessionPresent=false (the
	// broker had nothing to resume) is surfaced as a SessionResumeError
	// rather than a silent clean start.
	ResumeSession bool

	// TLS, when set, dials the broker over TLS instead of plain TCP,
	// built the same way the broker builds its own listener TLS config.
	TLS *network.TLSConfig

	// Subscriptions are (re-)established automatically immediately after
	// every successful Connect, including after a reconnect.
	Subscriptions []string

	// ConnectDelays are the delays used between reconnect attempts; the
	// last value is reused once exhausted. Empty means no retry: a lost
	// connection is surfaced as an error rather than retried.
	ConnectDelays []time.Duration

	// ReconnectJitter is an optional fraction (0..1) of each delay applied
	// as random jitter, to avoid synchronized reconnection storms across
	// many clients. Zero (the default) reproduces ConnectDelays exactly.
	ReconnectJitter float64
}

// Option mutates a Config during NewClient.
type Option func(*Config)

// DefaultConfig returns the client's out-of-the-box settings: a 30s
// keep-alive, a 10s response timeout, and no automatic reconnect.
func DefaultConfig() *Config {
	return &Config{
		KeepAlive:         30 * time.Second,
		ResponseTimeout:   10 * time.Second,
		TopicAliasMaximum: 16,
	}
}

func WithClientID(id string) Option {
	return func(c *Config) { c.ClientID = id }
}

func WithCredentials(username string, password []byte) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(c *Config) {
		c.WillTopic = topic
		c.WillMessage = payload
		c.WillRetain = retain
		c.WillQoS = qos
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAlive = d }
}

func WithResponseTimeout(d time.Duration) Option {
	return func(c *Config) { c.ResponseTimeout = d }
}

func WithTopicAliasMaximum(n uint16) Option {
	return func(c *Config) { c.TopicAliasMaximum = n }
}

func WithSessionExpiryInterval(seconds uint32) Option {
	return func(c *Config) { c.SessionExpiryInterval = seconds }
}

func WithResumeSession(resume bool) Option {
	return func(c *Config) { c.ResumeSession = resume }
}

func WithTLS(cfg *network.TLSConfig) Option {
	return func(c *Config) { c.TLS = cfg }
}

func WithSubscriptions(filters ...string) Option {
	return func(c *Config) { c.Subscriptions = filters }
}

func WithConnectDelays(delays ...time.Duration) Option {
	return func(c *Config) { c.ConnectDelays = delays }
}

func WithReconnectJitter(fraction float64) Option {
	return func(c *Config) { c.ReconnectJitter = fraction }
}
