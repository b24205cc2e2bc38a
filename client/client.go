// Package client implements component C8: a connect/reconnect MQTT 5.0
// client with a keep-alive pinger, a pending-transaction table keyed by
// packet identifier, and topic-alias bookkeeping for both directions.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mqttgo/broker/codec/packet"
	"github.com/mqttgo/broker/encoding"
	"github.com/mqttgo/broker/network"
	"github.com/mqttgo/broker/pkg/logger"
	"github.com/mqttgo/broker/session"
	"github.com/mqttgo/broker/topic"
)

// Message is one PUBLISH delivered to the caller via Messages().
type Message struct {
	Topic           string
	Payload         []byte
	Retain          bool
	ResponseTopic   string
	CorrelationData []byte
	Properties      map[string]interface{}
}

type ackResult struct {
	reasonCodes    []encoding.ReasonCode
	sessionPresent bool
	err            error
}

// Client is a single MQTT 5.0 connection to one broker, with optional
// automatic reconnection driven by Config.ConnectDelays.
type Client struct {
	addr string
	cfg  *Config
	log  *logger.SlogLogger

	mu   sync.Mutex
	conn *network.Connection
	sess *session.Session

	aliasIncoming *topic.Alias // broker->client, populated as the broker assigns aliases
	aliasOutgoing map[string]uint16
	nextAlias     uint16

	pendingMu sync.Mutex
	pending   map[uint16]chan ackResult

	connAckCh chan ackResult

	messages  chan Message
	keepAlive *network.KeepAlive
	seq       *delaySequence

	closeOnce sync.Once
	closeCh   chan struct{}
	userClose bool
}

// NewClient builds a Client targeting addr ("host:port"); it does not dial
// until Connect is called.
func NewClient(addr string, opts ...Option) *Client {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		addr:          addr,
		cfg:           cfg,
		log:           logger.NewSlogLogger(0, nil),
		aliasOutgoing: make(map[string]uint16),
		pending:       make(map[uint16]chan ackResult),
		messages:      make(chan Message, 256),
		closeCh:       make(chan struct{}),
		seq:           newDelaySequence(cfg),
	}
}

// Connect dials addr, completes the CONNECT/CONNACK handshake, restores any
// configured subscriptions, and starts the read loop, keep-alive pinger, and
// (if Config.ConnectDelays is non-empty) the reconnect supervisor.
func (c *Client) Connect(ctx context.Context) (sessionPresent bool, err error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return false, ErrAlreadyConnected
	}
	c.mu.Unlock()

	present, err := c.dialAndHandshake(ctx)
	if err != nil {
		return false, err
	}

	return present, nil
}

func (c *Client) dialAndHandshake(ctx context.Context) (bool, error) {
	netConn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	conn := network.NewConnection(netConn, c.addr, &network.ConnectionConfig{
		KeepAlive:     c.cfg.KeepAlive,
		ReadDeadline:  c.cfg.KeepAlive*3/2 + c.cfg.ResponseTimeout,
		WriteDeadline: c.cfg.ResponseTimeout,
	})

	clientID := c.cfg.ClientID
	if c.sess == nil {
		c.sess = session.New(clientID, !c.cfg.ResumeSession, c.cfg.SessionExpiryInterval, uint8(encoding.ProtocolVersion50))
	}

	ackCh := make(chan ackResult, 1)
	c.mu.Lock()
	c.conn = conn
	c.connAckCh = ackCh
	c.aliasIncoming = topic.NewTopicAlias(c.cfg.TopicAliasMaximum)
	c.mu.Unlock()

	connect := c.buildConnectPacket(clientID)
	if err := connect.Encode(conn); err != nil {
		conn.Close()
		return false, fmt.Errorf("client: sending CONNECT: %w", err)
	}

	go c.readLoop(conn)

	var sessionPresent bool
	select {
	case res := <-ackCh:
		if res.err != nil {
			conn.Close()
			return false, res.err
		}
		sessionPresent = res.sessionPresent
	case <-time.After(c.cfg.ResponseTimeout):
		conn.Close()
		return false, ErrResponseTimeout
	case <-ctx.Done():
		conn.Close()
		return false, ctx.Err()
	}

	if c.cfg.ResumeSession && !sessionPresent {
		conn.Close()
		return false, &SessionResumeError{ClientID: clientID}
	}

	if c.cfg.KeepAlive > 0 {
		c.keepAlive = network.NewKeepAlive(conn, &network.KeepAliveConfig{
			Interval:    c.cfg.KeepAlive,
			Timeout:     c.cfg.ResponseTimeout,
			MaxRetries:  3,
			PingHandler: c.sendPing,
		})
		c.keepAlive.Start()
	}

	for _, filter := range c.cfg.Subscriptions {
		if _, err := c.Subscribe(context.Background(), filter); err != nil {
			c.log.Warn("resubscribe failed", "filter", filter, "error", err)
		}
	}

	return sessionPresent, nil
}

// dial opens the transport to c.addr, over TLS when Config.TLS is set.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.cfg.TLS == nil {
		dialer := net.Dialer{}
		netConn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial: %w", err)
		}
		return netConn, nil
	}

	tlsConfig, err := c.cfg.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("client: building TLS config: %w", err)
	}

	dialer := tls.Dialer{Config: tlsConfig}
	netConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	return netConn, nil
}

func (c *Client) buildConnectPacket(clientID string) *encoding.ConnectPacket {
	pkt := &encoding.ConnectPacket{
		FixedHeader:     encoding.FixedHeader{Type: encoding.CONNECT},
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      !c.cfg.ResumeSession,
		ClientID:        clientID,
		KeepAlive:       uint16(c.cfg.KeepAlive / time.Second),
	}

	if c.cfg.SessionExpiryInterval > 0 {
		_ = pkt.Properties.AddProperty(encoding.PropSessionExpiryInterval, c.cfg.SessionExpiryInterval)
	}
	if c.cfg.TopicAliasMaximum > 0 {
		_ = pkt.Properties.AddProperty(encoding.PropTopicAliasMaximum, c.cfg.TopicAliasMaximum)
	}

	if c.cfg.Username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.cfg.Username
	}
	if c.cfg.Password != nil {
		pkt.PasswordFlag = true
		pkt.Password = c.cfg.Password
	}

	if c.cfg.WillTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = c.cfg.WillTopic
		pkt.WillPayload = c.cfg.WillMessage
		pkt.WillRetain = c.cfg.WillRetain
		pkt.WillQoS = encoding.QoS(c.cfg.WillQoS)
	}

	return pkt
}

func (c *Client) sendPing(conn *network.Connection) error {
	return (&encoding.PingreqPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGREQ}}).Encode(conn)
}

// readLoop decodes frames off conn until it errors, dispatching PUBLISH to
// Messages(), SUBACK/UNSUBACK/CONNACK to their waiting callers, and
// PINGRESP to the keep-alive pinger.
func (c *Client) readLoop(conn *network.Connection) {
	reader := packet.NewReader(conn)

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			c.handleConnectionLoss(conn, err)
			return
		}

		switch frame.Header.Type {
		case encoding.CONNACK:
			ack, err := encoding.ParseConnackPacket(bytes.NewReader(frame.Payload), &frame.Header)
			c.resolveConnAck(ack, err)
		case encoding.PUBLISH:
			c.handlePublish(frame)
		case encoding.SUBACK:
			ack, err := encoding.ParseSubackPacket(bytes.NewReader(frame.Payload), &frame.Header)
			if err != nil {
				c.log.Warn("dropping malformed SUBACK", "error", err)
				continue
			}
			c.resolvePending(ack.PacketID, ack.ReasonCodes, nil)
		case encoding.UNSUBACK:
			ack, err := encoding.ParseUnsubackPacket(bytes.NewReader(frame.Payload), &frame.Header)
			if err != nil {
				c.log.Warn("dropping malformed UNSUBACK", "error", err)
				continue
			}
			c.resolvePending(ack.PacketID, ack.ReasonCodes, nil)
		case encoding.PINGRESP:
			if c.keepAlive != nil {
				c.keepAlive.OnPong()
			}
		case encoding.DISCONNECT:
			conn.Close()
			c.handleConnectionLoss(conn, packet.ErrConnectionLost)
			return
		}
	}
}

func (c *Client) resolveConnAck(ack *encoding.ConnackPacket, err error) {
	c.mu.Lock()
	ch := c.connAckCh
	c.connAckCh = nil
	c.mu.Unlock()

	if ch == nil {
		return
	}

	if err != nil {
		ch <- ackResult{err: err}
		return
	}
	if ack.ReasonCode != encoding.ReasonSuccess {
		ch <- ackResult{err: &ReasonError{ReasonCode: ack.ReasonCode}}
		return
	}
	ch <- ackResult{sessionPresent: ack.SessionPresent}
}

func (c *Client) resolvePending(packetID uint16, reasonCodes []encoding.ReasonCode, err error) {
	c.pendingMu.Lock()
	ch, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	ch <- ackResult{reasonCodes: reasonCodes, err: err}
}

func (c *Client) handlePublish(frame *packet.Frame) {
	pkt, err := encoding.ParsePublishPacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		c.log.Warn("dropping malformed PUBLISH", "error", err)
		return
	}

	topicName := pkt.TopicName
	if alias := pkt.Properties.GetProperty(encoding.PropTopicAlias); alias != nil {
		if v, ok := alias.Value.(uint16); ok {
			if topicName != "" {
				c.aliasIncoming.Set(v, topicName)
			} else if resolved, ok := c.aliasIncoming.Get(v); ok {
				topicName = resolved
			}
		}
	}

	msg := Message{
		Topic:   topicName,
		Payload: pkt.Payload,
		Retain:  frame.Header.Retain,
	}
	if rt := pkt.Properties.GetProperty(encoding.PropResponseTopic); rt != nil {
		if s, ok := rt.Value.(string); ok {
			msg.ResponseTopic = s
		}
	}
	if cd := pkt.Properties.GetProperty(encoding.PropCorrelationData); cd != nil {
		if b, ok := cd.Value.([]byte); ok {
			msg.CorrelationData = b
		}
	}

	select {
	case c.messages <- msg:
	case <-c.closeCh:
	}
}

// Subscribe sends SUBSCRIBE for filter and waits for SUBACK.
func (c *Client) Subscribe(ctx context.Context, filter string) (byte, error) {
	conn, err := c.activeConn()
	if err != nil {
		return 0, err
	}

	packetID := c.sess.NextPacketID()
	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pending[packetID] = ch
	c.pendingMu.Unlock()

	pkt := &encoding.SubscribePacket{
		FixedHeader:   encoding.FixedHeader{Type: encoding.SUBSCRIBE, Flags: 0x02},
		PacketID:      packetID,
		Subscriptions: []encoding.Subscription{{TopicFilter: filter, QoS: encoding.QoS0}},
	}
	if err := pkt.Encode(conn); err != nil {
		return 0, fmt.Errorf("client: sending SUBSCRIBE: %w", err)
	}

	res, err := c.awaitAck(ctx, packetID, ch)
	if err != nil {
		return 0, err
	}
	if len(res.reasonCodes) == 0 {
		return 0, nil
	}
	if res.reasonCodes[0] >= 0x80 {
		return 0, &ReasonError{ReasonCode: res.reasonCodes[0]}
	}
	c.sess.AddSubscription(&session.Subscription{TopicFilter: filter, SubscribedAt: time.Now()})
	return byte(res.reasonCodes[0]), nil
}

// Unsubscribe sends UNSUBSCRIBE for filter and waits for UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}

	packetID := c.sess.NextPacketID()
	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pending[packetID] = ch
	c.pendingMu.Unlock()

	pkt := &encoding.UnsubscribePacket{
		FixedHeader:  encoding.FixedHeader{Type: encoding.UNSUBSCRIBE, Flags: 0x02},
		PacketID:     packetID,
		TopicFilters: []string{filter},
	}
	if err := pkt.Encode(conn); err != nil {
		return fmt.Errorf("client: sending UNSUBSCRIBE: %w", err)
	}

	if _, err := c.awaitAck(ctx, packetID, ch); err != nil {
		return err
	}
	c.sess.RemoveSubscription(filter)
	return nil
}

func (c *Client) awaitAck(ctx context.Context, packetID uint16, ch chan ackResult) (ackResult, error) {
	select {
	case res := <-ch:
		return res, res.err
	case <-time.After(c.cfg.ResponseTimeout):
		c.pendingMu.Lock()
		delete(c.pending, packetID)
		c.pendingMu.Unlock()
		return ackResult{}, ErrResponseTimeout
	case <-ctx.Done():
		return ackResult{}, ctx.Err()
	case <-c.closeCh:
		return ackResult{}, ErrClosed
	}
}

// PublishOption mutates a single PUBLISH before it is sent.
type PublishOption func(*publishOptions)

type publishOptions struct {
	retain          bool
	responseTopic   string
	correlationData []byte
	useAlias        bool
}

func WithRetain() PublishOption { return func(o *publishOptions) { o.retain = true } }

func WithResponseTopic(topic string) PublishOption {
	return func(o *publishOptions) { o.responseTopic = topic }
}

func WithCorrelationData(data []byte) PublishOption {
	return func(o *publishOptions) { o.correlationData = data }
}

// WithTopicAlias requests that this PUBLISH (and every subsequent PUBLISH to
// the same topic on this connection) use a client-assigned topic alias
// instead of repeating the full topic string.
func WithTopicAlias() PublishOption { return func(o *publishOptions) { o.useAlias = true } }

// Publish sends a QoS 0 PUBLISH; this client never sends QoS 1/2 messages.
func (c *Client) Publish(ctx context.Context, topicName string, payload []byte, opts ...PublishOption) error {
	conn, err := c.activeConn()
	if err != nil {
		return err
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0, Retain: o.retain},
		TopicName:   topicName,
		Payload:     payload,
	}
	if o.responseTopic != "" {
		_ = pkt.Properties.AddProperty(encoding.PropResponseTopic, o.responseTopic)
	}
	if o.correlationData != nil {
		_ = pkt.Properties.AddProperty(encoding.PropCorrelationData, o.correlationData)
	}
	if o.useAlias {
		alias, topicForWire := c.resolveOutgoingAlias(topicName)
		_ = pkt.Properties.AddProperty(encoding.PropTopicAlias, alias)
		pkt.TopicName = topicForWire
	}

	if err := pkt.Encode(conn); err != nil {
		return fmt.Errorf("client: sending PUBLISH: %w", err)
	}
	return nil
}

// resolveOutgoingAlias returns the alias to send and the topic name to pair
// with it: the full topic name the first time an alias is assigned, empty
// thereafter, per the wire rule that a topic name is only required together
// with a new alias binding.
func (c *Client) resolveOutgoingAlias(topicName string) (uint16, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if alias, ok := c.aliasOutgoing[topicName]; ok {
		return alias, ""
	}

	c.nextAlias++
	c.aliasOutgoing[topicName] = c.nextAlias
	return c.nextAlias, topicName
}

// Messages returns the channel of received PUBLISH messages; it is closed
// when the connection is lost and no further reconnect attempt will occur.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Disconnect sends DISCONNECT with reason (default: normal disconnection)
// and closes the connection without triggering reconnect.
func (c *Client) Disconnect(ctx context.Context, reason ...encoding.ReasonCode) error {
	rc := encoding.ReasonNormalDisconnection
	if len(reason) > 0 {
		rc = reason[0]
	}

	conn, err := c.activeConn()
	if err != nil {
		return nil
	}

	c.mu.Lock()
	c.userClose = true
	c.mu.Unlock()

	pkt := &encoding.DisconnectPacket{FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT}, ReasonCode: rc}
	_ = pkt.Encode(conn)

	c.closeForGood()
	return conn.Close()
}

func (c *Client) activeConn() (*network.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// handleConnectionLoss fires on any read error: it fails every pending
// transaction, then either closes Messages() for good (no reconnect
// configured, or the user called Disconnect) or hands off to the
// reconnect supervisor.
func (c *Client) handleConnectionLoss(conn *network.Connection, cause error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- ackResult{err: cause}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	userClose := c.userClose
	c.mu.Unlock()

	if c.keepAlive != nil {
		c.keepAlive.Stop()
	}

	if userClose || len(c.cfg.ConnectDelays) == 0 {
		c.closeForGood()
		return
	}

	go c.reconnect()
}

// closeForGood closes closeCh and messages exactly once, however many
// call sites decide the client will never reconnect.
func (c *Client) closeForGood() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		close(c.messages)
	})
}

// reconnect retries dialAndHandshake using the client's delay sequence
// until it succeeds or the sequence is exhausted (only possible when
// ConnectDelays is empty, which handleConnectionLoss already filtered out).
// Success re-arms the read loop via dialAndHandshake itself; failure closes
// Messages() for good, matching the "connection lost" error-handling policy.
func (c *Client) reconnect() {
	ctx := context.Background()
	err := reconnectLoop(ctx, c.seq, func() error {
		_, err := c.dialAndHandshake(ctx)
		return err
	})
	if err != nil {
		c.log.Warn("reconnect abandoned", "error", err)
		c.closeForGood()
	}
}
