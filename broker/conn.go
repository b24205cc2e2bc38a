package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttgo/broker/codec/packet"
	"github.com/mqttgo/broker/encoding"
	"github.com/mqttgo/broker/hook"
	"github.com/mqttgo/broker/network"
	"github.com/mqttgo/broker/session"
	"github.com/mqttgo/broker/topic"
	"github.com/mqttgo/broker/types/message"
)

type connState int32

const (
	stateAwaitingConnect connState = iota
	stateConnected
	stateClosed
)

// outboundPacket is any MQTT 5.0 control packet this codec knows how to
// write; the write loop only needs Encode, never the concrete type.
type outboundPacket interface {
	Encode(w io.Writer) error
}

// connHandler is component C6: one instance per accepted socket, driving
// it through Awaiting-CONNECT -> Connected -> Closed and dispatching every
// packet type that follows a successful CONNECT.
type connHandler struct {
	broker *Broker
	conn   *network.Connection

	state atomic.Int32

	clientID        string
	sess            *session.Session
	protocolVersion byte
	keepAlive       time.Duration
	maxPacketSize   uint32

	// peerMaxPacketSize is this client's own advertised MaximumPacketSize
	// property (0 = unbounded): the broker must never deliver a PUBLISH
	// larger than this to the connection that declared it.
	peerMaxPacketSize uint32

	aliasIn *topic.Alias // client->broker, set by client PUBLISH TopicAlias

	normalDisconnect atomic.Bool

	out       chan outboundPacket
	closeOnce sync.Once
	doneCh    chan struct{}
}

func newConnHandler(b *Broker, conn *network.Connection) *connHandler {
	return &connHandler{
		broker:        b,
		conn:          conn,
		maxPacketSize: b.cfg.MaxPacketSize,
		out:           make(chan outboundPacket, 256),
		doneCh:        make(chan struct{}),
	}
}

// run drives the connection to completion; it returns once the socket is
// closed, by either side or by idle timeout.
func (h *connHandler) run() {
	defer h.cleanup()

	go h.writeLoop()
	go h.idleWatcher()

	reader := packet.NewReader(h.conn)

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return
		}

		if h.maxPacketSize > 0 && frame.Header.RemainingLength > h.maxPacketSize {
			h.broker.log.Warn("dropping oversized packet", "client", h.clientID, "size", frame.Header.RemainingLength)
			h.broker.metrics.oversizePacketDropped()
			h.sendDisconnect(encoding.ReasonPacketTooLarge)
			return
		}

		h.broker.metrics.packetIn(frame.Header.Type.String())

		if connState(h.state.Load()) == stateAwaitingConnect {
			if frame.Header.Type != encoding.CONNECT {
				h.sendDisconnect(encoding.ReasonProtocolError)
				return
			}
			if err := h.handleConnect(frame); err != nil {
				return
			}
			continue
		}

		if frame.Header.Type == encoding.CONNECT {
			h.sendDisconnect(encoding.ReasonProtocolError)
			return
		}

		if err := h.dispatch(frame); err != nil {
			if !errors.Is(err, errClientDisconnected) {
				h.sendDisconnect(encoding.GetReasonCode(err))
			}
			return
		}
	}
}

// errClientDisconnected is dispatch's signal that the client itself sent a
// DISCONNECT; run must tear the connection down without echoing one back.
var errClientDisconnected = errors.New("client disconnected")

func (h *connHandler) dispatch(frame *packet.Frame) error {
	switch frame.Header.Type {
	case encoding.PUBLISH:
		return h.handlePublish(frame)
	case encoding.SUBSCRIBE:
		return h.handleSubscribe(frame)
	case encoding.UNSUBSCRIBE:
		return h.handleUnsubscribe(frame)
	case encoding.PINGREQ:
		h.send(&encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}})
		return nil
	case encoding.DISCONNECT:
		h.handleDisconnect(frame)
		return errClientDisconnected
	default:
		return nil
	}
}

func (h *connHandler) handleConnect(frame *packet.Frame) error {
	pkt, err := encoding.ParseConnectPacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		h.send(&encoding.ConnackPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK},
			ReasonCode:  encoding.GetReasonCode(err),
		})
		return err
	}

	ctx := context.Background()

	if am := pkt.Properties.GetProperty(encoding.PropAuthenticationMethod); am != nil {
		h.reject(encoding.ReasonBadAuthenticationMethod)
		return ErrCredentialRejected
	}

	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		clientID, err = h.broker.sessions.GenerateClientID(ctx)
		if err != nil {
			h.reject(encoding.ReasonServerUnavailable)
			return err
		}
		assigned = true
	}

	if pkt.UsernameFlag || pkt.PasswordFlag {
		authed := h.broker.hooks.Provides(hook.OnConnectAuthenticate) &&
			h.broker.hooks.OnConnectAuthenticate(h.toHookClient(clientID), toHookConnectPacket(pkt))
		if !authed {
			h.reject(encoding.ReasonBadUsernameOrPassword)
			return ErrCredentialRejected
		}
	} else if !h.broker.cfg.AllowAnonymous {
		h.reject(encoding.ReasonNotAuthorized)
		return ErrCredentialRejected
	}

	if p := pkt.Properties.GetProperty(encoding.PropMaximumPacketSize); p != nil {
		if v, ok := p.Value.(uint32); ok {
			h.peerMaxPacketSize = v
		}
	}

	expiry := uint32(0)
	if p := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			if v > h.broker.cfg.MaxSessionExpiryInterval {
				v = h.broker.cfg.MaxSessionExpiryInterval
			}
			expiry = v
		}
	}

	sess, present, err := h.broker.sessions.CreateSession(ctx, clientID, pkt.CleanStart, expiry, byte(pkt.ProtocolVersion))
	if err != nil {
		h.reject(encoding.ReasonUnspecifiedError)
		return err
	}

	// CreateSession only clears the session's own subscription views on
	// clean start; the router's live index is a separate structure (see
	// the WillPublisher indirection in session.Manager) and has to be
	// purged here so a clean-started client ID stops receiving fan-out
	// from subscriptions it no longer holds.
	if pkt.CleanStart {
		h.broker.router.UnsubscribeAll(clientID)
	}

	if pkt.WillFlag {
		delay := uint32(0)
		if p := pkt.WillProperties.GetProperty(encoding.PropWillDelayInterval); p != nil {
			if v, ok := p.Value.(uint32); ok {
				delay = v
			}
		}
		will := &session.WillMessage{
			Topic:      pkt.WillTopic,
			Payload:    pkt.WillPayload,
			QoS:        0,
			Retain:     pkt.WillRetain,
			Properties: propsToMap(&pkt.WillProperties),
		}
		sess.SetWillMessage(will, delay)
	}

	if prev := h.broker.registerConn(clientID, h); prev != nil {
		prev.sendDisconnect(encoding.ReasonSessionTakenOver)
		prev.conn.Close()
	}

	h.clientID = clientID
	h.sess = sess
	h.protocolVersion = byte(pkt.ProtocolVersion)
	h.keepAlive = resolveKeepAlive(pkt.KeepAlive, h.broker.cfg.DefaultKeepAlive)
	h.aliasIn = topic.NewTopicAlias(h.broker.cfg.TopicAliasMaximum)
	h.state.Store(int32(stateConnected))

	ack := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: present,
		ReasonCode:     encoding.ReasonSuccess,
		Properties:     h.connackProperties(assigned, clientID),
	}
	h.send(ack)

	h.broker.hooks.OnConnect(h.toHookClient(clientID), toHookConnectPacket(pkt))
	h.broker.hooks.OnSessionEstablished(h.toHookClient(clientID), toHookConnectPacket(pkt))

	return nil
}

func (h *connHandler) connackProperties(assignedClientID bool, clientID string) encoding.Properties {
	props := encoding.Properties{}
	_ = props.AddProperty(encoding.PropReceiveMaximum, h.broker.cfg.ReceiveMaximum)
	_ = props.AddProperty(encoding.PropMaximumQoS, h.broker.cfg.MaxQoS)
	_ = props.AddProperty(encoding.PropRetainAvailable, byte(1))
	_ = props.AddProperty(encoding.PropMaximumPacketSize, h.broker.cfg.MaxPacketSize)
	_ = props.AddProperty(encoding.PropTopicAliasMaximum, h.broker.cfg.TopicAliasMaximum)
	_ = props.AddProperty(encoding.PropWildcardSubscriptionAvailable, byte(1))
	_ = props.AddProperty(encoding.PropSubscriptionIdentifierAvailable, byte(1))
	_ = props.AddProperty(encoding.PropSharedSubscriptionAvailable, byte(0))
	if assignedClientID {
		_ = props.AddProperty(encoding.PropAssignedClientIdentifier, clientID)
	}
	return props
}

func (h *connHandler) handlePublish(frame *packet.Frame) error {
	pkt, err := encoding.ParsePublishPacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		return err
	}

	if frame.Header.QoS != encoding.QoS0 {
		return encoding.ErrInvalidQoS
	}

	topicName := pkt.TopicName
	if alias := pkt.Properties.GetProperty(encoding.PropTopicAlias); alias != nil {
		if v, ok := alias.Value.(uint16); ok {
			if topicName != "" {
				h.aliasIn.Set(v, topicName)
			} else if resolved, ok := h.aliasIn.Get(v); ok {
				topicName = resolved
			} else {
				return encoding.ErrMalformedPacket
			}
		}
	}

	if err := encoding.ValidateTopicName(topicName); err != nil {
		return err
	}

	props := propsToMap(&pkt.Properties)
	msg := message.NewMessage(0, topicName, pkt.Payload, 0, frame.Header.Retain, props)

	ctx := context.Background()
	h.broker.hooks.OnPublish(h.toHookClient(h.clientID), toHookPublishPacket(pkt, topicName, frame.Header.Retain))
	_ = h.broker.publish(ctx, h.clientID, msg)
	h.broker.hooks.OnPublished(h.toHookClient(h.clientID), toHookPublishPacket(pkt, topicName, frame.Header.Retain))

	return nil
}

func (h *connHandler) handleSubscribe(frame *packet.Frame) error {
	pkt, err := encoding.ParseSubscribePacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		return err
	}

	ctx := context.Background()
	reasonCodes := make([]encoding.ReasonCode, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		if err := encoding.ValidateTopicFilter(sub.TopicFilter); err != nil {
			reasonCodes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}

		routerSub := &topic.Subscription{
			ClientID:               h.clientID,
			TopicFilter:            sub.TopicFilter,
			QoS:                    0,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: subscriptionIdentifier(&pkt.Properties),
		}
		if err := h.broker.router.Subscribe(routerSub); err != nil {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		h.sess.AddSubscription(&session.Subscription{
			TopicFilter:            sub.TopicFilter,
			QoS:                    0,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: routerSub.SubscriptionIdentifier,
		})

		reasonCodes[i] = encoding.ReasonGrantedQoS0
		h.broker.hooks.OnSubscribed(h.toHookClient(h.clientID), toHookSubscription(h.clientID, sub))
	}

	h.send(&encoding.SubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	})

	for i, sub := range pkt.Subscriptions {
		if reasonCodes[i] >= 0x80 {
			continue
		}
		if sub.RetainHandling == 2 {
			continue
		}
		_ = h.broker.deliverRetained(ctx, h, sub.TopicFilter)
	}

	return nil
}

func (h *connHandler) handleUnsubscribe(frame *packet.Frame) error {
	pkt, err := encoding.ParseUnsubscribePacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		return err
	}

	reasonCodes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
	for i, filter := range pkt.TopicFilters {
		if h.broker.router.Unsubscribe(h.clientID, filter) {
			h.sess.RemoveSubscription(filter)
			reasonCodes[i] = encoding.ReasonSuccess
			h.broker.hooks.OnUnsubscribed(h.toHookClient(h.clientID), filter)
		} else {
			reasonCodes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	h.send(&encoding.UnsubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	})

	return nil
}

func (h *connHandler) handleDisconnect(frame *packet.Frame) {
	pkt, err := encoding.ParseDisconnectPacket(bytes.NewReader(frame.Payload), &frame.Header)
	if err != nil {
		return
	}
	h.normalDisconnect.Store(pkt.ReasonCode == encoding.ReasonNormalDisconnection)
}

// rawPacket is a pre-encoded outbound frame, used when deliver needs to
// measure a PUBLISH's wire size before deciding whether to send it.
type rawPacket []byte

func (r rawPacket) Encode(w io.Writer) error {
	_, err := w.Write(r)
	return err
}

// deliver encodes msg as a PUBLISH for this connection's subscriber and
// queues it on the write loop; a full outbound queue, or a PUBLISH larger
// than the connection's own advertised MaximumPacketSize, drops the
// message rather than blocking the publisher or violating that limit.
func (h *connHandler) deliver(msg *message.Message, retain bool) {
	props := encoding.Properties{}
	if msg.ResponseTopic != "" {
		_ = props.AddProperty(encoding.PropResponseTopic, msg.ResponseTopic)
	}
	if msg.CorrelationData != nil {
		_ = props.AddProperty(encoding.PropCorrelationData, msg.CorrelationData)
	}

	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0, Retain: retain},
		TopicName:   msg.Topic,
		Properties:  props,
		Payload:     msg.Payload,
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return
	}

	if h.peerMaxPacketSize > 0 && uint32(buf.Len()) > h.peerMaxPacketSize {
		h.broker.log.Warn("dropping oversized outbound publish", "client", h.clientID, "size", buf.Len(), "limit", h.peerMaxPacketSize)
		h.broker.metrics.oversizePacketDropped()
		h.broker.hooks.OnPublishDropped(h.toHookClient(h.clientID), toHookPublishPacket(&encoding.PublishPacket{TopicName: msg.Topic, Payload: msg.Payload}, msg.Topic, retain), hook.DropReason(0))
		return
	}

	select {
	case h.out <- rawPacket(buf.Bytes()):
	default:
		h.broker.hooks.OnPublishDropped(h.toHookClient(h.clientID), toHookPublishPacket(&encoding.PublishPacket{TopicName: msg.Topic, Payload: msg.Payload}, msg.Topic, retain), hook.DropReason(0))
	}
}

func (h *connHandler) sendDisconnect(reason encoding.ReasonCode) {
	h.send(&encoding.DisconnectPacket{FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT}, ReasonCode: reason})
}

func (h *connHandler) reject(reason encoding.ReasonCode) {
	h.broker.metrics.connectionRejected()
	h.send(&encoding.ConnackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReasonCode: reason})
}

func (h *connHandler) send(pkt outboundPacket) {
	select {
	case h.out <- pkt:
	case <-h.doneCh:
	}
}

func (h *connHandler) writeLoop() {
	for {
		select {
		case pkt, ok := <-h.out:
			if !ok {
				return
			}
			if err := pkt.Encode(h.conn); err != nil {
				h.conn.Close()
				return
			}
			h.broker.metrics.packetOut(outboundPacketType(pkt))
		case <-h.doneCh:
			return
		}
	}
}

// idleWatcher closes the connection once it has been silent for longer
// than 1.5x the negotiated keep-alive, per the MQTT 5.0 keep-alive
// processing rule.
func (h *connHandler) idleWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.keepAlive <= 0 {
				continue
			}
			if h.conn.IdleDuration() > h.keepAlive+h.keepAlive/2 {
				h.conn.Close()
				return
			}
		case <-h.doneCh:
			return
		case <-h.conn.CloseChan():
			return
		}
	}
}

func (h *connHandler) cleanup() {
	h.closeOnce.Do(func() {
		close(h.doneCh)
		close(h.out)
	})

	h.conn.Close()
	if h.broker.pool != nil {
		_ = h.broker.pool.Remove(h.conn.ID())
	}

	if h.clientID == "" {
		return
	}

	h.broker.unregisterConn(h.clientID, h)

	ctx := context.Background()
	sendWill := !h.normalDisconnect.Load()
	_ = h.broker.sessions.DisconnectSession(ctx, h.clientID, sendWill)

	h.broker.hooks.OnDisconnect(h.toHookClient(h.clientID), nil, false)
}

func (h *connHandler) toHookClient(clientID string) *hook.Client {
	var remote, local net.Addr
	if h.conn != nil {
		remote = h.conn.RemoteAddr()
		local = h.conn.LocalAddr()
	}
	return &hook.Client{
		ID:              clientID,
		RemoteAddr:      remote,
		LocalAddr:       local,
		ProtocolVersion: h.protocolVersion,
		ConnectedAt:     time.Now(),
	}
}

func outboundPacketType(pkt outboundPacket) string {
	switch pkt.(type) {
	case *encoding.ConnackPacket:
		return encoding.CONNACK.String()
	case *encoding.PublishPacket:
		return encoding.PUBLISH.String()
	case rawPacket:
		return encoding.PUBLISH.String()
	case *encoding.SubackPacket:
		return encoding.SUBACK.String()
	case *encoding.UnsubackPacket:
		return encoding.UNSUBACK.String()
	case *encoding.PingrespPacket:
		return encoding.PINGRESP.String()
	case *encoding.DisconnectPacket:
		return encoding.DISCONNECT.String()
	default:
		return "unknown"
	}
}

func resolveKeepAlive(requested uint16, fallback time.Duration) time.Duration {
	if requested == 0 {
		return fallback
	}
	return time.Duration(requested) * time.Second
}

func subscriptionIdentifier(props *encoding.Properties) uint32 {
	if p := props.GetProperty(encoding.PropSubscriptionIdentifier); p != nil {
		if v, ok := p.Value.(uint32); ok {
			return v
		}
	}
	return 0
}

func toHookConnectPacket(pkt *encoding.ConnectPacket) *hook.ConnectPacket {
	out := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        pkt.ClientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
		Properties:      propsToMap(&pkt.Properties),
	}
	if pkt.WillFlag {
		out.Will = &hook.WillMessage{
			Topic:      pkt.WillTopic,
			Payload:    pkt.WillPayload,
			QoS:        0,
			Retain:     pkt.WillRetain,
			Properties: propsToMap(&pkt.WillProperties),
		}
	}
	return out
}

func toHookPublishPacket(pkt *encoding.PublishPacket, topicName string, retain bool) *hook.PublishPacket {
	return &hook.PublishPacket{
		PacketID:   pkt.PacketID,
		Topic:      topicName,
		Payload:    pkt.Payload,
		QoS:        0,
		Retain:     retain,
		Properties: propsToMap(&pkt.Properties),
		Created:    time.Now(),
	}
}

func toHookSubscription(clientID string, sub encoding.Subscription) *hook.Subscription {
	return &hook.Subscription{
		ClientID:          clientID,
		TopicFilter:       sub.TopicFilter,
		QoS:               0,
		NoLocal:           sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished,
		RetainHandling:    sub.RetainHandling,
		SubscribedAt:      time.Now(),
	}
}

// propsToMap flattens the wire property list into the broker's internal
// property representation, keyed by the property's well-known name so
// downstream code (message.NewMessage, will-message construction) can look
// up values without depending on the encoding package's ID constants.
func propsToMap(props *encoding.Properties) map[string]interface{} {
	if props == nil || len(props.Properties) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(props.Properties))
	for _, p := range props.Properties {
		switch p.ID {
		case encoding.PropMessageExpiryInterval:
			m["MessageExpiryInterval"] = p.Value
		case encoding.PropResponseTopic:
			m["ResponseTopic"] = p.Value
		case encoding.PropCorrelationData:
			m["CorrelationData"] = p.Value
		case encoding.PropContentType:
			m["ContentType"] = p.Value
		case encoding.PropPayloadFormatIndicator:
			m["PayloadFormatIndicator"] = p.Value
		case encoding.PropWillDelayInterval:
			m["WillDelayInterval"] = p.Value
		case encoding.PropSessionExpiryInterval:
			m["SessionExpiryInterval"] = p.Value
		}
	}
	return m
}
