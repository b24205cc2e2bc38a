package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqttgo/broker/codec/packet"
	"github.com/mqttgo/broker/encoding"
)

// fakeBroker accepts exactly one connection and hands the caller a framed
// reader/writer pair plus the raw net.Conn, for tests that need to speak
// just enough MQTT to drive the client through a handshake.
type fakeBroker struct {
	ln net.Listener
}

func newFakeBroker(t *testing.T) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &fakeBroker{ln: ln}
}

func (b *fakeBroker) addr() string { return b.ln.Addr().String() }

func (b *fakeBroker) accept(t *testing.T) (net.Conn, *packet.Reader) {
	conn, err := b.ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, packet.NewReader(conn)
}

func acceptConnect(t *testing.T, conn net.Conn, r *packet.Reader, reasonCode encoding.ReasonCode) *encoding.ConnectPacket {
	return acceptConnectWithSession(t, conn, r, reasonCode, false)
}

func acceptConnectWithSession(t *testing.T, conn net.Conn, r *packet.Reader, reasonCode encoding.ReasonCode, sessionPresent bool) *encoding.ConnectPacket {
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, encoding.CONNECT, frame.Header.Type)

	connect, err := encoding.ParseConnectPacket(bytes.NewReader(frame.Payload), &frame.Header)
	require.NoError(t, err)

	ack := &encoding.ConnackPacket{ReasonCode: reasonCode, SessionPresent: sessionPresent}
	require.NoError(t, ack.Encode(conn))
	return connect
}

func TestClientConnectSucceeds(t *testing.T) {
	broker := newFakeBroker(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, r := broker.accept(t)
		acceptConnect(t, conn, r, encoding.ReasonSuccess)
	}()

	c := NewClient(broker.addr(), WithClientID("t1"), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	<-done
}

func TestClientConnectRejected(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		acceptConnect(t, conn, r, encoding.ReasonNotAuthorized)
	}()

	c := NewClient(broker.addr(), WithClientID("t2"), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())
	require.Error(t, err)

	var reasonErr *ReasonError
	require.ErrorAs(t, err, &reasonErr)
	assert.Equal(t, encoding.ReasonNotAuthorized, reasonErr.ReasonCode)
}

func TestClientConnectTimesOutWithoutConnack(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		_, _ = broker.accept(t)
		// never reply
	}()

	c := NewClient(broker.addr(), WithClientID("t3"), WithResponseTimeout(30*time.Millisecond))
	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestClientSubscribeReceivesSuback(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		acceptConnect(t, conn, r, encoding.ReasonSuccess)

		frame, err := r.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, encoding.SUBSCRIBE, frame.Header.Type)

		sub, err := encoding.ParseSubscribePacket(bytes.NewReader(frame.Payload), &frame.Header)
		require.NoError(t, err)

		suback := &encoding.SubackPacket{
			PacketID:    sub.PacketID,
			ReasonCodes: []encoding.ReasonCode{encoding.ReasonGrantedQoS0},
		}
		require.NoError(t, suback.Encode(conn))
	}()

	c := NewClient(broker.addr(), WithClientID("t4"), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	qos, err := c.Subscribe(context.Background(), "sensors/#")
	require.NoError(t, err)
	assert.Equal(t, byte(encoding.ReasonGrantedQoS0), qos)
}

func TestClientReceivesPublishedMessage(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		acceptConnect(t, conn, r, encoding.ReasonSuccess)

		pub := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS0},
			TopicName:   "sensors/temp",
			Payload:     []byte("21.5"),
		}
		require.NoError(t, pub.Encode(conn))
	}()

	c := NewClient(broker.addr(), WithClientID("t5"), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	select {
	case msg := <-c.Messages():
		assert.Equal(t, "sensors/temp", msg.Topic)
		assert.Equal(t, []byte("21.5"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("did not receive published message in time")
	}
}

func TestClientDisconnectClosesMessagesOnce(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		acceptConnect(t, conn, r, encoding.ReasonSuccess)
		r.ReadFrame() // DISCONNECT, ignored
	}()

	c := NewClient(broker.addr(), WithClientID("t6"), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(context.Background()))

	_, open := <-c.Messages()
	assert.False(t, open)

	// A second close path (handleConnectionLoss firing after the socket
	// actually goes away) must not panic on a double channel close.
	assert.NotPanics(t, func() {
		c.handleConnectionLoss(nil, context.Canceled)
	})
}

func TestClientConnectReportsSessionPresent(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		connect := acceptConnectWithSession(t, conn, r, encoding.ReasonSuccess, true)
		assert.False(t, connect.CleanStart)
	}()

	c := NewClient(broker.addr(), WithClientID("t7"), WithResumeSession(true), WithResponseTimeout(time.Second))
	present, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, present)
}

func TestClientConnectResumeFailsWhenNoSessionPresent(t *testing.T) {
	broker := newFakeBroker(t)
	go func() {
		conn, r := broker.accept(t)
		acceptConnectWithSession(t, conn, r, encoding.ReasonSuccess, false)
	}()

	c := NewClient(broker.addr(), WithClientID("t8"), WithResumeSession(true), WithResponseTimeout(time.Second))
	_, err := c.Connect(context.Background())

	var resumeErr *SessionResumeError
	require.ErrorAs(t, err, &resumeErr)
	assert.Equal(t, "t8", resumeErr.ClientID)
}

func TestResolveOutgoingAliasReusesBindingAfterFirstUse(t *testing.T) {
	c := NewClient("unused:0")

	alias1, topicName1 := c.resolveOutgoingAlias("a/b")
	assert.Equal(t, uint16(1), alias1)
	assert.Equal(t, "a/b", topicName1)

	alias2, topicName2 := c.resolveOutgoingAlias("a/b")
	assert.Equal(t, alias1, alias2)
	assert.Empty(t, topicName2)

	alias3, topicName3 := c.resolveOutgoingAlias("c/d")
	assert.Equal(t, uint16(2), alias3)
	assert.Equal(t, "c/d", topicName3)
}
