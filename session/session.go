package session

import (
	"sync"
	"time"
)

// State represents the session state
type State byte

const (
	StateNew          State = iota // Session is newly created
	StateActive                    // Session is active with a connected client
	StateDisconnected              // Session is disconnected but not expired
	StateExpired                   // Session has expired
)

// WillMessage represents the MQTT will message
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]interface{}
}

// Session represents an MQTT session, keyed by client id. It holds the two
// subscription views required for fan-out (literal and wildcard), the will
// message, and lifecycle timestamps that drive expiry.
type Session struct {
	mu sync.RWMutex

	ClientID          string
	CleanStart        bool
	State             State
	ExpiryInterval    uint32 // seconds; 0 = removed immediately on disconnect
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	DisconnectedAt    time.Time
	WillMessage       *WillMessage
	WillDelayInterval uint32

	// LiteralSubscriptions and WildcardSubscriptions mirror the split kept
	// by the broker's subscription index: a literal filter (no '+'/'#')
	// lives in the former, anything else in the latter.
	LiteralSubscriptions  map[string]*Subscription
	WildcardSubscriptions map[string]*Subscription

	// nextPacketID allocates identifiers for packets this session's owner
	// originates (SUBSCRIBE/UNSUBSCRIBE on the client side).
	nextPacketID uint16

	MaxPacketSize   uint32
	ReceiveMaximum  uint16
	ProtocolVersion byte
}

// Subscription represents a topic subscription held by a session.
type Subscription struct {
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// New creates a new session.
func New(clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) *Session {
	now := time.Now()
	return &Session{
		ClientID:              clientID,
		CleanStart:            cleanStart,
		State:                 StateNew,
		ExpiryInterval:        expiryInterval,
		CreatedAt:             now,
		LastAccessedAt:        now,
		LiteralSubscriptions:  make(map[string]*Subscription),
		WildcardSubscriptions: make(map[string]*Subscription),
		nextPacketID:          1,
		ReceiveMaximum:        65535,
		ProtocolVersion:       protocolVersion,
	}
}

// SetActive marks the session as active
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session as disconnected
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// SetExpired marks the session as expired
func (s *Session) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ExpiryInterval == 0 && !s.CleanStart {
		return false // Persistent session with no expiry
	}

	if s.State == StateDisconnected && s.ExpiryInterval > 0 {
		return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
	}

	return s.State == StateExpired
}

// Touch updates the last accessed time
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// SetWillMessage sets the will message for the session
func (s *Session) SetWillMessage(will *WillMessage, delayInterval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = will
	s.WillDelayInterval = delayInterval
}

// ClearWillMessage clears the will message
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = nil
}

// GetWillMessage returns the will message if present
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// ShouldPublishWill checks if will message should be published
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.WillMessage == nil {
		return false
	}

	if s.WillDelayInterval == 0 {
		return true
	}

	return time.Since(s.DisconnectedAt) >= time.Duration(s.WillDelayInterval)*time.Second
}

// subscriptionTable picks the literal or wildcard map for filter.
func (s *Session) subscriptionTable(filter string) map[string]*Subscription {
	if isWildcardFilter(filter) {
		return s.WildcardSubscriptions
	}
	return s.LiteralSubscriptions
}

func isWildcardFilter(filter string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == '+' || filter[i] == '#' {
			return true
		}
	}
	return false
}

// AddSubscription adds a subscription to the session, in its literal or
// wildcard view according to its filter.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptionTable(sub.TopicFilter)[sub.TopicFilter] = sub
}

// RemoveSubscription removes a subscription from the session.
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptionTable(topicFilter), topicFilter)
}

// GetSubscription returns a subscription by topic filter.
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptionTable(topicFilter)[topicFilter]
	return sub, ok
}

// GetAllSubscriptions returns every subscription across both views.
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.LiteralSubscriptions)+len(s.WildcardSubscriptions))
	for k, v := range s.LiteralSubscriptions {
		subs[k] = v
	}
	for k, v := range s.WildcardSubscriptions {
		subs[k] = v
	}
	return subs
}

// ClearSubscriptions removes all subscriptions.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LiteralSubscriptions = make(map[string]*Subscription)
	s.WildcardSubscriptions = make(map[string]*Subscription)
}

// NextPacketID generates the next packet identifier, wrapping 0 (reserved).
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextPacketID
	s.nextPacketID++
	if s.nextPacketID == 0 {
		s.nextPacketID = 1
	}
	return id
}

// Clear clears all session data: subscriptions and will message.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LiteralSubscriptions = make(map[string]*Subscription)
	s.WildcardSubscriptions = make(map[string]*Subscription)
	s.WillMessage = nil
}

// GetState returns the current state
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the client ID
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// GetCleanStart returns the clean start flag
func (s *Session) GetCleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CleanStart
}

// GetExpiryInterval returns the expiry interval
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiryInterval
}

// UpdateExpiryInterval updates the session expiry interval
func (s *Session) UpdateExpiryInterval(interval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = interval
}
