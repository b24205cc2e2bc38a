package store

import (
	"context"
	"sync"

	"github.com/mqttgo/broker/types/message"
)

// RetainedMessage is the persisted form of one topic's retained message,
// used as the value type for the optional Pebble/Redis Store[T] backends.
type RetainedMessage struct {
	Topic   string
	Message *message.Message
}

// TopicMatcher tests a single topic against an already-compiled filter. The
// topic package's Matcher satisfies this; store stays free of a dependency
// on topic to avoid an import cycle (topic already depends on store).
type TopicMatcher interface {
	Match(topic string) bool
}

// RetainedStore is the retained-message table (component C4): a flat
// topic-to-message map with at most one entry per topic. A literal lookup
// is Get; a wildcard subscription is served by Match, which scans every
// entry against a compiled filter.
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*message.Message
	closed   bool
}

// NewRetainedStore creates an empty in-memory retained-message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{
		messages: make(map[string]*message.Message),
	}
}

// Set stores msg as the retained message for topic, replacing any existing
// entry. An empty payload removes the entry instead, per the PUBLISH
// retain-flag semantics.
func (r *RetainedStore) Set(ctx context.Context, topic string, msg *message.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	if len(msg.Payload) == 0 {
		delete(r.messages, topic)
		return nil
	}

	r.messages[topic] = msg
	return nil
}

// Get retrieves the retained message for an exact topic, if any.
func (r *RetainedStore) Get(ctx context.Context, topic string) (*message.Message, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	msg, ok := r.messages[topic]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

// Delete removes the retained message for topic, if any.
func (r *RetainedStore) Delete(ctx context.Context, topic string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	delete(r.messages, topic)
	return nil
}

// Match scans every retained topic against matcher (compiled from a
// subscription's filter) and returns the matching messages. Per the MQTT
// rule that broad wildcards never reach $ topics, callers should compile
// matcher from the original filter so that exclusion is already applied.
func (r *RetainedStore) Match(ctx context.Context, matcher TopicMatcher) ([]*message.Message, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrStoreClosed
	}

	var matched []*message.Message
	for topic, msg := range r.messages {
		if matcher.Match(topic) {
			matched = append(matched, msg)
		}
	}
	return matched, nil
}

// Count returns the number of topics currently holding a retained message.
func (r *RetainedStore) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return 0, ErrStoreClosed
	}

	return int64(len(r.messages)), nil
}

// Close releases the store. Further calls return ErrStoreClosed.
func (r *RetainedStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrStoreClosed
	}

	r.closed = true
	r.messages = nil
	return nil
}
