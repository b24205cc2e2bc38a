package topic

import (
	"context"

	"github.com/mqttgo/broker/store"
	"github.com/mqttgo/broker/types/message"
)

// RetainedManager is the broker-facing entry point to the retained store
// (C4): an exact-topic Set/Get/Delete plus a wildcard Match that compiles
// the subscriber's filter once and scans the store with it.
type RetainedManager struct {
	store *store.RetainedStore
}

// NewRetainedManager creates a retained-message manager backed by an
// in-memory flat map.
func NewRetainedManager() *RetainedManager {
	return &RetainedManager{store: store.NewRetainedStore()}
}

// Set stores or removes the retained message for topic. An empty payload
// removes the entry, per PUBLISH retain-flag semantics.
func (rm *RetainedManager) Set(ctx context.Context, topic string, msg *message.Message) error {
	return rm.store.Set(ctx, topic, msg)
}

// Get retrieves the retained message for an exact topic, if any.
func (rm *RetainedManager) Get(ctx context.Context, topic string) (*message.Message, error) {
	return rm.store.Get(ctx, topic)
}

// Delete removes the retained message for topic, if any.
func (rm *RetainedManager) Delete(ctx context.Context, topic string) error {
	return rm.store.Delete(ctx, topic)
}

// Match returns every retained message whose topic matches filter, to be
// delivered to a new subscription in the order SUBACK precedes them.
func (rm *RetainedManager) Match(ctx context.Context, filter string) ([]*message.Message, error) {
	matcher := CompileMatcher(filter)
	return rm.store.Match(ctx, matcher)
}

// Count returns the number of topics currently holding a retained message.
func (rm *RetainedManager) Count(ctx context.Context) (int64, error) {
	return rm.store.Count(ctx)
}

// Close releases the underlying store.
func (rm *RetainedManager) Close() error {
	return rm.store.Close()
}
