package topic

import "sync"

// Router is the subscription index (component C3): an exact-topic map of
// literal filters plus a list of wildcard filters with compiled matchers.
// A filter is wildcard if it contains '+' or '#'; otherwise literal.
type Router struct {
	mu        sync.RWMutex
	literal   map[string]*filterEntry // topic string -> subscribers
	wildcards map[string]*filterEntry // filter string -> subscribers + matcher

	// subscriptions is the client-side view required by the two-view
	// invariant: every entry here has a mirror entry in literal or
	// wildcards, kept in lockstep by Subscribe/Unsubscribe/UnsubscribeAll.
	subscriptions map[string]map[string]*Subscription // clientID -> filter -> Subscription
}

type filterEntry struct {
	matcher *Matcher // nil for literal entries
	order   []string // clientIDs, insertion order, for deterministic fan-out
	subs    map[string]*Subscription
}

func newFilterEntry() *filterEntry {
	return &filterEntry{subs: make(map[string]*Subscription)}
}

// IsWildcard reports whether filter contains a '+' or '#' wildcard character.
func IsWildcard(filter string) bool {
	for i := 0; i < len(filter); i++ {
		if filter[i] == '+' || filter[i] == '#' {
			return true
		}
	}
	return false
}

// NewRouter creates an empty subscription index.
func NewRouter() *Router {
	return &Router{
		literal:       make(map[string]*filterEntry),
		wildcards:     make(map[string]*filterEntry),
		subscriptions: make(map[string]map[string]*Subscription),
	}
}

// Subscribe adds sub to the index. Subscribing the same (filter, ClientID)
// pair again is idempotent: the existing entry's options are updated in
// place rather than appending a duplicate.
func (r *Router) Subscribe(sub *Subscription) error {
	if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.literal
	if IsWildcard(sub.TopicFilter) {
		table = r.wildcards
	}

	entry, ok := table[sub.TopicFilter]
	if !ok {
		entry = newFilterEntry()
		if table == r.wildcards {
			entry.matcher = CompileMatcher(sub.TopicFilter)
		}
		table[sub.TopicFilter] = entry
	}

	if _, exists := entry.subs[sub.ClientID]; !exists {
		entry.order = append(entry.order, sub.ClientID)
	}
	entry.subs[sub.ClientID] = sub

	if r.subscriptions[sub.ClientID] == nil {
		r.subscriptions[sub.ClientID] = make(map[string]*Subscription)
	}
	r.subscriptions[sub.ClientID][sub.TopicFilter] = sub

	return nil
}

// Unsubscribe removes clientID's subscription to filter, wherever in the
// index it lives (a filter containing '+'/'#' is removed from the wildcard
// list, any other from the literal map — the filter is an opaque string to
// the caller either way). Reports whether a subscription was found.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlock_removeSubscription(clientID, filter)
}

func (r *Router) unlock_removeSubscription(clientID, filter string) bool {
	table := r.literal
	if IsWildcard(filter) {
		table = r.wildcards
	}

	entry, ok := table[filter]
	if !ok {
		return false
	}
	if _, ok := entry.subs[clientID]; !ok {
		return false
	}

	delete(entry.subs, clientID)
	for i, cid := range entry.order {
		if cid == clientID {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}
	if len(entry.subs) == 0 {
		delete(table, filter)
	}

	if clientSubs, ok := r.subscriptions[clientID]; ok {
		delete(clientSubs, filter)
		if len(clientSubs) == 0 {
			delete(r.subscriptions, clientID)
		}
	}

	return true
}

// UnsubscribeAll removes every subscription belonging to clientID and
// returns how many were removed.
func (r *Router) UnsubscribeAll(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return 0
	}

	filters := make([]string, 0, len(clientSubs))
	for filter := range clientSubs {
		filters = append(filters, filter)
	}

	count := 0
	for _, filter := range filters {
		if r.unlock_removeSubscription(clientID, filter) {
			count++
		}
	}
	return count
}

// Match returns every subscription whose filter matches topic: literal
// subscribers first (in subscribe order), then wildcard subscribers. A
// client subscribed via more than one matching filter is returned once,
// using its first-encountered subscription.
func (r *Router) Match(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var result []*Subscription

	if entry, ok := r.literal[topic]; ok {
		for _, cid := range entry.order {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			result = append(result, entry.subs[cid])
		}
	}

	for _, entry := range r.wildcards {
		if !entry.matcher.Match(topic) {
			continue
		}
		for _, cid := range entry.order {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			result = append(result, entry.subs[cid])
		}
	}

	return result
}

// MatchWithPublisher is Match, additionally excluding the publisher from
// any subscription it holds with NoLocal set.
func (r *Router) MatchWithPublisher(topic, publisherClientID string) []*Subscription {
	all := r.Match(topic)
	if publisherClientID == "" {
		return all
	}

	filtered := make([]*Subscription, 0, len(all))
	for _, sub := range all {
		if sub.NoLocal && sub.ClientID == publisherClientID {
			continue
		}
		filtered = append(filtered, sub)
	}
	return filtered
}

// GetSubscription retrieves a specific client's subscription to filter.
func (r *Router) GetSubscription(clientID, filter string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if clientSubs, ok := r.subscriptions[clientID]; ok {
		sub, ok := clientSubs[filter]
		return sub, ok
	}
	return nil, false
}

// GetClientSubscriptions returns every subscription a client currently holds.
func (r *Router) GetClientSubscriptions(clientID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientSubs, ok := r.subscriptions[clientID]
	if !ok {
		return nil
	}

	result := make([]*Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, sub)
	}
	return result
}

// Count returns the total number of (filter, client) subscription pairs.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, entry := range r.literal {
		count += len(entry.subs)
	}
	for _, entry := range r.wildcards {
		count += len(entry.subs)
	}
	return count
}

// CountClients returns the number of distinct clients with at least one
// subscription.
func (r *Router) CountClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// Clear removes every subscription from the index.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literal = make(map[string]*filterEntry)
	r.wildcards = make(map[string]*filterEntry)
	r.subscriptions = make(map[string]map[string]*Subscription)
}
