package marketdata

import (
	"sync"

	"github.com/paperdesk/engine/pkg/types"
)

// SubscriptionRegistry (C5) holds the canonical set of symbols the
// process wants upstream, ref-counted across all connected clients.
// The GlobalSubscription map is mutated only from the fanout-server
// loop per the concurrency model; external reads get a snapshot copy.
type SubscriptionRegistry struct {
	mu       sync.Mutex
	refCount map[types.InstrumentKey]int

	onSubscribe   func(types.InstrumentKey)
	onUnsubscribe func(types.InstrumentKey)
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		refCount: make(map[types.InstrumentKey]int),
	}
}

// OnSubscribe/OnUnsubscribe register the callbacks invoked on a 0->1 or
// 1->0 refcount transition, forwarded to C6 which forwards to C2.
func (r *SubscriptionRegistry) OnSubscribe(f func(types.InstrumentKey)) {
	r.onSubscribe = f
}

func (r *SubscriptionRegistry) OnUnsubscribe(f func(types.InstrumentKey)) {
	r.onUnsubscribe = f
}

// Add increments the refcount for key, triggering upstream subscribe on
// the 0->1 transition.
func (r *SubscriptionRegistry) Add(key types.InstrumentKey) {
	r.mu.Lock()
	r.refCount[key]++
	becameActive := r.refCount[key] == 1
	r.mu.Unlock()

	if becameActive && r.onSubscribe != nil {
		r.onSubscribe(key)
	}
}

// Remove decrements the refcount for key, triggering upstream
// unsubscribe and entry removal on the 1->0 transition. No-op if key
// has no outstanding refs.
func (r *SubscriptionRegistry) Remove(key types.InstrumentKey) {
	r.mu.Lock()
	count, ok := r.refCount[key]
	if !ok || count <= 0 {
		r.mu.Unlock()
		return
	}
	count--
	if count <= 0 {
		delete(r.refCount, key)
	} else {
		r.refCount[key] = count
	}
	r.mu.Unlock()

	if count <= 0 && r.onUnsubscribe != nil {
		r.onUnsubscribe(key)
	}
}

// ActiveSymbols returns a snapshot of every key with refCount >= 1.
func (r *SubscriptionRegistry) ActiveSymbols() []types.InstrumentKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.InstrumentKey, 0, len(r.refCount))
	for k := range r.refCount {
		out = append(out, k)
	}
	return out
}

// RefCount returns the current refcount for key (0 if untracked).
func (r *SubscriptionRegistry) RefCount(key types.InstrumentKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refCount[key]
}

// FlushPending instructs the caller (C6) to re-subscribe the full
// active set upstream, used after a reconnect.
func (r *SubscriptionRegistry) FlushPending(resubscribe func([]types.InstrumentKey)) {
	resubscribe(r.ActiveSymbols())
}
