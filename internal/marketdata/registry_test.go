package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paperdesk/engine/pkg/types"
)

func TestSubscriptionRegistryRefcounting(t *testing.T) {
	reg := NewSubscriptionRegistry()

	var subscribed, unsubscribed []types.InstrumentKey
	reg.OnSubscribe(func(k types.InstrumentKey) { subscribed = append(subscribed, k) })
	reg.OnUnsubscribe(func(k types.InstrumentKey) { unsubscribed = append(unsubscribed, k) })

	reg.Add("NIFTY")
	reg.Add("BANKNIFTY")
	reg.Add("NIFTY")

	assert.Equal(t, []types.InstrumentKey{"NIFTY", "BANKNIFTY"}, subscribed)
	assert.Equal(t, 2, reg.RefCount("NIFTY"))
	assert.Equal(t, 1, reg.RefCount("BANKNIFTY"))
	assert.ElementsMatch(t, []types.InstrumentKey{"NIFTY", "BANKNIFTY"}, reg.ActiveSymbols())

	reg.Remove("NIFTY")
	assert.Equal(t, 1, reg.RefCount("NIFTY"))
	assert.Empty(t, unsubscribed)

	reg.Remove("BANKNIFTY")
	assert.Equal(t, []types.InstrumentKey{"BANKNIFTY"}, unsubscribed)
	assert.Equal(t, 0, reg.RefCount("BANKNIFTY"))
	assert.ElementsMatch(t, []types.InstrumentKey{"NIFTY"}, reg.ActiveSymbols())
}

func TestSubscriptionRegistryRemoveUntracked(t *testing.T) {
	reg := NewSubscriptionRegistry()
	reg.Remove("UNKNOWN") // must not panic or go negative
	assert.Equal(t, 0, reg.RefCount("UNKNOWN"))
}

func TestSubscriptionRegistryFlushPending(t *testing.T) {
	reg := NewSubscriptionRegistry()
	reg.Add("NIFTY")
	reg.Add("BANKNIFTY")

	var flushed []types.InstrumentKey
	reg.FlushPending(func(keys []types.InstrumentKey) { flushed = keys })

	assert.ElementsMatch(t, []types.InstrumentKey{"NIFTY", "BANKNIFTY"}, flushed)
}
