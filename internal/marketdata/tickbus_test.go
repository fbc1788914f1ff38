package marketdata

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdesk/engine/pkg/types"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestTickBusDeliversLatestPerHandler(t *testing.T) {
	bus := NewTickBus(testLogger())

	var mu sync.Mutex
	var received []types.NormalizedTick
	done := make(chan struct{}, 1)

	bus.Subscribe(func(tick types.NormalizedTick) {
		mu.Lock()
		received = append(received, tick)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	bus.EmitTick(types.NormalizedTick{InstrumentKey: "NSE_EQ|A", Price: 100, Timestamp: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)
}

func TestTickBusDropsLateTicks(t *testing.T) {
	bus := NewTickBus(testLogger())
	bus.Subscribe(func(types.NormalizedTick) {})

	bus.EmitTick(types.NormalizedTick{InstrumentKey: "NSE_EQ|A", Price: 100, Timestamp: 10})
	require.Eventually(t, func() bool { return bus.Stats().Dispatched >= 1 }, time.Second, time.Millisecond)

	bus.EmitTick(types.NormalizedTick{InstrumentKey: "NSE_EQ|A", Price: 90, Timestamp: 5})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(1), bus.Stats().LateDrops)
}

func TestTickBusHandlerPanicIsolated(t *testing.T) {
	bus := NewTickBus(testLogger())

	var called int32
	var mu sync.Mutex

	bus.Subscribe(func(types.NormalizedTick) {
		panic("boom")
	})
	bus.Subscribe(func(types.NormalizedTick) {
		mu.Lock()
		called++
		mu.Unlock()
	})

	bus.EmitTick(types.NormalizedTick{InstrumentKey: "NSE_EQ|A", Price: 100, Timestamp: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), bus.Stats().PanicCount)
}

func TestTickBusUnsubscribe(t *testing.T) {
	bus := NewTickBus(testLogger())
	var count int32
	var mu sync.Mutex

	id := bus.Subscribe(func(types.NormalizedTick) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Unsubscribe(id)

	bus.EmitTick(types.NormalizedTick{InstrumentKey: "NSE_EQ|A", Price: 100, Timestamp: 1})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(0), count)
}
