package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusEmitReachesAllHandlers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Attach(func(evt Event) { got = append(got, evt) })
	bus.Attach(func(evt Event) { got = append(got, evt) })

	bus.Emit(EventCallStop, map[string]int64{"duration_ms": 12}, map[string]string{KeyAgentID: "A1"})

	require.Len(t, got, 2)
	assert.Equal(t, EventCallStop, got[0].Name)
	assert.Equal(t, int64(12), got[0].Measurements["duration_ms"])
	assert.Equal(t, "A1", got[0].Metadata[KeyAgentID])
}

func TestBusHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus()
	bus.Attach(func(Event) { panic("bad handler") })

	called := false
	bus.Attach(func(Event) { called = true })

	assert.NotPanics(t, func() { bus.Emit(EventCallError, nil, nil) })
	assert.True(t, called, "second handler should still run")
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(EventCallStart, nil, nil) })
}

func TestBusConcurrentEmitAndAttach(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0
	bus.Attach(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(EventCallStart, nil, nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		bus.Attach(func(Event) {})
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 800, count)
}
