package instrumentation

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestBusEventIDsIncrease(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)

	var events []Event
	bus.On(EventRequest, ListenerFunc(func(e Event) { events = append(events, e) }))
	bus.On(EventRequestTimeout, ListenerFunc(func(e Event) { events = append(events, e) }))

	bus.Emit(EventRequest, RequestPayload{CorrelationID: 1})
	bus.Emit(EventRequestTimeout, RequestTimeoutPayload{CorrelationID: 2})
	bus.Emit(EventRequest, RequestPayload{CorrelationID: 3})

	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID)
		require.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
	require.Equal(t, EventRequestTimeout, events[1].Type)
	require.EqualValues(t, 3, events[2].Payload.(RequestPayload).CorrelationID)
}

func TestBusWithoutListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	require.NotPanics(t, func() { bus.Emit(EventRequest, RequestPayload{}) })
}

func TestBusRemoveListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)

	n := 0
	remove := bus.On(EventRequest, ListenerFunc(func(Event) { n++ }))
	bus.Emit(EventRequest, nil)
	remove()
	remove()
	bus.Emit(EventRequest, nil)

	require.Equal(t, 1, n)
}

func TestBusListenerPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out bytes.Buffer
	logger := zerolog.New(&out)
	bus := NewBus(&logger)

	delivered := false
	bus.On(EventRequestTimeout, ListenerFunc(func(Event) { panic("listener bug") }))
	bus.On(EventRequestTimeout, ListenerFunc(func(Event) { delivered = true }))

	require.NotPanics(t, func() { bus.Emit(EventRequestTimeout, RequestTimeoutPayload{}) })
	require.True(t, delivered)
	require.Contains(t, out.String(), "listener bug")
	require.Contains(t, out.String(), `"event":"network.request_timeout"`)
}

func TestBusConcurrentEmit(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)

	var mu sync.Mutex
	seen := make(map[uint64]struct{})
	bus.On(EventRequest, ListenerFunc(func(e Event) {
		mu.Lock()
		seen[e.ID] = struct{}{}
		mu.Unlock()
	}))

	n, m := 8, 256

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < m; j++ {
				bus.Emit(EventRequest, nil)
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n*m)
}

func TestLogListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out bytes.Buffer
	bus := NewBus(nil)
	bus.On(EventRequestTimeout, LogListener(zerolog.New(&out).Level(zerolog.InfoLevel)))
	bus.On(EventRequest, LogListener(zerolog.New(&out).Level(zerolog.InfoLevel)))

	bus.Emit(EventRequest, RequestPayload{CorrelationID: 6, APIName: "Produce"})
	require.Empty(t, out.String())

	bus.Emit(EventRequestTimeout, RequestTimeoutPayload{CorrelationID: 7, APIName: "Fetch", Broker: "localhost:9092"})
	require.Contains(t, out.String(), `"level":"warn"`)
	require.Contains(t, out.String(), `"correlation_id":7`)
	require.Contains(t, out.String(), `"api":"Fetch"`)
	require.Contains(t, out.String(), `"message":"network.request_timeout"`)
}

func TestNewLogger(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out bytes.Buffer
	logger := newLogger(&out, "inflight-test", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), "shown")
	require.Contains(t, out.String(), "inflight-test")
}
