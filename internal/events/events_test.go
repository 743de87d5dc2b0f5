package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotamatch/internal"
	"cotamatch/internal/config"
)

func recvEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryBusDeliversInOrderPerTopic(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []string
	unsubscribe, err := bus.Subscribe(ctx, QuotationTopic("q1"), func(ev Event) { got = append(got, ev.Name) })
	require.NoError(t, err)
	var other int
	_, err = bus.Subscribe(ctx, QuotationTopic("q2"), func(Event) { other++ })
	require.NoError(t, err)

	for _, name := range []string{AnalysisProgress, AnalysisProgress, AnalysisCompleted} {
		ev, err := NewEvent(name, Progress{QuotationID: "q1"})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, QuotationTopic("q1"), ev))
	}
	assert.Equal(t, []string{AnalysisProgress, AnalysisProgress, AnalysisCompleted}, got)
	assert.Zero(t, other)

	unsubscribe()
	unsubscribe()
	ev, _ := NewEvent(AnalysisProgress, Progress{})
	require.NoError(t, bus.Publish(ctx, QuotationTopic("q1"), ev))
	assert.Len(t, got, 3)
}

func TestMemoryBusPublishAfterCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev, _ := NewEvent(AnalysisProgress, Progress{})
	assert.ErrorIs(t, bus.Publish(ctx, "x", ev), context.Canceled)
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := New(config.Config{RedisAddr: mr.Addr(), RedisChannelPrefix: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx := context.Background()
	received := make(chan Event, 4)
	unsubscribe, err := bus.Subscribe(ctx, QuotationTopic("q1"), func(ev Event) { received <- ev })
	require.NoError(t, err)
	defer unsubscribe()

	ev, err := NewEvent(AnalysisProgress, Progress{QuotationID: "q1", TotalItems: 3, AnalyzedItems: 1, PendingItems: 2, Percent: 33, Status: internal.QuotationAnalyzing})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, QuotationTopic("q1"), ev))

	got := recvEvent(t, received, 2*time.Second)
	assert.Equal(t, AnalysisProgress, got.Name)
	assert.Equal(t, "cotacao:q1", got.Topic)
	var p Progress
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, 33, p.Percent)
	assert.Equal(t, 2, p.PendingItems)
	assert.Equal(t, internal.QuotationAnalyzing, p.Status)
}

func TestNewRedisBusRequiresReachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBus(addr, "", nil)
	assert.Error(t, err)

	_, err = NewRedisBus("", "", nil)
	assert.Error(t, err)
}

func TestNewWithoutRedisIsMemory(t *testing.T) {
	bus, err := New(config.Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)
}
