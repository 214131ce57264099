package notification

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC)
}

func TestHubDeliversToUserOnly(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, testLogger())
	defer hub.Close()

	alice, unsubAlice := hub.Subscribe(1)
	defer unsubAlice()
	bob, unsubBob := hub.Subscribe(2)
	defer unsubBob()

	n := hub.Publish(1, Event{Type: EventStatus, Stage: StageReceived, Percent: 10})
	assert.Equal(t, 1, n)

	select {
	case ev := <-alice:
		assert.Equal(t, StageReceived, ev.Stage)
		assert.Equal(t, 10, ev.Percent)
	default:
		t.Fatal("expected an event for user 1")
	}

	select {
	case ev := <-bob:
		t.Fatalf("user 2 received %v", ev)
	default:
	}
}

func TestHubFullBufferDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := metrics.NewPredictionMetrics(registry)
	require.NoError(t, err)

	hub := NewHub(1, testLogger())
	hub.SetMetrics(m)
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe(7)
	defer unsubscribe()

	assert.Equal(t, 1, hub.Publish(7, Event{Type: EventStatus, Stage: StageReceived}))
	assert.Equal(t, 0, hub.Publish(7, Event{Type: EventStatus, Stage: StageClassifying}))

	ev := <-ch
	assert.Equal(t, StageReceived, ev.Stage)

	count, err := testutil.GatherAndCount(registry, "leafwatch_notifications_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	hub := NewHub(2, testLogger())
	defer hub.Close()

	ch, unsubscribe := hub.Subscribe(3)
	assert.Equal(t, 1, hub.SubscriberCount(3))

	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount(3))
	assert.Zero(t, hub.Publish(3, Event{Stage: StageComplete}))
}

func TestHubClose(t *testing.T) {
	t.Parallel()
	hub := NewHub(2, testLogger())

	ch, unsubscribe := hub.Subscribe(1)
	hub.Close()
	hub.Close()

	_, open := <-ch
	assert.False(t, open)
	unsubscribe()

	late, _ := hub.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscriptions after Close are already closed")
}

func TestHubConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()
	hub := NewHub(64, testLogger())
	defer hub.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			ch, unsubscribe := hub.Subscribe(uint(i % 3))
			defer unsubscribe()
			for range 20 {
				hub.Publish(uint(i%3), Event{Type: EventStatus, Stage: StageClassifying})
			}
			// Drain whatever arrived
			for {
				select {
				case <-ch:
				default:
					return
				}
			}
		})
	}
	wg.Wait()
}

func TestEventTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, Event{Stage: StageComplete}.Terminal())
	assert.True(t, Event{Stage: StageRejected}.Terminal())
	assert.True(t, Event{Stage: StageError}.Terminal())
	assert.False(t, Event{Stage: StagePersisted}.Terminal())
}
