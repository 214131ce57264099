package notification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/errors"
)

type recordingSink struct {
	name string
	err  error

	mu     sync.Mutex
	events []Event
	users  []uint
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, userID uint, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.users = append(s.users, userID)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// blockingSink waits until its context ends
type blockingSink struct{}

func (blockingSink) Name() string { return "blocking" }

func (blockingSink) Send(ctx context.Context, _ uint, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcherStatusGoesToHubOnly(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{}, testLogger())
	defer d.Close()

	sink := &recordingSink{name: "push"}
	d.AddSink(sink)

	ch, unsubscribe := hub.Subscribe(5)
	defer unsubscribe()

	d.Status(5, StageClassifying, 40, "calling classifier")
	ev := <-ch
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, 40, ev.Percent)
	assert.Equal(t, "calling classifier", ev.Message)
	assert.False(t, ev.Timestamp.IsZero())

	d.Close()
	assert.Zero(t, sink.count())
}

func TestDispatcherResultFansOut(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{RatePerSecond: 100, Burst: 10}, testLogger())

	ok := &recordingSink{name: "push"}
	failing := &recordingSink{name: "mqtt", err: errors.NewStd("broker gone")}
	d.AddSink(ok)
	d.AddSink(failing)

	ch, unsubscribe := hub.Subscribe(9)
	defer unsubscribe()

	d.Result(9, StageComplete, "Apple___Apple_scab", map[string]any{"observation_id": 1})
	d.Close()

	ev := <-ch
	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, 100, ev.Percent)

	require.Equal(t, 1, ok.count())
	assert.Equal(t, uint(9), ok.users[0])
	assert.Equal(t, StageComplete, ok.events[0].Stage)
	assert.Equal(t, 1, failing.count(), "sink errors are absorbed")
}

func TestDispatcherRateLimitsSinks(t *testing.T) {
	t.Parallel()
	hub := NewHub(8, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{RatePerSecond: 0.001, Burst: 2}, testLogger())

	sink := &recordingSink{name: "push"}
	d.AddSink(sink)

	for range 5 {
		d.Result(1, StageComplete, "done", nil)
	}
	d.Close()

	assert.Equal(t, 2, sink.count())
}

func TestDispatcherCloseCancelsSlowSinks(t *testing.T) {
	t.Parallel()
	hub := NewHub(1, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{SinkTimeout: time.Minute}, testLogger())
	d.AddSink(blockingSink{})

	d.Result(1, StageComplete, "done", nil)

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the pending sink call")
	}
}

func TestDispatcherResultAfterCloseSkipsSinks(t *testing.T) {
	t.Parallel()
	hub := NewHub(4, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{RatePerSecond: 100, Burst: 10}, testLogger())
	sink := &recordingSink{name: "push"}
	d.AddSink(sink)

	ch, unsubscribe := hub.Subscribe(3)
	defer unsubscribe()

	d.Close()
	d.Result(3, StageComplete, "late", nil)

	ev := <-ch
	assert.Equal(t, "late", ev.Message, "the hub still receives the result")
	assert.Zero(t, sink.count())
	d.Close()
}

func TestDispatcherCloseWhileResultsInFlight(t *testing.T) {
	t.Parallel()
	hub := NewHub(1, testLogger())
	defer hub.Close()
	d := NewDispatcher(hub, DispatcherConfig{RatePerSecond: 1000, Burst: 1000}, testLogger())
	sink := &recordingSink{name: "push"}
	d.AddSink(sink)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			d.Result(uint(i+1), StageComplete, "done", nil)
		})
	}
	d.Close()
	wg.Wait()

	// Nothing is delivered once Close has returned
	delivered := sink.count()
	d.Result(99, StageComplete, "done", nil)
	assert.Equal(t, delivered, sink.count())
	assert.LessOrEqual(t, delivered, 50)
}

func TestShoutrrrSink(t *testing.T) {
	t.Parallel()

	_, err := NewShoutrrrSink(nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewShoutrrrSink([]string{"nosuchservice://token@host"}, time.Second)
	require.Error(t, err)

	sink, err := NewShoutrrrSink([]string{"logger://"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "push", sink.Name())
	require.NoError(t, sink.Send(context.Background(), 3, Event{Stage: StageComplete, Message: "Tomato___healthy"}))
}

func TestFormatPushMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[COMPLETE] user 4: Apple___Apple_scab",
		formatPushMessage(4, Event{Stage: StageComplete, Message: "Apple___Apple_scab"}))
	assert.Equal(t, "[REJECTED] user 4", formatPushMessage(4, Event{Stage: StageRejected}))
}

type fakeMQTT struct {
	topic   string
	payload string
}

func (f *fakeMQTT) Connect(context.Context) error { return nil }
func (f *fakeMQTT) Publish(_ context.Context, topic, payload string) error {
	f.topic, f.payload = topic, payload
	return nil
}
func (f *fakeMQTT) IsConnected() bool { return true }
func (f *fakeMQTT) Disconnect()       {}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	t.Parallel()
	client := &fakeMQTT{}
	sink := NewMQTTSink(client, "leafwatch/predictions")

	err := sink.Send(context.Background(), 12, Event{Type: EventResult, Stage: StageComplete, Percent: 100})
	require.NoError(t, err)
	assert.Equal(t, "leafwatch/predictions", client.topic)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(client.payload), &doc))
	assert.InDelta(t, 12, doc["user_id"], 0)
	assert.Equal(t, "COMPLETE", doc["stage"])
	assert.Equal(t, "result", doc["type"])
}
