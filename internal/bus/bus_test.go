package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []Event

	b.Subscribe(EventTaskState, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	ev := NewEvent(EventTaskState)
	ev.SessionID = "s1"
	ev.From = "planning"
	ev.To = "acting"
	require.NoError(t, b.Publish(ev))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, "acting", got[0].To)
}

func TestTypedSubscriberDoesNotReceiveOtherTypes(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventDeviceFaulted, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, b.Publish(NewEvent(EventTaskState)))
	require.NoError(t, b.Publish(NewEvent(EventDeviceFaulted)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWildcardSubscriberReceivesEverything(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventType(""), func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, b.Publish(NewEvent(EventTaskState)))
	require.NoError(t, b.Publish(NewEvent(EventDeviceFaulted)))
	require.NoError(t, b.Publish(NewEvent(EventMemoryWrite)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Publish(Event{Type: EventMessageIn, Content: "hi"}))

	history := b.History()
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].ID)
	assert.False(t, history[0].Timestamp.IsZero())
	assert.Equal(t, "hi", history[0].Content)
}

func TestHistorySliceReturnsMostRecent(t *testing.T) {
	b := NewWithHistory(10)
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(NewEvent(EventStepStarted)))
	}

	assert.Len(t, b.HistorySlice(3), 3)
	assert.Len(t, b.HistorySlice(100), 5)
}

func TestHistoryTrimsToSize(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(NewEvent(EventStepStarted)))
	}

	assert.Len(t, b.History(), 3)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	id := b.Subscribe(EventTaskState, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, b.Publish(NewEvent(EventTaskState)))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Unsubscribe(id))
	require.NoError(t, b.Publish(NewEvent(EventTaskState)))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.SubscriptionsCount())
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(NewEvent(EventTaskState)))
	assert.Error(t, b.Close())
}
