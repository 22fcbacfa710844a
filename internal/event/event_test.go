package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/go-chanassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matchJobUpdate returns a chanassert matcher satisfied by a job update
// carrying the given id and status.
func matchJobUpdate(jobID int64, status string) chanassert.Matcher[event.HandlerEvent] {
	return chanassert.MatchPredicate(func(message event.HandlerEvent) bool {
		payload, ok := message.Payload.(event.JobUpdate)
		return ok && payload.JobID == jobID && payload.Status == status
	})
}

func Test_Dispatch_DeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sub := bus.Subscribe(16, event.JobUpdateEvent)

	for idx := 1; idx <= 5; idx++ {
		bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: int64(idx), Status: "pending"})
	}

	for idx := 1; idx <= 5; idx++ {
		select {
		case message := <-sub.Channel:
			payload, ok := message.Payload.(event.JobUpdate)
			require.True(t, ok)
			assert.Equal(t, int64(idx), payload.JobID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event delivery")
		}
	}
}

func Test_Dispatch_SkipsOverflowedSubscriber(t *testing.T) {
	t.Parallel()

	bus := event.New()
	full := bus.Subscribe(1, event.JobUpdateEvent)
	healthy := bus.Subscribe(8, event.JobUpdateEvent)

	for idx := 1; idx <= 3; idx++ {
		bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: int64(idx), Status: "pending"})
	}

	// The overflowed subscriber holds only the first event; the healthy one
	// received every event despite its neighbour being full.
	assert.Len(t, full.Channel, 1)
	assert.Len(t, healthy.Channel, 3)

	first := <-full.Channel
	assert.Equal(t, int64(1), first.Payload.(event.JobUpdate).JobID)
}

func Test_Dispatch_OnlyMatchingEventsDelivered(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sub := bus.Subscribe(8, event.FollowerStatusEvent)

	bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: 1, Status: "pending"})
	bus.Dispatch(event.FollowerStatusEvent, event.FollowerStatus{FollowerID: "w1", Busy: true})

	message := <-sub.Channel
	assert.Equal(t, event.FollowerStatusEvent, message.Event)
	assert.Len(t, sub.Channel, 0)
}

func Test_Dispatch_RefusesMismatchedPayload(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sub := bus.Subscribe(8, event.JobUpdateEvent)

	// Wrong payload type for the event must not reach subscribers
	bus.Dispatch(event.JobUpdateEvent, event.FollowerStatus{FollowerID: "w1"})

	assert.Len(t, sub.Channel, 0)
}

func Test_Dispatch_JobLifecycleStream(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sub := bus.Subscribe(16, event.JobUpdateEvent)

	expecter := chanassert.
		NewChannelExpecter(sub.Channel).
		Expect(chanassert.AllOf(
			matchJobUpdate(1, "processing"),
			matchJobUpdate(1, "completed"),
		))
	expecter.Listen()

	bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: 1, Status: "processing"})
	bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: 1, Status: "completed"})

	expecter.AssertSatisfied(t, time.Second)
}

// Closing a subscriber mid-fanout must never panic the dispatching goroutine;
// the dispatcher is the scheduler's goroutine in production.
func Test_Dispatch_SafeAgainstConcurrentUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := event.New()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for idx := 0; idx < 500; idx++ {
			bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: int64(idx), Status: "pending"})
		}
	}()

	for idx := 0; idx < 200; idx++ {
		sub := bus.Subscribe(1, event.JobUpdateEvent)
		bus.Unsubscribe(sub)
	}

	wg.Wait()
}

func Test_Unsubscribe_ClosesChannel(t *testing.T) {
	t.Parallel()

	bus := event.New()
	sub := bus.Subscribe(8, event.JobUpdateEvent)
	bus.Unsubscribe(sub)

	_, open := <-sub.Channel
	assert.False(t, open)

	// Double unsubscribe must be harmless
	bus.Unsubscribe(sub)

	// Dispatch after unsubscribe must not panic or deliver
	bus.Dispatch(event.JobUpdateEvent, event.JobUpdate{JobID: 1, Status: "pending"})
}
