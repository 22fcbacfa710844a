// Package event is the process-wide bus that fans job, batch and follower
// state changes out to any subscribed part of Crunch (the REST gateways
// websocket broadcaster being the main consumer). Publication is best-effort:
// a subscriber whose delivery buffer is full is skipped for that event, since
// all state is re-readable from the job store.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Crunch/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event   string
	Payload any

	HandlerEvent struct {
		Event   Event
		Payload Payload
	}

	HandlerChannel chan HandlerEvent

	// Subscription is the token returned by Subscribe. The Channel receives
	// every event the subscription covers (in dispatch order), and the token
	// itself is what must be handed back to Unsubscribe.
	Subscription struct {
		id      uuid.UUID
		events  []Event
		Channel HandlerChannel
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventSubscriber interface {
		Subscribe(bufferSize int, events ...Event) *Subscription
		Unsubscribe(*Subscription)
	}

	EventCoordinator interface {
		EventDispatcher
		EventSubscriber
	}

	eventBus struct {
		sync.Mutex
		subscribers map[Event][]*Subscription
	}
)

const (
	JobCreatedEvent     Event = "job:created"
	JobUpdateEvent      Event = "job:updated"
	BatchProgressEvent  Event = "batch:progress"
	FollowerStatusEvent Event = "follower:status"
)

type (
	// JobUpdate carries the minimum delta for a job state change. Progress
	// is nil when the percentage is indeterminate.
	JobUpdate struct {
		JobID        int64
		Status       string
		Progress     *int
		ErrorMessage *string
	}

	JobCreated struct {
		JobID   int64
		BatchID string
		Name    string
	}

	BatchProgress struct {
		BatchID      string
		TotalFiles   int
		CreatedCount int
		Status       string
		ErrorMessage *string
	}

	FollowerStatus struct {
		FollowerID string
		Busy       bool
		Dead       bool
	}
)

func New() EventCoordinator {
	return &eventBus{
		subscribers: make(map[Event][]*Subscription),
	}
}

// Subscribe registers a new subscription against each of the events provided
// and returns the token for it. The delivery channel is buffered to
// 'bufferSize'; if the buffer is full when an event is dispatched, that event
// is dropped for this subscriber only.
func (bus *eventBus) Subscribe(bufferSize int, events ...Event) *Subscription {
	if bufferSize < 1 {
		bufferSize = 1
	}

	sub := &Subscription{
		id:      uuid.New(),
		events:  events,
		Channel: make(HandlerChannel, bufferSize),
	}

	bus.Lock()
	defer bus.Unlock()
	for _, ev := range events {
		bus.subscribers[ev] = append(bus.subscribers[ev], sub)
	}

	return sub
}

// Unsubscribe removes the subscription from every event it covers and closes
// its delivery channel. Safe to call with a token that was already removed.
func (bus *eventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	bus.Lock()
	defer bus.Unlock()

	removed := false
	for _, ev := range sub.events {
		subs := bus.subscribers[ev]
		for idx, candidate := range subs {
			if candidate.id == sub.id {
				bus.subscribers[ev] = append(subs[:idx], subs[idx+1:]...)
				removed = true

				break
			}
		}
	}

	if removed {
		close(sub.Channel)
	}
}

// Dispatch delivers the payload to every subscription registered for the
// event. Delivery never blocks; within a single subscription the events that
// ARE delivered arrive in dispatch order.
func (bus *eventBus) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Emit(logger.FATAL, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	// Sends happen under the lock so an Unsubscribe cannot close a channel
	// between the subscriber lookup and the send. Every send is non-blocking,
	// so the lock is held only briefly.
	bus.Lock()
	defer bus.Unlock()

	message := HandlerEvent{event, payload}
	for _, sub := range bus.subscribers[event] {
		select {
		case sub.Channel <- message:
		default:
			log.Emit(logger.VERBOSE, "Subscriber %s buffer full, skipping %v event\n", sub.id, event)
		}
	}
}

// validatePayload ensures the payload provided matches the type expected for
// the event. An error is returned if the payload is not valid, in which case
// the event must not be delivered to subscribers.
func validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	switch event {
	case JobUpdateEvent:
		if _, ok := payload.(JobUpdate); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected JobUpdate payload", payloadTypeName, event)
		}
	case JobCreatedEvent:
		if _, ok := payload.(JobCreated); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected JobCreated payload", payloadTypeName, event)
		}
	case BatchProgressEvent:
		if _, ok := payload.(BatchProgress); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected BatchProgress payload", payloadTypeName, event)
		}
	case FollowerStatusEvent:
		if _, ok := payload.(FollowerStatus); !ok {
			return fmt.Errorf("illegal payload (type %s) for %s event. Expected FollowerStatus payload", payloadTypeName, event)
		}
	default:
		return errors.New("event type not recognized for validation")
	}

	return nil
}
