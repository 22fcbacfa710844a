package api

import (
	"context"

	"github.com/hbomb79/Crunch/internal/event"
	"github.com/hbomb79/Crunch/internal/http/websocket"
	"github.com/hbomb79/Crunch/pkg/logger"
)

// broadcaster bridges the event bus to the activity socket: every bus event
// the UI cares about is re-shaped in to a SocketMessage and pushed to all
// connected clients.
type broadcaster struct {
	socketHub *websocket.SocketHub
	eventBus  event.EventSubscriber
}

func newBroadcaster(socketHub *websocket.SocketHub, eventBus event.EventSubscriber) *broadcaster {
	return &broadcaster{socketHub: socketHub, eventBus: eventBus}
}

func (hub *broadcaster) run(ctx context.Context) {
	subscription := hub.eventBus.Subscribe(64,
		event.JobCreatedEvent,
		event.JobUpdateEvent,
		event.BatchProgressEvent,
		event.FollowerStatusEvent,
	)
	defer hub.eventBus.Unsubscribe(subscription)

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-subscription.Channel:
			if !ok {
				return
			}

			hub.broadcast(message)
		}
	}
}

func (hub *broadcaster) broadcast(message event.HandlerEvent) {
	body := map[string]interface{}{"type": string(message.Event)}

	switch payload := message.Payload.(type) {
	case event.JobUpdate:
		body["jobId"] = payload.JobID
		body["status"] = payload.Status
		if payload.Progress != nil {
			body["progress"] = *payload.Progress
		}
		if payload.ErrorMessage != nil {
			body["errorMessage"] = *payload.ErrorMessage
		}
	case event.JobCreated:
		body["jobId"] = payload.JobID
		body["batchId"] = payload.BatchID
		body["name"] = payload.Name
	case event.BatchProgress:
		body["batchId"] = payload.BatchID
		body["totalFiles"] = payload.TotalFiles
		body["createdCount"] = payload.CreatedCount
		body["status"] = payload.Status
		if payload.ErrorMessage != nil {
			body["errorMessage"] = *payload.ErrorMessage
		}
	case event.FollowerStatus:
		body["followerId"] = payload.FollowerID
		body["busy"] = payload.Busy
		body["dead"] = payload.Dead
	default:
		log.Emit(logger.WARNING, "Dropping bus event %s with unrecognised payload type\n", message.Event)
		return
	}

	hub.socketHub.Send(&websocket.SocketMessage{
		Title: string(message.Event),
		Body:  body,
		Type:  websocket.Update,
	})
}
