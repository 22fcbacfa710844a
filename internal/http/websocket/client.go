package websocket

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socketClient wraps one upgraded connection. Writes are serialised by the
// mutex since the hub and the welcome path may both send.
type socketClient struct {
	id     *uuid.UUID
	socket *websocket.Conn

	writeMutex sync.Mutex
	closed     bool
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()

	if client.closed {
		return nil
	}

	return client.socket.WriteJSON(message)
}

// Read consumes the client's inbound stream until it disconnects. The
// activity socket is push-only, so inbound payloads are discarded; the loop
// exists to notice the close.
func (client *socketClient) Read() error {
	for {
		if _, _, err := client.socket.ReadMessage(); err != nil {
			return err
		}
	}
}

func (client *socketClient) Close() {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()

	if client.closed {
		return
	}

	client.closed = true
	client.socket.Close()
}
