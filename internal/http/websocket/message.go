package websocket

import "github.com/google/uuid"

type socketMessageType int

const (
	Update socketMessageType = iota
	Welcome
)

// SocketMessage is one frame pushed to connected activity clients. Title
// carries the event topic (e.g. 'job:updated') and Body its payload. A
// message with a Target is delivered only to the client with that id.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Type   socketMessageType      `json:"type"`
	Target *uuid.UUID             `json:"-"`
}
