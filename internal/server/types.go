// Package server defines the wire protocol frames and shared types that are
// reused across the room, dispatcher, and transport logic.
package server

import (
	"encoding/json"
	"log"
	"strings"
)

// Frame type identifiers shared by both directions of the wire protocol.
// "message" names the inbound post as well as the outbound fan-out event.
const (
	frameJoin       = "join"
	frameMessage    = "message"
	frameJoined     = "joined"
	frameHistory    = "messages"
	frameUserCount  = "user_count"
	frameUserJoined = "user_joined"
	frameUserLeft   = "user_left"
	frameError      = "error"
)

// Message is a single chat entry retained in a room's history. The encrypted
// payload is opaque to the server; id and timestamp are both the creation
// time in Unix milliseconds, so same-tick ids may collide and are tolerated.
type Message struct {
	ID         int64  `json:"id"`
	UserID     string `json:"userId"`
	UserNumber int    `json:"userNumber"`
	Encrypted  string `json:"encrypted"`
	Timestamp  int64  `json:"timestamp"`
}

// inboundFrame is the superset of fields a client may send; Type selects
// which of the remaining fields are meaningful.
type inboundFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Encrypted string `json:"encrypted"`
}

type joinedPayload struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	UserNumber int    `json:"userNumber"`
	RoomID     string `json:"roomId"`
}

type historyPayload struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

type userCountPayload struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type userEventPayload struct {
	Type       string `json:"type"`
	UserNumber int    `json:"userNumber"`
}

type messagePayload struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeFrame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error encoding %T frame: %v", v, err)
		return nil
	}
	return data
}

func joinedFrame(roomID, userID string, userNumber int) []byte {
	return encodeFrame(joinedPayload{Type: frameJoined, UserID: userID, UserNumber: userNumber, RoomID: roomID})
}

// historyFrame encodes the full history snapshot. An empty history must wire
// as an empty array rather than null.
func historyFrame(messages []Message) []byte {
	if messages == nil {
		messages = []Message{}
	}
	return encodeFrame(historyPayload{Type: frameHistory, Messages: messages})
}

func userCountFrame(count int) []byte {
	return encodeFrame(userCountPayload{Type: frameUserCount, Count: count})
}

func userJoinedFrame(userNumber int) []byte {
	return encodeFrame(userEventPayload{Type: frameUserJoined, UserNumber: userNumber})
}

func userLeftFrame(userNumber int) []byte {
	return encodeFrame(userEventPayload{Type: frameUserLeft, UserNumber: userNumber})
}

func messageFrame(msg Message) []byte {
	return encodeFrame(messagePayload{Type: frameMessage, Message: msg})
}

func errorFrame(message string) []byte {
	return encodeFrame(errorPayload{Type: frameError, Message: message})
}

// Conn is the capability the room layer requires from a live connection:
// best-effort frame delivery, an open/closed probe checked immediately before
// each send, and teardown. The concrete transport owns the handle's lifetime.
type Conn interface {
	ID() string
	Send(payload []byte) bool
	IsOpen() bool
	Close()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
