// Package server routes parsed inbound frames from a single connection to
// the room registry.
package server

import (
	"encoding/json"
	"log"
)

// Dispatcher holds the one mutable binding a connection acquires when its
// join is accepted: the room and user id it speaks for. Its methods are
// invoked only from the connection's read loop, so the binding needs no
// lock of its own.
type Dispatcher struct {
	reg    *Registry
	conn   Conn
	roomID string
	userID string
	bound  bool
}

// NewDispatcher creates a dispatcher for conn backed by the given registry.
func NewDispatcher(reg *Registry, conn Conn) *Dispatcher {
	return &Dispatcher{
		reg:  reg,
		conn: conn,
	}
}

// HandleFrame parses one inbound text frame and routes it by type. Frames
// that fail to parse are logged and swallowed; the connection stays open and
// nothing is emitted to the client.
func (d *Dispatcher) HandleFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("Invalid frame from %s: %v", d.conn.ID(), err)
		return
	}

	switch frame.Type {
	case frameJoin:
		d.handleJoin(frame.RoomID, frame.UserID)
	case frameMessage:
		d.handleMessage(frame.Encrypted)
	default:
		log.Printf("Unknown frame type %q from %s", frame.Type, d.conn.ID())
	}
}

// handleJoin admits the connection into a room. On rejection the client gets
// an error frame and the connection is closed; a join on an already-bound
// connection or with missing ids gets an error frame but stays open.
func (d *Dispatcher) handleJoin(roomID, userID string) {
	if d.bound {
		deliver(d.conn, errorFrame("Already joined a room"))
		return
	}
	if roomID == "" || userID == "" {
		deliver(d.conn, errorFrame("Join requires roomId and userId"))
		return
	}

	session, err := d.reg.Join(roomID, userID, d.conn)
	if err != nil {
		deliver(d.conn, errorFrame(err.Error()))
		d.conn.Close()
		return
	}

	d.roomID = roomID
	d.userID = userID
	d.bound = true
	log.Printf("Connection %s bound to room %q as user number %d", d.conn.ID(), roomID, session.UserNumber)
}

// handleMessage relays an opaque payload to the bound room. Messages from
// connections that never joined are ignored.
func (d *Dispatcher) handleMessage(encrypted string) {
	if !d.bound {
		return
	}
	d.reg.Post(d.roomID, d.userID, encrypted)
}

// Disconnect releases the room binding, dismissing the user from its room.
// Safe to call repeatedly and on connections that never joined.
func (d *Dispatcher) Disconnect() {
	if !d.bound {
		return
	}
	d.reg.Leave(d.roomID, d.userID)
	d.bound = false
	log.Printf("Connection %s left room %q", d.conn.ID(), d.roomID)
}
