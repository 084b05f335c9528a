// Package server implements the room model: bounded membership, bounded
// message history, and best-effort broadcast fan-out.
package server

import (
	"errors"
	"time"
)

const (
	maxRoomMembers = 4
	maxHistoryLen  = 100
	trimHistoryLen = 50
)

// ErrRoomFull is returned by admission when a room is at capacity. Its text
// is relayed verbatim to the rejected client.
var ErrRoomFull = errors.New("Room is full (max 4 users)")

// ErrUserIDTaken is returned by admission when the requested user id is
// already held by a current member of the room.
var ErrUserIDTaken = errors.New("User id already taken in this room")

// Session is one member's identity inside a room for the lifetime of its
// connection. The connection handle is borrowed from the transport layer,
// never owned.
type Session struct {
	UserID     string
	UserNumber int
	JoinedAt   time.Time
	conn       Conn
}

// Room owns a bounded set of member sessions and a bounded message history.
// Methods must be called with the owning Registry's mutex held; that lock is
// what makes each operation atomic and keeps broadcasts FIFO per room.
type Room struct {
	id          string
	members     map[string]*Session
	history     []Message
	joinCounter int
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[string]*Session),
	}
}

// admit adds a new member unless the room is at capacity or the user id is
// taken. The join counter only ever increases, so user numbers are never
// reused even after earlier members depart. The new member receives a
// private acknowledgment and a history snapshot before the room-wide
// presence events go out.
func (r *Room) admit(conn Conn, userID string) (*Session, error) {
	if len(r.members) >= maxRoomMembers {
		return nil, ErrRoomFull
	}
	if _, taken := r.members[userID]; taken {
		return nil, ErrUserIDTaken
	}

	r.joinCounter++
	session := &Session{
		UserID:     userID,
		UserNumber: r.joinCounter,
		JoinedAt:   time.Now(),
		conn:       conn,
	}
	r.members[userID] = session

	deliver(conn, joinedFrame(r.id, userID, session.UserNumber))
	deliver(conn, historyFrame(r.history))
	r.broadcast(userCountFrame(len(r.members)))
	r.broadcast(userJoinedFrame(session.UserNumber))

	return session, nil
}

// dismiss removes userID from the room and announces the departure. It
// reports whether the room is now empty so the registry can drop it; the
// presence events go out before that happens. Unknown user ids are a no-op.
func (r *Room) dismiss(userID string) bool {
	session, ok := r.members[userID]
	if !ok {
		return false
	}

	delete(r.members, userID)
	r.broadcast(userCountFrame(len(r.members)))
	r.broadcast(userLeftFrame(session.UserNumber))

	return len(r.members) == 0
}

// postMessage appends a message authored by userID and fans it out to every
// member, the author included. Posts from non-members are dropped silently.
func (r *Room) postMessage(userID, encrypted string) {
	author, ok := r.members[userID]
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	msg := Message{
		ID:         now,
		UserID:     userID,
		UserNumber: author.UserNumber,
		Encrypted:  encrypted,
		Timestamp:  now,
	}

	r.history = append(r.history, msg)
	if len(r.history) > maxHistoryLen {
		r.history = r.history[len(r.history)-maxHistoryLen:]
	}

	r.broadcast(messageFrame(msg))
}

// trimHistory enforces the periodic retention bound, keeping only the most
// recent trimHistoryLen entries. Independent of the cap applied on post;
// both bounds hold.
func (r *Room) trimHistory() {
	if len(r.history) > trimHistoryLen {
		r.history = r.history[len(r.history)-trimHistoryLen:]
	}
}

// broadcast delivers payload to every member. Delivery is fire and forget:
// members whose connections are no longer open are skipped, never retried
// or queued.
func (r *Room) broadcast(payload []byte) {
	for _, member := range r.members {
		deliver(member.conn, payload)
	}
}

// deliver performs the capability check immediately before a best-effort
// send. Closed or congested sinks are skipped silently.
func deliver(conn Conn, payload []byte) {
	if conn == nil || len(payload) == 0 || !conn.IsOpen() {
		return
	}
	conn.Send(payload)
}
