// Package server coordinates room lifecycle, membership changes, and message
// fan-out for the Cloakroom relay via the Registry type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// Registry is the room directory with create-on-demand and destroy-on-empty
// lifecycle. A single mutex guards the map and every room mutation reached
// through it, preserving the atomicity of each operation and the FIFO
// broadcast order within a room. Construct one with NewRegistry and inject
// it where room access is needed; there is no package-level instance.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry ready to serve joins.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// getOrCreate returns the room for roomID, creating and storing an empty one
// when absent. Callers hold reg.mu.
func (reg *Registry) getOrCreate(roomID string) *Room {
	room, ok := reg.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		reg.rooms[roomID] = room
		log.Printf("Room %q created", roomID)
	}
	return room
}

// destroy removes roomID from the registry. Idempotent: destroying an absent
// id is a no-op. Callers hold reg.mu.
func (reg *Registry) destroy(roomID string) {
	if _, ok := reg.rooms[roomID]; ok {
		delete(reg.rooms, roomID)
		log.Printf("Room %q destroyed", roomID)
	}
}

// Join resolves or creates the room and admits conn under one lock
// acquisition, so a concurrent join can never slip past the capacity check.
func (reg *Registry) Join(roomID, userID string, conn Conn) (*Session, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room := reg.getOrCreate(roomID)
	session, err := room.admit(conn, userID)
	if err != nil {
		// A rejected join must not leave an empty room registered.
		if len(room.members) == 0 {
			reg.destroy(roomID)
		}
		return nil, err
	}

	log.Printf("User %q joined room %q as number %d. Members: %d", userID, roomID, session.UserNumber, len(room.members))
	return session, nil
}

// Leave dismisses userID from roomID, destroying the room when its last
// member departs. Unknown rooms and non-members are no-ops.
func (reg *Registry) Leave(roomID, userID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return
	}
	if room.dismiss(userID) {
		reg.destroy(roomID)
	}
}

// Post records a message from userID in roomID and fans it out to the
// room's members. Posts to unknown rooms are dropped.
func (reg *Registry) Post(roomID, userID, encrypted string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if room, ok := reg.rooms[roomID]; ok {
		room.postMessage(userID, encrypted)
	}
}

// TrimHistories applies the periodic retention bound to every room.
func (reg *Registry) TrimHistories() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, room := range reg.rooms {
		room.trimHistory()
	}
}

// TrimLoop invokes TrimHistories at the given interval until ctx is
// cancelled. Run it in its own goroutine.
func (reg *Registry) TrimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.TrimHistories()
		}
	}
}

// Stats reports the number of registered rooms and the sessions joined to
// them as a read-only snapshot.
func (reg *Registry) Stats() (rooms, members int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rooms = len(reg.rooms)
	for _, room := range reg.rooms {
		members += len(room.members)
	}
	return rooms, members
}

// CloseAll closes every member connection. Used on shutdown; the resulting
// disconnects unwind membership through the usual leave path.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	conns := make([]Conn, 0)
	for _, room := range reg.rooms {
		for _, member := range room.members {
			conns = append(conns, member.conn)
		}
	}
	reg.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	log.Printf("Closed %d member connections", len(conns))
}
