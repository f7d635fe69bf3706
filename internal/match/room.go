package match

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/tandem/chat-server/internal/protocol"
)

// RoomState is the explicit lifecycle state of a match room.
type RoomState int

const (
	StatePending RoomState = iota
	StateConnected
	StateRejected
)

// AcceptResult describes the outcome of recording one participant's accept.
type AcceptResult int

const (
	// AcceptWaiting means this side accepted and the peer hasn't yet.
	AcceptWaiting AcceptResult = iota
	// AcceptConnected means both sides have now accepted.
	AcceptConnected
	// AcceptNoop means the accept was ignored: the connection is not a
	// participant, or the room is no longer pending. Accepting an already
	// connected room is idempotent and lands here too.
	AcceptNoop
)

// RoomID derives the canonical room identifier from the two participant
// connection handles. The pair is sorted first so both initiation orders
// produce the same id.
func RoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Room is one pending random match: two participants, their acceptance
// flags, and the immutable peer card each side should see.
type Room struct {
	ID           string
	Participants [2]string

	mu       sync.Mutex
	state    RoomState
	accepted map[string]bool
	cards    map[string]protocol.MatchedUser // viewer conn -> the OTHER side's card
}

// NewRoom creates a pending room. cardFor maps each participant connection to
// the denormalized view of its peer; the maps are fixed at creation and never
// mutated afterwards.
func NewRoom(connA, connB string, cardForA, cardForB protocol.MatchedUser) *Room {
	return &Room{
		ID:           RoomID(connA, connB),
		Participants: [2]string{connA, connB},
		state:        StatePending,
		accepted:     map[string]bool{connA: false, connB: false},
		cards: map[string]protocol.MatchedUser{
			connA: cardForA,
			connB: cardForB,
		},
	}
}

// Accept records a participant's acceptance and reports the transition.
// Accepts on non-pending rooms or from non-participants are refused.
func (r *Room) Accept(connID string) AcceptResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return AcceptNoop
	}
	if _, ok := r.accepted[connID]; !ok {
		return AcceptNoop
	}

	r.accepted[connID] = true
	if r.accepted[r.Participants[0]] && r.accepted[r.Participants[1]] {
		r.state = StateConnected
		return AcceptConnected
	}
	return AcceptWaiting
}

// MarkRejected transitions the room to rejected. Returns false if the room
// had already left the pending state.
func (r *Room) MarkRejected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePending {
		return false
	}
	r.state = StateRejected
	return true
}

// State returns the current lifecycle state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	s := r.state
	r.mu.Unlock()
	return s
}

// IsParticipant reports whether the connection belongs to this room.
func (r *Room) IsParticipant(connID string) bool {
	return connID == r.Participants[0] || connID == r.Participants[1]
}

// Peer returns the other participant's connection id, or "" for outsiders.
func (r *Room) Peer(connID string) string {
	switch connID {
	case r.Participants[0]:
		return r.Participants[1]
	case r.Participants[1]:
		return r.Participants[0]
	}
	return ""
}

// Card returns the peer card the given participant should see.
func (r *Room) Card(connID string) (protocol.MatchedUser, bool) {
	card, ok := r.cards[connID]
	return card, ok
}

// ErrAlreadyRoomed is returned when a participant of a new room is still
// referenced by an existing pending room.
var ErrAlreadyRoomed = errors.New("match: connection already in a pending room")

// Directory is the set of pending match rooms, keyed by room id and indexed
// by participant so disconnects can find the room they must tear down.
type Directory struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]*Room
}

// NewDirectory creates an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]*Room),
	}
}

// Add inserts a pending room, enforcing that neither participant already
// appears in another pending room.
func (d *Directory) Add(r *Room) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, connID := range r.Participants {
		if _, ok := d.byConn[connID]; ok {
			return ErrAlreadyRoomed
		}
	}
	d.rooms[r.ID] = r
	for _, connID := range r.Participants {
		d.byConn[connID] = r
	}
	return nil
}

// Get returns the room for an id, or nil.
func (d *Directory) Get(roomID string) *Room {
	d.mu.RLock()
	r := d.rooms[roomID]
	d.mu.RUnlock()
	return r
}

// FindByConn returns the pending room referencing a connection, or nil.
func (d *Directory) FindByConn(connID string) *Room {
	d.mu.RLock()
	r := d.byConn[connID]
	d.mu.RUnlock()
	return r
}

// Delete removes a room and its participant index entries. Idempotent.
func (d *Directory) Delete(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return
	}
	delete(d.rooms, roomID)
	for _, connID := range r.Participants {
		if d.byConn[connID] == r {
			delete(d.byConn, connID)
		}
	}
}

// Count returns the number of pending rooms.
func (d *Directory) Count() int {
	d.mu.RLock()
	n := len(d.rooms)
	d.mu.RUnlock()
	return n
}
