package match

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tandem/chat-server/internal/identity"
	"github.com/tandem/chat-server/internal/interest"
	"github.com/tandem/chat-server/internal/metrics"
	"github.com/tandem/chat-server/internal/profile"
	"github.com/tandem/chat-server/internal/protocol"
)

// placeholderAvatar is shown when a profile carries no avatar.
const placeholderAvatar = "https://cdn.tandem.chat/avatars/placeholder.png"

// Notifier delivers match status events to participants. Delivery is best
// effort: emits to connections that have gone away are silently dropped.
type Notifier interface {
	// Notify sends a randomMatchStatus event to a single connection.
	Notify(connID string, status protocol.RandomMatchStatusMsg)
	// NotifyRoom sends a randomMatchStatus event to every member of a room
	// channel.
	NotifyRoom(roomID string, status protocol.RandomMatchStatusMsg)
	// JoinRoom subscribes connections to a room-scoped broadcast channel.
	JoinRoom(roomID string, connIDs ...string)
	// LeaveRoom removes a connection from a room channel.
	LeaveRoom(roomID string, connID string)
}

// Coordinator owns the matchmaking state: the identity registry, the waiting
// pool, and the directory of pending rooms. Event handlers call into it; all
// shared state lives here rather than in package-level globals so the
// claim-and-remove step can be guarded explicitly.
type Coordinator struct {
	registry  *identity.Registry
	profiles  profile.Source
	notifier  Notifier
	pool      *Pool
	rooms     *Directory
	staleness time.Duration
	now       func() time.Time
}

// NewCoordinator wires a coordinator. A zero staleness falls back to
// DefaultStaleness.
func NewCoordinator(registry *identity.Registry, profiles profile.Source, notifier Notifier, staleness time.Duration) *Coordinator {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Coordinator{
		registry:  registry,
		profiles:  profiles,
		notifier:  notifier,
		pool:      NewPool(),
		rooms:     NewDirectory(),
		staleness: staleness,
		now:       time.Now,
	}
}

// Pool exposes the waiting pool for the optional scheduled sweep.
func (c *Coordinator) Pool() *Pool { return c.pool }

// Staleness returns the configured freshness window.
func (c *Coordinator) Staleness() time.Duration { return c.staleness }

// FindRandomMatch runs one match attempt for the connection: resolve the
// requester, try to claim a fresh waiting partner, check mutual interest,
// and either create a pending room or enqueue the requester.
func (c *Coordinator) FindRandomMatch(ctx context.Context, connID string) {
	userID, ok := c.registry.Lookup(connID)
	if !ok {
		// Unidentified connections are ignored, not errored: the client may
		// fire findRandomMatch before join lands.
		return
	}

	// Invariant: a connection belongs to at most one pending room.
	if c.rooms.FindByConn(connID) != nil {
		return
	}

	requester, err := c.profiles.FetchProfile(ctx, userID)
	if err != nil || requester == nil {
		c.emitError(connID, "profile incomplete")
		metrics.MatchOutcomes.WithLabelValues("profile_incomplete").Inc()
		return
	}
	wanted := interest.Normalize(requester.Interests)
	if len(wanted) == 0 {
		c.emitError(connID, "profile incomplete")
		metrics.MatchOutcomes.WithLabelValues("profile_incomplete").Inc()
		return
	}

	now := c.now()

	// A re-requesting waiter must not claim its own stale entry.
	c.pool.Remove(connID)

	// The claim removes the entry under the pool mutex, so a concurrent
	// request can never obtain the same partner.
	entry := c.pool.ClaimFresh(now, c.staleness)
	if entry == nil {
		c.pool.Admit(connID, now)
		metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
		metrics.MatchOutcomes.WithLabelValues("waiting").Inc()
		c.notifier.Notify(connID, protocol.RandomMatchStatusMsg{Status: protocol.StatusWaiting})
		return
	}
	metrics.WaitingPoolSize.Set(float64(c.pool.Len()))

	partnerID, ok := c.registry.Lookup(entry.ConnID)
	if !ok {
		c.failPartner(connID, entry, "partner identity unresolved")
		return
	}
	partner, err := c.profiles.FetchProfile(ctx, partnerID)
	if err != nil || partner == nil {
		c.failPartner(connID, entry, fmt.Sprintf("partner profile fetch: %v", err))
		return
	}

	shared := interest.Intersect(wanted, interest.Normalize(partner.Interests))
	if len(shared) == 0 {
		c.pool.Readmit(entry)
		metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
		metrics.MatchOutcomes.WithLabelValues("no_mutual_interest").Inc()
		c.emitError(connID, "no mutual interest")
		return
	}

	room := NewRoom(connID, entry.ConnID,
		peerCard(partner, now),   // what the requester sees
		peerCard(requester, now), // what the partner sees
	)
	if err := c.rooms.Add(room); err != nil {
		// The partner got roomed between claim and add; treat like any other
		// partner failure and let the requester retry.
		c.failPartner(connID, entry, err.Error())
		return
	}

	c.notifier.JoinRoom(room.ID, connID, entry.ConnID)
	for _, participant := range room.Participants {
		card, _ := room.Card(participant)
		c.notifier.Notify(participant, protocol.RandomMatchStatusMsg{
			Status:      protocol.StatusPending,
			MatchedUser: &card,
			RoomID:      room.ID,
		})
	}

	metrics.PendingRooms.Set(float64(c.rooms.Count()))
	metrics.MatchOutcomes.WithLabelValues("paired").Inc()
	metrics.TimeToPair.Observe(now.Sub(entry.EnqueuedAt).Seconds())
	log.Printf("[match] paired room=%s requester=%s partner=%s shared=%v", room.ID, connID, entry.ConnID, shared)
}

// Accept records one participant's acceptance. Unknown rooms are ignored;
// rooms already connected were removed from the directory, so a duplicate
// accept is a silent no-op.
func (c *Coordinator) Accept(connID, roomID string) {
	room := c.rooms.Get(roomID)
	if room == nil {
		return
	}

	switch room.Accept(connID) {
	case AcceptConnected:
		// Both sides in: tell each with its own peer card, then drop the
		// room from the directory. The chat continues over the room channel,
		// which needs no directory entry.
		for _, participant := range room.Participants {
			card, _ := room.Card(participant)
			c.notifier.Notify(participant, protocol.RandomMatchStatusMsg{
				Status:      protocol.StatusConnected,
				MatchedUser: &card,
				RoomID:      room.ID,
			})
		}
		c.rooms.Delete(roomID)
		metrics.PendingRooms.Set(float64(c.rooms.Count()))
		metrics.MatchOutcomes.WithLabelValues("connected").Inc()
		log.Printf("[match] connected room=%s", roomID)

	case AcceptWaiting:
		card, _ := room.Card(connID)
		c.notifier.Notify(connID, protocol.RandomMatchStatusMsg{
			Status:      protocol.StatusWaiting,
			MatchedUser: &card,
			RoomID:      room.ID,
		})

	case AcceptNoop:
		// Non-participant or no longer pending; stale client event.
	}
}

// Reject tears the room down on one side's refusal: both participants get a
// rejected status, the room is deleted, and only the rejecter returns to the
// waiting pool with a fresh timestamp.
func (c *Coordinator) Reject(connID, roomID string) {
	room := c.rooms.Get(roomID)
	if room == nil || !room.IsParticipant(connID) {
		return
	}
	if !room.MarkRejected() {
		return
	}

	c.notifier.NotifyRoom(roomID, protocol.RandomMatchStatusMsg{
		Status: protocol.StatusRejected,
		RoomID: roomID,
	})
	c.teardown(room)

	c.pool.Admit(connID, c.now())
	metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
	metrics.MatchOutcomes.WithLabelValues("rejected").Inc()
	log.Printf("[match] rejected room=%s by=%s", roomID, connID)
}

// Cancel withdraws the connection from the waiting pool. Valid only while
// waiting; it never touches an existing room.
func (c *Coordinator) Cancel(connID string) {
	c.pool.Remove(connID)
	metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
}

// Disconnect cleans up everything referencing the connection: the identity
// mapping, any waiting entry, and any pending room. For a pending room the
// remaining peer is told the partner is gone and the room is deleted.
func (c *Coordinator) Disconnect(connID string) {
	c.registry.Forget(connID)
	c.pool.Remove(connID)
	metrics.WaitingPoolSize.Set(float64(c.pool.Len()))

	room := c.rooms.FindByConn(connID)
	if room == nil {
		return
	}
	if !room.MarkRejected() {
		c.rooms.Delete(room.ID)
		return
	}

	peer := room.Peer(connID)
	c.notifier.Notify(peer, protocol.RandomMatchStatusMsg{
		Status:  protocol.StatusRejected,
		RoomID:  room.ID,
		Message: "partner disconnected",
	})
	c.teardown(room)
	metrics.MatchOutcomes.WithLabelValues("peer_disconnected").Inc()
	log.Printf("[match] room=%s torn down, participant %s disconnected", room.ID, connID)
}

// failPartner handles the paths where a claimed partner turned out to be
// unusable: the partner is re-admitted with its original wait time and the
// requester gets a lookup error. A partner who raced into a room between
// claim and failure stays out of the pool, since an entry for a roomed
// connection can never pair and would burn claims until it went stale.
func (c *Coordinator) failPartner(connID string, entry *Entry, reason string) {
	log.Printf("[match] partner %s unusable: %s", entry.ConnID, reason)
	if c.rooms.FindByConn(entry.ConnID) == nil {
		c.pool.Readmit(entry)
		metrics.WaitingPoolSize.Set(float64(c.pool.Len()))
	}
	metrics.MatchOutcomes.WithLabelValues("partner_lookup_failed").Inc()
	c.emitError(connID, "error finding matches")
}

func (c *Coordinator) teardown(room *Room) {
	c.rooms.Delete(room.ID)
	for _, participant := range room.Participants {
		c.notifier.LeaveRoom(room.ID, participant)
	}
	metrics.PendingRooms.Set(float64(c.rooms.Count()))
}

func (c *Coordinator) emitError(connID, message string) {
	c.notifier.Notify(connID, protocol.RandomMatchStatusMsg{
		Status:  protocol.StatusError,
		Message: message,
	})
}

// peerCard denormalizes a profile into the view its match partner sees.
func peerCard(p *profile.Profile, now time.Time) protocol.MatchedUser {
	avatar := p.AvatarURL
	if avatar == "" {
		avatar = placeholderAvatar
	}
	return protocol.MatchedUser{
		Name:     displayName(p),
		Age:      ageFrom(p.BirthDate, now),
		Location: p.Location,
		Gender:   p.Gender,
		Avatar:   avatar,
	}
}

// displayName falls back through first+last name, then the handle, then a
// generic name derived from the identity.
func displayName(p *profile.Profile) string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	case p.Handle != "":
		return p.Handle
	}
	suffix := p.UserID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "User " + suffix
}

// ageFrom computes age with elapsed-time-since-epoch arithmetic: the elapsed
// time since birth is reinterpreted as a timestamp and its UTC year distance
// from 1970 is the age. Not calendar-correct around birthdays, but it
// matches the payloads clients already rely on.
func ageFrom(birthDate string, now time.Time) int {
	if birthDate == "" {
		return 0
	}
	dob, err := time.Parse("2006-01-02", birthDate)
	if err != nil {
		return 0
	}
	elapsed := now.Sub(dob)
	age := time.Unix(0, 0).UTC().Add(elapsed).UTC().Year() - 1970
	if age < 0 {
		age = -age
	}
	return age
}
