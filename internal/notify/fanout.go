// Package notify delivers server events to connections over NATS. Every
// connection gets an inbox subject and every match room gets a broadcast
// subject, so delivery works the same whether the recipient is attached to
// this process or to another instance subscribed to the same cluster.
package notify

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"

	"github.com/tandem/chat-server/internal/protocol"
)

// Subject prefixes. The full subject carries the connection or room id.
const (
	SubjectUser = "user" // + .<conn_id>
	SubjectRoom = "room" // + .<room_id>
)

// Sender pushes raw bytes down a local connection. The websocket server
// provides it so fan-out stays decoupled from socket handling.
type Sender func(connID string, data []byte)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "tandem",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Fanout owns the NATS connection and the per-connection subscriptions.
type Fanout struct {
	conn *nats.Conn
	send Sender

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// New connects to NATS and returns a ready fan-out. It returns an error if
// the initial connection fails.
func New(config Config, send Sender) (*Fanout, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] disconnected: %v", err)
			} else {
				log.Printf("[notify] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[notify] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[notify] connected to %s", nc.ConnectedUrl())

	return &Fanout{
		conn: nc,
		send: send,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Connect opens the inbox subscription for a new connection. Anything
// published to user.<connID> from here on is written to its socket.
func (f *Fanout) Connect(connID string) error {
	subject := SubjectUser + "." + connID
	return f.subscribe(subject, connID)
}

// Disconnect drops the inbox subscription and any room subscriptions the
// connection still holds.
func (f *Fanout) Disconnect(connID string) {
	f.mu.Lock()
	var stale []string
	for key := range f.subs {
		if key == SubjectUser+"."+connID || strings.HasSuffix(key, ":"+connID) {
			stale = append(stale, key)
		}
	}
	f.mu.Unlock()

	for _, key := range stale {
		if err := f.unsubscribe(key); err != nil {
			log.Printf("[notify] disconnect %s: %v", connID, err)
		}
	}
}

// ValidRoomID reports whether a room id is safe to embed in a subject.
// NATS treats "." as a token separator and "*" and ">" as wildcards, so a
// crafted id could subscribe a connection to every room on the cluster.
// Room ids also arrive from clients via joinRoom, never just from the
// coordinator, so everything is checked before it reaches the wire.
func ValidRoomID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch r {
		case '.', '*', '>':
			return false
		}
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// JoinRoom subscribes each connection to the room's broadcast subject.
func (f *Fanout) JoinRoom(roomID string, connIDs ...string) {
	if !ValidRoomID(roomID) {
		log.Printf("[notify] join room: rejected room id %q", roomID)
		return
	}
	subject := SubjectRoom + "." + roomID
	for _, connID := range connIDs {
		if err := f.subscribe(subject, connID); err != nil {
			log.Printf("[notify] join room %s for %s: %v", roomID, connID, err)
		}
	}
}

// LeaveRoom drops a connection's subscription to a room subject.
func (f *Fanout) LeaveRoom(roomID, connID string) {
	key := SubjectRoom + "." + roomID + ":" + connID
	if err := f.unsubscribe(key); err != nil {
		log.Printf("[notify] leave room %s for %s: %v", roomID, connID, err)
	}
}

// Notify sends a match status update to a single connection's inbox.
func (f *Fanout) Notify(connID string, status protocol.RandomMatchStatusMsg) {
	f.publishStatus(SubjectUser+"."+connID, status)
}

// NotifyRoom broadcasts a match status update to every room member.
func (f *Fanout) NotifyRoom(roomID string, status protocol.RandomMatchStatusMsg) {
	f.publishStatus(SubjectRoom+"."+roomID, status)
}

// SendUser publishes a pre-encoded server message to a connection's inbox.
func (f *Fanout) SendUser(connID string, data []byte) error {
	return f.conn.Publish(SubjectUser+"."+connID, data)
}

// SendRoom publishes a pre-encoded server message to a room subject.
func (f *Fanout) SendRoom(roomID string, data []byte) error {
	if !ValidRoomID(roomID) {
		return fmt.Errorf("notify: rejected room id %q", roomID)
	}
	return f.conn.Publish(SubjectRoom+"."+roomID, data)
}

// Close drains all subscriptions and the connection.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, sub := range f.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[notify] drain %s: %v", key, err)
		}
	}
	f.subs = make(map[string]*nats.Subscription)

	if err := f.conn.Drain(); err != nil {
		log.Printf("[notify] connection drain: %v", err)
	}

	log.Printf("[notify] closed")
}

func (f *Fanout) publishStatus(subject string, status protocol.RandomMatchStatusMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeRandomMatchStatus, status)
	if err != nil {
		log.Printf("[notify] encode status for %s: %v", subject, err)
		return
	}
	if err := f.conn.Publish(subject, data); err != nil {
		log.Printf("[notify] publish %s: %v", subject, err)
	}
}

// subscribe registers a subject handler that forwards message data to the
// connection's socket. Inbox subscriptions are keyed by subject; room
// subscriptions are keyed subject:<connID> so two members of the same room
// on this instance do not overwrite each other.
func (f *Fanout) subscribe(subject, connID string) error {
	key := subject
	if strings.HasPrefix(subject, SubjectRoom+".") {
		key = subject + ":" + connID
	}

	f.mu.Lock()
	if _, exists := f.subs[key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		f.send(connID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	f.mu.Lock()
	f.subs[key] = sub
	f.mu.Unlock()
	return nil
}

func (f *Fanout) unsubscribe(key string) error {
	f.mu.Lock()
	sub, ok := f.subs[key]
	if !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.subs, key)
	f.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
