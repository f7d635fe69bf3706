// Package match implements the random-matchmaking engine: the waiting pool
// of connections looking for a partner, the pending match rooms with their
// two-party acceptance handshake, and the coordinator driving both.
package match

import (
	"sync"
	"time"
)

// DefaultStaleness is how long a waiting entry stays claimable. Expiration is
// lazy: stale entries are evicted only when the claim scan encounters them,
// on explicit cancel/disconnect, or by the optional sweep.
const DefaultStaleness = 15 * time.Second

// Entry is one connection waiting to be paired.
type Entry struct {
	ConnID     string
	EnqueuedAt time.Time
}

// Pool is the ordered collection of waiting connections. Admission keeps
// arrival order so claims are FIFO-ish: the oldest still-fresh entry wins.
// All operations are serialized by one mutex, so no two claims can ever
// return the same entry.
type Pool struct {
	mu      sync.Mutex
	entries []*Entry
	byConn  map[string]*Entry
}

// NewPool creates an empty waiting pool.
func NewPool() *Pool {
	return &Pool{byConn: make(map[string]*Entry)}
}

// Admit appends a waiting entry for the connection, stamped with now. A
// connection holds at most one entry: admitting again refreshes the
// timestamp and moves the entry to the back.
func (p *Pool) Admit(connID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byConn[connID]; ok {
		p.removeLocked(connID)
	}
	e := &Entry{ConnID: connID, EnqueuedAt: now}
	p.entries = append(p.entries, e)
	p.byConn[connID] = e
}

// ClaimFresh removes and returns the first entry younger than staleness,
// scanning from the front. Stale entries encountered before it are evicted
// on the spot. Returns nil when nothing fresh is waiting; the pool's fresh
// entries are then unchanged.
func (p *Pool) ClaimFresh(now time.Time, staleness time.Duration) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	var claimed *Entry
	for i, e := range p.entries {
		if claimed == nil {
			if now.Sub(e.EnqueuedAt) >= staleness {
				delete(p.byConn, e.ConnID)
				continue
			}
			claimed = e
			delete(p.byConn, e.ConnID)
			continue
		}
		kept = append(kept, p.entries[i])
	}
	p.entries = kept
	return claimed
}

// Remove drops the entry for a connection if present. Idempotent; used by
// cancel and disconnect.
func (p *Pool) Remove(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(connID)
}

// Readmit returns a previously claimed entry to the front of the pool with
// its original timestamp. Used when a claimed partner could not be used
// (profile failure, no mutual interest) so their wait is not restarted.
func (p *Pool) Readmit(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byConn[e.ConnID]; ok {
		return
	}
	p.entries = append([]*Entry{e}, p.entries...)
	p.byConn[e.ConnID] = e
}

// Contains reports whether the connection currently has a waiting entry.
func (p *Pool) Contains(connID string) bool {
	p.mu.Lock()
	_, ok := p.byConn[connID]
	p.mu.Unlock()
	return ok
}

// Len returns the number of entries, fresh or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	return n
}

// Sweep evicts every entry already older than staleness and returns how many
// were dropped. Semantically a no-op for matching: stale entries could never
// be claimed anyway. Exposed for the optional scheduled sweep.
func (p *Pool) Sweep(now time.Time, staleness time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	dropped := 0
	for i, e := range p.entries {
		if now.Sub(e.EnqueuedAt) >= staleness {
			delete(p.byConn, e.ConnID)
			dropped++
			continue
		}
		kept = append(kept, p.entries[i])
	}
	p.entries = kept
	return dropped
}

func (p *Pool) removeLocked(connID string) {
	e, ok := p.byConn[connID]
	if !ok {
		return
	}
	delete(p.byConn, connID)
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}
