// Package presence tracks where the other members of a room are pointing and
// throttles outgoing cursor updates.
package presence

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// ConflictRadius is the half-width of the box around a peer's cursor in
// which a new drawing may not start.
const ConflictRadius = 45

var ErrConflict = errors.New("another user is drawing here")

type Cursor struct {
	UserId string
	Name   string
	X      float64
	Y      float64
	Tool   string
}

type Tracker struct {
	self string

	mu    sync.RWMutex
	peers map[string]Cursor
}

func NewTracker(self string) *Tracker {
	return &Tracker{self: self, peers: make(map[string]Cursor)}
}

// Update records the latest position of a peer. Updates about the local user
// are ignored.
func (t *Tracker) Update(c Cursor) {
	if c.UserId == "" || c.UserId == t.self {
		return
	}
	t.mu.Lock()
	t.peers[c.UserId] = c
	t.mu.Unlock()
}

func (t *Tracker) Remove(userId string) {
	t.mu.Lock()
	delete(t.peers, userId)
	t.mu.Unlock()
}

// Peers returns the known cursors ordered by user id.
func (t *Tracker) Peers() []Cursor {
	t.mu.RLock()
	out := make([]Cursor, 0, len(t.peers))
	for _, c := range t.peers {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

// IsConflict reports whether (x, y) is strictly within ConflictRadius of any
// peer cursor on both axes.
func (t *Tracker) IsConflict(x, y float64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.peers {
		if math.Abs(x-c.X) < ConflictRadius && math.Abs(y-c.Y) < ConflictRadius {
			return true
		}
	}
	return false
}
