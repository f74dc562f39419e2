// Package presence reference-counts live connections per user and emits
// online/offline transitions. All state lives behind one mutex; nothing
// here is ambient or process-global.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker owns the connection sets. A user is online while at least one
// connection is registered. Membership is a set, not a counter: joining
// twice with the same connection id does not double-count.
type Tracker struct {
	mu       sync.Mutex
	conns    map[int64]map[uuid.UUID]struct{}
	owner    map[uuid.UUID]int64
	lastSeen map[int64]time.Time

	onOnline  []func(userID int64)
	onOffline []func(userID int64, lastSeen time.Time)

	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		conns:    make(map[int64]map[uuid.UUID]struct{}),
		owner:    make(map[uuid.UUID]int64),
		lastSeen: make(map[int64]time.Time),
		logger:   logger,
		now:      time.Now,
	}
}

// OnOnline registers a callback fired when a user's first connection
// arrives. Callbacks run outside the tracker lock.
func (t *Tracker) OnOnline(fn func(userID int64)) {
	t.onOnline = append(t.onOnline, fn)
}

// OnOffline registers a callback fired when a user's last connection
// leaves, with the recorded last-seen time.
func (t *Tracker) OnOffline(fn func(userID int64, lastSeen time.Time)) {
	t.onOffline = append(t.onOffline, fn)
}

// Join adds connID to userID's connection set. Idempotent for a repeated
// (userID, connID) pair. Fires the online transition only when the set was
// previously empty.
func (t *Tracker) Join(userID int64, connID uuid.UUID) {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		t.conns[userID] = set
	}
	if _, dup := set[connID]; dup {
		t.mu.Unlock()
		return
	}
	wentOnline := len(set) == 0
	set[connID] = struct{}{}
	t.owner[connID] = userID
	t.mu.Unlock()

	if wentOnline {
		t.logger.Info("user online", zap.Int64("user_id", userID))
		for _, fn := range t.onOnline {
			fn(userID)
		}
	}
}

// Leave removes connID from whichever user owns it. Emptying the set
// records last_seen and fires the offline transition.
func (t *Tracker) Leave(connID uuid.UUID) {
	t.mu.Lock()
	userID, ok := t.owner[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.owner, connID)
	set := t.conns[userID]
	delete(set, connID)
	wentOffline := len(set) == 0
	var seen time.Time
	if wentOffline {
		delete(t.conns, userID)
		seen = t.now()
		t.lastSeen[userID] = seen
	}
	t.mu.Unlock()

	if wentOffline {
		t.logger.Info("user offline", zap.Int64("user_id", userID))
		for _, fn := range t.onOffline {
			fn(userID, seen)
		}
	}
}

// Online reports whether the user has at least one live connection.
func (t *Tracker) Online(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID]) > 0
}

// LastSeen returns the time the user last went offline, if known.
func (t *Tracker) LastSeen(userID int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[userID]
	return seen, ok
}
