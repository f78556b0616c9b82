package status

import (
	"sync"

	"github.com/dokzlo13/roomd/internal/device"
)

// Tracker remembers the newest sequence number forwarded per handler
// instance. The event bus delivers concurrently, so an older update can
// arrive after a newer one; Accept rejects it.
type Tracker struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seqs: make(map[string]uint64)}
}

// Accept records s and reports whether it is newer than anything seen for
// the same handler.
func (t *Tracker) Accept(s device.Snapshot) bool {
	key := s.Instance
	if key == "" {
		key = s.ID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.seqs[key]; ok && s.Seq <= last {
		return false
	}
	t.seqs[key] = s.Seq
	return true
}

// Reset forgets every handler, e.g. after hosts were rebuilt.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seqs = make(map[string]uint64)
}

// Len returns the number of tracked handlers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seqs)
}
