// Package routingtable holds the participantId -> RoutingEntry map the
// router consults to resolve a next hop. Entries are either sticky
// (provisioned, never evicted) or refcounted with a TTL: a refcounted entry
// is removed once its refcount drops to zero, and EvictExpired removes it
// once its TTL has passed, whatever its refcount.
package routingtable

import (
	"sync"
	"time"

	"github.com/carmesh/cc/address"
)

// Entry describes how to reach a participant.
type Entry struct {
	Address           address.Address
	IsGloballyVisible bool
	ExpiryMs          int64
	IsSticky          bool
	RefCount          int
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// New constructs an empty routing table.
func New() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Add registers or replaces the entry for participantID. When sticky is
// true the entry never expires and refCount/expiryMs are ignored by Evict.
func (t *Table) Add(participantID string, addr address.Address, isGloballyVisible bool, expiryMs int64, sticky bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[participantID]
	refCount := 1
	if ok {
		refCount = existing.RefCount + 1
	}

	t.entries[participantID] = &Entry{
		Address:           addr,
		IsGloballyVisible: isGloballyVisible,
		ExpiryMs:          expiryMs,
		IsSticky:          sticky,
		RefCount:          refCount,
	}
}

// AddProvisioned adds a sticky, never-evicted entry, used for statically
// configured participants (e.g. the discovery provider itself).
func (t *Table) AddProvisioned(participantID string, addr address.Address, isGloballyVisible bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[participantID] = &Entry{
		Address:           addr,
		IsGloballyVisible: isGloballyVisible,
		IsSticky:          true,
		RefCount:          1,
	}
}

// Lookup resolves participantID to its current entry.
func (t *Table) Lookup(participantID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[participantID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove decrements the refcount for participantID and removes it once the
// count reaches zero, unless the entry is sticky. Sticky entries are only
// removed by an explicit RemoveSticky call.
func (t *Table) Remove(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[participantID]
	if !ok {
		return
	}
	if e.IsSticky {
		return
	}
	e.RefCount--
	if e.RefCount <= 0 {
		delete(t.entries, participantID)
	}
}

// RemoveSticky force-removes an entry regardless of stickiness or refcount.
func (t *Table) RemoveSticky(participantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, participantID)
}

// EvictExpired removes every non-sticky entry whose ExpiryMs has passed,
// regardless of refcount, and returns the evicted participant IDs. Nothing
// in this module calls it on a schedule; expired entries stay in the table
// until a caller runs it.
func (t *Table) EvictExpired() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := t.now().UnixMilli()
	var evicted []string
	for id, e := range t.entries {
		if e.IsSticky || e.ExpiryMs == 0 {
			continue
		}
		if nowMs >= e.ExpiryMs {
			delete(t.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Snapshot returns a defensive copy of every entry, for persistence.
func (t *Table) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = *e
	}
	return out
}

// Restore replaces the table's contents wholesale, used when loading
// persisted state. Entries already past their ExpiryMs are discarded.
func (t *Table) Restore(entries map[string]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nowMs := t.now().UnixMilli()
	t.entries = make(map[string]*Entry, len(entries))
	for id, e := range entries {
		if !e.IsSticky && e.ExpiryMs != 0 && nowMs >= e.ExpiryMs {
			continue
		}
		cp := e
		t.entries[id] = &cp
	}
}

// Len reports the number of entries currently held.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
