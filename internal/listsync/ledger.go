package listsync

import "sync"

// LedgerEntry tracks one in-flight mutation: which entity it governs and how
// to re-apply or exactly undo its optimistic patch. applyPatch reads the
// then-current cache state, applies the patch, and returns an undo closure
// that restores exactly what it captured. Undo is entity-scoped, so
// concurrent mutations on other entities in the same record are never
// clobbered.
//
// applyPatch and undo must only run while the engine holds its write lock.
type LedgerEntry struct {
	ID       string
	EntityID string
	ListID   string
	Kind     OpKind

	applyPatch func() func()
	undo       func()
}

func (le *LedgerEntry) apply() {
	le.undo = le.applyPatch()
}

// Ledger tracks mutations that have been optimistically applied but not yet
// confirmed by the server. Entries for the same entity form a chain: the
// head is dispatched (or queued offline), successors have been applied on
// top of it and dispatch in order as predecessors settle. The chain is the
// per-entity mutex of the coordinator: merge-layer events for a pending
// entity are deferred until the chain drains.
type Ledger struct {
	mu     sync.RWMutex
	chains map[string][]*LedgerEntry
}

func NewLedger() *Ledger {
	return &Ledger{chains: map[string][]*LedgerEntry{}}
}

// Record appends an entry to its entity's chain.
func (l *Ledger) Record(entry *LedgerEntry) {
	l.mu.Lock()
	l.chains[entry.EntityID] = append(l.chains[entry.EntityID], entry)
	l.mu.Unlock()
}

// Retire pops the head entry for an entity. Every recorded entry is retired
// exactly once, when its server response (success or failure) or
// cancellation is processed.
func (l *Ledger) Retire(entityID string) *LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.chains[entityID]
	if len(chain) == 0 {
		return nil
	}
	head := chain[0]
	if len(chain) == 1 {
		delete(l.chains, entityID)
	} else {
		l.chains[entityID] = chain[1:]
	}
	return head
}

// Head returns the active entry for an entity, nil when none.
func (l *Ledger) Head(entityID string) *LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[entityID]
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}

// Successors returns the queued entries behind the head, in order.
func (l *Ledger) Successors(entityID string) []*LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[entityID]
	if len(chain) <= 1 {
		return nil
	}
	return append([]*LedgerEntry(nil), chain[1:]...)
}

// Pending reports whether any mutation governing the entity is unresolved.
func (l *Ledger) Pending(entityID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chains[entityID]) > 0
}

// PendingForList reports whether any unresolved mutation touches the list,
// either entity-level or a bulk/reorder mutation keyed by the list itself.
func (l *Ledger) PendingForList(listID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, chain := range l.chains {
		for _, entry := range chain {
			if entry.ListID == listID {
				return true
			}
		}
	}
	return false
}

// Rekey moves an entity's chain to a new id, used when a provisional
// client id is replaced by the server-assigned one at commit.
func (l *Ledger) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	chain, ok := l.chains[oldID]
	if !ok {
		return
	}
	delete(l.chains, oldID)
	for _, entry := range chain {
		entry.EntityID = newID
	}
	l.chains[newID] = append(l.chains[newID], chain...)
}

// Size returns the total number of unresolved entries.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, chain := range l.chains {
		n += len(chain)
	}
	return n
}

// Reset drops all entries without running undo closures.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.chains = map[string][]*LedgerEntry{}
	l.mu.Unlock()
}
