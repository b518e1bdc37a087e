package listsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Options configures an Engine. Transport is required; everything else has
// a working default. The engine is an explicitly constructed instance with
// a defined lifecycle: build one at app start, Reset on sign-out, Close on
// shutdown.
type Options struct {
	Transport WriteTransport
	Push      PushSource
	KV        KVStore
	UserID    string
	Suggester CategorySuggester
	Logger    Logger

	// MinSuggestionConfidence drops category suggestions below the
	// threshold. Zero means the default of 0.6.
	MinSuggestionConfidence float64
	// AutoAcceptDelay is how long a suggestion waits for the user before
	// it is applied automatically. Zero means the default of 5s.
	AutoAcceptDelay time.Duration

	// OnMutationError is invoked for failures that cannot be returned to
	// the caller, such as a queued offline mutation rolled back during
	// replay. Invoked without engine locks held.
	OnMutationError func(kind OpKind, listID string, err error)
	// OnStreamState is invoked on every push stream state transition.
	OnStreamState func(state ConnState, err error)
}

// Engine is the client-side cache and synchronization engine. All cache
// writes funnel through it: the mutation coordinator methods and the
// real-time merge layer serialize on one mutex, so every multi-field
// optimistic patch is atomic with respect to every other write path, and
// no reader observes a half-applied patch.
type Engine struct {
	mu        sync.Mutex
	cache     *Cache
	ledger    *Ledger
	ordering  *OrderingStore
	transport WriteTransport
	suggest   *suggestionRunner
	stream    *streamManager
	logger    Logger
	opts      Options

	// deferred buffers authoritative push events for entities that have an
	// outstanding ledger entry; they apply when the entity's chain drains.
	deferred map[string][]PushEvent
	// offline is the replay queue of mutations whose dispatch hit an
	// unreachable server, in original submission order.
	offline     []*mutation
	offlineMode bool
	// aliases maps provisional client ids to their server-assigned ids
	// once a create commits.
	aliases map[string]string
	waiters map[string][]*mutation
	closed  bool
}

type mutation struct {
	entry    *LedgerEntry
	dispatch func(ctx context.Context) (any, error)
	commit   func(res any)
	ready    chan struct{}
}

// New builds an engine. It performs no I/O; call Refresh and StartStream to
// begin syncing.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("listsync: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	kv := opts.KV
	if kv == nil {
		kv = NewMemoryKVStore()
	}
	userID := opts.UserID
	if userID == "" {
		userID = "default"
	}
	e := &Engine{
		cache:     NewCache(),
		ledger:    NewLedger(),
		ordering:  NewOrderingStore(kv, userID, logger),
		transport: opts.Transport,
		logger:    logger,
		opts:      opts,
		deferred:  map[string][]PushEvent{},
		aliases:   map[string]string{},
		waiters:   map[string][]*mutation{},
	}
	e.suggest = newSuggestionRunner(e, opts.Suggester, opts.MinSuggestionConfidence, opts.AutoAcceptDelay)
	e.stream = newStreamManager(e, opts.Push, opts.OnStreamState)
	return e, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Cache exposes the entity cache for reads and subscriptions. Views must
// never mutate records directly; writes go through the coordinator.
func (e *Engine) Cache() *Cache { return e.cache }

// Ordering exposes the ordering/grouping store.
func (e *Engine) Ordering() *OrderingStore { return e.ordering }

// IsPending reports whether the entity has an unresolved optimistic
// mutation, for "syncing" affordances in the UI. Provisional ids remain
// pending-aware after the server assigns the real id.
func (e *Engine) IsPending(entityID string) bool {
	if e.ledger.Pending(entityID) {
		return true
	}
	e.mu.Lock()
	alias, ok := e.aliases[entityID]
	e.mu.Unlock()
	return ok && e.ledger.Pending(alias)
}

// PendingCount returns the number of unresolved mutations.
func (e *Engine) PendingCount() int { return e.ledger.Size() }

// Close stops the stream, cancels suggestion timers, and rejects further
// mutations. It does not wait for in-flight dispatches; their settle paths
// are safe after Close.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	waiters := e.waiters
	e.waiters = map[string][]*mutation{}
	e.mu.Unlock()
	for _, queue := range waiters {
		for _, m := range queue {
			close(m.ready)
		}
	}
	e.stream.stop()
	e.suggest.stop()
}

// Reset drops all cached state, the ledger, deferred events, and the
// offline queue, for sign-out. The persisted ordering document survives;
// it belongs to the user, not the session.
func (e *Engine) Reset() {
	e.suggest.stop()
	e.mu.Lock()
	e.cache.Reset()
	e.ledger.Reset()
	e.deferred = map[string][]PushEvent{}
	e.offline = nil
	e.offlineMode = false
	e.aliases = map[string]string{}
	e.mu.Unlock()
}

// Refresh replaces cached summaries with the server's list set. Lists with
// unresolved mutations are skipped so authoritative-but-stale data never
// overwrites newer optimistic state, same as the push merge rule.
func (e *Engine) Refresh(ctx context.Context) error {
	lists, err := e.transport.ListLists(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	known := map[string]bool{}
	for _, summary := range lists {
		known[summary.ID] = true
		if e.ledger.PendingForList(summary.ID) {
			continue
		}
		e.cache.SetSummary(summary.ID, summary)
	}
	for _, cached := range e.cache.Summaries() {
		if known[cached.ID] || e.ledger.PendingForList(cached.ID) {
			continue
		}
		e.cache.Remove(ScopeSummary, cached.ID)
		e.cache.Remove(ScopeDetail, cached.ID)
	}
	e.repairOrderingLocked()
	e.mu.Unlock()
	return nil
}

// LoadDetail fetches one list's full contents into the detail scope and
// reconciles the summary counts with the fetched items.
func (e *Engine) LoadDetail(ctx context.Context, listID string) error {
	detail, err := e.transport.GetList(ctx, listID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger.PendingForList(listID) {
		// In-flight optimistic state is newer than this fetch.
		return nil
	}
	e.cache.SetDetail(listID, detail)
	checked := detail.checkedCount()
	e.cache.WriteSummary(listID, func(s *ListSummary) {
		if s.ID == "" {
			s.ID = detail.ID
			s.Name = detail.Name
			s.Type = detail.Type
		}
		s.ItemCount = len(detail.Items)
		s.CheckedCount = checked
	})
	return nil
}

// resolveIDLocked follows the provisional-to-server id mapping so closures
// built against a provisional id address the real entity once it exists.
func (e *Engine) resolveIDLocked(id string) string {
	if mapped, ok := e.aliases[id]; ok {
		return mapped
	}
	return id
}

// run drives one mutation through begin / dispatch / commit-or-rollback.
//
// Begin applies the optimistic patch synchronously. A mutation targeting an
// entity with an unresolved ledger entry is queued behind it rather than
// racing it: while online the caller waits its turn; while offline the
// patch is applied immediately on top of the earlier patch and the dispatch
// joins the replay queue.
func (e *Engine) run(ctx context.Context, m *mutation) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	entityID := m.entry.EntityID
	if e.ledger.Pending(entityID) || len(e.waiters[entityID]) > 0 {
		if e.offlineMode {
			m.entry.apply()
			e.ledger.Record(m.entry)
			e.offline = append(e.offline, m)
			e.mu.Unlock()
			return nil
		}
		m.ready = make(chan struct{})
		e.waiters[entityID] = append(e.waiters[entityID], m)
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			e.mu.Lock()
			if e.removeWaiterLocked(m) {
				e.mu.Unlock()
				return ctx.Err()
			}
			// Already promoted: the patch is applied and the entry
			// recorded, so fall through and let dispatch resolve it
			// (a cancelled context settles as rollback, never as a
			// dangling pending entry).
			e.mu.Unlock()
		case <-m.ready:
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return ErrClosed
			}
		}
	} else {
		m.entry.apply()
		e.ledger.Record(m.entry)
		e.mu.Unlock()
	}
	return e.dispatchAndSettle(ctx, m)
}

func (e *Engine) removeWaiterLocked(m *mutation) bool {
	entityID := m.entry.EntityID
	queue := e.waiters[entityID]
	for i, waiting := range queue {
		if waiting == m {
			e.waiters[entityID] = append(queue[:i], queue[i+1:]...)
			if len(e.waiters[entityID]) == 0 {
				delete(e.waiters, entityID)
			}
			return true
		}
	}
	return false
}

func (e *Engine) dispatchAndSettle(ctx context.Context, m *mutation) error {
	res, err := m.dispatch(ctx)
	e.mu.Lock()
	switch {
	case err == nil:
		m.commit(res)
		e.settleLocked(m.entry.EntityID)
		e.mu.Unlock()
		return nil
	case errors.Is(err, ErrUnreachable) && ctx.Err() == nil:
		// Offline: the optimistic patch stays applied and the mutation is
		// queued rather than abandoned; Replay retries it in order.
		e.offlineMode = true
		e.offline = append(e.offline, m)
		e.mu.Unlock()
		return nil
	default:
		// Server rejection or cancellation: exact rollback, then the
		// entry retires so it can never govern a later snapshot.
		m.entry.undo()
		e.settleLocked(m.entry.EntityID)
		e.mu.Unlock()
		return err
	}
}

// settleLocked retires the head entry for the entity, rebases queued
// successors onto the new authoritative base, flushes deferred push events
// once the chain drains, and promotes the next waiting mutation.
func (e *Engine) settleLocked(entityID string) {
	e.ledger.Retire(entityID)
	if head := e.ledger.Head(entityID); head != nil {
		head.apply()
	}
	for _, succ := range e.ledger.Successors(entityID) {
		succ.apply()
	}
	if !e.ledger.Pending(entityID) {
		e.flushDeferredLocked(entityID)
		e.promoteNextLocked(entityID)
	}
}

func (e *Engine) promoteNextLocked(entityID string) {
	queue := e.waiters[entityID]
	if len(queue) == 0 {
		return
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(e.waiters, entityID)
	} else {
		e.waiters[entityID] = queue[1:]
	}
	next.entry.apply()
	e.ledger.Record(next.entry)
	close(next.ready)
}

// Replay dispatches queued offline mutations in original submission order.
// It stops at the first still-unreachable dispatch, leaving the remainder
// queued. Mutations rejected by the server are rolled back and surfaced
// through OnMutationError, since their original callers are long gone.
func (e *Engine) Replay(ctx context.Context) error {
	for {
		e.mu.Lock()
		if len(e.offline) == 0 {
			e.offlineMode = false
			e.mu.Unlock()
			return nil
		}
		m := e.offline[0]
		e.offline = e.offline[1:]
		e.mu.Unlock()

		res, err := m.dispatch(ctx)
		e.mu.Lock()
		switch {
		case err == nil:
			m.commit(res)
			e.settleLocked(m.entry.EntityID)
			e.mu.Unlock()
		case errors.Is(err, ErrUnreachable) || ctx.Err() != nil:
			e.offline = append([]*mutation{m}, e.offline...)
			e.mu.Unlock()
			return err
		default:
			m.entry.undo()
			e.settleLocked(m.entry.EntityID)
			kind, listID := m.entry.Kind, m.entry.ListID
			e.mu.Unlock()
			e.reportMutationError(kind, listID, err)
		}
	}
}

// OfflineQueueLen returns the number of mutations awaiting replay.
func (e *Engine) OfflineQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.offline)
}

func (e *Engine) reportMutationError(kind OpKind, listID string, err error) {
	e.logger.Printf("mutation %s on list %s failed: %v", kind, listID, err)
	if e.opts.OnMutationError != nil {
		e.opts.OnMutationError(kind, listID, err)
	}
}

// HandleEvent folds one authoritative push event into the caches. Events
// about entities with unresolved ledger entries are deferred until the
// entity settles, so stale server data never overwrites a newer optimistic
// value and never corrupts a rollback snapshot.
func (e *Engine) HandleEvent(ev PushEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger.Pending(ev.EntityID) {
		e.deferred[ev.EntityID] = append(e.deferred[ev.EntityID], ev)
		return
	}
	e.applyEventLocked(ev)
}

func (e *Engine) flushDeferredLocked(entityID string) {
	events := e.deferred[entityID]
	if len(events) == 0 {
		return
	}
	delete(e.deferred, entityID)
	for _, ev := range events {
		e.applyEventLocked(ev)
	}
}

func (e *Engine) applyEventLocked(ev PushEvent) {
	if ev.Item != nil || (ev.ListID != "" && ev.EntityID != ev.ListID) {
		e.applyItemEventLocked(ev)
		return
	}
	e.applyListEventLocked(ev)
}

// applyItemEventLocked merges an item-level event. Authoritative data wins
// as a full field replacement; summary counts are recomputed from the
// merged detail record, which keeps the count-consistency invariant by
// construction. Without a cached detail record the counts cannot be
// derived, so the summary is invalidated for refetch instead of guessed at
// (except creations, whose delta is self-contained).
func (e *Engine) applyItemEventLocked(ev PushEvent) {
	listID := ev.ListID
	if _, ok := e.cache.Detail(listID); !ok {
		if _, haveSummary := e.cache.Summary(listID); !haveSummary {
			return
		}
		if ev.Kind == EventCreated && ev.Item != nil {
			item := *ev.Item
			e.cache.WriteSummary(listID, func(s *ListSummary) {
				s.ItemCount++
				if item.Checked {
					s.CheckedCount++
				}
			})
			return
		}
		e.cache.Invalidate(ScopeSummary, listID)
		return
	}

	if ev.Kind != EventDeleted && ev.Item == nil {
		// Snapshot-less change: the current records are stale in an
		// unknown way.
		e.cache.Invalidate(ScopeSummary, listID)
		e.cache.Invalidate(ScopeDetail, listID)
		return
	}

	var itemCount, checkedCount int
	e.cache.Apply(listID,
		func(d *ListDetail) {
			idx := d.itemIndex(ev.EntityID)
			switch ev.Kind {
			case EventDeleted:
				if idx >= 0 {
					d.Items = append(d.Items[:idx], d.Items[idx+1:]...)
				}
			default:
				if idx >= 0 {
					d.Items[idx] = *ev.Item
				} else {
					d.Items = append(d.Items, *ev.Item)
				}
			}
			itemCount = len(d.Items)
			checkedCount = d.checkedCount()
		},
		func(s *ListSummary) {
			s.ItemCount = itemCount
			s.CheckedCount = checkedCount
		})
}

func (e *Engine) applyListEventLocked(ev PushEvent) {
	listID := ev.EntityID
	switch ev.Kind {
	case EventDeleted:
		e.cache.Remove(ScopeSummary, listID)
		e.cache.Remove(ScopeDetail, listID)
		e.repairOrderingLocked()
	case EventCreated, EventUpdated:
		if ev.Summary != nil {
			e.cache.SetSummary(listID, *ev.Summary)
			if ev.Kind == EventCreated {
				e.repairOrderingLocked()
			}
			return
		}
		// Snapshot-less list change (e.g. a bulk clear by another client):
		// the current records are stale in an unknown way.
		e.cache.Invalidate(ScopeSummary, listID)
		e.cache.Invalidate(ScopeDetail, listID)
	}
}

func (e *Engine) repairOrderingLocked() {
	summaries := e.cache.Summaries()
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	e.ordering.EnsureSortOrder(ids)
}

// Organize sections the cached list summaries by the user's folders and
// manual ordering.
func (e *Engine) Organize() []Section {
	return e.ordering.Organize(e.cache.Summaries())
}

// ConnectionState returns the push stream state.
func (e *Engine) ConnectionState() ConnState { return e.stream.state() }

// StartStream begins consuming push events. The context bounds the whole
// stream lifetime.
func (e *Engine) StartStream(ctx context.Context) { e.stream.start(ctx) }

// RetryStream re-attempts a failed connection; a no-op in any other state.
func (e *Engine) RetryStream() { e.stream.retry() }
