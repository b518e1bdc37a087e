package listsync

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHandleEventRecomputesCountsFromMergedDetail(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	// Another device checked item1.
	engine.HandleEvent(PushEvent{
		EntityID: "item1",
		ListID:   "list1",
		Kind:     EventUpdated,
		Item:     &Item{ID: "item1", ListID: "list1", Name: "Apples", Checked: true, CheckedBy: "u2"},
	})

	detail, summary := snapshotState(engine, "list1")
	if summary.CheckedCount != 2 || summary.ItemCount != 3 {
		t.Fatalf("counts = %d/%d, want 3/2 after remote check", summary.ItemCount, summary.CheckedCount)
	}
	idx := detail.itemIndex("item1")
	if !detail.Items[idx].Checked || detail.Items[idx].CheckedBy != "u2" {
		t.Fatalf("remote snapshot not installed: %+v", detail.Items[idx])
	}
}

func TestHandleEventCreatedAppendsItem(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{
		EntityID: "item9",
		ListID:   "list1",
		Kind:     EventCreated,
		Item:     &Item{ID: "item9", ListID: "list1", Name: "Butter", SortOrder: 3},
	})

	detail, summary := snapshotState(engine, "list1")
	if detail.itemIndex("item9") < 0 {
		t.Fatalf("created item missing")
	}
	if summary.ItemCount != 4 || summary.CheckedCount != 1 {
		t.Fatalf("counts = %d/%d, want 4/1", summary.ItemCount, summary.CheckedCount)
	}
}

func TestHandleEventDeletedDropsItemAndCounts(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{EntityID: "item2", ListID: "list1", Kind: EventDeleted})

	detail, summary := snapshotState(engine, "list1")
	if detail.itemIndex("item2") >= 0 {
		t.Fatalf("deleted item survived")
	}
	if summary.ItemCount != 2 || summary.CheckedCount != 0 {
		t.Fatalf("counts = %d/%d, want 2/0", summary.ItemCount, summary.CheckedCount)
	}
}

func TestHandleEventSnapshotlessUpdateInvalidatesBothScopes(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{EntityID: "item1", ListID: "list1", Kind: EventUpdated})

	if !engine.cache.Invalidated(ScopeSummary, "list1") {
		t.Fatalf("summary scope not marked for refetch")
	}
	if !engine.cache.Invalidated(ScopeDetail, "list1") {
		t.Fatalf("detail scope not marked for refetch")
	}
}

func TestHandleEventCreatedWithoutDetailAdjustsSummaryOnly(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, ListDetail{})
	engine.cache.SetSummary("list2", ListSummary{ID: "list2", Name: "Errands", Type: ListTypeTasks, ItemCount: 5, CheckedCount: 2})

	engine.HandleEvent(PushEvent{
		EntityID: "itemX",
		ListID:   "list2",
		Kind:     EventCreated,
		Item:     &Item{ID: "itemX", ListID: "list2", Name: "Post office", Checked: true},
	})

	summary, _ := engine.cache.Summary("list2")
	if summary.ItemCount != 6 || summary.CheckedCount != 3 {
		t.Fatalf("counts = %d/%d, want 6/3", summary.ItemCount, summary.CheckedCount)
	}
	if engine.cache.Invalidated(ScopeSummary, "list2") {
		t.Fatalf("self-contained creation should not invalidate")
	}
}

func TestHandleEventNonCreateWithoutDetailInvalidatesSummary(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, ListDetail{})
	engine.cache.SetSummary("list2", ListSummary{ID: "list2", ItemCount: 5, CheckedCount: 2})

	engine.HandleEvent(PushEvent{
		EntityID: "itemX",
		ListID:   "list2",
		Kind:     EventUpdated,
		Item:     &Item{ID: "itemX", ListID: "list2", Checked: true},
	})

	if !engine.cache.Invalidated(ScopeSummary, "list2") {
		t.Fatalf("summary should be marked for refetch without cached detail")
	}
}

func TestHandleEventForUnknownListIsIgnored(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, ListDetail{})
	engine.HandleEvent(PushEvent{
		EntityID: "itemX",
		ListID:   "ghost",
		Kind:     EventCreated,
		Item:     &Item{ID: "itemX", ListID: "ghost"},
	})
	if _, ok := engine.cache.Summary("ghost"); ok {
		t.Fatalf("event for unknown list materialized a record")
	}
}

func TestHandleListDeletedRemovesBothScopes(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{EntityID: "list1", Kind: EventDeleted})

	if _, ok := engine.cache.Summary("list1"); ok {
		t.Fatalf("summary survived list deletion")
	}
	if _, ok := engine.cache.Detail("list1"); ok {
		t.Fatalf("detail survived list deletion")
	}
}

func TestHandleListEventWithSnapshotReplacesSummary(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{
		EntityID: "list1",
		Kind:     EventUpdated,
		Summary:  &ListSummary{ID: "list1", Name: "Weekend groceries", Type: ListTypeGrocery, ItemCount: 3, CheckedCount: 1},
	})

	summary, _ := engine.cache.Summary("list1")
	if summary.Name != "Weekend groceries" {
		t.Fatalf("summary snapshot not applied: %+v", summary)
	}
}

func TestHandleListEventWithoutSnapshotInvalidates(t *testing.T) {
	engine := newTestEngine(t, &fakeTransport{}, groceryDetail())

	engine.HandleEvent(PushEvent{EntityID: "list1", Kind: EventUpdated})

	if !engine.cache.Invalidated(ScopeSummary, "list1") || !engine.cache.Invalidated(ScopeDetail, "list1") {
		t.Fatalf("snapshot-less list event should invalidate both scopes")
	}
}

func TestEventsForPendingEntityDeferUntilSettle(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{}
	transport.updateItemFn = func(ctx context.Context, itemID string, patch ItemPatch) (Item, error) {
		close(entered)
		<-release
		return Item{ID: itemID, ListID: "list1", Name: *patch.Name}, nil
	}
	engine := newTestEngine(t, transport, groceryDetail())

	done := make(chan error, 1)
	name := "Cider apples"
	go func() { done <- engine.UpdateItem(context.Background(), "list1", "item1", ItemPatch{Name: &name}) }()
	<-entered

	// A remote check of the same item arrives mid-flight.
	engine.HandleEvent(PushEvent{
		EntityID: "item1",
		ListID:   "list1",
		Kind:     EventUpdated,
		Item:     &Item{ID: "item1", ListID: "list1", Name: "Cider apples", Checked: true, CheckedBy: "u2"},
	})

	detail, _ := snapshotState(engine, "list1")
	if detail.Items[detail.itemIndex("item1")].Checked {
		t.Fatalf("deferred event applied while entity was pending")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	detail, summary := snapshotState(engine, "list1")
	idx := detail.itemIndex("item1")
	if !detail.Items[idx].Checked || detail.Items[idx].CheckedBy != "u2" {
		t.Fatalf("deferred event lost after settle: %+v", detail.Items[idx])
	}
	if summary.CheckedCount != detail.checkedCount() {
		t.Fatalf("counts diverged after flush: %d vs %d", summary.CheckedCount, detail.checkedCount())
	}
}

func TestRefreshSkipsListsWithPendingMutations(t *testing.T) {
	serverSummaries := []ListSummary{
		{ID: "list1", Name: "Server name", Type: ListTypeGrocery, ItemCount: 99, CheckedCount: 0},
		{ID: "list2", Name: "Errands", Type: ListTypeTasks, ItemCount: 1, CheckedCount: 0},
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	transport := &fakeTransport{
		listListsFn: func(ctx context.Context) ([]ListSummary, error) {
			return serverSummaries, nil
		},
	}
	transport.checkItemFn = func(ctx context.Context, itemID string) (Item, error) {
		close(entered)
		<-release
		return Item{ID: itemID, ListID: "list1", Checked: true}, nil
	}
	engine := newTestEngine(t, transport, groceryDetail())

	done := make(chan error, 1)
	go func() { done <- engine.CheckItem(context.Background(), "list1", "item1") }()
	<-entered

	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	summary, _ := engine.cache.Summary("list1")
	if summary.Name == "Server name" {
		t.Fatalf("refresh overwrote a list with in-flight mutations")
	}
	if got, _ := engine.cache.Summary("list2"); got.Name != "Errands" {
		t.Fatalf("refresh did not install new lists: %+v", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
}

func TestRefreshDropsListsGoneFromServer(t *testing.T) {
	transport := &fakeTransport{
		listListsFn: func(ctx context.Context) ([]ListSummary, error) {
			return nil, nil
		},
	}
	engine := newTestEngine(t, transport, groceryDetail())

	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, ok := engine.cache.Summary("list1"); ok {
		t.Fatalf("vanished list still cached")
	}
	if _, ok := engine.cache.Detail("list1"); ok {
		t.Fatalf("vanished list detail still cached")
	}
}

func TestLoadDetailReconcilesSummaryCounts(t *testing.T) {
	fetched := groceryDetail()
	fetched.Items = append(fetched.Items, Item{ID: "item4", ListID: "list1", Name: "Cheese", Checked: true, SortOrder: 3})
	transport := &fakeTransport{
		getListFn: func(ctx context.Context, listID string) (ListDetail, error) {
			return fetched, nil
		},
	}
	engine := newTestEngine(t, transport, ListDetail{})
	engine.cache.SetSummary("list1", ListSummary{ID: "list1", Name: "Groceries", ItemCount: 0, CheckedCount: 0})

	if err := engine.LoadDetail(context.Background(), "list1"); err != nil {
		t.Fatalf("load detail failed: %v", err)
	}
	detail, summary := snapshotState(engine, "list1")
	if diff := cmp.Diff(fetched, detail); diff != "" {
		t.Fatalf("fetched detail not installed (-want +got):\n%s", diff)
	}
	if summary.ItemCount != 4 || summary.CheckedCount != 2 {
		t.Fatalf("summary not reconciled: %d/%d", summary.ItemCount, summary.CheckedCount)
	}
}
