package listsync

import (
	"context"
	"fmt"
	"sync"
)

// fakeTransport implements WriteTransport with overridable behaviors and a
// call log. Unset behaviors echo a plausible server response.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string

	listListsFn         func(ctx context.Context) ([]ListSummary, error)
	getListFn           func(ctx context.Context, listID string) (ListDetail, error)
	createListFn        func(ctx context.Context, data ListCreate) (ListDetail, error)
	updateListFn        func(ctx context.Context, listID string, patch ListPatch) (ListSummary, error)
	deleteListFn        func(ctx context.Context, listID string) error
	createItemFn        func(ctx context.Context, listID string, data ItemCreate) (Item, error)
	updateItemFn        func(ctx context.Context, itemID string, patch ItemPatch) (Item, error)
	deleteItemFn        func(ctx context.Context, itemID string) error
	checkItemFn         func(ctx context.Context, itemID string) (Item, error)
	uncheckItemFn       func(ctx context.Context, itemID string) (Item, error)
	clearCheckedFn      func(ctx context.Context, listID string) (int, error)
	restoreCheckedFn    func(ctx context.Context, listID string) (int, error)
	reorderItemsFn      func(ctx context.Context, listID string, itemIDs []string) error
	createCategoryFn    func(ctx context.Context, listID, name string) (Category, error)
	reorderCategoriesFn func(ctx context.Context, listID string, categoryIDs []string) error
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) ListLists(ctx context.Context) ([]ListSummary, error) {
	f.record("ListLists")
	if f.listListsFn != nil {
		return f.listListsFn(ctx)
	}
	return nil, nil
}

func (f *fakeTransport) GetList(ctx context.Context, listID string) (ListDetail, error) {
	f.record("GetList " + listID)
	if f.getListFn != nil {
		return f.getListFn(ctx, listID)
	}
	return ListDetail{ID: listID}, nil
}

func (f *fakeTransport) CreateList(ctx context.Context, data ListCreate) (ListDetail, error) {
	f.record("CreateList " + data.Name)
	if f.createListFn != nil {
		return f.createListFn(ctx, data)
	}
	return ListDetail{ID: "srv-list", Name: data.Name, Type: data.Type}, nil
}

func (f *fakeTransport) UpdateList(ctx context.Context, listID string, patch ListPatch) (ListSummary, error) {
	f.record("UpdateList " + listID)
	if f.updateListFn != nil {
		return f.updateListFn(ctx, listID, patch)
	}
	summary := ListSummary{ID: listID}
	if patch.Name != nil {
		summary.Name = *patch.Name
	}
	return summary, nil
}

func (f *fakeTransport) DeleteList(ctx context.Context, listID string) error {
	f.record("DeleteList " + listID)
	if f.deleteListFn != nil {
		return f.deleteListFn(ctx, listID)
	}
	return nil
}

func (f *fakeTransport) CreateItem(ctx context.Context, listID string, data ItemCreate) (Item, error) {
	f.record("CreateItem " + listID + " " + data.Name)
	if f.createItemFn != nil {
		return f.createItemFn(ctx, listID, data)
	}
	return Item{
		ID:         "srv-" + data.Name,
		ListID:     listID,
		Name:       data.Name,
		Quantity:   data.Quantity,
		Unit:       data.Unit,
		Notes:      data.Notes,
		CategoryID: data.CategoryID,
	}, nil
}

func (f *fakeTransport) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (Item, error) {
	f.record("UpdateItem " + itemID)
	if f.updateItemFn != nil {
		return f.updateItemFn(ctx, itemID, patch)
	}
	item := Item{ID: itemID}
	if patch.Name != nil {
		item.Name = *patch.Name
	}
	if patch.CategoryID != nil {
		item.CategoryID = *patch.CategoryID
	}
	return item, nil
}

func (f *fakeTransport) DeleteItem(ctx context.Context, itemID string) error {
	f.record("DeleteItem " + itemID)
	if f.deleteItemFn != nil {
		return f.deleteItemFn(ctx, itemID)
	}
	return nil
}

func (f *fakeTransport) CheckItem(ctx context.Context, itemID string) (Item, error) {
	f.record("CheckItem " + itemID)
	if f.checkItemFn != nil {
		return f.checkItemFn(ctx, itemID)
	}
	return Item{ID: itemID, Checked: true}, nil
}

func (f *fakeTransport) UncheckItem(ctx context.Context, itemID string) (Item, error) {
	f.record("UncheckItem " + itemID)
	if f.uncheckItemFn != nil {
		return f.uncheckItemFn(ctx, itemID)
	}
	return Item{ID: itemID, Checked: false}, nil
}

func (f *fakeTransport) ClearChecked(ctx context.Context, listID string) (int, error) {
	f.record("ClearChecked " + listID)
	if f.clearCheckedFn != nil {
		return f.clearCheckedFn(ctx, listID)
	}
	return 0, nil
}

func (f *fakeTransport) RestoreChecked(ctx context.Context, listID string) (int, error) {
	f.record("RestoreChecked " + listID)
	if f.restoreCheckedFn != nil {
		return f.restoreCheckedFn(ctx, listID)
	}
	return 0, nil
}

func (f *fakeTransport) ReorderItems(ctx context.Context, listID string, itemIDs []string) error {
	f.record(fmt.Sprintf("ReorderItems %s %v", listID, itemIDs))
	if f.reorderItemsFn != nil {
		return f.reorderItemsFn(ctx, listID, itemIDs)
	}
	return nil
}

func (f *fakeTransport) CreateCategory(ctx context.Context, listID, name string) (Category, error) {
	f.record("CreateCategory " + listID + " " + name)
	if f.createCategoryFn != nil {
		return f.createCategoryFn(ctx, listID, name)
	}
	return Category{ID: "srv-cat-" + name, ListID: listID, Name: name}, nil
}

func (f *fakeTransport) ReorderCategories(ctx context.Context, listID string, categoryIDs []string) error {
	f.record(fmt.Sprintf("ReorderCategories %s %v", listID, categoryIDs))
	if f.reorderCategoriesFn != nil {
		return f.reorderCategoriesFn(ctx, listID, categoryIDs)
	}
	return nil
}

// fakePushConn replays scripted events and then blocks until closed.
type fakePushConn struct {
	events chan PushEvent
	closed chan struct{}
	once   sync.Once
}

func newFakePushConn(buffer int) *fakePushConn {
	return &fakePushConn{
		events: make(chan PushEvent, buffer),
		closed: make(chan struct{}),
	}
}

func (c *fakePushConn) Next(ctx context.Context) (PushEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return PushEvent{}, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return PushEvent{}, ctx.Err()
	}
}

func (c *fakePushConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakePushSource struct {
	mu      sync.Mutex
	conns   []*fakePushConn
	dialErr error
}

func (s *fakePushSource) Connect(ctx context.Context) (PushConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	conn := newFakePushConn(16)
	s.conns = append(s.conns, conn)
	return conn, nil
}

// newTestEngine builds an engine over the fake transport with detail and
// summary records for one list preloaded.
func newTestEngine(t interface{ Fatalf(string, ...any) }, transport *fakeTransport, detail ListDetail) *Engine {
	engine, err := New(Options{Transport: transport})
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	if detail.ID != "" {
		engine.cache.SetDetail(detail.ID, detail)
		engine.cache.SetSummary(detail.ID, ListSummary{
			ID:           detail.ID,
			Name:         detail.Name,
			Type:         detail.Type,
			ItemCount:    len(detail.Items),
			CheckedCount: detail.checkedCount(),
		})
	}
	return engine
}

func groceryDetail() ListDetail {
	return ListDetail{
		ID:   "list1",
		Name: "Groceries",
		Type: ListTypeGrocery,
		Categories: []Category{
			{ID: "cat-produce", ListID: "list1", Name: "Produce", SortOrder: 0},
			{ID: "cat-dairy", ListID: "list1", Name: "Dairy", SortOrder: 1},
		},
		Items: []Item{
			{ID: "item1", ListID: "list1", Name: "Apples", SortOrder: 0},
			{ID: "item2", ListID: "list1", Name: "Milk", SortOrder: 1, Checked: true},
			{ID: "item3", ListID: "list1", Name: "Bread", SortOrder: 2},
		},
	}
}
