package listsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// countingKV wraps a store and tallies writes, so tests can assert that a
// no-op reconcile does not persist.
type countingKV struct {
	KVStore
	writes int
}

func (c *countingKV) Set(key, value string) error {
	c.writes++
	return c.KVStore.Set(key, value)
}

func seededOrderingStore(t *testing.T, doc orderingDoc) (*OrderingStore, *countingKV) {
	t.Helper()
	if doc.Folders == nil {
		doc.Folders = map[string]Folder{}
	}
	if doc.Assignment == nil {
		doc.Assignment = map[string]string{}
	}
	if doc.Sequence == nil {
		doc.Sequence = []string{}
	}
	kv := &countingKV{KVStore: NewMemoryKVStore()}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal seed doc: %v", err)
	}
	if err := kv.KVStore.Set(orderingKeyPrefix+"u1", string(raw)); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	return NewOrderingStore(kv, "u1", nil), kv
}

func TestEnsureSortOrderDropsUnknownAndAppendsMissing(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{Sequence: []string{"A", "B", "C"}})

	// B was deleted on the server; D is new.
	store.EnsureSortOrder([]string{"A", "C", "D"})

	want := []string{"A", "C", "D"}
	if diff := cmp.Diff(want, store.Sequence()); diff != "" {
		t.Fatalf("reconciled sequence (-want +got):\n%s", diff)
	}
}

func TestEnsureSortOrderKeepsFolderEntries(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{
		Folders:  map[string]Folder{"f1": {Name: "Trips"}},
		Sequence: []string{"A", "f1", "B"},
	})

	store.EnsureSortOrder([]string{"A", "B"})

	want := []string{"A", "f1", "B"}
	if diff := cmp.Diff(want, store.Sequence()); diff != "" {
		t.Fatalf("folder id dropped from sequence (-want +got):\n%s", diff)
	}
}

func TestEnsureSortOrderConsistentSequenceWritesNothing(t *testing.T) {
	store, kv := seededOrderingStore(t, orderingDoc{Sequence: []string{"A", "B"}})

	store.EnsureSortOrder([]string{"A", "B"})
	store.EnsureSortOrder([]string{"B", "A"}) // set-equal, order preserved

	if kv.writes != 0 {
		t.Fatalf("consistent reconcile persisted %d times", kv.writes)
	}
	if diff := cmp.Diff([]string{"A", "B"}, store.Sequence()); diff != "" {
		t.Fatalf("sequence changed by no-op reconcile (-want +got):\n%s", diff)
	}
}

func TestEnsureSortOrderIsIdempotent(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{Sequence: []string{"A", "B", "C"}})

	store.EnsureSortOrder([]string{"A", "C"})
	first := store.Sequence()
	store.EnsureSortOrder([]string{"A", "C"})
	if diff := cmp.Diff(first, store.Sequence()); diff != "" {
		t.Fatalf("second reconcile changed the result (-want +got):\n%s", diff)
	}
}

func TestOrganizeBucketsUnfiledFirstThenFoldersInSequence(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{
		Folders:    map[string]Folder{"f1": {Name: "Trips", Collapsed: true}, "f2": {Name: "Home"}},
		Assignment: map[string]string{"l2": "f1", "l3": "f2"},
		Sequence:   []string{"l1", "f2", "f1"},
	})
	summaries := []ListSummary{
		{ID: "l1", Name: "Groceries"},
		{ID: "l2", Name: "Beach trip"},
		{ID: "l3", Name: "Chores"},
	}

	sections := store.Organize(summaries)
	if len(sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(sections))
	}
	if sections[0].FolderID != "" || len(sections[0].Lists) != 1 || sections[0].Lists[0].ID != "l1" {
		t.Fatalf("unfiled section wrong: %+v", sections[0])
	}
	if sections[1].FolderID != "f2" || sections[2].FolderID != "f1" {
		t.Fatalf("folders not in sequence order: %s then %s", sections[1].FolderID, sections[2].FolderID)
	}
	if !sections[2].Collapsed {
		t.Fatalf("collapsed state not carried through")
	}
	if len(sections[2].Lists) != 1 || sections[2].Lists[0].ID != "l2" {
		t.Fatalf("assignment not honored: %+v", sections[2].Lists)
	}
}

func TestOrganizeUnknownFolderAssignmentFallsBackToUnfiled(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{
		Assignment: map[string]string{"l1": "ghost"},
	})
	sections := store.Organize([]ListSummary{{ID: "l1", Name: "Groceries"}})
	if len(sections[0].Lists) != 1 || sections[0].Lists[0].ID != "l1" {
		t.Fatalf("dangling assignment did not fall back to unfiled: %+v", sections)
	}
}

func TestOrganizeOrdersListsBySequencePosition(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{Sequence: []string{"l3", "l1"}})
	sections := store.Organize([]ListSummary{
		{ID: "l1"}, {ID: "l2"}, {ID: "l3"},
	})
	got := make([]string, len(sections[0].Lists))
	for i, s := range sections[0].Lists {
		got[i] = s.ID
	}
	// l2 has no position and trails in incoming order.
	if diff := cmp.Diff([]string{"l3", "l1", "l2"}, got); diff != "" {
		t.Fatalf("unfiled order (-want +got):\n%s", diff)
	}
}

func TestFolderLifecycle(t *testing.T) {
	store := NewOrderingStore(NewMemoryKVStore(), "u1", nil)

	id, err := store.CreateFolder("  Trips ")
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if folder := store.Folders()[id]; folder.Name != "Trips" {
		t.Fatalf("folder name not trimmed: %q", folder.Name)
	}
	if seq := store.Sequence(); len(seq) != 1 || seq[0] != id {
		t.Fatalf("folder not appended to sequence: %v", seq)
	}

	if err := store.RenameFolder(id, "Vacations"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := store.SetFolderCollapsed(id, true); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	folder := store.Folders()[id]
	if folder.Name != "Vacations" || !folder.Collapsed {
		t.Fatalf("folder state = %+v", folder)
	}

	if _, err := store.CreateFolder("   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank folder name accepted: %v", err)
	}
	if err := store.RenameFolder("ghost", "X"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename of missing folder: %v", err)
	}
}

func TestDeleteFolderIsAtomic(t *testing.T) {
	store, kv := seededOrderingStore(t, orderingDoc{
		Folders:    map[string]Folder{"f1": {Name: "Trips"}},
		Assignment: map[string]string{"l1": "f1", "l2": "f1"},
		Sequence:   []string{"f1", "l3"},
	})

	if err := store.DeleteFolder("f1"); err != nil {
		t.Fatalf("delete folder: %v", err)
	}
	if _, ok := store.Folders()["f1"]; ok {
		t.Fatalf("folder survived delete")
	}
	if diff := cmp.Diff([]string{"l3"}, store.Sequence()); diff != "" {
		t.Fatalf("sequence after delete (-want +got):\n%s", diff)
	}
	sections := store.Organize([]ListSummary{{ID: "l1"}, {ID: "l2"}})
	if len(sections) != 1 || len(sections[0].Lists) != 2 {
		t.Fatalf("members not reassigned to unfiled: %+v", sections)
	}
	if kv.writes != 1 {
		t.Fatalf("delete persisted %d times, want one atomic save", kv.writes)
	}
}

func TestAssignToFolderAndBack(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{
		Folders: map[string]Folder{"f1": {Name: "Trips"}},
	})

	if err := store.AssignToFolder("l1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assignment to missing folder: %v", err)
	}
	if err := store.AssignToFolder("l1", "f1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	sections := store.Organize([]ListSummary{{ID: "l1"}})
	if len(sections[1].Lists) != 1 {
		t.Fatalf("list not filed: %+v", sections)
	}
	if err := store.AssignToFolder("l1", ""); err != nil {
		t.Fatalf("unfile: %v", err)
	}
	sections = store.Organize([]ListSummary{{ID: "l1"}})
	if len(sections[0].Lists) != 1 {
		t.Fatalf("list not back in unfiled: %+v", sections)
	}
}

func TestMoveSplicesWithClamping(t *testing.T) {
	store, _ := seededOrderingStore(t, orderingDoc{Sequence: []string{"A", "B", "C"}})

	if err := store.Move("C", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if diff := cmp.Diff([]string{"C", "A", "B"}, store.Sequence()); diff != "" {
		t.Fatalf("move to front (-want +got):\n%s", diff)
	}
	if err := store.Move("C", 99); err != nil {
		t.Fatalf("move: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, store.Sequence()); diff != "" {
		t.Fatalf("move past end not clamped (-want +got):\n%s", diff)
	}
	if err := store.Move("ghost", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("move of missing id: %v", err)
	}
}

func TestInvalidPersistedDocumentIsDiscarded(t *testing.T) {
	kv := NewMemoryKVStore()
	// folders entries require a name.
	if err := kv.Set(orderingKeyPrefix+"u1", `{"folders":{"f1":{"collapsed":true}},"sequence":["f1"]}`); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	store := NewOrderingStore(kv, "u1", nil)
	if seq := store.Sequence(); len(seq) != 0 {
		t.Fatalf("invalid document survived validation: %v", seq)
	}

	if err := kv.Set(orderingKeyPrefix+"u2", `{not json`); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	store = NewOrderingStore(kv, "u2", nil)
	if folders := store.Folders(); len(folders) != 0 {
		t.Fatalf("unparseable document survived: %v", folders)
	}
}

func TestNullSequenceInPersistedDocumentIsTolerated(t *testing.T) {
	kv := NewMemoryKVStore()
	if err := kv.Set(orderingKeyPrefix+"u1", `{"folders":{"f1":{"name":"Trips"}},"assignment":{},"sequence":null}`); err != nil {
		t.Fatalf("seed kv: %v", err)
	}
	store := NewOrderingStore(kv, "u1", nil)
	if folder := store.Folders()["f1"]; folder.Name != "Trips" {
		t.Fatalf("folder map discarded over a null sequence: %v", store.Folders())
	}
	if err := store.AssignToFolder("l1", "f1"); err != nil {
		t.Fatalf("assign after null-sequence load: %v", err)
	}
}

func TestOrderingDocRoundTripsThroughKV(t *testing.T) {
	kv := NewMemoryKVStore()
	store := NewOrderingStore(kv, "u1", nil)
	id, err := store.CreateFolder("Trips")
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	if err := store.AssignToFolder("l1", id); err != nil {
		t.Fatalf("assign: %v", err)
	}

	reopened := NewOrderingStore(kv, "u1", nil)
	if folder := reopened.Folders()[id]; folder.Name != "Trips" {
		t.Fatalf("folder lost across reopen: %+v", reopened.Folders())
	}
	sections := reopened.Organize([]ListSummary{{ID: "l1"}})
	if len(sections) != 2 || len(sections[1].Lists) != 1 {
		t.Fatalf("assignment lost across reopen: %+v", sections)
	}
}
