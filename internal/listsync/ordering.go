package listsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const orderingKeyPrefix = "familylists.sort."

// Folder groups lists under a user-named heading.
type Folder struct {
	Name      string `json:"name"`
	Collapsed bool   `json:"collapsed"`
}

// orderingDoc is the persisted per-user ordering document. Sequence holds
// folder ids and unfiled list ids in display order; assignment maps a list
// id to its folder, absence meaning unfiled.
type orderingDoc struct {
	Folders    map[string]Folder `json:"folders"`
	Assignment map[string]string `json:"assignment"`
	Sequence   []string          `json:"sequence"`
}

func newOrderingDoc() orderingDoc {
	return orderingDoc{
		Folders:    map[string]Folder{},
		Assignment: map[string]string{},
	}
}

// Section is one bucket of the organized list view. The unfiled section
// comes first with an empty FolderID, then folders in sequence order.
type Section struct {
	FolderID  string
	Name      string
	Collapsed bool
	Lists     []ListSummary
}

const orderingSchemaJSON = `{
	"type": "object",
	"properties": {
		"folders": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"collapsed": {"type": "boolean"}
				},
				"required": ["name"]
			}
		},
		"assignment": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"sequence": {
			"type": ["array", "null"],
			"items": {"type": "string"}
		}
	}
}`

var (
	orderingSchemaOnce sync.Once
	orderingSchema     *jsonschema.Schema
	orderingSchemaErr  error
)

func compiledOrderingSchema() (*jsonschema.Schema, error) {
	orderingSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(orderingSchemaJSON))
		if err != nil {
			orderingSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("ordering.schema.json", doc); err != nil {
			orderingSchemaErr = err
			return
		}
		orderingSchema, orderingSchemaErr = compiler.Compile("ordering.schema.json")
	})
	return orderingSchema, orderingSchemaErr
}

// OrderingStore owns the per-user folders and manual ordering sequence.
// Views read through Organize and mutate through the folder operations;
// nothing else may splice the sequence. Persistence is best-effort: a
// failed save is logged and the in-memory document stays authoritative
// for the session.
type OrderingStore struct {
	mu     sync.Mutex
	kv     KVStore
	key    string
	logger Logger
	loaded bool
	doc    orderingDoc
}

func NewOrderingStore(kv KVStore, userID string, logger Logger) *OrderingStore {
	if logger == nil {
		logger = nopLogger{}
	}
	return &OrderingStore{
		kv:     kv,
		key:    orderingKeyPrefix + userID,
		logger: logger,
		doc:    newOrderingDoc(),
	}
}

// loadLocked reads the persisted document once per store lifetime. A
// document that fails to parse or validate is discarded with a log line;
// starting fresh beats poisoning every later organize call.
func (o *OrderingStore) loadLocked() {
	if o.loaded {
		return
	}
	o.loaded = true
	raw, ok, err := o.kv.Get(o.key)
	if err != nil {
		o.logger.Printf("ordering: load %s failed: %v", o.key, err)
		return
	}
	if !ok {
		return
	}
	if err := validateOrderingDoc([]byte(raw)); err != nil {
		o.logger.Printf("ordering: discarding invalid document at %s: %v", o.key, err)
		return
	}
	var doc orderingDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		o.logger.Printf("ordering: discarding unreadable document at %s: %v", o.key, err)
		return
	}
	if doc.Folders == nil {
		doc.Folders = map[string]Folder{}
	}
	if doc.Assignment == nil {
		doc.Assignment = map[string]string{}
	}
	o.doc = doc
}

func validateOrderingDoc(raw []byte) error {
	schema, err := compiledOrderingSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func (o *OrderingStore) saveLocked() {
	if o.doc.Sequence == nil {
		// nil marshals to null, which the schema rejects on reload.
		o.doc.Sequence = []string{}
	}
	data, err := json.Marshal(o.doc)
	if err != nil {
		o.logger.Printf("ordering: marshal failed: %v", err)
		return
	}
	if err := o.kv.Set(o.key, string(data)); err != nil {
		o.logger.Printf("ordering: save %s failed: %v", o.key, err)
	}
}

// EnsureSortOrder reconciles the sequence with the server-known list set:
// ids that are neither known lists nor folders are dropped, known lists
// missing from the sequence are appended, and survivor order is preserved.
// When the sequence is already consistent nothing is written.
func (o *OrderingStore) EnsureSortOrder(knownIDs []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()

	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	changed := false
	kept := make([]string, 0, len(o.doc.Sequence))
	present := map[string]bool{}
	for _, id := range o.doc.Sequence {
		if _, isFolder := o.doc.Folders[id]; !isFolder && !known[id] {
			changed = true
			continue
		}
		kept = append(kept, id)
		present[id] = true
	}
	for _, id := range knownIDs {
		if !present[id] {
			kept = append(kept, id)
			present[id] = true
			changed = true
		}
	}
	if !changed {
		return
	}
	o.doc.Sequence = kept
	o.saveLocked()
}

// Organize partitions the given summaries into the unfiled bucket followed
// by one bucket per folder in sequence order. Buckets are sorted by
// sequence position; entries without a position keep their incoming order
// after the positioned ones.
func (o *OrderingStore) Organize(summaries []ListSummary) []Section {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()

	position := make(map[string]int, len(o.doc.Sequence))
	for i, id := range o.doc.Sequence {
		position[id] = i
	}

	unfiled := Section{}
	byFolder := make(map[string]*Section, len(o.doc.Folders))
	for id, folder := range o.doc.Folders {
		byFolder[id] = &Section{FolderID: id, Name: folder.Name, Collapsed: folder.Collapsed}
	}

	for _, summary := range summaries {
		folderID, assigned := o.doc.Assignment[summary.ID]
		if assigned {
			if bucket, ok := byFolder[folderID]; ok {
				bucket.Lists = append(bucket.Lists, summary)
				continue
			}
		}
		unfiled.Lists = append(unfiled.Lists, summary)
	}

	// Stable sort keeps incoming order for entries without a sequence
	// position, which land after the positioned ones.
	bySequence := func(iID, jID string) bool {
		pi, iOK := position[iID]
		pj, jOK := position[jID]
		switch {
		case iOK && jOK:
			return pi < pj
		case iOK:
			return true
		default:
			return false
		}
	}
	sortBySequence := func(lists []ListSummary) {
		sort.SliceStable(lists, func(i, j int) bool {
			return bySequence(lists[i].ID, lists[j].ID)
		})
	}
	sortBySequence(unfiled.Lists)

	folderIDs := make([]string, 0, len(byFolder))
	for id := range byFolder {
		folderIDs = append(folderIDs, id)
	}
	// Name order first so folders missing a sequence position still come
	// out deterministically.
	sort.Slice(folderIDs, func(i, j int) bool {
		return byFolder[folderIDs[i]].Name < byFolder[folderIDs[j]].Name
	})
	sort.SliceStable(folderIDs, func(i, j int) bool {
		return bySequence(folderIDs[i], folderIDs[j])
	})

	sections := make([]Section, 0, len(folderIDs)+1)
	sections = append(sections, unfiled)
	for _, id := range folderIDs {
		bucket := byFolder[id]
		sortBySequence(bucket.Lists)
		sections = append(sections, *bucket)
	}
	return sections
}

// CreateFolder adds a folder and appends it to the sequence.
func (o *OrderingStore) CreateFolder(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	id := uuid.NewString()
	o.doc.Folders[id] = Folder{Name: name}
	o.doc.Sequence = append(o.doc.Sequence, id)
	o.saveLocked()
	return id, nil
}

// RenameFolder changes a folder's display name.
func (o *OrderingStore) RenameFolder(folderID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	folder, ok := o.doc.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	folder.Name = name
	o.doc.Folders[folderID] = folder
	o.saveLocked()
	return nil
}

// SetFolderCollapsed records the folder's collapsed state.
func (o *OrderingStore) SetFolderCollapsed(folderID string, collapsed bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	folder, ok := o.doc.Folders[folderID]
	if !ok {
		return fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	folder.Collapsed = collapsed
	o.doc.Folders[folderID] = folder
	o.saveLocked()
	return nil
}

// DeleteFolder removes a folder, reassigns its members to unfiled, and
// drops its id from the sequence, all in one persisted step.
func (o *OrderingStore) DeleteFolder(folderID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	if _, ok := o.doc.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	delete(o.doc.Folders, folderID)
	for entityID, assigned := range o.doc.Assignment {
		if assigned == folderID {
			delete(o.doc.Assignment, entityID)
		}
	}
	kept := o.doc.Sequence[:0:0]
	for _, id := range o.doc.Sequence {
		if id != folderID {
			kept = append(kept, id)
		}
	}
	o.doc.Sequence = kept
	o.saveLocked()
	return nil
}

// AssignToFolder files a list under a folder; an empty folder id moves it
// back to unfiled.
func (o *OrderingStore) AssignToFolder(listID, folderID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	if folderID == "" {
		delete(o.doc.Assignment, listID)
		o.saveLocked()
		return nil
	}
	if _, ok := o.doc.Folders[folderID]; !ok {
		return fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	o.doc.Assignment[listID] = folderID
	o.saveLocked()
	return nil
}

// Move places an id at the given sequence index, clamped to the ends.
func (o *OrderingStore) Move(id string, index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	from := -1
	for i, existing := range o.doc.Sequence {
		if existing == id {
			from = i
			break
		}
	}
	if from < 0 {
		return fmt.Errorf("sequence entry %s: %w", id, ErrNotFound)
	}
	seq := append(o.doc.Sequence[:from:from], o.doc.Sequence[from+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(seq) {
		index = len(seq)
	}
	seq = append(seq[:index], append([]string{id}, seq[index:]...)...)
	o.doc.Sequence = seq
	o.saveLocked()
	return nil
}

// Folders returns a copy of the folder map for display.
func (o *OrderingStore) Folders() map[string]Folder {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	out := make(map[string]Folder, len(o.doc.Folders))
	for id, folder := range o.doc.Folders {
		out[id] = folder
	}
	return out
}

// Sequence returns a copy of the current display sequence.
func (o *OrderingStore) Sequence() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked()
	return append([]string(nil), o.doc.Sequence...)
}
