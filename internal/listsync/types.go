package listsync

import "context"

// Scope identifies one of the two cached projections of list data.
type Scope int

const (
	// ScopeSummary holds list metadata plus aggregate item counts, the
	// shape the list overview renders from.
	ScopeSummary Scope = iota
	// ScopeDetail holds one list's full categories and items.
	ScopeDetail
)

func (s Scope) String() string {
	switch s {
	case ScopeSummary:
		return "summary"
	case ScopeDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// ListType mirrors the server-side list types.
const (
	ListTypeGrocery = "grocery"
	ListTypePacking = "packing"
	ListTypeTasks   = "tasks"
)

// ListSummary is the overview projection of a list. ItemCount and
// CheckedCount must always agree with the derived totals of the
// corresponding ListDetail once in-flight mutations settle.
type ListSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Icon         string `json:"icon,omitempty"`
	Color        string `json:"color,omitempty"`
	OwnerID      string `json:"ownerId,omitempty"`
	Shared       bool   `json:"shared,omitempty"`
	ItemCount    int    `json:"itemCount"`
	CheckedCount int    `json:"checkedCount"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// ListDetail is the full materialization of one list.
type ListDetail struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Categories []Category `json:"categories"`
	Items      []Item     `json:"items"`
}

func (d ListDetail) clone() ListDetail {
	out := d
	out.Categories = append([]Category(nil), d.Categories...)
	out.Items = append([]Item(nil), d.Items...)
	return out
}

func (d ListDetail) checkedCount() int {
	n := 0
	for _, item := range d.Items {
		if item.Checked {
			n++
		}
	}
	return n
}

func (d ListDetail) itemIndex(itemID string) int {
	for i := range d.Items {
		if d.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// Category groups items within a list.
type Category struct {
	ID        string `json:"id"`
	ListID    string `json:"listId"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}

// Item is a single list entry.
type Item struct {
	ID         string  `json:"id"`
	ListID     string  `json:"listId"`
	CategoryID string  `json:"categoryId,omitempty"`
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	Checked    bool    `json:"isChecked"`
	CheckedBy  string  `json:"checkedBy,omitempty"`
	CheckedAt  string  `json:"checkedAt,omitempty"`
	SortOrder  int     `json:"sortOrder"`
	CreatedAt  string  `json:"createdAt,omitempty"`
	UpdatedAt  string  `json:"updatedAt,omitempty"`
}

// ListCreate carries the fields for a new list. The server seeds default
// categories for the list type.
type ListCreate struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

// ListPatch updates list metadata. Nil fields are left unchanged.
type ListPatch struct {
	Name  *string `json:"name,omitempty"`
	Icon  *string `json:"icon,omitempty"`
	Color *string `json:"color,omitempty"`
}

// ItemCreate carries the fields for a new item.
type ItemCreate struct {
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	CategoryID string  `json:"categoryId,omitempty"`
}

// ItemPatch updates item fields. Nil fields are left unchanged.
type ItemPatch struct {
	Name       *string  `json:"name,omitempty"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
	CategoryID *string  `json:"categoryId,omitempty"`
}

// OpKind names a coordinator operation for ledger bookkeeping and error
// reporting.
type OpKind string

const (
	OpCreateList        OpKind = "list.create"
	OpUpdateList        OpKind = "list.update"
	OpDeleteList        OpKind = "list.delete"
	OpCreateItem        OpKind = "item.create"
	OpUpdateItem        OpKind = "item.update"
	OpDeleteItem        OpKind = "item.delete"
	OpCheckItem         OpKind = "item.check"
	OpUncheckItem       OpKind = "item.uncheck"
	OpClearChecked      OpKind = "items.clear"
	OpRestoreChecked    OpKind = "items.restore"
	OpReorderItems      OpKind = "items.reorder"
	OpCreateCategory    OpKind = "category.create"
	OpReorderCategories OpKind = "categories.reorder"
)

// EventKind classifies a push event about one entity.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// PushEvent is one authoritative delta from the server stream. For item
// events Item carries the full snapshot (nil for deletes); for list-level
// events Summary carries the list snapshot.
type PushEvent struct {
	EntityID string
	ListID   string
	Kind     EventKind
	Item     *Item
	Summary  *ListSummary
}

// ConnState is the push stream connection state. Failed is terminal until
// an explicit retry request.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnOpen
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WriteTransport is the server write surface the coordinator dispatches to.
// Implementations classify failures: network-level errors wrap
// ErrUnreachable, HTTP failures surface as *ServerError.
type WriteTransport interface {
	ListLists(ctx context.Context) ([]ListSummary, error)
	GetList(ctx context.Context, listID string) (ListDetail, error)
	CreateList(ctx context.Context, data ListCreate) (ListDetail, error)
	UpdateList(ctx context.Context, listID string, patch ListPatch) (ListSummary, error)
	DeleteList(ctx context.Context, listID string) error
	CreateItem(ctx context.Context, listID string, data ItemCreate) (Item, error)
	UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	CheckItem(ctx context.Context, itemID string) (Item, error)
	UncheckItem(ctx context.Context, itemID string) (Item, error)
	ClearChecked(ctx context.Context, listID string) (int, error)
	RestoreChecked(ctx context.Context, listID string) (int, error)
	ReorderItems(ctx context.Context, listID string, itemIDs []string) error
	CreateCategory(ctx context.Context, listID, name string) (Category, error)
	ReorderCategories(ctx context.Context, listID string, categoryIDs []string) error
}

// PushConn is one established push stream connection.
type PushConn interface {
	Next(ctx context.Context) (PushEvent, error)
	Close() error
}

// PushSource opens push stream connections.
type PushSource interface {
	Connect(ctx context.Context) (PushConn, error)
}

// CategorySuggestion is the AI service's guess for an item's category.
type CategorySuggestion struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// CategorySuggester is the AI categorization service. It is treated as
// unreliable: failures never block or fail the create operation that
// triggered the suggestion.
type CategorySuggester interface {
	SuggestCategory(ctx context.Context, name, listType string) (CategorySuggestion, error)
}

// Logger is the minimal logging surface the engine writes to.
type Logger interface {
	Printf(format string, args ...any)
}
