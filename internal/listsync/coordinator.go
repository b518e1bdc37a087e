package listsync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mutation coordinator: every public write operation follows the same
// shape. Begin applies an optimistic patch to the detail record and, when
// counts are affected, a matching delta to the summary record in the same
// atomic step, recording a ledger entry with an exact undo. Dispatch issues
// the server write without blocking optimistic reads. Commit replaces the
// optimistic values with the authoritative response; rollback restores the
// pre-patch snapshot. See Engine.run for the queueing and offline paths.

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func provisionalID() string {
	return "tmp_" + uuid.NewString()
}

func newEntry(kind OpKind, entityID, listID string) *LedgerEntry {
	return &LedgerEntry{
		ID:       uuid.NewString(),
		EntityID: entityID,
		ListID:   listID,
		Kind:     kind,
	}
}

// resolveID follows the provisional-to-server id mapping outside the
// engine lock, for dispatch closures.
func (e *Engine) resolveID(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveIDLocked(id)
}

// replaceItemLocked installs an authoritative item snapshot and reconciles
// the summary counts from the merged detail record.
func (e *Engine) replaceItemLocked(listID string, item Item, dropID string) {
	var itemCount, checkedCount int
	have := false
	e.cache.Apply(listID,
		func(d *ListDetail) {
			if dropID != "" && dropID != item.ID {
				if idx := d.itemIndex(dropID); idx >= 0 {
					d.Items = append(d.Items[:idx], d.Items[idx+1:]...)
				}
			}
			if idx := d.itemIndex(item.ID); idx >= 0 {
				d.Items[idx] = item
			} else {
				d.Items = append(d.Items, item)
			}
			itemCount = len(d.Items)
			checkedCount = d.checkedCount()
			have = true
		},
		func(s *ListSummary) {
			if have {
				s.ItemCount = itemCount
				s.CheckedCount = checkedCount
			}
		})
}

// CreateItem adds an item to a list. The returned item is provisional
// (placeholder id) when the server is unreachable and authoritative
// otherwise. When a category suggester is configured and the item has no
// category, a best-effort categorization phase runs after the create
// commits; its failure never affects the created item.
func (e *Engine) CreateItem(ctx context.Context, listID string, data ItemCreate) (Item, error) {
	data.Name = strings.TrimSpace(data.Name)
	if data.Name == "" {
		return Item{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if data.Quantity == 0 {
		data.Quantity = 1
	}

	provID := provisionalID()
	entry := newEntry(OpCreateItem, provID, listID)
	entry.applyPatch = func() func() {
		provisional := Item{
			ID:         provID,
			ListID:     listID,
			CategoryID: data.CategoryID,
			Name:       data.Name,
			Quantity:   data.Quantity,
			Unit:       data.Unit,
			Notes:      data.Notes,
			CreatedAt:  nowUTC(),
		}
		e.cache.Apply(listID,
			func(d *ListDetail) {
				next := 0
				for _, it := range d.Items {
					if it.SortOrder >= next {
						next = it.SortOrder + 1
					}
				}
				provisional.SortOrder = next
				d.Items = append(d.Items, provisional)
			},
			func(s *ListSummary) {
				s.ItemCount++
			})
		return func() {
			e.cache.Apply(listID,
				func(d *ListDetail) {
					if idx := d.itemIndex(provID); idx >= 0 {
						d.Items = append(d.Items[:idx], d.Items[idx+1:]...)
					}
				},
				func(s *ListSummary) {
					s.ItemCount--
				})
		}
	}

	var created *Item
	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.CreateItem(ctx, listID, data)
		},
		commit: func(res any) {
			item := res.(Item)
			created = &item
			e.aliases[provID] = item.ID
			e.ledger.Rekey(provID, item.ID)
			e.replaceItemLocked(listID, item, provID)
		},
	}
	if err := e.run(ctx, m); err != nil {
		return Item{}, err
	}
	if created == nil {
		// Queued offline; the caller sees the provisional row.
		if detail, ok := e.cache.Detail(listID); ok {
			if idx := detail.itemIndex(provID); idx >= 0 {
				return detail.Items[idx], nil
			}
		}
		return Item{ID: provID, ListID: listID, Name: data.Name}, nil
	}
	e.suggest.maybeBegin(*created)
	return *created, nil
}

// UpdateItem patches item fields. Nil patch fields are left untouched.
func (e *Engine) UpdateItem(ctx context.Context, listID, itemID string, patch ItemPatch) error {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	entry := newEntry(OpUpdateItem, itemID, listID)
	entry.applyPatch = func() func() {
		id := e.resolveIDLocked(itemID)
		var prev *Item
		e.cache.WriteDetail(listID, func(d *ListDetail) {
			idx := d.itemIndex(id)
			if idx < 0 {
				return
			}
			snapshot := d.Items[idx]
			prev = &snapshot
			it := &d.Items[idx]
			if patch.Name != nil {
				it.Name = strings.TrimSpace(*patch.Name)
			}
			if patch.Quantity != nil {
				it.Quantity = *patch.Quantity
			}
			if patch.Unit != nil {
				it.Unit = *patch.Unit
			}
			if patch.Notes != nil {
				it.Notes = *patch.Notes
			}
			if patch.CategoryID != nil {
				it.CategoryID = *patch.CategoryID
			}
			it.UpdatedAt = nowUTC()
		})
		return func() {
			if prev == nil {
				return
			}
			e.cache.WriteDetail(listID, func(d *ListDetail) {
				if idx := d.itemIndex(id); idx >= 0 {
					d.Items[idx] = *prev
				}
			})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.UpdateItem(ctx, e.resolveID(itemID), patch)
		},
		commit: func(res any) {
			e.replaceItemLocked(listID, res.(Item), "")
		},
	}
	return e.run(ctx, m)
}

// DeleteItem removes an item. Deleting a checked item decrements both
// counters on optimistic apply; rollback restores both symmetrically.
func (e *Engine) DeleteItem(ctx context.Context, listID, itemID string) error {
	entry := newEntry(OpDeleteItem, itemID, listID)
	entry.applyPatch = func() func() {
		id := e.resolveIDLocked(itemID)
		var prev *Item
		prevIdx := -1
		e.cache.Apply(listID,
			func(d *ListDetail) {
				idx := d.itemIndex(id)
				if idx < 0 {
					return
				}
				snapshot := d.Items[idx]
				prev = &snapshot
				prevIdx = idx
				d.Items = append(d.Items[:idx], d.Items[idx+1:]...)
			},
			func(s *ListSummary) {
				if prev == nil {
					return
				}
				s.ItemCount--
				if prev.Checked {
					s.CheckedCount--
				}
			})
		return func() {
			if prev == nil {
				return
			}
			e.cache.Apply(listID,
				func(d *ListDetail) {
					idx := prevIdx
					if idx > len(d.Items) {
						idx = len(d.Items)
					}
					d.Items = append(d.Items[:idx], append([]Item{*prev}, d.Items[idx:]...)...)
				},
				func(s *ListSummary) {
					s.ItemCount++
					if prev.Checked {
						s.CheckedCount++
					}
				})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return nil, e.transport.DeleteItem(ctx, e.resolveID(itemID))
		},
		commit: func(res any) {},
	}
	return e.run(ctx, m)
}

// CheckItem marks an item checked.
func (e *Engine) CheckItem(ctx context.Context, listID, itemID string) error {
	return e.setItemChecked(ctx, listID, itemID, true)
}

// UncheckItem marks an item unchecked.
func (e *Engine) UncheckItem(ctx context.Context, listID, itemID string) error {
	return e.setItemChecked(ctx, listID, itemID, false)
}

func (e *Engine) setItemChecked(ctx context.Context, listID, itemID string, checked bool) error {
	kind := OpCheckItem
	if !checked {
		kind = OpUncheckItem
	}
	entry := newEntry(kind, itemID, listID)
	entry.applyPatch = func() func() {
		id := e.resolveIDLocked(itemID)
		var prev *Item
		delta := 0
		e.cache.Apply(listID,
			func(d *ListDetail) {
				idx := d.itemIndex(id)
				if idx < 0 {
					return
				}
				snapshot := d.Items[idx]
				prev = &snapshot
				it := &d.Items[idx]
				if it.Checked == checked {
					return
				}
				it.Checked = checked
				if checked {
					it.CheckedAt = nowUTC()
					delta = 1
				} else {
					it.CheckedAt = ""
					it.CheckedBy = ""
					delta = -1
				}
				it.UpdatedAt = nowUTC()
			},
			func(s *ListSummary) {
				s.CheckedCount += delta
			})
		applied := delta
		return func() {
			e.cache.Apply(listID,
				func(d *ListDetail) {
					if prev == nil {
						return
					}
					if idx := d.itemIndex(id); idx >= 0 {
						d.Items[idx] = *prev
					}
				},
				func(s *ListSummary) {
					s.CheckedCount -= applied
				})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			id := e.resolveID(itemID)
			if checked {
				return e.transport.CheckItem(ctx, id)
			}
			return e.transport.UncheckItem(ctx, id)
		},
		commit: func(res any) {
			e.replaceItemLocked(listID, res.(Item), "")
		},
	}
	return e.run(ctx, m)
}

// ClearChecked deletes every item that is checked at the moment of
// invocation. The affected set and the count delta are fixed then: items
// checked by later-arriving events are not part of this operation.
func (e *Engine) ClearChecked(ctx context.Context, listID string) error {
	entry := newEntry(OpClearChecked, listID, listID)
	type removed struct {
		item Item
		idx  int
	}
	entry.applyPatch = func() func() {
		var affected []removed
		e.cache.Apply(listID,
			func(d *ListDetail) {
				kept := d.Items[:0:0]
				for i, it := range d.Items {
					if it.Checked {
						affected = append(affected, removed{item: it, idx: i})
						continue
					}
					kept = append(kept, it)
				}
				d.Items = kept
			},
			func(s *ListSummary) {
				s.ItemCount -= len(affected)
				s.CheckedCount -= len(affected)
			})
		return func() {
			e.cache.Apply(listID,
				func(d *ListDetail) {
					for _, r := range affected {
						idx := r.idx
						if idx > len(d.Items) {
							idx = len(d.Items)
						}
						d.Items = append(d.Items[:idx], append([]Item{r.item}, d.Items[idx:]...)...)
					}
				},
				func(s *ListSummary) {
					s.ItemCount += len(affected)
					s.CheckedCount += len(affected)
				})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.ClearChecked(ctx, listID)
		},
		commit: func(res any) {},
	}
	return e.run(ctx, m)
}

// RestoreChecked unchecks every item that is checked at the moment of
// invocation, with the same fixed-delta rule as ClearChecked.
func (e *Engine) RestoreChecked(ctx context.Context, listID string) error {
	entry := newEntry(OpRestoreChecked, listID, listID)
	entry.applyPatch = func() func() {
		var affected []Item
		e.cache.Apply(listID,
			func(d *ListDetail) {
				for i := range d.Items {
					if !d.Items[i].Checked {
						continue
					}
					affected = append(affected, d.Items[i])
					d.Items[i].Checked = false
					d.Items[i].CheckedAt = ""
					d.Items[i].CheckedBy = ""
					d.Items[i].UpdatedAt = nowUTC()
				}
			},
			func(s *ListSummary) {
				s.CheckedCount -= len(affected)
			})
		return func() {
			e.cache.Apply(listID,
				func(d *ListDetail) {
					for _, prev := range affected {
						if idx := d.itemIndex(prev.ID); idx >= 0 {
							d.Items[idx] = prev
						}
					}
				},
				func(s *ListSummary) {
					s.CheckedCount += len(affected)
				})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.RestoreChecked(ctx, listID)
		},
		commit: func(res any) {},
	}
	return e.run(ctx, m)
}

// ReorderItems applies a new manual order. Every affected sibling gets a
// dense sequence index recomputed; items absent from the requested order
// keep their relative position after the ordered ones.
func (e *Engine) ReorderItems(ctx context.Context, listID string, orderedIDs []string) error {
	entry := newEntry(OpReorderItems, listID, listID)
	entry.applyPatch = func() func() {
		var prev []Item
		e.cache.WriteDetail(listID, func(d *ListDetail) {
			prev = append([]Item(nil), d.Items...)
			d.Items = reorderItems(d.Items, orderedIDs)
		})
		return func() {
			if prev == nil {
				return
			}
			e.cache.WriteDetail(listID, func(d *ListDetail) {
				d.Items = prev
			})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			ids := make([]string, len(orderedIDs))
			for i, id := range orderedIDs {
				ids[i] = e.resolveID(id)
			}
			return nil, e.transport.ReorderItems(ctx, listID, ids)
		},
		commit: func(res any) {},
	}
	return e.run(ctx, m)
}

func reorderItems(items []Item, orderedIDs []string) []Item {
	position := make(map[string]int, len(orderedIDs))
	for i, id := range orderedIDs {
		position[id] = i
	}
	out := append([]Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iOK := position[out[i].ID]
		pj, jOK := position[out[j].ID]
		switch {
		case iOK && jOK:
			return pi < pj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return false
		}
	})
	for i := range out {
		out[i].SortOrder = i
	}
	return out
}

// CreateCategory adds a category to a list.
func (e *Engine) CreateCategory(ctx context.Context, listID, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	provID := provisionalID()
	entry := newEntry(OpCreateCategory, provID, listID)
	entry.applyPatch = func() func() {
		e.cache.WriteDetail(listID, func(d *ListDetail) {
			next := 0
			for _, c := range d.Categories {
				if c.SortOrder >= next {
					next = c.SortOrder + 1
				}
			}
			d.Categories = append(d.Categories, Category{
				ID:        provID,
				ListID:    listID,
				Name:      name,
				SortOrder: next,
			})
		})
		return func() {
			e.cache.WriteDetail(listID, func(d *ListDetail) {
				for i := range d.Categories {
					if d.Categories[i].ID == provID {
						d.Categories = append(d.Categories[:i], d.Categories[i+1:]...)
						return
					}
				}
			})
		}
	}

	var created *Category
	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.CreateCategory(ctx, listID, name)
		},
		commit: func(res any) {
			cat := res.(Category)
			created = &cat
			e.aliases[provID] = cat.ID
			e.ledger.Rekey(provID, cat.ID)
			e.cache.WriteDetail(listID, func(d *ListDetail) {
				for i := range d.Categories {
					if d.Categories[i].ID == provID || d.Categories[i].ID == cat.ID {
						d.Categories[i] = cat
						return
					}
				}
				d.Categories = append(d.Categories, cat)
			})
		},
	}
	if err := e.run(ctx, m); err != nil {
		return Category{}, err
	}
	if created == nil {
		return Category{ID: provID, ListID: listID, Name: name}, nil
	}
	return *created, nil
}

// ReorderCategories applies a new category order with dense sort indexes.
func (e *Engine) ReorderCategories(ctx context.Context, listID string, orderedIDs []string) error {
	entry := newEntry(OpReorderCategories, listID, listID)
	entry.applyPatch = func() func() {
		var prev []Category
		e.cache.WriteDetail(listID, func(d *ListDetail) {
			prev = append([]Category(nil), d.Categories...)
			position := make(map[string]int, len(orderedIDs))
			for i, id := range orderedIDs {
				position[id] = i
			}
			sort.SliceStable(d.Categories, func(i, j int) bool {
				pi, iOK := position[d.Categories[i].ID]
				pj, jOK := position[d.Categories[j].ID]
				switch {
				case iOK && jOK:
					return pi < pj
				case iOK:
					return true
				case jOK:
					return false
				default:
					return false
				}
			})
			for i := range d.Categories {
				d.Categories[i].SortOrder = i
			}
		})
		return func() {
			if prev == nil {
				return
			}
			e.cache.WriteDetail(listID, func(d *ListDetail) {
				d.Categories = prev
			})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			ids := make([]string, len(orderedIDs))
			for i, id := range orderedIDs {
				ids[i] = e.resolveID(id)
			}
			return nil, e.transport.ReorderCategories(ctx, listID, ids)
		},
		commit: func(res any) {},
	}
	return e.run(ctx, m)
}

// CreateList creates a list; the server seeds default categories for the
// list type. A provisional summary row appears immediately and is replaced
// by the authoritative snapshot at commit.
func (e *Engine) CreateList(ctx context.Context, data ListCreate) (ListSummary, error) {
	data.Name = strings.TrimSpace(data.Name)
	if data.Name == "" {
		return ListSummary{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	switch data.Type {
	case ListTypeGrocery, ListTypePacking, ListTypeTasks:
	default:
		return ListSummary{}, &ValidationError{Field: "type", Reason: "must be grocery, packing, or tasks"}
	}

	provID := provisionalID()
	entry := newEntry(OpCreateList, provID, provID)
	entry.applyPatch = func() func() {
		e.cache.SetSummary(provID, ListSummary{
			ID:    provID,
			Name:  data.Name,
			Type:  data.Type,
			Icon:  data.Icon,
			Color: data.Color,
		})
		return func() {
			e.cache.Remove(ScopeSummary, provID)
		}
	}

	var created *ListSummary
	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.CreateList(ctx, data)
		},
		commit: func(res any) {
			detail := res.(ListDetail)
			e.aliases[provID] = detail.ID
			e.ledger.Rekey(provID, detail.ID)
			e.cache.Remove(ScopeSummary, provID)
			summary := ListSummary{
				ID:    detail.ID,
				Name:  detail.Name,
				Type:  detail.Type,
				Icon:  data.Icon,
				Color: data.Color,
			}
			created = &summary
			e.cache.SetSummary(detail.ID, summary)
			e.cache.SetDetail(detail.ID, detail)
			e.repairOrderingLocked()
		},
	}
	if err := e.run(ctx, m); err != nil {
		return ListSummary{}, err
	}
	if created == nil {
		return ListSummary{ID: provID, Name: data.Name, Type: data.Type, Icon: data.Icon, Color: data.Color}, nil
	}
	return *created, nil
}

// UpdateList patches list metadata.
func (e *Engine) UpdateList(ctx context.Context, listID string, patch ListPatch) error {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}

	entry := newEntry(OpUpdateList, listID, listID)
	entry.applyPatch = func() func() {
		id := e.resolveIDLocked(listID)
		// Undo restores only the fields this patch touched. Snapshotting the
		// whole summary would clobber counts committed by concurrent item
		// mutations while this one was in flight.
		var prevName, prevIcon, prevColor, prevUpdatedAt string
		var prevDetailName string
		hadDetail := false
		e.cache.Apply(id,
			func(d *ListDetail) {
				hadDetail = true
				prevDetailName = d.Name
				if patch.Name != nil {
					d.Name = strings.TrimSpace(*patch.Name)
				}
			},
			func(s *ListSummary) {
				prevName, prevIcon, prevColor, prevUpdatedAt = s.Name, s.Icon, s.Color, s.UpdatedAt
				if patch.Name != nil {
					s.Name = strings.TrimSpace(*patch.Name)
				}
				if patch.Icon != nil {
					s.Icon = *patch.Icon
				}
				if patch.Color != nil {
					s.Color = *patch.Color
				}
				s.UpdatedAt = nowUTC()
			})
		return func() {
			e.cache.Apply(id,
				func(d *ListDetail) {
					if hadDetail {
						d.Name = prevDetailName
					}
				},
				func(s *ListSummary) {
					if patch.Name != nil {
						s.Name = prevName
					}
					if patch.Icon != nil {
						s.Icon = prevIcon
					}
					if patch.Color != nil {
						s.Color = prevColor
					}
					s.UpdatedAt = prevUpdatedAt
				})
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return e.transport.UpdateList(ctx, e.resolveID(listID), patch)
		},
		commit: func(res any) {
			summary := res.(ListSummary)
			e.cache.SetSummary(summary.ID, summary)
		},
	}
	return e.run(ctx, m)
}

// DeleteList removes a list from both scopes; the ordering sequence is
// repaired after the server confirms.
func (e *Engine) DeleteList(ctx context.Context, listID string) error {
	entry := newEntry(OpDeleteList, listID, listID)
	entry.applyPatch = func() func() {
		id := e.resolveIDLocked(listID)
		var prevSummary *ListSummary
		var prevDetail *ListDetail
		if current, ok := e.cache.Summary(id); ok {
			snapshot := current
			prevSummary = &snapshot
		}
		if current, ok := e.cache.Detail(id); ok {
			prevDetail = &current
		}
		e.cache.Remove(ScopeSummary, id)
		e.cache.Remove(ScopeDetail, id)
		return func() {
			if prevSummary != nil {
				e.cache.SetSummary(id, *prevSummary)
			}
			if prevDetail != nil {
				e.cache.SetDetail(id, *prevDetail)
			}
		}
	}

	m := &mutation{
		entry: entry,
		dispatch: func(ctx context.Context) (any, error) {
			return nil, e.transport.DeleteList(ctx, e.resolveID(listID))
		},
		commit: func(res any) {
			e.repairOrderingLocked()
		},
	}
	return e.run(ctx, m)
}
