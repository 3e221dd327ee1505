package inventory

import "sort"

// ToggleOne flips one pen in the selection. selectable lists the ids the
// current screen allows.
func (t *Tracker) ToggleOne(id int, selectable []int) error {
	if !containsID(selectable, id) {
		return ErrNotSelectable
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.selected[id]; ok {
		delete(t.selected, id)
	} else {
		t.selected[id] = struct{}{}
	}
	return nil
}

// ToggleAll selects every selectable id, or clears the selection when all of
// them are already selected.
func (t *Tracker) ToggleAll(selectable []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := len(selectable) > 0
	for _, id := range selectable {
		if _, ok := t.selected[id]; !ok {
			all = false
			break
		}
	}

	t.selected = make(map[int]struct{}, len(selectable))
	if all {
		return
	}
	for _, id := range selectable {
		t.selected[id] = struct{}{}
	}
}

func (t *Tracker) ClearSelection() {
	t.mu.Lock()
	t.selected = make(map[int]struct{})
	t.mu.Unlock()
}

// Selected returns the selected ids in ascending order.
func (t *Tracker) Selected() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int, 0, len(t.selected))
	for id := range t.selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Tracker) IsSelected(id int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.selected[id]
	return ok
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
