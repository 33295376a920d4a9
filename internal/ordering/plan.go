// Package ordering reorders sibling entities inside one ordered collection.
package ordering

import (
	"sort"

	"taigalike/api/internal/store"
)

// Op moves one item to a new order value.
type Op struct {
	ID    string `json:"id"`
	Order int64  `json:"order"`
}

// Result lists the new order of every item that changed. Shifted holds only
// the siblings that moved because an op collided with them.
type Result struct {
	Changed map[string]int64
	Shifted map[string]int64
}

func (r Result) Empty() bool { return len(r.Changed) == 0 }

// Plan applies ops to the current orders and cascades collisions. Targets
// land exactly where asked; a sibling whose order is taken moves to the next
// free value past its predecessor, and so on until every order is unique.
// Ops that restate current orders change nothing.
func Plan(current []store.OrderItem, ops []Op) Result {
	res := Result{Changed: map[string]int64{}, Shifted: map[string]int64{}}

	before := make(map[string]int64, len(current))
	for _, item := range current {
		before[item.ID] = item.Order
	}
	targets := map[string]int64{}
	moved := false
	for _, op := range ops {
		targets[op.ID] = op.Order
		if old, ok := before[op.ID]; !ok || old != op.Order {
			moved = true
		}
	}
	if !moved {
		return res
	}

	items := make([]store.OrderItem, 0, len(current))
	for _, item := range current {
		if order, ok := targets[item.ID]; ok {
			item.Order = order
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		_, aTarget := targets[a.ID]
		_, bTarget := targets[b.ID]
		if aTarget != bTarget {
			return aTarget
		}
		return before[a.ID] < before[b.ID]
	})

	reserved := map[int64]bool{}
	for _, order := range targets {
		reserved[order] = true
	}
	used := map[int64]bool{}
	var last int64
	for i, item := range items {
		_, isTarget := targets[item.ID]
		order := item.Order
		taken := used[order] || (!isTarget && reserved[order])
		if taken || (!isTarget && i > 0 && order <= last) {
			if order <= last {
				order = last + 1
			}
			for used[order] || reserved[order] {
				order++
			}
		}
		used[order] = true
		if i == 0 || order > last {
			last = order
		}
		if before[item.ID] == order {
			continue
		}
		res.Changed[item.ID] = order
		if !isTarget {
			res.Shifted[item.ID] = order
		}
	}
	return res
}
