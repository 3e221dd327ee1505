package inventory

import (
	"math"
	"sort"
	"time"

	"pentracker/pkg/models"
)

// Scope says which pens a screen works with.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeBorrow
	ScopeReturn
	ScopeAdmin
)

// Visible projects the pen list for a screen. On the return screen a
// non-manager only sees pens lent to identity.
func Visible(pens []models.Pen, scope Scope, identity string, manager bool) []models.Pen {
	switch scope {
	case ScopeBorrow, ScopeAdmin:
		out := make([]models.Pen, len(pens))
		copy(out, pens)
		return out
	case ScopeReturn:
		if manager {
			out := make([]models.Pen, len(pens))
			copy(out, pens)
			return out
		}
		out := make([]models.Pen, 0)
		if identity == "" {
			return out
		}
		for _, p := range pens {
			if p.Borrower == identity {
				out = append(out, p)
			}
		}
		return out
	default:
		return []models.Pen{}
	}
}

// Selectable reports whether a visible pen may be ticked on a screen.
func Selectable(p models.Pen, scope Scope) bool {
	switch scope {
	case ScopeBorrow:
		return p.Available()
	case ScopeReturn:
		return p.Borrowed()
	case ScopeAdmin:
		return true
	default:
		return false
	}
}

func SelectableIDs(pens []models.Pen, scope Scope) []int {
	ids := make([]int, 0, len(pens))
	for _, p := range pens {
		if Selectable(p, scope) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// RemainingDays is ceil((endDate-now)/24h). ok is false without an end date.
func RemainingDays(p models.Pen, now time.Time) (int, bool) {
	if p.EndDate.IsZero() {
		return 0, false
	}
	days := math.Ceil(p.EndDate.Sub(now).Hours() / 24)
	return int(days), true
}

func ComputeStatus(p models.Pen, now time.Time) models.Status {
	if p.Repairing {
		return models.StatusUnderRepair
	}
	if !p.Borrowed() {
		return models.StatusAvailable
	}
	days, ok := RemainingDays(p, now)
	if !ok || days <= 2 {
		return models.StatusShortTerm
	}
	return models.StatusLongTerm
}

// OverdueReport lists borrowed pens whose end date has passed, earliest first.
func OverdueReport(pens []models.Pen, now time.Time) []models.Pen {
	out := make([]models.Pen, 0)
	for _, p := range pens {
		if p.OverdueAt(now) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].EndDate.Before(out[j].EndDate)
	})
	return out
}
