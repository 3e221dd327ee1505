package session

import (
	"time"

	"pentracker/pkg/inventory"
	"pentracker/pkg/models"
	"pentracker/pkg/queue"
)

// Card is one pen as a screen shows it.
type Card struct {
	Pen        models.Pen
	Status     models.Status
	Late       bool
	Selected   bool
	Selectable bool
}

// View is everything a screen needs, captured under the controller lock.
type View struct {
	Stage         Stage
	Mode          Mode
	Identity      string
	Manager       bool
	ManualOverdue bool
	SignOutURL    string
	Cards         []Card
	Selected      []int
	AllSelected   bool
	StartDate     string
	EndDate       string
	Confirm       []int
	Overdue       []models.Pen
	Pending       []queue.PendingWrite
	Notice        Notice
	Changes       uint64
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	manager := c.managerLocked()
	scope := c.stage.scope()
	pens := c.tracker.Pens()

	v := View{
		Stage:     c.stage,
		Mode:      c.mode,
		Identity:  c.principal.Identity(),
		Manager:   manager,
		Selected:  c.tracker.Selected(),
		Confirm:   append([]int(nil), c.confirm...),
		Notice:    c.notice,
		Pending:   c.Pending(),
		Changes:   c.Changes(),
		StartDate: formatInput(c.startDate),
		EndDate:   formatInput(c.endDate),
	}
	if c.variant != nil {
		v.ManualOverdue = c.variant.ManualOverdue
		v.SignOutURL = c.variant.SignOutURL
	}

	selectable := 0
	for _, p := range inventory.Visible(pens, scope, v.Identity, manager) {
		card := Card{
			Pen:        p,
			Status:     inventory.ComputeStatus(p, now),
			Late:       p.OverdueAt(now),
			Selected:   c.tracker.IsSelected(p.ID),
			Selectable: inventory.Selectable(p, scope),
		}
		if card.Selectable {
			selectable++
		}
		v.Cards = append(v.Cards, card)
	}
	v.AllSelected = selectable > 0 && len(v.Selected) == selectable

	if c.stage == StageOverdue {
		v.Overdue = inventory.OverdueReport(pens, now)
	}
	return v
}

func formatInput(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(models.DateLayout)
}
