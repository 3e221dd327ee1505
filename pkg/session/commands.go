package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"pentracker/pkg/inventory"
	"pentracker/pkg/queue"
)

// ToggleOne flips one pen in the selection if the current screen allows it.
func (c *Controller) ToggleOne(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.ToggleOne(id, c.selectableLocked())
}

// ToggleAll selects every selectable visible pen, or clears the selection.
func (c *Controller) ToggleAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.ToggleAll(c.selectableLocked())
}

func (c *Controller) selectableLocked() []int {
	visible := inventory.Visible(c.tracker.Pens(), c.stage.scope(), c.principal.Identity(), c.managerLocked())
	return inventory.SelectableIDs(visible, c.stage.scope())
}

func (c *Controller) Borrow(ctx context.Context) (inventory.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageBorrow && c.stage != StageAdmin {
		return inventory.Outcome{}, ErrInvalidTransition
	}
	return c.runLocked(ctx, inventory.Request{
		Action:    inventory.ActionBorrow,
		IDs:       c.tracker.Selected(),
		Actor:     c.principal.Identity(),
		StartDate: c.startDate,
		EndDate:   c.endDate,
		Manager:   c.managerLocked(),
	})
}

// RequestReturn parks the current selection until the user confirms it.
func (c *Controller) RequestReturn() ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageReturn && c.stage != StageAdmin {
		return nil, ErrInvalidTransition
	}
	ids := c.tracker.Selected()
	if len(ids) == 0 {
		c.notice = noticeFor(inventory.ErrEmptySelection)
		return nil, inventory.ErrEmptySelection
	}
	c.confirm = ids
	c.notice = Notice{}
	return ids, nil
}

// ConfirmReturn returns the parked pens, or drops them when confirmed is false.
func (c *Controller) ConfirmReturn(ctx context.Context, confirmed bool) (inventory.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageReturn && c.stage != StageAdmin {
		return inventory.Outcome{}, ErrInvalidTransition
	}
	ids := c.confirm
	c.confirm = nil
	if !confirmed {
		c.notice = Notice{Level: LevelInfo, Text: "Return cancelled."}
		return inventory.Outcome{Action: inventory.ActionReturn}, inventory.ErrConfirmationRequired
	}
	return c.runLocked(ctx, inventory.Request{
		Action:    inventory.ActionReturn,
		IDs:       ids,
		Actor:     c.principal.Identity(),
		Manager:   c.managerLocked(),
		Confirmed: true,
	})
}

func (c *Controller) Repair(ctx context.Context) (inventory.Outcome, error) {
	return c.adminCommand(ctx, inventory.ActionRepair)
}

func (c *Controller) RepairDone(ctx context.Context) (inventory.Outcome, error) {
	return c.adminCommand(ctx, inventory.ActionRepairDone)
}

func (c *Controller) MarkOverdue(ctx context.Context) (inventory.Outcome, error) {
	return c.adminCommand(ctx, inventory.ActionMarkOverdue)
}

func (c *Controller) ClearOverdue(ctx context.Context) (inventory.Outcome, error) {
	return c.adminCommand(ctx, inventory.ActionClearOverdue)
}

func (c *Controller) adminCommand(ctx context.Context, action inventory.Action) (inventory.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageAdmin {
		return inventory.Outcome{}, ErrInvalidTransition
	}
	return c.runLocked(ctx, inventory.Request{
		Action:  action,
		IDs:     c.tracker.Selected(),
		Manager: c.managerLocked(),
	})
}

func (c *Controller) runLocked(ctx context.Context, req inventory.Request) (inventory.Outcome, error) {
	out, err := c.tracker.Execute(ctx, req)
	if err != nil {
		c.notice = noticeFor(err)
		return out, err
	}

	for _, f := range out.Failed {
		c.retries.Enqueue(&queue.PendingWrite{
			Command:    string(req.Action),
			PenID:      f.PenID,
			Borrower:   req.Actor,
			StartDate:  req.StartDate,
			EndDate:    req.EndDate,
			Manager:    req.Manager,
			LastError:  f.Err.Error(),
			RetryAt:    c.now().Add(queue.Backoff(0)),
			MaxRetries: c.maxRetries,
		})
	}
	c.tracker.ClearSelection()
	c.notice = summarize(out)
	return out, nil
}

// RetryFailed re-issues every queued write now, ignoring backoff.
func (c *Controller) RetryFailed(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stage.Operating() {
		return 0, ErrInvalidTransition
	}
	due := c.retries.GetAll()
	c.retries.Clear()
	return c.retryLocked(ctx, due), nil
}

// RetryDue re-issues queued writes whose backoff has elapsed. It does nothing
// until the current screen has a loaded pen list.
func (c *Controller) RetryDue(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stage.Operating() || c.retries.Size() == 0 {
		return 0
	}
	now := c.now()
	var due []*queue.PendingWrite
	for w := c.retries.Dequeue(now); w != nil; w = c.retries.Dequeue(now) {
		due = append(due, w)
	}
	return c.retryLocked(ctx, due)
}

// retryLocked checks preconditions again against the current snapshot, so a
// write whose pen changed meanwhile is dropped rather than forced.
func (c *Controller) retryLocked(ctx context.Context, due []*queue.PendingWrite) int {
	if len(due) == 0 {
		return 0
	}
	if len(c.tracker.Pens()) == 0 {
		for _, w := range due {
			c.retries.Enqueue(w)
		}
		return 0
	}

	now := c.now()
	var committed, dropped []int
	for _, w := range due {
		out, err := c.tracker.Execute(ctx, inventory.Request{
			Action:    inventory.Action(w.Command),
			IDs:       []int{w.PenID},
			Actor:     w.Borrower,
			StartDate: w.StartDate,
			EndDate:   w.EndDate,
			Manager:   w.Manager,
			Confirmed: true,
		})
		if err == nil && len(out.Failed) == 0 {
			committed = append(committed, out.Committed...)
			dropped = append(dropped, out.Skipped...)
			continue
		}

		w.RetryCount++
		if err != nil {
			w.LastError = err.Error()
		} else {
			w.LastError = out.Failed[0].Err.Error()
		}
		if err != nil || w.Exhausted() {
			log.Printf("Session %s: giving up on %s for pen %d after %d attempts: %s",
				c.ID, w.Command, w.PenID, w.RetryCount, w.LastError)
			dropped = append(dropped, w.PenID)
			continue
		}
		w.RetryAt = now.Add(queue.Backoff(w.RetryCount))
		c.retries.Enqueue(w)
	}

	var parts []string
	if len(committed) > 0 {
		parts = append(parts, "Saved on retry: "+joinIDs(committed))
	}
	if n := c.retries.Size(); n > 0 {
		parts = append(parts, fmt.Sprintf("%d still pending", n))
	}
	if len(dropped) > 0 {
		parts = append(parts, "Gave up on: "+joinIDs(dropped))
	}
	if len(parts) > 0 {
		level := LevelInfo
		if len(dropped) > 0 || c.retries.Size() > 0 {
			level = LevelError
		}
		c.notice = Notice{Level: level, Text: strings.Join(parts, ". ") + "."}
	}
	return len(committed)
}

// Pending returns copies of the queued writes.
func (c *Controller) Pending() []queue.PendingWrite {
	items := c.retries.GetAll()
	out := make([]queue.PendingWrite, 0, len(items))
	for _, w := range items {
		out = append(out, *w)
	}
	return out
}

var actionVerbs = map[inventory.Action]string{
	inventory.ActionBorrow:       "Borrowed",
	inventory.ActionReturn:       "Returned",
	inventory.ActionRepair:       "Marked under repair",
	inventory.ActionRepairDone:   "Repair finished",
	inventory.ActionMarkOverdue:  "Marked overdue",
	inventory.ActionClearOverdue: "Overdue flag cleared",
}

var skipReasons = map[inventory.Action]string{
	inventory.ActionBorrow: "Not available",
	inventory.ActionReturn: "Not borrowed by you",
}

func summarize(out inventory.Outcome) Notice {
	var parts []string
	if len(out.Committed) > 0 {
		parts = append(parts, actionVerbs[out.Action]+": "+joinIDs(out.Committed))
	}
	if len(out.Skipped) > 0 {
		reason, ok := skipReasons[out.Action]
		if !ok {
			reason = "Skipped"
		}
		parts = append(parts, reason+": "+joinIDs(out.Skipped))
	}
	if len(out.Failed) > 0 {
		ids := make([]int, 0, len(out.Failed))
		for _, f := range out.Failed {
			ids = append(ids, f.PenID)
		}
		parts = append(parts, "Could not save: "+joinIDs(ids)+" (queued for retry)")
	}

	level := LevelInfo
	if len(out.Failed) > 0 || len(out.Committed) == 0 {
		level = LevelError
	}
	if len(parts) == 0 {
		return Notice{}
	}
	return Notice{Level: level, Text: strings.Join(parts, ". ") + "."}
}

func noticeFor(err error) Notice {
	var text string
	switch {
	case errors.Is(err, inventory.ErrEmptySelection):
		text = "Select at least one pen."
	case errors.Is(err, inventory.ErrMissingDates):
		text = "Choose a start date and an end date."
	case errors.Is(err, inventory.ErrEndBeforeStart):
		text = "The end date must not be before the start date."
	case errors.Is(err, inventory.ErrConfirmationRequired):
		text = "Please confirm the return."
	case errors.Is(err, inventory.ErrForbidden):
		text = "Only the administrator can do that."
	case errors.Is(err, inventory.ErrNotSupported):
		text = "Manual overdue flags are not enabled."
	default:
		text = "Something went wrong: " + err.Error()
	}
	return Notice{Level: LevelError, Text: text}
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
