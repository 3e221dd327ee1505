package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"pentracker/pkg/models"
)

var (
	ErrEmptySelection       = errors.New("no pens selected")
	ErrMissingDates         = errors.New("start and end dates are required")
	ErrEndBeforeStart       = errors.New("end date is before start date")
	ErrConfirmationRequired = errors.New("return needs confirmation")
	ErrForbidden            = errors.New("manager rights required")
	ErrNotSupported         = errors.New("not supported in this deployment")
	ErrNotSelectable        = errors.New("pen cannot be selected here")
	ErrUnknownAction        = errors.New("unknown action")
)

type Action string

const (
	ActionBorrow       Action = "borrow"
	ActionReturn       Action = "return"
	ActionRepair       Action = "repair"
	ActionRepairDone   Action = "repairDone"
	ActionMarkOverdue  Action = "markOverdue"
	ActionClearOverdue Action = "clearOverdue"
)

// Request is one command over a set of pens. Actor is the identity that
// borrows or returns; Manager carries manager rights.
type Request struct {
	Action    Action
	IDs       []int
	Actor     string
	StartDate time.Time
	EndDate   time.Time
	Manager   bool
	Confirmed bool
}

type Failure struct {
	PenID int
	Err   error
}

// Outcome reports per pen what a command did. Skipped pens failed the
// precondition against the last snapshot; Failed pens hit a store error.
type Outcome struct {
	Action    Action
	Committed []int
	Skipped   []int
	Failed    []Failure
}

func (o Outcome) OK() bool {
	return len(o.Failed) == 0
}

func (t *Tracker) Borrow(ctx context.Context, ids []int, start, end time.Time, actor string) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionBorrow, IDs: ids, Actor: actor, StartDate: start, EndDate: end})
}

func (t *Tracker) Return(ctx context.Context, ids []int, actor string, manager, confirmed bool) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionReturn, IDs: ids, Actor: actor, Manager: manager, Confirmed: confirmed})
}

func (t *Tracker) Repair(ctx context.Context, ids []int, manager bool) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionRepair, IDs: ids, Manager: manager})
}

func (t *Tracker) RepairDone(ctx context.Context, ids []int, manager bool) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionRepairDone, IDs: ids, Manager: manager})
}

func (t *Tracker) MarkOverdue(ctx context.Context, ids []int, manager bool) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionMarkOverdue, IDs: ids, Manager: manager})
}

func (t *Tracker) ClearOverdue(ctx context.Context, ids []int, manager bool) (Outcome, error) {
	return t.Execute(ctx, Request{Action: ActionClearOverdue, IDs: ids, Manager: manager})
}

// Execute validates req, then issues one independent write per pen whose
// precondition holds in the current snapshot. Local state is not touched;
// it changes when the store delivers the next snapshot.
func (t *Tracker) Execute(ctx context.Context, req Request) (Outcome, error) {
	if err := t.validate(req); err != nil {
		return Outcome{Action: req.Action}, err
	}

	byID := make(map[int]models.Pen)
	for _, p := range t.Pens() {
		byID[p.ID] = p
	}

	out := Outcome{Action: req.Action}
	for _, id := range uniqueIDs(req.IDs) {
		pen, ok := byID[id]
		if !ok || !precondition(req, pen) {
			out.Skipped = append(out.Skipped, id)
			continue
		}

		fields := t.fieldsFor(req)
		err := t.write(ctx, func(ctx context.Context) error {
			return t.store.Update(ctx, models.DocID(id), fields)
		})
		if err != nil {
			log.Printf("Failed to %s pen %d: %v", req.Action, id, err)
			out.Failed = append(out.Failed, Failure{PenID: id, Err: err})
			continue
		}
		out.Committed = append(out.Committed, id)
	}
	return out, nil
}

func (t *Tracker) validate(req Request) error {
	if len(req.IDs) == 0 {
		return ErrEmptySelection
	}
	switch req.Action {
	case ActionBorrow:
		if req.StartDate.IsZero() || req.EndDate.IsZero() {
			return ErrMissingDates
		}
		if req.EndDate.Before(req.StartDate) {
			return ErrEndBeforeStart
		}
		if req.Actor == "" {
			return ErrForbidden
		}
	case ActionReturn:
		if !req.Confirmed {
			return ErrConfirmationRequired
		}
	case ActionRepair, ActionRepairDone:
		if !req.Manager {
			return ErrForbidden
		}
	case ActionMarkOverdue, ActionClearOverdue:
		if !t.manualOverdue {
			return ErrNotSupported
		}
		if !req.Manager {
			return ErrForbidden
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	return nil
}

func precondition(req Request, pen models.Pen) bool {
	switch req.Action {
	case ActionBorrow:
		return pen.Available()
	case ActionReturn:
		return req.Manager || (req.Actor != "" && pen.Borrower == req.Actor)
	default:
		return true
	}
}

func (t *Tracker) fieldsFor(req Request) map[string]any {
	switch req.Action {
	case ActionBorrow:
		return map[string]any{
			models.FieldBorrower:  req.Actor,
			models.FieldStartDate: models.DateOnly(req.StartDate.In(t.loc)),
			models.FieldEndDate:   models.DateOnly(req.EndDate.In(t.loc)),
		}
	case ActionReturn:
		return map[string]any{
			models.FieldBorrower:  nil,
			models.FieldStartDate: nil,
			models.FieldEndDate:   nil,
		}
	case ActionRepair:
		return map[string]any{models.FieldRepairing: true}
	case ActionRepairDone:
		return map[string]any{models.FieldRepairing: false}
	case ActionMarkOverdue:
		return map[string]any{models.FieldOverdue: true}
	case ActionClearOverdue:
		return map[string]any{models.FieldOverdue: false}
	}
	return nil
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
