package models

import (
	"strconv"
	"time"
)

// PenCount is the fixed size of the pen universe; ids run 1..PenCount.
const PenCount = 92

// Document field names as stored in the pens collection.
const (
	FieldBorrower  = "borrower"
	FieldStartDate = "startDate"
	FieldEndDate   = "endDate"
	FieldRepairing = "repairing"
	FieldOverdue   = "overdue"
)

const DateLayout = "2006-01-02"

type Status string

const (
	StatusUnderRepair Status = "under repair"
	StatusShortTerm   Status = "short-term"
	StatusLongTerm    Status = "long-term"
	StatusAvailable   Status = "available"
)

// Pen is one borrowable unit. Zero StartDate/EndDate mean "none".
type Pen struct {
	ID        int
	Borrower  string
	StartDate time.Time
	EndDate   time.Time
	Repairing bool
	// Overdue is the manual flag set by a manager. It is unrelated to OverdueAt.
	Overdue bool
}

func (p Pen) DocID() string {
	return DocID(p.ID)
}

func DocID(id int) string {
	return strconv.Itoa(id)
}

func (p Pen) Borrowed() bool {
	return p.Borrower != ""
}

func (p Pen) Available() bool {
	return !p.Borrowed() && !p.Repairing
}

func (p Pen) HasDates() bool {
	return !p.StartDate.IsZero() && !p.EndDate.IsZero()
}

// OverdueAt reports the date-derived overdue status: borrowed with an end date before now.
func (p Pen) OverdueAt(now time.Time) bool {
	return p.Borrowed() && !p.EndDate.IsZero() && p.EndDate.Before(now)
}

// NewPen returns a pen with default field values.
func NewPen(id int) Pen {
	return Pen{ID: id}
}

// DefaultFields is the document written when the universe is first created.
func DefaultFields(withOverdue bool) map[string]any {
	fields := map[string]any{
		FieldBorrower:  nil,
		FieldStartDate: nil,
		FieldEndDate:   nil,
		FieldRepairing: false,
	}
	if withOverdue {
		fields[FieldOverdue] = false
	}
	return fields
}

// DateOnly drops the clock part of t, keeping its location.
func DateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDate parses a YYYY-MM-DD form value in loc. Empty input yields the zero time.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, value, loc)
}

// FormatDate renders a date the way pen cards show it.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006/01/02")
}
