// Package session drives one user's walk through the screens: which stage is
// active, who is acting, the pending date range, and the store subscription
// that keeps the pen list current while an operating screen is shown.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"pentracker/pkg/circuitbreaker"
	"pentracker/pkg/identity"
	"pentracker/pkg/inventory"
	"pentracker/pkg/models"
	"pentracker/pkg/queue"
	"pentracker/pkg/store"
)

type Stage string

const (
	StageSelectMode Stage = "selectMode"
	StageLogin      Stage = "login"
	StageAdminLogin Stage = "adminLogin"
	StageBorrow     Stage = "borrow"
	StageReturn     Stage = "return"
	StageAdmin      Stage = "admin"
	StageOverdue    Stage = "overdue"
)

// Operating reports whether the stage shows live pen data.
func (s Stage) Operating() bool {
	switch s {
	case StageBorrow, StageReturn, StageAdmin, StageOverdue:
		return true
	}
	return false
}

func (s Stage) scope() inventory.Scope {
	switch s {
	case StageBorrow:
		return inventory.ScopeBorrow
	case StageReturn:
		return inventory.ScopeReturn
	case StageAdmin:
		return inventory.ScopeAdmin
	}
	return inventory.ScopeNone
}

type Mode string

const (
	ModeNone   Mode = ""
	ModeBorrow Mode = "borrow"
	ModeReturn Mode = "return"
	ModeAdmin  Mode = "admin"
)

var (
	ErrInvalidTransition = errors.New("not allowed on this screen")
	ErrUnknownMode       = errors.New("unknown mode")
	ErrInvalidDate       = errors.New("invalid date")
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notice struct {
	Level Level
	Text  string
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Store        store.Store
	Variant      *identity.Variant
	Breaker      *circuitbreaker.CircuitBreaker
	WriteTimeout time.Duration
	Location     *time.Location
	MaxRetries   int
	Now          func() time.Time
}

type Controller struct {
	ID string

	store      store.Store
	variant    *identity.Variant
	tracker    *inventory.Tracker
	retries    *queue.Queue
	maxRetries int
	loc        *time.Location
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stage     Stage
	mode      Mode
	principal identity.Principal
	startDate time.Time
	endDate   time.Time
	confirm   []int
	notice    Notice
	sub       store.Subscription
	lastSeen  time.Time

	changeMu sync.Mutex
	changed  chan struct{}
	changes  uint64
}

func NewController(id string, deps Deps) *Controller {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	maxRetries := deps.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var manualOverdue bool
	if deps.Variant != nil {
		manualOverdue = deps.Variant.ManualOverdue
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ID:         id,
		store:      deps.Store,
		variant:    deps.Variant,
		retries:    queue.NewQueue(),
		maxRetries: maxRetries,
		loc:        loc,
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		stage:      StageSelectMode,
		lastSeen:   now(),
		changed:    make(chan struct{}),
	}
	c.tracker = inventory.NewTracker(deps.Store,
		inventory.WithBreaker(deps.Breaker),
		inventory.WithManualOverdue(manualOverdue),
		inventory.WithWriteTimeout(deps.WriteTimeout),
		inventory.WithLocation(loc),
	)
	c.tracker.OnChange(func(uint64) { c.broadcast() })
	return c
}

func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

func (c *Controller) Principal() identity.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Controller) Tracker() *inventory.Tracker {
	return c.tracker
}

// Subscribed reports whether a store subscription is currently open.
func (c *Controller) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *Controller) Touch() {
	c.mu.Lock()
	c.lastSeen = c.now()
	c.mu.Unlock()
}

func (c *Controller) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// ChooseMode leaves the mode selection for the matching login screen.
func (c *Controller) ChooseMode(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageSelectMode {
		return ErrInvalidTransition
	}
	switch mode {
	case ModeBorrow, ModeReturn:
		c.stage = StageLogin
	case ModeAdmin:
		c.stage = StageAdminLogin
	default:
		return ErrUnknownMode
	}
	c.mode = mode
	c.notice = Notice{}
	return nil
}

// CompleteLogin signs the principal in. Invalid credentials send the user back
// to mode selection; an unavailable provider keeps the login screen open.
func (c *Controller) CompleteLogin(ctx context.Context, creds identity.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		p    identity.Principal
		err  error
		next Stage
	)
	switch c.stage {
	case StageLogin:
		p, err = c.variant.Provider.SignIn(ctx, creds)
		next = StageBorrow
		if c.mode == ModeReturn {
			next = StageReturn
		}
	case StageAdminLogin:
		p, err = c.variant.Policy.AdminLogin(creds)
		next = StageAdmin
	default:
		return ErrInvalidTransition
	}

	if errors.Is(err, identity.ErrInvalidCredentials) {
		log.Printf("Session %s: rejected login for %s", c.ID, c.mode)
		c.resetLocked()
		c.notice = Notice{Level: LevelError, Text: "Sign-in failed. Choose a mode and try again."}
		return err
	}
	if err != nil {
		log.Printf("Session %s: identity provider unavailable: %v", c.ID, err)
		c.notice = Notice{Level: LevelError, Text: "Sign-in is not available right now. Please try again."}
		return err
	}

	c.principal = p
	c.notice = Notice{}
	c.enterLocked(next)
	log.Printf("Session %s: %s signed in for %s", c.ID, p.Identity(), c.mode)
	return nil
}

// Logout returns to mode selection from any stage and forgets everything.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if !c.principal.IsZero() && c.variant != nil {
		if err = c.variant.Provider.SignOut(ctx, c.principal); err != nil {
			log.Printf("Session %s: sign-out failed: %v", c.ID, err)
		}
	}
	c.resetLocked()
	return err
}

// ObservePrincipal applies what the identity provider currently reports for
// the request. On the borrow and return screens a vanished external session
// forces the login screen and a different account replaces the principal.
func (c *Controller) ObservePrincipal(creds identity.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageBorrow && c.stage != StageReturn {
		return
	}
	p, ok := c.variant.Provider.Observe(creds, c.principal)
	if !ok {
		log.Printf("Session %s: external session for %s ended", c.ID, c.principal.Identity())
		c.principal = identity.Principal{}
		c.enterLocked(StageLogin)
		c.notice = Notice{Level: LevelError, Text: "You were signed out. Please sign in again."}
		return
	}
	if p.Identity() != c.principal.Identity() {
		log.Printf("Session %s: principal changed to %s", c.ID, p.Identity())
		c.principal = p
		c.confirm = nil
		c.tracker.ClearSelection()
	}
}

func (c *Controller) ShowOverdue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != StageAdmin {
		return ErrInvalidTransition
	}
	c.enterLocked(StageOverdue)
	return nil
}

func (c *Controller) BackToAdmin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stage != StageOverdue {
		return ErrInvalidTransition
	}
	c.enterLocked(StageAdmin)
	return nil
}

// SetDates records the pending borrow range from YYYY-MM-DD form values.
func (c *Controller) SetDates(start, end string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stage != StageBorrow && c.stage != StageAdmin {
		return ErrInvalidTransition
	}
	s, err := models.ParseDate(start, c.loc)
	if err != nil {
		c.notice = Notice{Level: LevelError, Text: "Start date is not a valid date."}
		return ErrInvalidDate
	}
	e, err := models.ParseDate(end, c.loc)
	if err != nil {
		c.notice = Notice{Level: LevelError, Text: "End date is not a valid date."}
		return ErrInvalidDate
	}
	c.startDate, c.endDate = s, e
	return nil
}

// Close drops the subscription for good.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closeSubLocked()
	c.tracker.Reset()
	c.mu.Unlock()
	c.cancel()
	c.broadcast()
}

// WaitChange blocks until a snapshot newer than since was adopted and returns
// the new change counter.
func (c *Controller) WaitChange(ctx context.Context, since uint64) (uint64, error) {
	for {
		c.changeMu.Lock()
		ch, n := c.changed, c.changes
		c.changeMu.Unlock()
		if n != since {
			return n, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return since, ctx.Err()
		case <-c.ctx.Done():
			return since, c.ctx.Err()
		}
	}
}

// Changes returns the current change counter.
func (c *Controller) Changes() uint64 {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	return c.changes
}

func (c *Controller) broadcast() {
	c.changeMu.Lock()
	c.changes++
	close(c.changed)
	c.changed = make(chan struct{})
	c.changeMu.Unlock()
}

func (c *Controller) managerLocked() bool {
	if c.variant == nil {
		return false
	}
	admin := c.stage == StageAdmin || c.stage == StageOverdue
	return c.variant.Policy.IsManager(c.principal, admin)
}

// enterLocked moves to stage, clearing per-screen state and replacing the
// subscription so that exactly one is open while operating.
func (c *Controller) enterLocked(stage Stage) {
	c.stage = stage
	c.confirm = nil
	c.resubscribeLocked()
}

func (c *Controller) resetLocked() {
	c.principal = identity.Principal{}
	c.mode = ModeNone
	c.startDate, c.endDate = time.Time{}, time.Time{}
	c.notice = Notice{}
	c.retries.Clear()
	c.enterLocked(StageSelectMode)
}

func (c *Controller) closeSubLocked() {
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Controller) resubscribeLocked() {
	c.closeSubLocked()
	epoch := c.tracker.Reset()
	if !c.stage.Operating() || c.store == nil {
		return
	}

	sub, err := c.store.Subscribe(c.ctx, func(snap store.Snapshot) {
		c.tracker.Adopt(c.ctx, snap, epoch)
	})
	if err != nil {
		log.Printf("Session %s: subscribe failed: %v", c.ID, err)
		c.notice = Notice{Level: LevelError, Text: "Could not load pens. Please try again later."}
		return
	}
	c.sub = sub
}
