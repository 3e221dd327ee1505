package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pentracker/pkg/identity"
	"pentracker/pkg/session"
)

const controllerKey = "controller"

// withSession attaches the caller's controller, creating one and setting the
// cookie on first contact. The identity provider is consulted on every request.
func withSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ctrl *session.Controller
		if id, err := c.Cookie(sessionCookie); err == nil {
			ctrl, _ = registry.Get(id)
		}
		if ctrl == nil {
			ctrl = registry.Create()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(sessionCookie, ctrl.ID, 0, "/", "", cookieSecure, true)
		}
		ctrl.ObservePrincipal(identity.Credentials{Assertion: c.GetHeader(identityHeader)})
		c.Set(controllerKey, ctrl)
		c.Next()
	}
}

func current(c *gin.Context) *session.Controller {
	return c.MustGet(controllerKey).(*session.Controller)
}

func backHome(c *gin.Context) {
	c.Redirect(http.StatusSeeOther, "/")
}

func showScreen(c *gin.Context) {
	render(c, current(c).View())
}

func chooseMode(c *gin.Context) {
	err := current(c).ChooseMode(session.Mode(c.PostForm("mode")))
	if errors.Is(err, session.ErrUnknownMode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be borrow, return or admin"})
		return
	}
	if err != nil {
		log.Printf("Choose mode: %v", err)
	}
	backHome(c)
}

func login(c *gin.Context) {
	creds := identity.Credentials{
		Username:  c.PostForm("username"),
		Password:  c.PostForm("password"),
		Name:      c.PostForm("name"),
		Assertion: c.GetHeader(identityHeader),
	}
	if err := current(c).CompleteLogin(c.Request.Context(), creds); err != nil {
		log.Printf("Login failed: %v", err)
	}
	backHome(c)
}

func logout(c *gin.Context) {
	if err := current(c).Logout(c.Request.Context()); err != nil {
		log.Printf("Logout: %v", err)
	}
	if variant.SignOutURL != "" {
		c.Redirect(http.StatusSeeOther, variant.SignOutURL)
		return
	}
	backHome(c)
}

func setDates(c *gin.Context) {
	if err := current(c).SetDates(c.PostForm("start"), c.PostForm("end")); err != nil {
		log.Printf("Set dates: %v", err)
	}
	backHome(c)
}

func toggleOne(c *gin.Context) {
	id, err := strconv.Atoi(c.PostForm("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a pen number"})
		return
	}
	if err := current(c).ToggleOne(id); err != nil {
		log.Printf("Toggle pen %d: %v", id, err)
	}
	backHome(c)
}

func toggleAll(c *gin.Context) {
	current(c).ToggleAll()
	backHome(c)
}

func borrow(c *gin.Context) {
	ctrl := current(c)
	if start, end := c.PostForm("start"), c.PostForm("end"); start != "" || end != "" {
		if err := ctrl.SetDates(start, end); err != nil {
			log.Printf("Borrow: %v", err)
			backHome(c)
			return
		}
	}
	if _, err := ctrl.Borrow(c.Request.Context()); err != nil {
		log.Printf("Borrow: %v", err)
	}
	backHome(c)
}

func requestReturn(c *gin.Context) {
	if _, err := current(c).RequestReturn(); err != nil {
		log.Printf("Return: %v", err)
	}
	backHome(c)
}

func confirmReturn(c *gin.Context) {
	if _, err := current(c).ConfirmReturn(c.Request.Context(), c.PostForm("confirm") == "yes"); err != nil {
		log.Printf("Confirm return: %v", err)
	}
	backHome(c)
}

func repair(c *gin.Context) {
	if _, err := current(c).Repair(c.Request.Context()); err != nil {
		log.Printf("Repair: %v", err)
	}
	backHome(c)
}

func repairDone(c *gin.Context) {
	if _, err := current(c).RepairDone(c.Request.Context()); err != nil {
		log.Printf("Repair done: %v", err)
	}
	backHome(c)
}

func markOverdue(c *gin.Context) {
	if _, err := current(c).MarkOverdue(c.Request.Context()); err != nil {
		log.Printf("Mark overdue: %v", err)
	}
	backHome(c)
}

func clearOverdue(c *gin.Context) {
	if _, err := current(c).ClearOverdue(c.Request.Context()); err != nil {
		log.Printf("Clear overdue: %v", err)
	}
	backHome(c)
}

func showOverdue(c *gin.Context) {
	if err := current(c).ShowOverdue(); err != nil {
		log.Printf("Show overdue: %v", err)
	}
	backHome(c)
}

func backToAdmin(c *gin.Context) {
	if err := current(c).BackToAdmin(); err != nil {
		log.Printf("Back to admin: %v", err)
	}
	backHome(c)
}

func retry(c *gin.Context) {
	n, err := current(c).RetryFailed(c.Request.Context())
	if err != nil {
		log.Printf("Retry: %v", err)
	} else if n > 0 {
		log.Printf("Retry saved %d writes", n)
	}
	backHome(c)
}

// events streams a "change" event whenever the session adopted a newer
// snapshot, with a periodic ping to keep proxies from closing the stream.
func events(c *gin.Context) {
	ctrl := current(c)
	since, err := strconv.ParseUint(c.Query("since"), 10, 64)
	if err != nil {
		since = ctrl.Changes()
	}

	c.Stream(func(w io.Writer) bool {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 25*time.Second)
		n, err := ctrl.WaitChange(ctx, since)
		cancel()
		if c.Request.Context().Err() != nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			c.SSEvent("ping", since)
			return true
		}
		if err != nil {
			return false
		}
		since = n
		c.SSEvent("change", n)
		return true
	})
}

func healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := pens.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Store unreachable",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "UP",
		"breaker":  breaker.GetState().String(),
		"sessions": registry.Len(),
	})
}
