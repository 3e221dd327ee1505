// Package identity resolves who is acting. A Provider signs principals in and
// out; a Policy decides who may enter the administrator screens.
package identity

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotSignedIn        = errors.New("not signed in with the identity provider")
)

type Principal struct {
	Email string
	Name  string
}

// Identity is the string recorded as a pen's borrower.
func (p Principal) Identity() string {
	if p.Email != "" {
		return p.Email
	}
	return p.Name
}

func (p Principal) IsZero() bool {
	return p.Identity() == ""
}

// Credentials carries whatever the login screen collected. Providers read only
// the fields they understand.
type Credentials struct {
	Username string
	Password string
	Name     string
	// Assertion is the identity an authenticating proxy vouched for on this request.
	Assertion string
}

type Provider interface {
	SignIn(ctx context.Context, creds Credentials) (Principal, error)
	SignOut(ctx context.Context, p Principal) error
	// Observe reports the principal the provider currently recognises for the
	// request. ok is false when the external session has gone away.
	Observe(creds Credentials, current Principal) (Principal, bool)
}

// ProxyHeader trusts an authenticating proxy (for example oauth2-proxy in
// front of Google sign-in) that puts the signed-in email in a request header.
type ProxyHeader struct {
	Header     string
	SignOutURL string
}

func (p *ProxyHeader) SignIn(ctx context.Context, creds Credentials) (Principal, error) {
	email := strings.TrimSpace(creds.Assertion)
	if email == "" {
		return Principal{}, ErrNotSignedIn
	}
	if !strings.Contains(email, "@") {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Email: strings.ToLower(email), Name: email}, nil
}

// SignOut has nothing to revoke locally; the view redirects to SignOutURL.
func (p *ProxyHeader) SignOut(ctx context.Context, principal Principal) error {
	return nil
}

func (p *ProxyHeader) Observe(creds Credentials, current Principal) (Principal, bool) {
	email := strings.TrimSpace(creds.Assertion)
	if email == "" {
		return Principal{}, false
	}
	if strings.EqualFold(email, current.Email) {
		return current, true
	}
	return Principal{Email: strings.ToLower(email), Name: email}, true
}

// NameEntry accepts any non-blank free-text name. There is no external session.
type NameEntry struct{}

func (NameEntry) SignIn(ctx context.Context, creds Credentials) (Principal, error) {
	name := strings.TrimSpace(creds.Name)
	if name == "" {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Name: name}, nil
}

func (NameEntry) SignOut(ctx context.Context, p Principal) error {
	return nil
}

func (NameEntry) Observe(creds Credentials, current Principal) (Principal, bool) {
	return current, !current.IsZero()
}
