package identity

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Policy is the authorization strategy for the administrator screens.
type Policy interface {
	AdminLogin(creds Credentials) (Principal, error)
	// IsManager reports manager capabilities; admin is true while on the admin screens.
	IsManager(p Principal, admin bool) bool
}

// PasswordPolicy checks a fixed administrator username and password.
type PasswordPolicy struct {
	username string
	hash     []byte
}

// NewPasswordPolicy uses hash when given, otherwise hashes password.
func NewPasswordPolicy(username, password, hash string) (*PasswordPolicy, error) {
	if hash == "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		hash = string(h)
	}
	return &PasswordPolicy{username: username, hash: []byte(hash)}, nil
}

func (p *PasswordPolicy) AdminLogin(creds Credentials) (Principal, error) {
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(p.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(p.hash, []byte(creds.Password))
	if !userOK || passErr != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Name: p.username}, nil
}

func (p *PasswordPolicy) IsManager(principal Principal, admin bool) bool {
	return admin
}

// ManagerNamePolicy grants manager rights to whoever enters the reserved
// manager name, compared case-insensitively.
type ManagerNamePolicy struct {
	Manager string
}

func (p *ManagerNamePolicy) AdminLogin(creds Credentials) (Principal, error) {
	name := strings.TrimSpace(creds.Name)
	if name == "" {
		name = strings.TrimSpace(creds.Username)
	}
	if name == "" || !strings.EqualFold(name, p.Manager) {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Name: name}, nil
}

func (p *ManagerNamePolicy) IsManager(principal Principal, admin bool) bool {
	return admin || (p.Manager != "" && strings.EqualFold(principal.Identity(), p.Manager))
}

// Variant bundles the provider, the policy and the features that differ
// between the Google sign-in deployment and the name-entry deployment.
type Variant struct {
	Name          string
	Provider      Provider
	Policy        Policy
	ManualOverdue bool
	SignOutURL    string
}

const (
	VariantGoogle = "google"
	VariantName   = "name"
)

type VariantConfig struct {
	Kind           string
	IdentityHeader string
	SignOutURL     string
	AdminUser      string
	AdminPassword  string
	AdminHash      string
	ManagerName    string
}

func NewVariant(cfg VariantConfig) (*Variant, error) {
	switch cfg.Kind {
	case VariantGoogle:
		policy, err := NewPasswordPolicy(cfg.AdminUser, cfg.AdminPassword, cfg.AdminHash)
		if err != nil {
			return nil, err
		}
		return &Variant{
			Name:          VariantGoogle,
			Provider:      &ProxyHeader{Header: cfg.IdentityHeader, SignOutURL: cfg.SignOutURL},
			Policy:        policy,
			ManualOverdue: true,
			SignOutURL:    cfg.SignOutURL,
		}, nil
	case VariantName:
		if strings.TrimSpace(cfg.ManagerName) == "" {
			return nil, fmt.Errorf("name variant needs a manager name")
		}
		return &Variant{
			Name:     VariantName,
			Provider: NameEntry{},
			Policy:   &ManagerNamePolicy{Manager: strings.TrimSpace(cfg.ManagerName)},
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth variant %q", cfg.Kind)
	}
}
