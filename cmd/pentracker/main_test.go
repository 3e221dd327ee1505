package main

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"pentracker/pkg/circuitbreaker"
	"pentracker/pkg/config"
	"pentracker/pkg/identity"
	"pentracker/pkg/models"
	"pentracker/pkg/session"
	"pentracker/pkg/store/memory"
)

func setupTest(t *testing.T, v *identity.Variant) (*gin.Engine, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := memory.NewStore()
	pens = s
	variant = v
	identityHeader = "X-Forwarded-Email"
	breaker = circuitbreaker.NewCircuitBreaker(5, time.Minute)
	registry = session.NewRegistry(session.Deps{
		Store:        s,
		Variant:      v,
		Breaker:      breaker,
		WriteTimeout: time.Second,
		Location:     time.UTC,
	})
	t.Cleanup(func() {
		registry.Close()
		s.Close(context.Background())
	})
	return setupRouter(), s
}

func nameVariant(t *testing.T) *identity.Variant {
	t.Helper()
	v, err := identity.NewVariant(identity.VariantConfig{Kind: identity.VariantName, ManagerName: "Ms Lin"})
	require.NoError(t, err)
	return v
}

func googleVariant(t *testing.T) *identity.Variant {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.MinCost)
	require.NoError(t, err)
	v, err := identity.NewVariant(identity.VariantConfig{
		Kind:           identity.VariantGoogle,
		IdentityHeader: "X-Forwarded-Email",
		SignOutURL:     "/oauth2/sign_out",
		AdminUser:      "admin",
		AdminHash:      string(hash),
	})
	require.NoError(t, err)
	return v
}

// browser keeps the session cookie between requests.
type browser struct {
	t      *testing.T
	h      http.Handler
	cookie *http.Cookie
	email  string
}

func (b *browser) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	if b.email != "" {
		req.Header.Set("X-Forwarded-Email", b.email)
	}

	w := httptest.NewRecorder()
	b.h.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			b.cookie = c
		}
	}
	return w
}

func (b *browser) post(path string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	w := b.do(http.MethodPost, path, form)
	require.Equal(b.t, http.StatusSeeOther, w.Code, "POST %s: %s", path, w.Body.String())
	return w
}

func (b *browser) page() string {
	b.t.Helper()
	w := b.do(http.MethodGet, "/", nil)
	require.Equal(b.t, http.StatusOK, w.Code)
	return w.Body.String()
}

func (b *browser) waitFor(text string) {
	b.t.Helper()
	require.Eventually(b.t, func() bool {
		return strings.Contains(b.page(), text)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	r, s := setupTest(t, nameVariant(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/manage/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"UP"`)
	assert.Contains(t, w.Body.String(), `"breaker":"closed"`)

	s.Close(context.Background())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/manage/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"DOWN"`)
}

func TestModeSelectionScreen(t *testing.T) {
	r, _ := setupTest(t, nameVariant(t))
	b := &browser{t: t, h: r}

	body := b.page()
	assert.Contains(t, body, `value="borrow"`)
	assert.Contains(t, body, `value="admin"`)
	require.NotNil(t, b.cookie)
	assert.Equal(t, 1, registry.Len())

	b.page()
	assert.Equal(t, 1, registry.Len())
}

func TestBadFormInput(t *testing.T) {
	r, _ := setupTest(t, nameVariant(t))
	b := &browser{t: t, h: r}

	w := b.do(http.MethodPost, "/mode", url.Values{"mode": {"lend"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodPost, "/select", url.Values{"id": {"pen-one"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBorrowAndReturnByName(t *testing.T) {
	r, s := setupTest(t, nameVariant(t))
	b := &browser{t: t, h: r}

	b.post("/mode", url.Values{"mode": {"borrow"}})
	assert.Contains(t, b.page(), `name="name"`)
	b.post("/login", url.Values{"name": {"Wang"}})
	b.waitFor("Pen 92")
	time.Sleep(100 * time.Millisecond)

	start := time.Now().UTC().Format(models.DateLayout)
	end := time.Now().UTC().AddDate(0, 0, 5).Format(models.DateLayout)
	b.post("/select", url.Values{"id": {"7"}})
	b.post("/borrow", url.Values{"start": {start}, "end": {end}})
	assert.Contains(t, b.page(), "Borrowed: 7.")

	require.Eventually(t, func() bool {
		doc, ok := s.Get("7")
		return ok && doc[models.FieldBorrower] == "Wang"
	}, 2*time.Second, 10*time.Millisecond)
	b.waitFor("long-term")

	b.post("/logout", nil)
	b.post("/mode", url.Values{"mode": {"return"}})
	b.post("/login", url.Values{"name": {"Wang"}})
	b.waitFor("Pen 7")
	assert.NotContains(t, b.page(), "Pen 8<")

	b.post("/select/all", nil)
	b.post("/return", nil)
	assert.Contains(t, b.page(), "Return pens 7?")
	b.post("/return/confirm", url.Values{"confirm": {"yes"}})
	assert.Contains(t, b.page(), "Returned: 7.")

	require.Eventually(t, func() bool {
		doc, _ := s.Get("7")
		return doc[models.FieldBorrower] == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestRejectedCommandsAreLogged(t *testing.T) {
	buf := &logBuffer{}
	log.SetOutput(buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	r, _ := setupTest(t, nameVariant(t))
	b := &browser{t: t, h: r}

	b.post("/mode", url.Values{"mode": {"borrow"}})
	b.post("/login", url.Values{"name": {"Wang"}})
	b.waitFor("Pen 92")

	b.post("/repair", nil)
	b.post("/overdue", nil)
	b.post("/return", nil)

	logged := buf.String()
	assert.Contains(t, logged, "Repair: not allowed on this screen")
	assert.Contains(t, logged, "Show overdue: not allowed on this screen")
	assert.Contains(t, logged, "Return: not allowed on this screen")
}

func TestEndBeforeStartShowsNotice(t *testing.T) {
	r, s := setupTest(t, nameVariant(t))
	b := &browser{t: t, h: r}

	b.post("/mode", url.Values{"mode": {"borrow"}})
	b.post("/login", url.Values{"name": {"Wang"}})
	b.waitFor("Pen 92")
	time.Sleep(100 * time.Millisecond)

	b.post("/select", url.Values{"id": {"3"}})
	b.post("/borrow", url.Values{"start": {"2024-05-10"}, "end": {"2024-05-01"}})
	assert.Contains(t, b.page(), "The end date must not be before the start date.")

	doc, _ := s.Get("3")
	assert.Nil(t, doc[models.FieldBorrower])
}

func TestAdminFlowWithGoogleVariant(t *testing.T) {
	r, s := setupTest(t, googleVariant(t))
	b := &browser{t: t, h: r}

	b.post("/mode", url.Values{"mode": {"admin"}})
	b.post("/login", url.Values{"username": {"admin"}, "password": {"wrong"}})
	assert.Contains(t, b.page(), "Sign-in failed.")

	b.post("/mode", url.Values{"mode": {"admin"}})
	b.post("/login", url.Values{"username": {"admin"}, "password": {"admin"}})
	b.waitFor("Pen 92")
	assert.Contains(t, b.page(), "Flag overdue")
	time.Sleep(100 * time.Millisecond)

	b.post("/select", url.Values{"id": {"11"}})
	b.post("/repair", nil)
	assert.Contains(t, b.page(), "Marked under repair: 11.")
	require.Eventually(t, func() bool {
		doc, _ := s.Get("11")
		return doc[models.FieldRepairing] == true
	}, 2*time.Second, 10*time.Millisecond)

	w := b.do(http.MethodGet, "/overdue", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, b.page(), "Flag overdue")

	b.post("/overdue", nil)
	b.waitFor("No overdue pens.")
	b.post("/overdue/back", nil)
	b.waitFor("Pen 92")

	w = b.do(http.MethodPost, "/logout", url.Values{})
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/oauth2/sign_out", w.Header().Get("Location"))
}

func TestProxyHeaderLogin(t *testing.T) {
	r, _ := setupTest(t, googleVariant(t))
	b := &browser{t: t, h: r}

	b.post("/mode", url.Values{"mode": {"borrow"}})
	b.post("/login", nil)
	assert.Contains(t, b.page(), "Sign-in is not available right now.")

	b.email = "alice@example.com"
	b.post("/login", nil)
	b.waitFor("alice@example.com")

	b.email = ""
	body := b.page()
	assert.Contains(t, body, "You were signed out.")
	assert.Contains(t, body, "Continue with Google")
}

func TestCSRFProtection(t *testing.T) {
	r, _ := setupTest(t, nameVariant(t))
	h := protect(r, config.Config{CSRFKey: "test-secret"})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `name="csrf_token"`)

	req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader("mode=borrow"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCSRFKeyIsStable(t *testing.T) {
	assert.Equal(t, csrfKey("k"), csrfKey("k"))
	assert.Len(t, csrfKey(""), 32)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, _, err := openStore(context.Background(), config.Config{StoreDriver: "etcd"})
	assert.Error(t, err)

	s, closeStore, err := openStore(context.Background(), config.Config{
		StoreDriver:    "sqlite",
		SQLitePath:     ":memory:",
		PensCollection: "pens",
		PollInterval:   time.Second,
	})
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	closeStore()
}
