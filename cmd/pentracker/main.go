package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/csrf"

	"pentracker/pkg/circuitbreaker"
	"pentracker/pkg/config"
	"pentracker/pkg/database"
	"pentracker/pkg/identity"
	"pentracker/pkg/session"
	"pentracker/pkg/store"
	"pentracker/pkg/store/gormstore"
	"pentracker/pkg/store/memory"
	"pentracker/pkg/store/mongostore"
)

const sessionCookie = "pentracker_session"

var (
	registry       *session.Registry
	variant        *identity.Variant
	pens           store.Store
	breaker        *circuitbreaker.CircuitBreaker
	identityHeader string
	cookieSecure   bool
)

func main() {
	log.Println("Starting pen tracker...")
	cfg := config.Load()

	var err error
	var closeStore func()
	pens, closeStore, err = openStore(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	variant, err = identity.NewVariant(identity.VariantConfig{
		Kind:           cfg.AuthVariant,
		IdentityHeader: cfg.IdentityHeader,
		SignOutURL:     cfg.SignOutURL,
		AdminUser:      cfg.AdminUser,
		AdminPassword:  cfg.AdminPassword,
		AdminHash:      cfg.AdminPasswordHash,
		ManagerName:    cfg.ManagerName,
	})
	if err != nil {
		log.Fatalf("Invalid auth configuration: %v", err)
	}
	identityHeader = cfg.IdentityHeader
	cookieSecure = cfg.CookieSecure

	breaker = circuitbreaker.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerTimeout)
	registry = session.NewRegistry(session.Deps{
		Store:        pens,
		Variant:      variant,
		Breaker:      breaker,
		WriteTimeout: cfg.WriteTimeout,
		Location:     cfg.Location,
		MaxRetries:   cfg.MaxRetries,
	})

	r := setupRouter()
	server := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: protect(r, cfg),
	}

	ctx, stopMaintenance := context.WithCancel(context.Background())
	go maintain(ctx, cfg.SessionIdle)

	go func() {
		log.Printf("Pen tracker starting on :%s (store=%s, auth=%s)", cfg.Port, cfg.StoreDriver, variant.Name)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down gracefully...")
	stopMaintenance()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	registry.Close()
	closeStore()
	log.Println("Server shut down.")
}

// openStore builds the configured backend and returns a function releasing it.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		client, s, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB, cfg.PensCollection, cfg.PollInterval)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using MongoDB collection %s.%s", cfg.MongoDB, cfg.PensCollection)
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Close(closeCtx)
			if err := client.Disconnect(closeCtx); err != nil {
				log.Printf("MongoDB disconnect failed: %v", err)
			}
		}, nil

	case "postgres", "sqlite":
		db, err := database.Open(database.Config{
			Driver:     cfg.StoreDriver,
			Host:       cfg.DBHost,
			Port:       cfg.DBPort,
			User:       cfg.DBUser,
			Password:   cfg.DBPassword,
			Name:       cfg.DBName,
			SQLitePath: cfg.SQLitePath,
			MaxRetries: 10,
			RetryDelay: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		s, err := gormstore.NewStore(db, cfg.PensCollection, cfg.PollInterval)
		if err != nil {
			database.Close(db)
			return nil, nil, err
		}
		return s, func() {
			s.Close(context.Background())
			if err := database.Close(db); err != nil {
				log.Printf("Database close failed: %v", err)
			}
		}, nil

	case "memory":
		log.Println("Using in-memory store, data is lost on restart")
		s := memory.NewStore()
		return s, func() { s.Close(context.Background()) }, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

// protect wraps the router with CSRF checks on every form post.
func protect(h http.Handler, cfg config.Config) http.Handler {
	mw := csrf.Protect(csrfKey(cfg.CSRFKey),
		csrf.Secure(cfg.CookieSecure),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
	)
	protected := mw(h)
	if cfg.CookieSecure {
		return protected
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protected.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

// csrfKey derives the 32-byte key from CSRF_KEY, or makes a random one that
// only lives as long as the process.
func csrfKey(secret string) []byte {
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		return sum[:]
	}
	log.Println("CSRF_KEY not set, using a random key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("Failed to generate CSRF key: %v", err)
	}
	return key
}

// maintain sweeps idle sessions and re-issues due writes until ctx ends.
func maintain(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	sweepEvery := 12
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := registry.RetryDue(ctx); n > 0 {
			log.Printf("Re-issued %d queued writes", n)
		}
		if tick%sweepEvery == 0 {
			registry.Sweep(idle)
		}
	}
}

func setupRouter() *gin.Engine {
	r := gin.Default()
	r.SetHTMLTemplate(loadTemplates())

	r.GET("/manage/health", healthCheck)

	ui := r.Group("/", withSession())
	ui.GET("/", showScreen)
	ui.POST("/mode", chooseMode)
	ui.POST("/login", login)
	ui.POST("/logout", logout)
	ui.POST("/dates", setDates)
	ui.POST("/select", toggleOne)
	ui.POST("/select/all", toggleAll)
	ui.POST("/borrow", borrow)
	ui.POST("/return", requestReturn)
	ui.POST("/return/confirm", confirmReturn)
	ui.POST("/repair", repair)
	ui.POST("/repair/done", repairDone)
	ui.POST("/overdue/mark", markOverdue)
	ui.POST("/overdue/clear", clearOverdue)
	ui.POST("/overdue", showOverdue)
	ui.POST("/overdue/back", backToAdmin)
	ui.POST("/retry", retry)
	ui.GET("/events", events)
	return r
}
