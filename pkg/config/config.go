package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	StoreDriver    string
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	SQLitePath     string
	MongoURI       string
	MongoDB        string
	PensCollection string

	AuthVariant       string
	AdminUser         string
	AdminPassword     string
	AdminPasswordHash string
	ManagerName       string
	IdentityHeader    string
	SignOutURL        string

	CSRFKey      string
	CookieSecure bool

	PollInterval       time.Duration
	WriteTimeout       time.Duration
	SessionIdle        time.Duration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
	MaxRetries         int
	Location           *time.Location
}

// Load reads an optional .env file, then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	tz := getEnv("TIMEZONE", "Asia/Taipei")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("Unknown TIMEZONE %q, using UTC: %v", tz, err)
		loc = time.UTC
	}

	return Config{
		Port: getEnv("PORT", "8080"),

		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		DBHost:         getEnv("DB_HOST", "postgres"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "program"),
		DBPassword:     getEnv("DB_PASSWORD", "test"),
		DBName:         getEnv("DB_NAME", "pens"),
		SQLitePath:     getEnv("SQLITE_PATH", "pens.db"),
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:        getEnv("MONGO_DB", "pentracker"),
		PensCollection: getEnv("PENS_COLLECTION", "pens"),

		AuthVariant:       strings.ToLower(getEnv("AUTH_VARIANT", "google")),
		AdminUser:         getEnv("ADMIN_USER", "admin"),
		AdminPassword:     getEnv("ADMIN_PASSWORD", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		ManagerName:       getEnv("MANAGER_NAME", ""),
		IdentityHeader:    getEnv("IDENTITY_HEADER", "X-Forwarded-Email"),
		SignOutURL:        getEnv("SIGN_OUT_URL", ""),

		CSRFKey:      getEnv("CSRF_KEY", ""),
		CookieSecure: getBool("COOKIE_SECURE", false),

		PollInterval:       getDuration("POLL_INTERVAL", 2*time.Second),
		WriteTimeout:       getDuration("WRITE_TIMEOUT", 10*time.Second),
		SessionIdle:        getDuration("SESSION_IDLE", 2*time.Hour),
		BreakerMaxFailures: getInt("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:     getDuration("BREAKER_TIMEOUT", 30*time.Second),
		MaxRetries:         getInt("MAX_RETRIES", 5),
		Location:           loc,
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid %s %q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid %s %q, using %t", key, value, defaultValue)
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid %s %q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
