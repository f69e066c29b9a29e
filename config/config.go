// Package config reads process settings from the environment, loading a .env
// file first when one exists.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendNone  = ""
	BackendMongo = "mongo"
	BackendRedis = "redis"
)

type Config struct {
	Port    string
	AppID   string
	Backend string

	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret        []byte
	InitialAuthToken string

	Currency     string
	ShareBaseURL string

	RetryAttempts  int
	RetryBaseDelay time.Duration

	RateLimit float64
	RateBurst int

	// parse problems, reported by Validate
	problems []error
}

// Load reads the environment. A missing .env file is not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found; using system environment")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults.
func FromEnv(getenv func(string) string) Config {
	c := Config{
		Port:             port(getenv("PORT")),
		AppID:            orDefault(getenv("APP_ID"), "tokyo-trip-2024"),
		Backend:          strings.ToLower(strings.TrimSpace(getenv("STORE_BACKEND"))),
		MongoURI:         getenv("MONGO_URI"),
		MongoDatabase:    orDefault(getenv("MONGO_DATABASE"), "tripsync"),
		RedisAddr:        getenv("REDIS_ADDR"),
		RedisPassword:    getenv("REDIS_PASSWORD"),
		InitialAuthToken: getenv("INITIAL_AUTH_TOKEN"),
		Currency:         strings.ToUpper(orDefault(getenv("LEDGER_CURRENCY"), "JPY")),
		ShareBaseURL:     orDefault(getenv("SHARE_BASE_URL"), "http://localhost:8080"),
	}

	c.RedisDB = c.intVar(getenv, "REDIS_DB", 0)
	c.RetryAttempts = c.intVar(getenv, "RETRY_ATTEMPTS", 3)
	c.RateBurst = c.intVar(getenv, "RATE_BURST", 20)

	c.RetryBaseDelay = 200 * time.Millisecond
	if v := getenv("RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			c.problems = append(c.problems, fmt.Errorf("RETRY_BASE_DELAY: %w", err))
		} else {
			c.RetryBaseDelay = d
		}
	}

	c.RateLimit = 10
	if v := getenv("RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.problems = append(c.problems, fmt.Errorf("RATE_LIMIT: %w", err))
		} else {
			c.RateLimit = f
		}
	}

	if secret := getenv("JWT_SECRET"); secret != "" {
		c.JWTSecret = []byte(secret)
	} else {
		c.JWTSecret = randomSecret()
		log.Println("JWT_SECRET not set; issued tokens will not survive a restart")
	}
	return c
}

func (c *Config) intVar(getenv func(string) string, name string, def int) int {
	v := getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: %w", name, err))
		return def
	}
	return n
}

// Validate reports every reason the remote settings cannot be used.
func (c Config) Validate() error {
	errs := append([]error(nil), c.problems...)
	switch c.Backend {
	case BackendNone:
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("STORE_BACKEND=mongo needs MONGO_URI"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("STORE_BACKEND=redis needs REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Backend))
	}
	if strings.TrimSpace(c.AppID) == "" || strings.Contains(c.AppID, "/") {
		errs = append(errs, fmt.Errorf("invalid APP_ID %q", c.AppID))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts))
	}
	return errors.Join(errs...)
}

// Remote reports whether a remote backend is configured and valid. When it
// is false the app runs in local mode.
func (c Config) Remote() bool {
	return c.Backend != BackendNone && c.Validate() == nil
}

func port(p string) string {
	if p == "" {
		return ":8080"
	}
	if p[0] != ':' {
		return ":" + p
	}
	return p
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("reading random secret: %v", err)
	}
	return []byte(hex.EncodeToString(b))
}
