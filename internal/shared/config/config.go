package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Backend   BackendConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Gate      GateConfig
	Surveys   SurveyConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// MaxUploadMB bounds multipart bodies on attachment routes
	MaxUploadMB int
	CORSOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
	// StreamPrefix namespaces the streams written by this service
	StreamPrefix string
}

// BackendConfig points at the hosted backend (auth, storage, functions).
type BackendConfig struct {
	URL            string
	AnonKey        string
	ServiceKey     string
	RequestTimeout time.Duration
	// ProvisionFunction is invoked after sign-up with {user_id, email}
	ProvisionFunction string
	ProvisionTimeout  time.Duration
	// RedirectURL is sent with password recovery mails
	RedirectURL string
}

type AuthConfig struct {
	// JWTSecret verifies access tokens issued by the hosted auth service
	JWTSecret string
	Audience  string
}

type StorageConfig struct {
	AlerteBucket       string
	ContributionBucket string
	FilePrefix         string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
	RoleTTL  time.Duration
}

// GateConfig bounds role resolution so a request never waits forever.
type GateConfig struct {
	RoleTimeout    time.Duration
	RoleRetries    int
	InitialBackoff time.Duration
}

type SurveyConfig struct {
	CatalogPath string
	Watch       bool
	// VoterSecret keys ballot voter keys; rotating it forgets who voted
	VoterSecret string
}

type RateLimitConfig struct {
	AuthRPS   int
	AuthBurst int
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

// Load reads configuration from the environment. A .env file in the working
// directory is read first; variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvInt("SERVER_PORT", 8080),
			Env:         getEnv("ENV", "development"),
			MaxUploadMB: getEnvInt("SERVER_MAX_UPLOAD_MB", 25),
			CORSOrigins: getEnvSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:      getEnvBool("KURRENTDB_ENABLED", true),
			Host:         getEnv("KURRENTDB_HOST", "localhost"),
			Port:         getEnvInt("KURRENTDB_PORT", 2113),
			Insecure:     getEnvBool("KURRENTDB_INSECURE", true),
			Username:     getEnv("KURRENTDB_USERNAME", ""),
			Password:     getEnv("KURRENTDB_PASSWORD", ""),
			StreamPrefix: getEnv("KURRENTDB_STREAM_PREFIX", "autonome"),
		},
		Backend: BackendConfig{
			URL:               getEnv("BACKEND_URL", "http://localhost:54321"),
			AnonKey:           getEnv("BACKEND_ANON_KEY", ""),
			ServiceKey:        getEnv("BACKEND_SERVICE_KEY", ""),
			RequestTimeout:    getEnvDuration("BACKEND_REQUEST_TIMEOUT", 15*time.Second),
			ProvisionFunction: getEnv("BACKEND_PROVISION_FUNCTION", "smart-service"),
			ProvisionTimeout:  getEnvDuration("BACKEND_PROVISION_TIMEOUT", 5*time.Second),
			RedirectURL:       getEnv("BACKEND_REDIRECT_URL", "autonome://auth/callback"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Audience:  getEnv("JWT_AUDIENCE", "authenticated"),
		},
		Storage: StorageConfig{
			AlerteBucket:       getEnv("STORAGE_ALERTE_BUCKET", "alerte_files"),
			ContributionBucket: getEnv("STORAGE_CONTRIBUTION_BUCKET", "contribution_files"),
			FilePrefix:         getEnv("STORAGE_FILE_PREFIX", "fichier"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
			RoleTTL:  getEnvDuration("REDIS_ROLE_TTL", time.Hour),
		},
		Gate: GateConfig{
			RoleTimeout:    getEnvDuration("GATE_ROLE_TIMEOUT", 5*time.Second),
			RoleRetries:    getEnvInt("GATE_ROLE_RETRIES", 3),
			InitialBackoff: getEnvDuration("GATE_INITIAL_BACKOFF", 100*time.Millisecond),
		},
		Surveys: SurveyConfig{
			CatalogPath: getEnv("SURVEY_CATALOG", "surveys.yaml"),
			Watch:       getEnvBool("SURVEY_WATCH", true),
		},
		RateLimit: RateLimitConfig{
			AuthRPS:   getEnvInt("RATE_LIMIT_AUTH_RPS", 5),
			AuthBurst: getEnvInt("RATE_LIMIT_AUTH_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if cfg.Server.Env == "production" && cfg.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	if cfg.Server.Env == "production" && cfg.Surveys.VoterSecret == devVoterSecret {
		return nil, fmt.Errorf("SURVEY_VOTER_SECRET must be set in production")
	}

	return cfg, nil
}

const devVoterSecret = "dev-voter-secret-change-in-prod"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
