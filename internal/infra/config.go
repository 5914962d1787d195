package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	DatabaseURL    string
	DBMaxConns     int
	JWTSecret      string
	PublicBaseURL  string
	StoragePath    string
	StorageBaseURL string
	AllowedOrigins []string

	ArtworkAPIKey       string
	ArtworkBaseURL      string
	ArtworkModel        string
	ArtworkPollInterval time.Duration
	ArtworkPollAttempts int

	PoetryAPIKey  string
	PoetryBaseURL string
	PoetryModel   string
	PoetryOrg     string

	AssemblyAPIKey        string
	AssemblyBaseURL       string
	AssemblyTemplateID    string
	AssemblyWebhookSecret string
	AssemblyPendingTTL    time.Duration
	AssemblySweepInterval time.Duration

	SendGridAPIKey    string
	SendGridBaseURL   string
	MailFromEmail     string
	MailFromName      string
	MailRatePerMinute int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	ShutdownTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		StoragePath:    os.Getenv("STORAGE_PATH"),
		StorageBaseURL: strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		ArtworkAPIKey:       os.Getenv("ARTWORK_API_KEY"),
		ArtworkBaseURL:      getEnv("ARTWORK_BASE_URL", "https://cloud.leonardo.ai/api/rest/v1"),
		ArtworkModel:        os.Getenv("ARTWORK_MODEL"),
		ArtworkPollInterval: time.Second * time.Duration(getEnvInt("ARTWORK_POLL_INTERVAL_SECONDS", 10)),
		ArtworkPollAttempts: getEnvInt("ARTWORK_POLL_MAX_ATTEMPTS", 30),

		PoetryAPIKey:  os.Getenv("POETRY_API_KEY"),
		PoetryBaseURL: getEnv("POETRY_BASE_URL", "https://api.openai.com/v1"),
		PoetryModel:   getEnv("POETRY_MODEL", "gpt-4o-mini"),
		PoetryOrg:     os.Getenv("POETRY_ORG"),

		AssemblyAPIKey:        os.Getenv("ASSEMBLY_API_KEY"),
		AssemblyBaseURL:       os.Getenv("ASSEMBLY_BASE_URL"),
		AssemblyTemplateID:    os.Getenv("ASSEMBLY_TEMPLATE_ID"),
		AssemblyWebhookSecret: os.Getenv("ASSEMBLY_WEBHOOK_SECRET"),
		AssemblyPendingTTL:    time.Minute * time.Duration(getEnvInt("ASSEMBLY_PENDING_TTL_MINUTES", 60)),
		AssemblySweepInterval: time.Second * time.Duration(getEnvInt("ASSEMBLY_SWEEP_INTERVAL_SECONDS", 60)),

		SendGridAPIKey:    os.Getenv("SENDGRID_API_KEY"),
		SendGridBaseURL:   getEnv("SENDGRID_BASE_URL", "https://api.sendgrid.com"),
		MailFromEmail:     os.Getenv("MAIL_FROM_EMAIL"),
		MailFromName:      getEnv("MAIL_FROM_NAME", "Heartcards"),
		MailRatePerMinute: getEnvInt("MAIL_RATE_PER_MINUTE", 60),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		ShutdownTimeout:  time.Second * time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 20)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AssemblyWebhookSecret == "" {
		return nil, fmt.Errorf("ASSEMBLY_WEBHOOK_SECRET is required")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("PUBLIC_BASE_URL is invalid: %w", err)
	}

	return cfg, nil
}

// AssemblyWebhookURL is the callback registered with the assembly provider.
func (c *Config) AssemblyWebhookURL() string {
	return c.PublicBaseURL + "/v1/webhooks/assembly"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
