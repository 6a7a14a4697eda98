package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the API service.
type Config struct {
	Env         string `yaml:"env"`
	HTTPPort    string `yaml:"http_port"`
	PublicURL   string `yaml:"public_url"`
	DatabaseDSN string `yaml:"database_dsn"`

	RedisAddr         string  `yaml:"redis_addr"`
	RedisPassword     string  `yaml:"redis_password"`
	RedisDB           int     `yaml:"redis_db"`
	RateLimitCapacity int     `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64 `yaml:"rate_limit_refill_per_sec"`

	JWTSecret      string `yaml:"jwt_secret"`
	DefaultCredits int    `yaml:"default_credits"`

	ArchiveDir         string        `yaml:"archive_dir"`
	RetentionTTL       time.Duration `yaml:"retention_ttl"`
	RegistrySweepSpec  string        `yaml:"registry_sweep_spec"`
	DirectorySweepSpec string        `yaml:"directory_sweep_spec"`

	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`

	SlackWebhookURL string `yaml:"slack_webhook_url"`

	LLMBaseURL string        `yaml:"llm_base_url"`
	LLMAPIKey  string        `yaml:"llm_api_key"`
	LLMModel   string        `yaml:"llm_model"`
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from environment variables with sane defaults for local development.
// When APPFORGE_CONFIG names a YAML file, its values override the environment.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		PublicURL:          getEnv("PUBLIC_URL", ""),
		DatabaseDSN:        getEnv("DATABASE_DSN", "appforge.db"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 5),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.01),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		DefaultCredits:     getEnvInt("DEFAULT_CREDITS", 3),
		ArchiveDir:         getEnv("ARCHIVE_DIR", ""),
		RetentionTTL:       getEnvDuration("RETENTION_TTL", 24*time.Hour),
		RegistrySweepSpec:  getEnv("REGISTRY_SWEEP_SPEC", "@every 1h"),
		DirectorySweepSpec: getEnv("DIRECTORY_SWEEP_SPEC", "@every 6h"),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3PathStyle:        getEnvBool("S3_PATH_STYLE", false),
		SlackWebhookURL:    getEnv("SLACK_WEBHOOK_URL", ""),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:          getEnv("LLM_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:         getEnvDuration("LLM_TIMEOUT", 3*time.Minute),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
	}

	if path := os.Getenv("APPFORGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Production reports whether stack traces and other debug detail must be hidden.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

func (c *Config) applyDefaults() {
	if c.ArchiveDir == "" {
		c.ArchiveDir = os.TempDir() + string(os.PathSeparator) + "appforge-archives"
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:" + c.HTTPPort
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 24 * time.Hour
	}
	if c.RateLimitCapacity <= 0 {
		c.RateLimitCapacity = 5
	}
}

func (c *Config) validate() error {
	var errs []string
	if c.HTTPPort == "" {
		errs = append(errs, "http_port is required")
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, "database_dsn is required")
	}
	if c.DefaultCredits < 0 {
		errs = append(errs, "default_credits must not be negative")
	}
	if c.Production() && c.JWTSecret == "" {
		errs = append(errs, "jwt_secret is required in production")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
