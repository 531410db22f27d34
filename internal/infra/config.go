package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	LogLevel string
	Port     string

	ComfyUIURL           string
	ComfyUIUseWebsocket  bool
	ComfyUIMaxConcurrent int
	ComfyUITimeout       time.Duration
	JobTimeout           time.Duration
	PollInterval         time.Duration
	CancelGrace          time.Duration

	StoragePath        string
	DatabaseURL        string
	DBMaxConns         int32
	TTSURL             string
	ManifestSigningKey string

	DefaultCheckpoint string
	DefaultSampler    string
	DefaultScheduler  string
	DefaultSteps      int
	DefaultCFG        float64
	DefaultNegative   string

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	CORSAllowedOrigins []string
	SubmitRateLimit    int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Optional .env and .env.local files are read first; real environment variables win.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		Port:                 getEnv("PORT", "8080"),
		ComfyUIURL:           strings.TrimRight(getEnv("COMFYUI_URL", "http://127.0.0.1:8188"), "/"),
		ComfyUIUseWebsocket:  getEnvBool("COMFYUI_USE_WEBSOCKET", true),
		ComfyUIMaxConcurrent: getEnvInt("COMFYUI_MAX_CONCURRENT", 2),
		ComfyUITimeout:       time.Second * time.Duration(getEnvInt("COMFYUI_HTTP_TIMEOUT_SECONDS", 30)),
		JobTimeout:           time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 600)),
		PollInterval:         time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 1500)),
		CancelGrace:          time.Second * time.Duration(getEnvInt("CANCEL_GRACE_SECONDS", 10)),
		StoragePath:          getEnv("STORAGE_PATH", "./storage/packages"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBMaxConns:           int32(getEnvInt("DB_MAX_CONNS", 10)),
		TTSURL:               strings.TrimRight(os.Getenv("TTS_URL"), "/"),
		ManifestSigningKey:   os.Getenv("MANIFEST_SIGNING_KEY"),
		DefaultCheckpoint:    getEnv("DEFAULT_CHECKPOINT", "sd_xl_base_1.0.safetensors"),
		DefaultSampler:       getEnv("DEFAULT_SAMPLER", "euler_ancestral"),
		DefaultScheduler:     getEnv("DEFAULT_SCHEDULER", "normal"),
		DefaultSteps:         getEnvInt("DEFAULT_STEPS", 30),
		DefaultCFG:           getEnvFloat("DEFAULT_CFG", 7.0),
		DefaultNegative:      getEnv("DEFAULT_NEGATIVE_PROMPT", "lowres, blurry, watermark, text, deformed"),
		HTTPReadTimeout:      time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:     time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:      time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		SubmitRateLimit:      getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 30),
	}

	if _, err := url.ParseRequestURI(cfg.ComfyUIURL); err != nil {
		return nil, fmt.Errorf("COMFYUI_URL is invalid: %w", err)
	}
	if cfg.ComfyUIMaxConcurrent <= 0 {
		return nil, fmt.Errorf("COMFYUI_MAX_CONCURRENT must be positive")
	}
	if cfg.JobTimeout <= 0 {
		return nil, fmt.Errorf("JOB_TIMEOUT_SECONDS must be positive")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}

	return cfg, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
