package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the portrait service.
type Config struct {
	ListenAddr          string
	MySQLDSN            string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	ReplicateAPIKey     string
	ReplicateBaseURL    string
	SegmentModel        string
	HarmonizeModel      string
	RequestTimeout      time.Duration
	FreeGenerations     int
	PurchaseBonusQuota  int
	PromoBonusCredits   int
	ResultTTL           time.Duration
	MaxUploadBytes      int64
	RateLimitPerMinute  int
	StripeSecretKey     string
	StripeWebhookSecret string
	PaymentCurrency     string
	PortraitPriceMinor  int
	PackCredits         int
	PackPriceMinor      int
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	AdminListenAddr     string
	AdminUsername       string
	AdminPassword       string
	S3Endpoint          string
	S3Region            string
	S3AccessKey         string
	S3SecretKey         string
	S3Bucket            string
	S3PublicBaseURL     string
	S3UsePathStyle      bool
	S3PreviewPrefix     string
	S3HDPrefix          string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultReplicateBaseURL = "https://api.replicate.com/v1"

	cfg := Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		ReplicateBaseURL:   normalizeBaseURL(getEnv("REPLICATE_BASE_URL", defaultReplicateBaseURL), defaultReplicateBaseURL),
		SegmentModel:       getEnv("REPLICATE_SEGMENT_MODEL", "cjwbw/rembg"),
		HarmonizeModel:     getEnv("REPLICATE_HARMONIZE_MODEL", "tencentarc/gfpgan"),
		RequestTimeout:     time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		FreeGenerations:    getInt("FREE_GENERATIONS", 2),
		PurchaseBonusQuota: getInt("PURCHASE_BONUS_GENERATIONS", 5),
		PromoBonusCredits:  getInt("PROMO_BONUS_CREDITS", 3),
		ResultTTL:          time.Minute * time.Duration(getInt("RESULT_TTL_MINUTES", 15)),
		MaxUploadBytes:     getInt64("MAX_UPLOAD_BYTES", 10<<20),
		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 10),
		PaymentCurrency:    strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		PortraitPriceMinor: getInt("PORTRAIT_PRICE_MINOR_UNITS", 999),
		PackCredits:        getInt("PACK_CREDITS", 5),
		PackPriceMinor:     getInt("PACK_PRICE_MINOR_UNITS", 3499),
		CheckoutSuccessURL: getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:  getEnv("CHECKOUT_CANCEL_URL", ""),
		AdminListenAddr:    getEnv("ADMIN_LISTEN_ADDR", ":8081"),
		AdminUsername:      getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:      getEnv("ADMIN_PASSWORD", "change-me"),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3Region:           os.Getenv("S3_REGION"),
		S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:    os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:     getBool("S3_USE_PATH_STYLE", false),
		S3PreviewPrefix:    getEnv("S3_PREVIEW_PREFIX", "previews"),
		S3HDPrefix:         getEnv("S3_HD_PREFIX", "hd"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.ReplicateAPIKey = os.Getenv("REPLICATE_API_KEY")
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if cfg.ReplicateAPIKey == "" {
		missing = append(missing, "REPLICATE_API_KEY")
	}
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if cfg.CheckoutSuccessURL == "" {
		missing = append(missing, "CHECKOUT_SUCCESS_URL")
	}
	if cfg.CheckoutCancelURL == "" {
		missing = append(missing, "CHECKOUT_CANCEL_URL")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// normalizeBaseURL keeps a configured API host usable even when the value
// comes in without a scheme or with a trailing slash.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// No env file is fine; the process environment may carry everything.
	return nil
}
