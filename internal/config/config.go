package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath     string
	RawMailDir string
	OutputDir  string
	LogMode    string
	HTTPAddr   string

	CatalogAPIBaseURL   string
	CatalogAPIToken     string
	CatalogRateLimitRPS int
	CatalogTimeoutMs    int

	EmbeddingAPIBaseURL string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingTimeoutMs  int

	ScoreWeightToken    float64
	ScoreWeightSemantic float64
	ScoreHighThreshold  float64
	ScoreMidThreshold   float64
	ScoreTopN           int
	CandidatePoolSize   int
	AnalysisConcurrency int

	BatchLotSize         int
	BatchMaxIterations   int
	BatchInterLotDelayMs int
	EmbeddingMaxAttempts int
	QueueStaleClaim      time.Duration
	LotInvokerURL        string

	ReconcileStuckThreshold time.Duration
	ReconcileInterval       time.Duration

	FeedbackPromotionMin      int
	FeedbackPromotionDelta    float64
	FeedbackPromotionMaxDelta float64

	MetricsBufferSize int

	RedisAddr          string
	RedisChannelPrefix string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailListenerProvider     string
	MailListenerLabel        string
	MailListenerIntervalSec  int
	MailListenerFetchMax     int
	MailListenerProcessBatch int
	MailListenerAutoAnalyze  bool
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("DB_PATH", filepath.Join(cwd, "data", "app.db")),
		RawMailDir: getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		LogMode:    getEnv("LOG_MODE", "development"),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),

		CatalogAPIBaseURL:   getEnv("CATALOG_API_BASE_URL", ""),
		CatalogAPIToken:     getEnv("CATALOG_API_TOKEN", ""),
		CatalogRateLimitRPS: getEnvInt("CATALOG_RATE_LIMIT_RPS", 5),
		CatalogTimeoutMs:    getEnvInt("CATALOG_TIMEOUT_MS", 30000),

		EmbeddingAPIBaseURL: getEnv("EMBEDDING_API_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey:     getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingTimeoutMs:  getEnvInt("EMBEDDING_TIMEOUT_MS", 30000),

		ScoreWeightToken:    getEnvFloat("SCORE_WEIGHT_TOKEN", 0.4),
		ScoreWeightSemantic: getEnvFloat("SCORE_WEIGHT_SEMANTIC", 0.6),
		ScoreHighThreshold:  getEnvFloat("SCORE_HIGH_THRESHOLD", 80),
		ScoreMidThreshold:   getEnvFloat("SCORE_MID_THRESHOLD", 50),
		ScoreTopN:           getEnvInt("SCORE_TOP_N", 5),
		CandidatePoolSize:   getEnvInt("CANDIDATE_POOL_SIZE", 50),
		AnalysisConcurrency: getEnvInt("ANALYSIS_CONCURRENCY", 1),

		BatchLotSize:         getEnvInt("BATCH_LOT_SIZE", 20),
		BatchMaxIterations:   getEnvInt("BATCH_MAX_ITERATIONS", 100),
		BatchInterLotDelayMs: getEnvInt("BATCH_INTER_LOT_DELAY_MS", 1000),
		EmbeddingMaxAttempts: getEnvInt("EMBEDDING_MAX_ATTEMPTS", 3),
		QueueStaleClaim:      getEnvDuration("QUEUE_STALE_CLAIM", 15*time.Minute),
		LotInvokerURL:        getEnv("LOT_INVOKER_URL", ""),

		ReconcileStuckThreshold: getEnvDuration("RECONCILE_STUCK_THRESHOLD", 10*time.Minute),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),

		FeedbackPromotionMin:      getEnvInt("FEEDBACK_PROMOTION_MIN", 3),
		FeedbackPromotionDelta:    getEnvFloat("FEEDBACK_PROMOTION_DELTA", 10),
		FeedbackPromotionMaxDelta: getEnvFloat("FEEDBACK_PROMOTION_MAX_DELTA", 30),

		MetricsBufferSize: getEnvInt("METRICS_BUFFER_SIZE", 1024),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "cotamatch"),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		MailListenerProvider:     getEnv("MAIL_LISTENER_PROVIDER", "imap"),
		MailListenerLabel:        getEnv("MAIL_LISTENER_LABEL", "INBOX"),
		MailListenerIntervalSec:  getEnvInt("MAIL_LISTENER_INTERVAL_SEC", 60),
		MailListenerFetchMax:     getEnvInt("MAIL_LISTENER_FETCH_MAX", 20),
		MailListenerProcessBatch: getEnvInt("MAIL_LISTENER_PROCESS_BATCH", 20),
		MailListenerAutoAnalyze:  getEnvBool("MAIL_LISTENER_AUTO_ANALYZE", true),
	}

	if cfg.ScoreWeightToken < 0 || cfg.ScoreWeightSemantic < 0 {
		return Config{}, fmt.Errorf("score weights must be non-negative: token=%v semantic=%v", cfg.ScoreWeightToken, cfg.ScoreWeightSemantic)
	}
	if cfg.ScoreMidThreshold > cfg.ScoreHighThreshold {
		return Config{}, fmt.Errorf("SCORE_MID_THRESHOLD (%v) above SCORE_HIGH_THRESHOLD (%v)", cfg.ScoreMidThreshold, cfg.ScoreHighThreshold)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func (c Config) InterLotDelay() time.Duration {
	return time.Duration(c.BatchInterLotDelayMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "10m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
