package config

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"sequencer/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SequenceConfig tunes the processing pass and its workers
type SequenceConfig struct {
	PassInterval       time.Duration `json:"pass_interval"`
	BatchSize          int           `json:"batch_size"`
	MaxRetries         int           `json:"max_retries"`
	RetryBackoff       time.Duration `json:"retry_backoff"`
	ClaimLease         time.Duration `json:"claim_lease"`
	ScoreSweepInterval time.Duration `json:"score_sweep_interval"`
	ReplyPollInterval  time.Duration `json:"reply_poll_interval"`
	Parallelism        int           `json:"parallelism"`
	TriggerRateLimit   int           `json:"trigger_rate_limit"` // manual pass triggers per minute per workspace
}

type Config struct {
	Environment         string         `json:"environment"`
	EncryptionKey       string         `json:"-"` // sender credentials at rest
	JWTSecret           string         `json:"-"`
	TrackingSecret      string         `json:"-"`
	ServerPort          string         `json:"server_port"`
	AllowedOrigins      []string       `json:"allowed_origins"`
	DBHost              string         `json:"db_host"`
	DBPort              string         `json:"db_port"`
	DBUser              string         `json:"db_user"`
	DBPassword          string         `json:"-"`
	DBName              string         `json:"db_name"`
	DBSSLMode           string         `json:"db_ssl_mode"`
	DBMaxIdleConns      int            `json:"db_max_idle_conns"`
	DBMaxOpenConns      int            `json:"db_max_open_conns"`
	Redis               RedisConfig    `json:"redis"`
	SentryDSN           string         `json:"-"`
	TrackingBaseURL     string         `json:"tracking_base_url"`
	ExternalCallTimeout time.Duration  `json:"external_call_timeout"`
	TaskAPIURL          string         `json:"task_api_url"`
	TaskAPIToken        string         `json:"-"`
	Sequence            SequenceConfig `json:"sequence"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "sequencer"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SentryDSN:           getEnv("SENTRY_DSN", ""),
		TrackingBaseURL:     strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
		ExternalCallTimeout: getEnvAsDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),
		TaskAPIURL:          getEnv("TASK_API_URL", ""),
		TaskAPIToken:        getEnv("TASK_API_TOKEN", ""),
		Sequence: SequenceConfig{
			PassInterval:       getEnvAsDuration("SEQUENCE_PASS_INTERVAL", time.Minute),
			BatchSize:          getEnvAsInt("SEQUENCE_BATCH_SIZE", 100),
			MaxRetries:         getEnvAsInt("SEQUENCE_MAX_RETRIES", 3),
			RetryBackoff:       getEnvAsDuration("SEQUENCE_RETRY_BACKOFF", 5*time.Minute),
			ClaimLease:         getEnvAsDuration("SEQUENCE_CLAIM_LEASE", 5*time.Minute),
			ScoreSweepInterval: getEnvAsDuration("SCORE_SWEEP_INTERVAL", 15*time.Minute),
			ReplyPollInterval:  getEnvAsDuration("REPLY_POLL_INTERVAL", 5*time.Minute),
			Parallelism:        getEnvAsInt("SEQUENCE_PARALLELISM", 4),
			TriggerRateLimit:   getEnvAsInt("SEQUENCE_TRIGGER_RATE_LIMIT", 6),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.JWTSecret == "" {
		AppConfig.JWTSecret = deriveSecret(AppConfig.EncryptionKey, "jwt")
	}
	if AppConfig.TrackingSecret == "" {
		AppConfig.TrackingSecret = deriveSecret(AppConfig.EncryptionKey, "tracking")
	}
	if AppConfig.Sequence.BatchSize <= 0 {
		return fmt.Errorf("SEQUENCE_BATCH_SIZE must be positive")
	}
	if AppConfig.Sequence.MaxRetries < 0 {
		return fmt.Errorf("SEQUENCE_MAX_RETRIES must not be negative")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.Info("Using connection string: ", maskPassword(dsn))

	var err error
	// TranslateError maps unique violations to gorm.ErrDuplicatedKey
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	logrus.Info("🔄 Starting database migration...")
	if err := Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
}

// Migrate creates or updates every table the engine uses
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.AllModels()...)
}

// NewRedisClient returns nil when Redis is disabled
func NewRedisClient() (*redis.Client, error) {
	if !AppConfig.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		logrus.Warnf("⚠️ Invalid duration %q for %s, using %s", valueStr, key, fallback)
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

// deriveSecret gives each use of the master key its own independent key
func deriveSecret(master, purpose string) string {
	mac := hmac.New(sha256.New, []byte(master))
	mac.Write([]byte("sequencer/" + purpose))
	return hex.EncodeToString(mac.Sum(nil))
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"server_port":   AppConfig.ServerPort,
		"database":      fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":         AppConfig.Redis.Enabled,
		"pass_interval": AppConfig.Sequence.PassInterval.String(),
		"batch_size":    AppConfig.Sequence.BatchSize,
		"max_retries":   AppConfig.Sequence.MaxRetries,
	}).Info("🔧 Loaded configuration")
}
