/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: exact parsing of the instructor share and upload fee.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/tuition/ledger-service/internal/domain"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseDriver        string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	InternalAPIKey        string `mapstructure:"INTERNAL_API_KEY"`
	PoolAccountNumber     string `mapstructure:"POOL_ACCOUNT_NUMBER"`
	PoolAccountSecret     string `mapstructure:"POOL_ACCOUNT_SECRET"`
	InstructorShareRaw    string `mapstructure:"INSTRUCTOR_SHARE"`
	CourseUploadFeeRaw    string `mapstructure:"COURSE_UPLOAD_FEE"`
	BcryptCost            int    `mapstructure:"BCRYPT_COST"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	AuthFailureLimit      int    `mapstructure:"AUTH_FAILURE_LIMIT"`
	AuthFailureWindowSecs int    `mapstructure:"AUTH_FAILURE_WINDOW_SECONDS"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	CourseEventsExchange  string `mapstructure:"COURSE_EVENTS_EXCHANGE"`
	CourseUploadQueue     string `mapstructure:"COURSE_UPLOAD_QUEUE"`
	ObligationMaxAttempts int    `mapstructure:"OBLIGATION_MAX_ATTEMPTS"`
	ObligationPollSecs    int    `mapstructure:"OBLIGATION_POLL_INTERVAL_SECONDS"`
	ObligationGraceSecs   int    `mapstructure:"OBLIGATION_GRACE_SECONDS"`
	ObligationBatchSize   int    `mapstructure:"OBLIGATION_BATCH_SIZE"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	RequestTimeoutSecs    int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`

	InstructorShare decimal.Decimal `mapstructure:"-"`
	CourseUploadFee decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_DRIVER", "sqlite")
	viper.SetDefault("DATABASE_URL", "file:ledger.db")
	viper.SetDefault("POOL_ACCOUNT_NUMBER", "LMS-ORG-001")
	viper.SetDefault("INSTRUCTOR_SHARE", "0.70")
	viper.SetDefault("COURSE_UPLOAD_FEE", "2000")
	viper.SetDefault("BCRYPT_COST", 10)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("AUTH_FAILURE_LIMIT", 10)
	viper.SetDefault("AUTH_FAILURE_WINDOW_SECONDS", 300)
	viper.SetDefault("EVENTS_EXCHANGE", "ledger.events")
	viper.SetDefault("COURSE_EVENTS_EXCHANGE", "lms.events")
	viper.SetDefault("COURSE_UPLOAD_QUEUE", "ledger_service.course_uploads")
	viper.SetDefault("OBLIGATION_MAX_ATTEMPTS", 8)
	viper.SetDefault("OBLIGATION_POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("OBLIGATION_GRACE_SECONDS", 30)
	viper.SetDefault("OBLIGATION_BATCH_SIZE", 50)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("POOL_ACCOUNT_NUMBER")
	_ = viper.BindEnv("POOL_ACCOUNT_SECRET")
	_ = viper.BindEnv("INSTRUCTOR_SHARE")
	_ = viper.BindEnv("COURSE_UPLOAD_FEE")
	_ = viper.BindEnv("BCRYPT_COST")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("AUTH_FAILURE_LIMIT")
	_ = viper.BindEnv("AUTH_FAILURE_WINDOW_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("COURSE_EVENTS_EXCHANGE")
	_ = viper.BindEnv("COURSE_UPLOAD_QUEUE")
	_ = viper.BindEnv("OBLIGATION_MAX_ATTEMPTS")
	_ = viper.BindEnv("OBLIGATION_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("OBLIGATION_GRACE_SECONDS")
	_ = viper.BindEnv("OBLIGATION_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && strings.TrimSpace(os.Getenv("SERVER_PORT")) == "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY")
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.PoolAccountNumber = strings.TrimSpace(config.PoolAccountNumber)
	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	if config.InstructorShare, err = decimal.NewFromString(strings.TrimSpace(config.InstructorShareRaw)); err != nil {
		return config, fmt.Errorf("invalid INSTRUCTOR_SHARE %q: %w", config.InstructorShareRaw, err)
	}
	if config.CourseUploadFee, err = decimal.NewFromString(strings.TrimSpace(config.CourseUploadFeeRaw)); err != nil {
		return config, fmt.Errorf("invalid COURSE_UPLOAD_FEE %q: %w", config.CourseUploadFeeRaw, err)
	}

	if config.AuthFailureWindowSecs <= 0 {
		config.AuthFailureWindowSecs = 300
	}
	if config.ObligationMaxAttempts <= 0 {
		config.ObligationMaxAttempts = 8
	}
	if config.ObligationPollSecs <= 0 {
		config.ObligationPollSecs = 5
	}
	if config.ObligationGraceSecs < 0 {
		config.ObligationGraceSecs = 0
	}
	if config.ObligationBatchSize <= 0 {
		config.ObligationBatchSize = 50
	}
	if config.RequestTimeoutSecs <= 0 {
		config.RequestTimeoutSecs = 30
	}

	err = config.Validate()
	return
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var problems []error
	if c.InternalAPIKey == "" {
		problems = append(problems, errors.New("INTERNAL_API_KEY is required"))
	}
	if c.PoolAccountNumber == "" {
		problems = append(problems, errors.New("POOL_ACCOUNT_NUMBER is required"))
	}
	if c.PoolAccountSecret == "" {
		problems = append(problems, errors.New("POOL_ACCOUNT_SECRET is required"))
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		problems = append(problems, fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver))
	}
	if c.InstructorShare.IsNegative() || c.InstructorShare.GreaterThan(decimal.NewFromInt(1)) {
		problems = append(problems, fmt.Errorf("INSTRUCTOR_SHARE must be within [0, 1], got %s", c.InstructorShare))
	}
	if domain.ValidateAmount(c.CourseUploadFee) != nil {
		problems = append(problems, fmt.Errorf("COURSE_UPLOAD_FEE must be a positive amount with at most 2 decimals, got %s", c.CourseUploadFee))
	}
	return errors.Join(problems...)
}
