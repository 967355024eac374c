package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Environment string          `json:"environment"`
	Server      ServerConfig    `json:"server"`
	Database    DatabaseConfig  `json:"database"`
	Redis       RedisConfig     `json:"redis"`
	Logging     LoggingConfig   `json:"logging"`
	Governor    GovernorConfig  `json:"governor"`
	Scheduler   SchedulerConfig `json:"scheduler"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// DSN builds the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Enabled  bool   `json:"enabled"`
}

// Addr returns host:port for the redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// GovernorConfig contains the resource governor limits and tuning weights
type GovernorConfig struct {
	MaxCPUUsage           float64       `json:"max_cpu_usage"`
	MaxMemoryUsage        float64       `json:"max_memory_usage"`
	MaxConcurrentPreloads int           `json:"max_concurrent_preloads"`
	MaxBackgroundTasks    int           `json:"max_background_tasks"`
	ThrottleThreshold     float64       `json:"throttle_threshold"`
	SamplingInterval      time.Duration `json:"sampling_interval"`

	// Adaptation score weights; tuned defaults, overridable per deployment
	CPUWeight     float64 `json:"cpu_weight"`
	MemoryWeight  float64 `json:"memory_weight"`
	LatencyWeight float64 `json:"latency_weight"`
	ErrorWeight   float64 `json:"error_weight"`
}

// SchedulerConfig contains the detection scheduler configuration
type SchedulerConfig struct {
	Disabled          bool          `json:"disabled"`
	HourlyInterval    time.Duration `json:"hourly_interval"`
	ThresholdInterval time.Duration `json:"threshold_interval"`
	DailyHour         int           `json:"daily_hour"`
	TwiceDailyHours   []int         `json:"twice_daily_hours"`
	WeeklyDay         time.Weekday  `json:"weekly_day"`
	WeeklyHour        int           `json:"weekly_hour"`
	RunHistoryLimit   int           `json:"run_history_limit"`

	// Risk score multipliers; tuned defaults, overridable per deployment
	CriticalAlertWeight int `json:"critical_alert_weight"`
	PendingAlertWeight  int `json:"pending_alert_weight"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Environment: getEnvString("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "gestibat"),
			User:            getEnvString("DB_USER", "gestibat"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Governor: GovernorConfig{
			MaxCPUUsage:           getEnvFloat("GOVERNOR_MAX_CPU", 90),
			MaxMemoryUsage:        getEnvFloat("GOVERNOR_MAX_MEMORY", 90),
			MaxConcurrentPreloads: getEnvInt("GOVERNOR_MAX_PRELOADS", 10),
			MaxBackgroundTasks:    getEnvInt("GOVERNOR_MAX_BACKGROUND_TASKS", 20),
			ThrottleThreshold:     getEnvFloat("GOVERNOR_THROTTLE_THRESHOLD", 75),
			SamplingInterval:      getEnvDuration("GOVERNOR_SAMPLING_INTERVAL", 10*time.Second),
			CPUWeight:             getEnvFloat("GOVERNOR_CPU_WEIGHT", 0.30),
			MemoryWeight:          getEnvFloat("GOVERNOR_MEMORY_WEIGHT", 0.30),
			LatencyWeight:         getEnvFloat("GOVERNOR_LATENCY_WEIGHT", 0.25),
			ErrorWeight:           getEnvFloat("GOVERNOR_ERROR_WEIGHT", 0.15),
		},
		Scheduler: SchedulerConfig{
			Disabled:            getEnvBool("DETECTION_SCHEDULER_DISABLED", false),
			HourlyInterval:      getEnvDuration("SCHEDULER_HOURLY_INTERVAL", time.Hour),
			ThresholdInterval:   getEnvDuration("SCHEDULER_THRESHOLD_INTERVAL", 30*time.Minute),
			DailyHour:           getEnvInt("SCHEDULER_DAILY_HOUR", 8),
			TwiceDailyHours:     []int{getEnvInt("SCHEDULER_MORNING_HOUR", 9), getEnvInt("SCHEDULER_EVENING_HOUR", 17)},
			WeeklyDay:           time.Sunday,
			WeeklyHour:          getEnvInt("SCHEDULER_WEEKLY_HOUR", 2),
			RunHistoryLimit:     getEnvInt("SCHEDULER_RUN_HISTORY_LIMIT", 100),
			CriticalAlertWeight: getEnvInt("SCHEDULER_CRITICAL_ALERT_WEIGHT", 30),
			PendingAlertWeight:  getEnvInt("SCHEDULER_PENDING_ALERT_WEIGHT", 10),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// SchedulerEnabled reports whether the detection scheduler should run at all.
// Test and CI environments never start timers.
func (c *Config) SchedulerEnabled() bool {
	if c.Scheduler.Disabled {
		return false
	}
	if c.Environment == "test" {
		return false
	}
	if getEnvBool("CI", false) {
		return false
	}
	return true
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Governor.ThrottleThreshold <= 0 || c.Governor.ThrottleThreshold > 100 {
		return fmt.Errorf("throttle threshold must be in (0,100], got %.1f", c.Governor.ThrottleThreshold)
	}

	if c.Governor.MaxCPUUsage < c.Governor.ThrottleThreshold {
		return fmt.Errorf("max CPU usage (%.1f) must not be below the throttle threshold (%.1f)",
			c.Governor.MaxCPUUsage, c.Governor.ThrottleThreshold)
	}

	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		return fmt.Errorf("invalid daily detection hour: %d", c.Scheduler.DailyHour)
	}

	for _, h := range c.Scheduler.TwiceDailyHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("invalid twice-daily detection hour: %d", h)
		}
	}

	if c.Scheduler.RunHistoryLimit <= 0 {
		return fmt.Errorf("run history limit must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
