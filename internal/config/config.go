package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "TICKMIRROR"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDatabase    = "tickmirror.db"
	defaultLogLevel    = "info"

	defaultProjectTTL      = time.Hour
	defaultTaskTTL         = 5 * time.Minute
	defaultNoteTTL         = 5 * time.Minute
	defaultBatchSize       = 50
	defaultMaxRetries      = 3
	defaultTransientRetry  = 2
	defaultBackoffBase     = 4 * time.Second
	defaultBackoffCap      = time.Minute
	defaultRequestInterval = 2 * time.Second
	defaultWorkerLimit     = 2
)

// AppConfig captures runtime configuration for the sync process and query API.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	RemoteBaseURL     string
	RemoteAccessToken string

	ProjectTTL      time.Duration
	TaskTTL         time.Duration
	NoteTTL         time.Duration
	BatchSize       int
	MaxRetries      int
	TransientRetry  int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	RequestInterval time.Duration
	WorkerLimit     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("remote.base_url", "")
	configViper.SetDefault("remote.access_token", "")

	configViper.SetDefault("cache.project_ttl", defaultProjectTTL)
	configViper.SetDefault("cache.task_ttl", defaultTaskTTL)
	configViper.SetDefault("cache.note_ttl", defaultNoteTTL)

	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.worker_limit", defaultWorkerLimit)

	configViper.SetDefault("retry.max_retries", defaultMaxRetries)
	configViper.SetDefault("retry.transient_retries", defaultTransientRetry)
	configViper.SetDefault("retry.backoff_base", defaultBackoffBase)
	configViper.SetDefault("retry.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("retry.request_interval", defaultRequestInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		RemoteBaseURL:     configViper.GetString("remote.base_url"),
		RemoteAccessToken: configViper.GetString("remote.access_token"),
		ProjectTTL:        configViper.GetDuration("cache.project_ttl"),
		TaskTTL:           configViper.GetDuration("cache.task_ttl"),
		NoteTTL:           configViper.GetDuration("cache.note_ttl"),
		BatchSize:         configViper.GetInt("sync.batch_size"),
		WorkerLimit:       configViper.GetInt("sync.worker_limit"),
		MaxRetries:        configViper.GetInt("retry.max_retries"),
		TransientRetry:    configViper.GetInt("retry.transient_retries"),
		BackoffBase:       configViper.GetDuration("retry.backoff_base"),
		BackoffCap:        configViper.GetDuration("retry.backoff_cap"),
		RequestInterval:   configViper.GetDuration("retry.request_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteAccessToken) == "" {
		return fmt.Errorf("remote.access_token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ProjectTTL <= 0 || c.TaskTTL <= 0 || c.NoteTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.WorkerLimit <= 0 {
		return fmt.Errorf("sync.worker_limit must be positive")
	}
	if c.MaxRetries < 0 || c.TransientRetry < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("retry backoff base must be positive and not exceed the cap")
	}
	return nil
}
