package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
)

const (
	envPrefix                   = "ROUNDUP"
	defaultBackendURL           = "http://127.0.0.1:8080"
	defaultBackendTimeout       = 10 * time.Second
	defaultDatabasePath         = "roundup-client.db"
	defaultLogLevel             = "info"
	defaultSnapshotTTL          = 5 * time.Minute
	defaultStateTTL             = time.Minute
	defaultIdentityMaxAge       = 30 * 24 * time.Hour
	defaultRecoveryMaxRetries   = 3
	defaultRecoveryRetryDelay   = time.Second
	defaultProbeInterval        = 15 * time.Second
	defaultMockAddress          = "127.0.0.1:8080"
	defaultScoreMaxRetries      = 5
	defaultAttachmentMaxRetries = 3
	queueMaxRetriesPrefix       = "queue.max_retries."
)

// AppConfig captures runtime configuration for the client and the mock backend.
type AppConfig struct {
	BackendURL         string
	BackendTimeout     time.Duration
	DatabasePath       string
	LogLevel           string
	SnapshotTTL        time.Duration
	StateTTL           time.Duration
	IdentityMaxAge     time.Duration
	RecoveryMaxRetries int
	RecoveryRetryDelay time.Duration
	QueueMaxRetries    map[game.Kind]int
	ProbeInterval      time.Duration
	MockAddress        string
	MockSigningSecret  string
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

	configViper.SetDefault("backend.url", defaultBackendURL)
	configViper.SetDefault("backend.timeout", defaultBackendTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("snapshot.ttl", defaultSnapshotTTL)
	configViper.SetDefault("snapshot.state_ttl", defaultStateTTL)
	configViper.SetDefault("identity.max_age", defaultIdentityMaxAge)
	configViper.SetDefault("recovery.max_retries", defaultRecoveryMaxRetries)
	configViper.SetDefault("recovery.retry_delay", defaultRecoveryRetryDelay)
	configViper.SetDefault("queue.max_retries.score", defaultScoreMaxRetries)
	configViper.SetDefault("queue.max_retries.photo", defaultAttachmentMaxRetries)
	configViper.SetDefault("queue.max_retries.order", defaultAttachmentMaxRetries)
	configViper.SetDefault("queue.max_retries.social_post", defaultAttachmentMaxRetries)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("mock.address", defaultMockAddress)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BackendURL:         strings.TrimSpace(configViper.GetString("backend.url")),
		BackendTimeout:     configViper.GetDuration("backend.timeout"),
		DatabasePath:       strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:           configViper.GetString("log.level"),
		SnapshotTTL:        configViper.GetDuration("snapshot.ttl"),
		StateTTL:           configViper.GetDuration("snapshot.state_ttl"),
		IdentityMaxAge:     configViper.GetDuration("identity.max_age"),
		RecoveryMaxRetries: configViper.GetInt("recovery.max_retries"),
		RecoveryRetryDelay: configViper.GetDuration("recovery.retry_delay"),
		QueueMaxRetries:    make(map[game.Kind]int),
		ProbeInterval:      configViper.GetDuration("connectivity.probe_interval"),
		MockAddress:        strings.TrimSpace(configViper.GetString("mock.address")),
		MockSigningSecret:  configViper.GetString("mock.signing_secret"),
	}
	for _, key := range configViper.AllKeys() {
		suffix, ok := strings.CutPrefix(key, queueMaxRetriesPrefix)
		if !ok {
			continue
		}
		if _, err := game.ParseKind(suffix); err != nil {
			return AppConfig{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	for _, kind := range []game.Kind{game.KindScore, game.KindPhoto, game.KindOrder, game.KindPost} {
		cfg.QueueMaxRetries[kind] = configViper.GetInt(queueMaxRetriesPrefix + kind.String())
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateMock checks the settings only the mock backend needs.
func (c AppConfig) ValidateMock() error {
	if strings.TrimSpace(c.MockSigningSecret) == "" {
		return fmt.Errorf("mock.signing_secret is required")
	}
	if c.MockAddress == "" {
		return fmt.Errorf("mock.address is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	parsed, err := url.Parse(c.BackendURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("backend.url must be an absolute URL, got %q", c.BackendURL)
	}
	for key, value := range map[string]time.Duration{
		"backend.timeout":             c.BackendTimeout,
		"snapshot.ttl":                c.SnapshotTTL,
		"snapshot.state_ttl":          c.StateTTL,
		"identity.max_age":            c.IdentityMaxAge,
		"recovery.retry_delay":        c.RecoveryRetryDelay,
		"connectivity.probe_interval": c.ProbeInterval,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.RecoveryMaxRetries < 0 {
		return fmt.Errorf("recovery.max_retries must not be negative")
	}
	for kind, ceiling := range c.QueueMaxRetries {
		if ceiling < 1 {
			return fmt.Errorf("queue.max_retries.%s must be positive", kind)
		}
	}
	return nil
}
