// Package config loads the daemon's static configuration: channel
// credentials (from environment), the routing table that maps inbound
// channel identities to employees, and the scheduler/executor tuning
// knobs. The routing table and tuning knobs live in a YAML file under
// GOCLAW_HOME; credentials never do, so a config.yaml is safe to commit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/workcell/internal/userstore"
)

// ChannelCredentials holds every secret a channel adapter or its gateway
// verification needs, sourced entirely from the environment per spec.md
// §6's recognized variable list. A blank field disables that channel: the
// corresponding adapter is simply never registered.
type ChannelCredentials struct {
	PostmarkServerToken string
	PostmarkInboundToken string

	SlackBotToken      string
	SlackSigningSecret string

	DiscordBotToken string

	TelegramBotToken string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string

	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppVerifyToken   string

	BlueBubblesServerURL string
	BlueBubblesPassword  string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GoogleAccessToken  string
}

func loadChannelCredentials() ChannelCredentials {
	return ChannelCredentials{
		PostmarkServerToken:  os.Getenv("POSTMARK_SERVER_TOKEN"),
		PostmarkInboundToken: firstNonEmpty(os.Getenv("POSTMARK_INBOUND_TOKEN"), os.Getenv("POSTMARK_SERVER_TOKEN")),
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackSigningSecret:   os.Getenv("SLACK_SIGNING_SECRET"),
		DiscordBotToken:      os.Getenv("DISCORD_BOT_TOKEN"),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppPhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		WhatsAppAccessToken:  os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		WhatsAppVerifyToken:  os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		BlueBubblesServerURL: os.Getenv("BLUEBUBBLES_SERVER_URL"),
		BlueBubblesPassword:  os.Getenv("BLUEBUBBLES_PASSWORD"),
		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRefreshToken:   os.Getenv("GOOGLE_REFRESH_TOKEN"),
		GoogleAccessToken:    os.Getenv("GOOGLE_ACCESS_TOKEN"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Tuning holds the environment-overridable knobs spec.md §6 recognizes.
type Tuning struct {
	RunTaskTimeoutSeconds       int `yaml:"run_task_timeout_seconds"`
	ClaudeMaxTurns              int `yaml:"claude_max_turns"`
	SchedulerMaxConcurrency     int `yaml:"scheduler_max_concurrency"`
	SchedulerUserMaxConcurrency int `yaml:"scheduler_user_max_concurrency"`
	IngestionPollIntervalSeconds int `yaml:"ingestion_poll_interval_seconds"`
}

func (t Tuning) withDefaults() Tuning {
	if t.RunTaskTimeoutSeconds <= 0 {
		t.RunTaskTimeoutSeconds = 1800
	}
	if t.ClaudeMaxTurns <= 0 {
		t.ClaudeMaxTurns = 10
	}
	if t.SchedulerMaxConcurrency <= 0 {
		t.SchedulerMaxConcurrency = 16
	}
	if t.SchedulerUserMaxConcurrency <= 0 {
		t.SchedulerUserMaxConcurrency = 1
	}
	if t.IngestionPollIntervalSeconds <= 0 {
		t.IngestionPollIntervalSeconds = 1
	}
	return t
}

func (t Tuning) RunTaskTimeout() time.Duration {
	return time.Duration(t.RunTaskTimeoutSeconds) * time.Second
}

func (t Tuning) IngestionPollInterval() time.Duration {
	return time.Duration(t.IngestionPollIntervalSeconds) * time.Second
}

// Storage selects and configures the raw-payload blob backend. An empty
// SupabaseProjectURL means the local filesystem FileStore is used instead.
type Storage struct {
	SupabaseProjectURL    string `yaml:"-"`
	SupabaseSecretKey     string `yaml:"-"`
	SupabaseStorageBucket string `yaml:"-"`
}

func loadStorage() Storage {
	return Storage{
		SupabaseProjectURL:    os.Getenv("SUPABASE_PROJECT_URL"),
		SupabaseSecretKey:     os.Getenv("SUPABASE_SECRET_KEY"),
		SupabaseStorageBucket: os.Getenv("SUPABASE_STORAGE_BUCKET"),
	}
}

// Config is the daemon's full static configuration: a routing table and
// tuning knobs read from config.yaml, merged with channel credentials and
// storage secrets read from the environment.
type Config struct {
	HomeDir string `yaml:"-"`

	Routes      []userstore.Route `yaml:"routes"`
	AdminEmail  string            `yaml:"admin_email"`
	BindAddr    string            `yaml:"bind_addr"`
	LogLevel    string            `yaml:"log_level"`
	GoogleDocIDs []string         `yaml:"google_doc_ids"`
	GoogleDocsEmployeeID      string `yaml:"google_docs_employee_id"`
	GoogleDocsEmployeeAddress string `yaml:"google_docs_employee_address"`
	GoogleDocsMentionToken    string `yaml:"google_docs_mention_token"`

	Tuning Tuning `yaml:"tuning"`

	Credentials ChannelCredentials `yaml:"-"`
	Storage     Storage            `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

func (c *Config) normalize() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GoogleDocsMentionToken == "" {
		c.GoogleDocsMentionToken = "@assistant"
	}
	c.Tuning = c.Tuning.withDefaults()
}

// HomeDir resolves the daemon's state directory: GOCLAW_HOME if set,
// otherwise ~/.goclaw.
func HomeDirFromEnv() string {
	if override := os.Getenv("GOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw")
}

// Load reads config.yaml from the resolved home directory (routing table
// and tuning knobs), then layers in channel credentials and storage
// secrets from the environment. A missing config.yaml is not an error: it
// marks NeedsGenesis so the caller can start with an empty routing table
// rather than refuse to boot.
func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDirFromEnv()}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil && len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		cfg.NeedsGenesis = true
	case err != nil:
		return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	cfg.Credentials = loadChannelCredentials()
	cfg.Storage = loadStorage()
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.AdminEmail = v
	}
	cfg.normalize()
	return cfg, nil
}
