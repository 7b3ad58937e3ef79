package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingConfigMarksNeedsGenesis(t *testing.T) {
	t.Setenv("GOCLAW_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis when config.yaml is absent")
	}
	if cfg.BindAddr == "" || cfg.Tuning.RunTaskTimeoutSeconds == 0 {
		t.Fatalf("expected defaults to be applied, got %+v", cfg)
	}
}

func TestLoadParsesRoutingTable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOCLAW_HOME", home)

	yaml := `
routes:
  - channel: slack
    external_id: T123
    employee_id: emp-1
  - channel: email
    external_id: ada@example.com
    employee_id: emp-2
bind_addr: "127.0.0.1:9090"
tuning:
  scheduler_max_concurrency: 4
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatalf("did not expect NeedsGenesis with a config.yaml present")
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if cfg.BindAddr != "127.0.0.1:9090" {
		t.Fatalf("expected overridden bind addr, got %q", cfg.BindAddr)
	}
	if cfg.Tuning.SchedulerMaxConcurrency != 4 {
		t.Fatalf("expected overridden concurrency, got %d", cfg.Tuning.SchedulerMaxConcurrency)
	}
	if cfg.Tuning.ClaudeMaxTurns != 10 {
		t.Fatalf("expected unset tuning fields to take their default, got %d", cfg.Tuning.ClaudeMaxTurns)
	}
}

func TestLoadReadsCredentialsFromEnvironment(t *testing.T) {
	t.Setenv("GOCLAW_HOME", t.TempDir())
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_SIGNING_SECRET", "shh")
	t.Setenv("POSTMARK_SERVER_TOKEN", "pm-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials.SlackBotToken != "xoxb-test" {
		t.Fatalf("expected slack bot token from env, got %q", cfg.Credentials.SlackBotToken)
	}
	if cfg.Credentials.SlackSigningSecret != "shh" {
		t.Fatalf("expected slack signing secret from env, got %q", cfg.Credentials.SlackSigningSecret)
	}
	if cfg.Credentials.PostmarkInboundToken != "pm-token" {
		t.Fatalf("expected postmark inbound token to fall back to server token, got %q", cfg.Credentials.PostmarkInboundToken)
	}
}
