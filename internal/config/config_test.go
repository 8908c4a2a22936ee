package config

import (
	"os"
	"testing"
	"time"
)

func clearDorabotEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DORABOT_BIND_PORT", "DORABOT_BASE_DIR", "DORABOT_LOG_LEVEL",
		"DORABOT_RETENTION_SECONDS", "DORABOT_SWEEP_INTERVAL",
		"DORABOT_APPROVAL_TIMEOUT", "DORABOT_OUTBOUND_QUEUE_BOUND",
		"DORABOT_REPLAY_PAGE_SIZE", "DORABOT_PING_INTERVAL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearDorabotEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 18789 {
		t.Errorf("expected default BindPort 18789, got %d", cfg.BindPort)
	}
	if cfg.RetentionSeconds != 3600 {
		t.Errorf("expected default RetentionSeconds 3600, got %d", cfg.RetentionSeconds)
	}
	if cfg.ApprovalTimeout != 10*time.Minute {
		t.Errorf("expected default ApprovalTimeout 10m, got %v", cfg.ApprovalTimeout)
	}
	if cfg.OutboundQueueBound != 10_000 {
		t.Errorf("expected default OutboundQueueBound 10000, got %d", cfg.OutboundQueueBound)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearDorabotEnv(t)
	os.Setenv("DORABOT_BIND_PORT", "19999")
	os.Setenv("DORABOT_RETENTION_SECONDS", "60")
	defer clearDorabotEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != 19999 {
		t.Errorf("expected overridden BindPort 19999, got %d", cfg.BindPort)
	}
	if cfg.RetentionSeconds != 60 {
		t.Errorf("expected overridden RetentionSeconds 60, got %d", cfg.RetentionSeconds)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cfg := &Config{
		BindPort:           0,
		BaseDir:            "/tmp/dorabot-test",
		RetentionSeconds:   3600,
		SweepInterval:      time.Minute,
		ApprovalTimeout:    time.Minute,
		OutboundQueueBound: 10,
		ReplayPageSize:     10,
		PingInterval:       time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for BindPort=0")
	}

	cfg.BindPort = 18789
	cfg.OutboundQueueBound = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for OutboundQueueBound=0")
	}
}

func TestPaths(t *testing.T) {
	p := NewPaths("/tmp/dorabot-test-paths")
	if p.DBPath() != "/tmp/dorabot-test-paths/dorabot.db" {
		t.Errorf("unexpected DBPath: %s", p.DBPath())
	}
	if p.CertPath() != "/tmp/dorabot-test-paths/tls/cert.pem" {
		t.Errorf("unexpected CertPath: %s", p.CertPath())
	}
}
