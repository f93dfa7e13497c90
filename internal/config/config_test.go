package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxplane/voxplane/pkg/provider/stt"
	sttmock "github.com/voxplane/voxplane/pkg/provider/stt/mock"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
redis:
  addr: "redis.internal:6379"
  pool_size: 20
session:
  ttl_seconds: 1800
providers:
  stt:
    deepgram:
      api_key: dg-key
  llm:
    openai:
      api_key: sk-key
      model: gpt-4o-mini
  tts:
    elevenlabs:
      api_key: el-key
`

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.PoolSize != 20 {
		t.Errorf("redis.pool_size = %d", cfg.Redis.PoolSize)
	}

	// File values win over defaults; untouched fields keep defaults.
	if cfg.Session.TTLSeconds != 1800 {
		t.Errorf("ttl_seconds = %d, want 1800", cfg.Session.TTLSeconds)
	}
	if cfg.Session.CleanupIntervalMs != 60000 {
		t.Errorf("cleanup_interval_ms = %d, want default 60000", cfg.Session.CleanupIntervalMs)
	}
	if cfg.Audio.ClientSampleRate != 16000 {
		t.Errorf("client_sample_rate = %d, want default 16000", cfg.Audio.ClientSampleRate)
	}

	if cfg.Providers.LLM["openai"].Model != "gpt-4o-mini" {
		t.Errorf("llm model = %q", cfg.Providers.LLM["openai"].Model)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Error("expected error for misspelled field")
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q", cfg.Server.ListenAddr)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Server.LogLevel = "verbose"
	cfg.Session.TTLSeconds = 0
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"log_level", "ttl_seconds", "tls"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing mention of %s", err, want)
		}
	}
}

func TestSessionDurations(t *testing.T) {
	s := SessionConfig{TTLSeconds: 3600, CleanupIntervalMs: 60000, MaxStaleCallMinutes: 60}
	if s.TTL() != time.Hour {
		t.Errorf("TTL = %v", s.TTL())
	}
	if s.CleanupInterval() != time.Minute {
		t.Errorf("CleanupInterval = %v", s.CleanupInterval())
	}
	if s.MaxStaleCall() != time.Hour {
		t.Errorf("MaxStaleCall = %v", s.MaxStaleCall())
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvSessionTTLSeconds, "900")
	t.Setenv(EnvAudioClientSampleRate, "8000")
	t.Setenv(EnvTLSEnabled, "true")
	t.Setenv(EnvTLSCertPath, "/etc/voxplane/cert.pem")
	t.Setenv(EnvTLSKeyPath, "/etc/voxplane/key.pem")
	t.Setenv("STT_DEEPGRAM_API_KEY", "dg-env-key")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Session.TTLSeconds != 900 {
		t.Errorf("ttl = %d, want 900", cfg.Session.TTLSeconds)
	}
	if cfg.Audio.ClientSampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", cfg.Audio.ClientSampleRate)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/voxplane/cert.pem" {
		t.Errorf("tls = %+v", cfg.Server.TLS)
	}
	if cfg.Providers.STT["deepgram"].APIKey != "dg-env-key" {
		t.Errorf("deepgram key = %q", cfg.Providers.STT["deepgram"].APIKey)
	}
}

func TestApplyEnv_UnparseableIgnored(t *testing.T) {
	t.Setenv(EnvSessionTTLSeconds, "soon")
	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Session.TTLSeconds != 3600 {
		t.Errorf("unparseable override should be ignored, got %d", cfg.Session.TTLSeconds)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateSTT("deepgram", ProviderEntry{}); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}

	want := &sttmock.Provider{}
	r.RegisterSTT("deepgram", func(entry ProviderEntry) (stt.Provider, error) {
		if entry.APIKey != "dg-key" {
			t.Errorf("factory received entry %+v", entry)
		}
		return want, nil
	})

	got, err := r.CreateSTT("deepgram", ProviderEntry{APIKey: "dg-key"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got != want {
		t.Error("factory result not returned")
	}
}
