package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderSlugs lists known provider slugs per category. Used by
// [Validate] to warn about unrecognised slugs; unknown slugs are not an
// error because registrations can come from embedding applications.
var ValidProviderSlugs = map[string][]string{
	"stt": {"deepgram", "sarvam"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "cartesia", "sarvam"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults,
// applies environment overrides, and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	if cfg.Session.TTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl_seconds %d must be positive", cfg.Session.TTLSeconds))
	}
	if cfg.Session.CleanupIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("session.cleanup_interval_ms %d must be positive", cfg.Session.CleanupIntervalMs))
	}
	if cfg.Session.MaxStaleCallMinutes <= 0 {
		errs = append(errs, fmt.Errorf("session.max_stale_call_minutes %d must be positive", cfg.Session.MaxStaleCallMinutes))
	}

	if cfg.Audio.ClientSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.client_sample_rate %d must be positive", cfg.Audio.ClientSampleRate))
	}

	for slug := range cfg.Providers.STT {
		warnUnknownSlug("stt", slug)
	}
	for slug := range cfg.Providers.LLM {
		warnUnknownSlug("llm", slug)
	}
	for slug := range cfg.Providers.TTS {
		warnUnknownSlug("tts", slug)
	}

	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM providers configured; sessions selecting one will be rejected")
	}

	return errors.Join(errs...)
}

// warnUnknownSlug logs a warning if slug is not found in the
// [ValidProviderSlugs] list for the given category.
func warnUnknownSlug(category, slug string) {
	known, ok := ValidProviderSlugs[category]
	if !ok {
		return
	}
	if slices.Contains(known, slug) {
		return
	}
	slog.Warn("unknown provider slug, may be a typo or third-party provider",
		"category", category,
		"slug", slug,
		"known", known,
	)
}
