package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment variables recognised by [ApplyEnv]. Provider credentials
// additionally follow the pattern <CATEGORY>_<SLUG>_API_KEY, e.g.
// STT_DEEPGRAM_API_KEY or TTS_ELEVENLABS_API_KEY.
const (
	EnvSessionTTLSeconds        = "SESSION_TTL_SECONDS"
	EnvSessionCleanupIntervalMs = "SESSION_CLEANUP_INTERVAL_MS"
	EnvMaxStaleCallMinutes      = "MAX_STALE_CALL_MINUTES"
	EnvAudioClientSampleRate    = "AUDIO_CLIENT_SAMPLE_RATE"
	EnvTLSEnabled               = "TLS_ENABLED"
	EnvTLSCertPath              = "TLS_CERT_PATH"
	EnvTLSKeyPath               = "TLS_KEY_PATH"
)

// ApplyEnv overlays recognised environment variables onto cfg. File
// values lose to environment values; unset variables leave cfg untouched.
func ApplyEnv(cfg *Config) {
	applyInt(EnvSessionTTLSeconds, &cfg.Session.TTLSeconds)
	applyInt(EnvSessionCleanupIntervalMs, &cfg.Session.CleanupIntervalMs)
	applyInt(EnvMaxStaleCallMinutes, &cfg.Session.MaxStaleCallMinutes)
	applyInt(EnvAudioClientSampleRate, &cfg.Audio.ClientSampleRate)

	if v, ok := os.LookupEnv(EnvTLSEnabled); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("ignoring unparseable env override", "var", EnvTLSEnabled, "value", v)
		} else if enabled {
			if cfg.Server.TLS == nil {
				cfg.Server.TLS = &TLSConfig{}
			}
			if cert := os.Getenv(EnvTLSCertPath); cert != "" {
				cfg.Server.TLS.CertFile = cert
			}
			if key := os.Getenv(EnvTLSKeyPath); key != "" {
				cfg.Server.TLS.KeyFile = key
			}
		} else {
			cfg.Server.TLS = nil
		}
	}

	cfg.Providers.STT = applyProviderKeys("STT", cfg.Providers.STT)
	cfg.Providers.LLM = applyProviderKeys("LLM", cfg.Providers.LLM)
	cfg.Providers.TTS = applyProviderKeys("TTS", cfg.Providers.TTS)
}

// applyInt overwrites *dst with the integer value of the named variable,
// when set and parseable.
func applyInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable env override", "var", name, "value", v)
		return
	}
	*dst = n
}

// applyProviderKeys scans the environment for <category>_<SLUG>_API_KEY
// variables and merges them into the entries map, creating entries for
// slugs configured only through the environment.
func applyProviderKeys(category string, entries map[string]ProviderEntry) map[string]ProviderEntry {
	prefix := category + "_"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		rest, found := strings.CutPrefix(name, prefix)
		if !found {
			continue
		}
		slug, found := strings.CutSuffix(rest, "_API_KEY")
		if !found || slug == "" {
			continue
		}
		slug = strings.ToLower(slug)
		if entries == nil {
			entries = make(map[string]ProviderEntry)
		}
		entry := entries[slug]
		entry.APIKey = value
		entries[slug] = entry
	}
	return entries
}
