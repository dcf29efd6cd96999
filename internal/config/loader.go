package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/questvoice/internal/persona"
)

// Environment variables consulted by [ApplyEnv], in order of precedence.
const (
	EnvAPIKey       = "QUESTVOICE_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultModel
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = DefaultVoice
	}
	if cfg.Realtime.Temperature == nil {
		t := DefaultTemperature
		cfg.Realtime.Temperature = &t
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioPortAudio
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameMS == 0 {
		cfg.Audio.FrameMS = DefaultFrameMS
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = DefaultRelayAddr
	}

	def := persona.DefaultCharacter()
	c := &cfg.Character
	if c.Name == "" && c.Class == "" && c.Race == "" {
		c.Name, c.Class, c.Race = def.Name, def.Class, def.Race
	}
	for _, score := range []*int{&c.Abilities.STR, &c.Abilities.DEX, &c.Abilities.CON, &c.Abilities.INT, &c.Abilities.WIS, &c.Abilities.CHA} {
		if *score == 0 {
			*score = 10
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MetricsAddr != "" && cfg.Server.MetricsAddr == cfg.Server.UIAddr {
		errs = append(errs, fmt.Errorf("server.metrics_addr and server.ui_addr must differ (both %q)", cfg.Server.UIAddr))
	}

	// Realtime
	rt := cfg.Realtime
	if t := rt.Temperature; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, fmt.Errorf("realtime.temperature %.2f is out of range [0, 1]", *t))
	}
	for field, raw := range map[string]string{
		"realtime.credential_url": rt.CredentialURL,
		"realtime.signaling_url":  rt.SignalingURL,
		"realtime.relay_url":      rt.RelayURL,
	} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if rt.RelayURL != "" && rt.CredentialURL != "" {
		slog.Warn("realtime.relay_url takes precedence over realtime.credential_url")
	}
	if rt.ConfigAckTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.config_ack_timeout %s must not be negative", rt.ConfigAckTimeout))
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio", cfg.Audio.Backend))
	}
	switch cfg.Audio.SampleRate {
	case 0, 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported by opus; valid values: 8000, 12000, 16000, 24000, 48000", cfg.Audio.SampleRate))
	}
	switch cfg.Audio.FrameMS {
	case 0, 10, 20, 40, 60:
	default:
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: 10, 20, 40, 60", cfg.Audio.FrameMS))
	}
	if cfg.Audio.LevelInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.level_interval %s must not be negative", cfg.Audio.LevelInterval))
	}
	if nf := cfg.Audio.NoiseFloor; nf < 0 || nf >= 1 {
		errs = append(errs, fmt.Errorf("audio.noise_floor %v is out of range [0, 1)", nf))
	}
	if w := cfg.Audio.LevelWindow; w != 0 && w < 32 {
		errs = append(errs, fmt.Errorf("audio.level_window %d must be at least 32 samples", w))
	}
	if lo, hi := cfg.Audio.LevelMinDB, cfg.Audio.LevelMaxDB; (lo != 0 || hi != 0) && lo >= hi {
		errs = append(errs, fmt.Errorf("audio.level_min_db %v must be below audio.level_max_db %v", lo, hi))
	}

	// Character
	if err := cfg.Character.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Personas
	if len(cfg.Personas) > 0 {
		if _, err := cfg.PersonaSet(); err != nil {
			errs = append(errs, fmt.Errorf("personas: %w", err))
		}
	}

	// Store
	switch cfg.Store.Backend {
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
		}
	case StoreRedis:
		if cfg.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required when store.backend is redis"))
		}
	case "", StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, redis", cfg.Store.Backend))
	}

	// Relay
	if err := validateURL(cfg.Relay.UpstreamURL); err != nil {
		errs = append(errs, fmt.Errorf("relay.upstream_url: %w", err))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	return nil
}

// LoadEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv fills API keys left empty in cfg from the environment.
func ApplyEnv(cfg *Config) {
	key := firstEnv(EnvAPIKey, EnvOpenAIAPIKey)
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = key
	}
	if cfg.Relay.APIKey == "" {
		cfg.Relay.APIKey = key
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}
