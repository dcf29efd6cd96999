package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/questvoice/internal/config"
	"github.com/MrWong99/questvoice/internal/persona"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug
  metrics_addr: ":9090"
  ui_addr: "127.0.0.1:8765"

realtime:
  api_key: sk-test
  model: gpt-realtime
  voice: sage
  temperature: 0.6
  relay_url: "https://relay.example.com/v1/session"
  stun_servers:
    - "stun:stun.l.google.com:19302"
  connect_timeout: 20s
  config_ack_timeout: 500ms

audio:
  backend: portaudio
  sample_rate: 48000
  frame_ms: 20
  echo_cancellation: false
  level_interval: 33ms
  noise_floor: 0.01
  level_window: 1024
  level_min_db: -90
  level_max_db: -20

character:
  name: Brakka
  class: Barbarian
  race: Half-Orc
  abilities:
    str: 18
    dex: 12
    con: 16
    int: 8
    wis: 10
    cha: 9

personas:
  - name: dm
    display_name: Dungeon Master
    narrator: true
    instructions: "Narrate for {{.Character.Name}}. NPCs:{{range .NPCs}} {{.Name}}{{end}}"
  - name: grimble
    display_name: Grimble the Gnome
    voice: ballad
    instructions: "You are Grimble. The player has STR {{.Character.Abilities.STR}}."

store:
  backend: redis
  redis_addr: "localhost:6379"
  redis_db: 2
  transcript_ttl: 720h

relay:
  listen_addr: ":8088"
  allowed_voices: [verse, sage]
`

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := loadSample(t)

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	rt := cfg.Realtime
	if rt.Model != "gpt-realtime" || rt.Voice != "sage" || rt.SamplingTemperature() != 0.6 {
		t.Errorf("realtime = %+v", rt)
	}
	if rt.ConnectTimeout != 20*time.Second || rt.ConfigAckTimeout != 500*time.Millisecond {
		t.Errorf("timeouts = %s, %s", rt.ConnectTimeout, rt.ConfigAckTimeout)
	}
	if len(rt.STUNServers) != 1 {
		t.Errorf("stun_servers = %v", rt.STUNServers)
	}
	if cfg.Audio.EchoCancellationEnabled() {
		t.Error("echo cancellation enabled despite false")
	}
	if !cfg.Audio.NoiseSuppressionEnabled() || !cfg.Audio.AutoGainControlEnabled() {
		t.Error("unset processing flags should default to true")
	}
	if a := cfg.Audio; a.NoiseFloor != 0.01 || a.LevelWindow != 1024 || a.LevelMinDB != -90 || a.LevelMaxDB != -20 {
		t.Errorf("audio tuning = %+v", a)
	}
	if got := cfg.Audio.FrameDuration(); got != 20*time.Millisecond {
		t.Errorf("FrameDuration = %s", got)
	}
	if cfg.Character.Name != "Brakka" || cfg.Character.Abilities.STR != 18 {
		t.Errorf("character = %+v", cfg.Character)
	}
	if cfg.Store.Backend != config.StoreRedis || cfg.Store.RedisDB != 2 || cfg.Store.TranscriptTTL != 720*time.Hour {
		t.Errorf("store = %+v", cfg.Store)
	}
	if len(cfg.Relay.AllowedVoices) != 2 {
		t.Errorf("relay.allowed_voices = %v", cfg.Relay.AllowedVoices)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Realtime.Model != config.DefaultModel || cfg.Realtime.Voice != config.DefaultVoice {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	if cfg.Realtime.Temperature == nil || *cfg.Realtime.Temperature != config.DefaultTemperature {
		t.Errorf("temperature = %v", cfg.Realtime.Temperature)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.FrameMS != 20 || cfg.Audio.Backend != config.AudioPortAudio {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Store.Backend != config.StoreMemory {
		t.Errorf("store.backend = %q", cfg.Store.Backend)
	}
	if cfg.Relay.ListenAddr != config.DefaultRelayAddr {
		t.Errorf("relay.listen_addr = %q", cfg.Relay.ListenAddr)
	}
	if cfg.Character != persona.DefaultCharacter() {
		t.Errorf("character = %+v, want default", cfg.Character)
	}
}

func TestLoadFromReader_Temperature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want float64
	}{
		{name: "unset", yaml: "realtime:\n  voice: sage\n", want: config.DefaultTemperature},
		{name: "explicit zero", yaml: "realtime:\n  temperature: 0\n", want: 0},
		{name: "explicit", yaml: "realtime:\n  temperature: 0.25\n", want: 0.25},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			if got := cfg.Realtime.SamplingTemperature(); got != tc.want {
				t.Errorf("temperature = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApplyDefaults_PartialCharacter(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Character: persona.Character{Name: "Lia", Class: "Rogue", Race: "Elf", Abilities: persona.Abilities{DEX: 17}}}
	config.ApplyDefaults(cfg)

	if cfg.Character.Name != "Lia" {
		t.Errorf("name overwritten: %q", cfg.Character.Name)
	}
	a := cfg.Character.Abilities
	if a.DEX != 17 || a.STR != 10 || a.CHA != 10 {
		t.Errorf("abilities = %+v", a)
	}
}

func TestPersonaSet(t *testing.T) {
	t.Parallel()

	t.Run("configured", func(t *testing.T) {
		t.Parallel()
		set, err := loadSample(t).PersonaSet()
		if err != nil {
			t.Fatalf("PersonaSet: %v", err)
		}
		if got := set.Narrator().Name; got != "dm" {
			t.Errorf("narrator = %q", got)
		}
		if n, ok := set.Resolve("Grimble the Gnome"); !ok || n != "grimble" {
			t.Errorf("Resolve = %q, %v", n, ok)
		}
		if v := set.VoiceFor("grimble", "sage"); v != "ballad" {
			t.Errorf("VoiceFor(grimble) = %q", v)
		}
	})

	t.Run("builtin when empty", func(t *testing.T) {
		t.Parallel()
		set, err := (&config.Config{}).PersonaSet()
		if err != nil {
			t.Fatalf("PersonaSet: %v", err)
		}
		if !set.Contains(persona.Thorin) {
			t.Error("builtin set lacks thorin")
		}
	})
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"trace", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Level(); got != want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", in, got, want)
		}
	}
}

func TestStoreBackend_IsValid(t *testing.T) {
	t.Parallel()
	for _, b := range []config.StoreBackend{config.StoreMemory, config.StorePostgres, config.StoreRedis} {
		if !b.IsValid() {
			t.Errorf("%q should be valid", b)
		}
	}
	if config.StoreBackend("sqlite").IsValid() {
		t.Error("sqlite should be invalid")
	}
}
