package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StoreConfig controls where synthesized generations are persisted.
type StoreConfig struct {
	AudioDir       string `yaml:"audio_dir"`
	DBPath         string `yaml:"db_path"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxGenerations int    `yaml:"max_generations"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

// PlaybackConfig controls the external audio player. An empty Command means
// the daemon probes well-known players on PATH. Enabled=false is quiet mode:
// generations are still persisted but never played, and no player is resolved.
type PlaybackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

type SynthConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Format     string `yaml:"format"` // wav, pcm
}

type SessionConfig struct {
	StreamTimeout int `yaml:"stream_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Synth       SynthConfig     `yaml:"synth"`
	Session     SessionConfig   `yaml:"session"`
}

func Default() Config {
	return Config{
		RuntimeName: "sona-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			AudioDir:       "./data/audio",
			DBPath:         "./data/sona-generations.db",
			RetentionDays:  30,
			MaxGenerations: 10000,
		},
		Playback: PlaybackConfig{
			Enabled: true,
		},
		Synth: SynthConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			Format:     "wav",
		},
		Session: SessionConfig{
			StreamTimeout: 120000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SONA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SONA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SONA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SONA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SONA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SONA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SONA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SONA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SONA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SONA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SONA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SONA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SONA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SONA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SONA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SONA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SONA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.AudioDir, "SONA_STORE_AUDIO_DIR")
	overrideString(&cfg.Store.DBPath, "SONA_STORE_DB_PATH")
	overrideInt(&cfg.Store.RetentionDays, "SONA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxGenerations, "SONA_STORE_MAX_GENERATIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SONA_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Playback.Enabled, "SONA_PLAYBACK_ENABLED")
	overrideString(&cfg.Playback.Command, "SONA_PLAYBACK_COMMAND")
	overrideString(&cfg.Synth.Mode, "SONA_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "SONA_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "SONA_SYNTH_VOICE")
	overrideInt(&cfg.Synth.SampleRate, "SONA_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "SONA_SYNTH_CHANNELS")
	overrideString(&cfg.Synth.Format, "SONA_SYNTH_FORMAT")
	overrideInt(&cfg.Session.StreamTimeout, "SONA_SESSION_STREAM_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Store.AudioDir == "" {
		return errors.New("store.audio_dir must not be empty")
	}
	if cfg.Store.DBPath == "" {
		return errors.New("store.db_path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxGenerations < 0 {
		return errors.New("store.max_generations must be >= 0")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.Channels <= 0 {
		return errors.New("synth.channels must be positive")
	}
	switch cfg.Synth.Format {
	case "wav", "pcm":
	default:
		return errors.New("synth.format must be one of wav|pcm")
	}
	if cfg.Session.StreamTimeout <= 0 {
		return errors.New("session.stream_timeout_ms must be positive")
	}
	return nil
}
