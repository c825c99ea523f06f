package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if !cfg.Playback.Enabled {
		t.Fatal("expected playback enabled by default")
	}
	if cfg.Synth.Format != "wav" {
		t.Fatalf("expected default synth format wav, got %q", cfg.Synth.Format)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sona.yaml")
	data := []byte(`
playback:
  enabled: false
  command: "mpv --no-video $AUDIO_FILE"
synth:
  mode: exec
  command: "sona-synth --stream"
  format: pcm
store:
  audio_dir: /tmp/audio
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Playback.Enabled {
		t.Fatal("expected quiet mode from file")
	}
	if cfg.Playback.Command != "mpv --no-video $AUDIO_FILE" {
		t.Fatalf("unexpected playback command: %q", cfg.Playback.Command)
	}
	if cfg.Synth.Mode != "exec" || cfg.Synth.Format != "pcm" {
		t.Fatalf("unexpected synth config: %+v", cfg.Synth)
	}
	if cfg.Store.AudioDir != "/tmp/audio" {
		t.Fatalf("unexpected audio dir: %q", cfg.Store.AudioDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SONA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SONA_BUS_USERNAME", "alice")
	t.Setenv("SONA_BUS_TLS_INSECURE", "true")
	t.Setenv("SONA_PLAYBACK_ENABLED", "false")
	t.Setenv("SONA_PLAYBACK_COMMAND", "ffplay -nodisp -")
	t.Setenv("SONA_STORE_RETENTION_DAYS", "7")
	t.Setenv("SONA_SYNTH_VOICE", "ito")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatal("expected bus credential overrides")
	}
	if cfg.Playback.Enabled {
		t.Fatal("expected playback disabled by env")
	}
	if cfg.Playback.Command != "ffplay -nodisp -" {
		t.Fatalf("unexpected playback command: %q", cfg.Playback.Command)
	}
	if cfg.Store.RetentionDays != 7 {
		t.Fatalf("expected retention override, got %d", cfg.Store.RetentionDays)
	}
	if cfg.Synth.Voice != "ito" {
		t.Fatalf("expected voice override, got %q", cfg.Synth.Voice)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Synth.Mode = "exec"
	if _, err := loadFrom(cfg); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	cfg = Default()
	cfg.Synth.Format = "ogg"
	if _, err := loadFrom(cfg); err == nil {
		t.Fatal("expected error for unsupported synth format")
	}

	cfg = Default()
	cfg.Store.AudioDir = ""
	if _, err := loadFrom(cfg); err == nil {
		t.Fatal("expected error for empty audio dir")
	}
}

func loadFrom(cfg Config) (Config, error) {
	return cfg, validate(cfg)
}
