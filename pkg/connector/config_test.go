// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Homeserver.Domain != "example.org" {
		t.Errorf("Domain: got %q", cfg.Homeserver.Domain)
	}
	if cfg.Bridge.DiscordSendDelay != 1500*time.Millisecond {
		t.Errorf("DiscordSendDelay: got %v", cfg.Bridge.DiscordSendDelay)
	}
	if cfg.Bridge.EchoWindow != 5*time.Minute || cfg.Bridge.EchoCapacity != 1000 {
		t.Errorf("echo window: got %v / %d", cfg.Bridge.EchoWindow, cfg.Bridge.EchoCapacity)
	}
	if cfg.Database.MappingRetention != 720*time.Hour {
		t.Errorf("MappingRetention: got %v", cfg.Database.MappingRetention)
	}
	if !cfg.Discord.UseWebhooks {
		t.Error("UseWebhooks should default to true")
	}
}

func TestParseConfigRequiresToken(t *testing.T) {
	// Not parallel: PostProcess reads DISCORD_BOT_TOKEN.
	t.Setenv("DISCORD_BOT_TOKEN", "")
	_, err := ParseConfig([]byte(ExampleConfig))
	if err == nil {
		t.Fatal("expected validation error without a bot token")
	}
	if !strings.Contains(err.Error(), "BotToken") {
		t.Errorf("error should name BotToken: %v", err)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "secret")
	t.Setenv("BRIDGE_API_ADDR", "127.0.0.1:9999")
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Discord.BotToken != "secret" {
		t.Errorf("BotToken: got %q", cfg.Discord.BotToken)
	}
	if cfg.AdminAPIAddr != "127.0.0.1:9999" {
		t.Errorf("AdminAPIAddr: got %q", cfg.AdminAPIAddr)
	}
}

func TestParseConfigRejectsBadBounds(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "secret")
	data := strings.Replace(ExampleConfig, "emote_name_max: 32", "emote_name_max: 0", 1)
	if _, err := ParseConfig([]byte(data)); err == nil {
		t.Error("expected error when emote_name_max < emote_name_min")
	}
}

func TestLoadConfigWritesExample(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for a freshly written config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("example config not written: %v", err)
	}
	if string(data) != ExampleConfig {
		t.Error("written config differs from the example")
	}
}

func TestBridgeConfigPostProcessInvalidTemplate(t *testing.T) {
	t.Parallel()
	cfg := &BridgeConfig{DisplaynameTemplate: "{{.Bad"}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should return error for invalid template")
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tmpl   string
		params DisplaynameParams
		want   string
	}{
		{
			name:   "nickname wins",
			tmpl:   "{{or .Nickname .GlobalName .Username}} (Discord)",
			params: DisplaynameParams{Username: "bob", GlobalName: "Bob", Nickname: "Bobby"},
			want:   "Bobby (Discord)",
		},
		{
			name:   "global name next",
			tmpl:   "{{or .Nickname .GlobalName .Username}} (Discord)",
			params: DisplaynameParams{Username: "bob", GlobalName: "Bob"},
			want:   "Bob (Discord)",
		},
		{
			name:   "empty output falls back to username",
			tmpl:   "{{.Nickname}}",
			params: DisplaynameParams{Username: "bob"},
			want:   "bob",
		},
		{
			name:   "falls back to id without username",
			tmpl:   "",
			params: DisplaynameParams{ID: "123"},
			want:   "123",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &BridgeConfig{DisplaynameTemplate: tt.tmpl}
			if err := cfg.PostProcess(); err != nil {
				t.Fatalf("PostProcess: %v", err)
			}
			if got := cfg.FormatDisplayname(tt.params); got != tt.want {
				t.Errorf("FormatDisplayname() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDisplaynameWithoutTemplate(t *testing.T) {
	t.Parallel()
	cfg := &BridgeConfig{}
	if got := cfg.FormatDisplayname(DisplaynameParams{Username: "alice"}); got != "alice" {
		t.Errorf("got %q, want %q", got, "alice")
	}
}
