// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Discord    DiscordConfig    `yaml:"discord"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   DatabaseConfig   `yaml:"database"`
	// AdminAPIAddr is the listen address of the admin HTTP API serving
	// /metrics and /api/*. Defaults to ":29320". Empty in the file falls back
	// to BRIDGE_API_ADDR.
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address" validate:"required,url"`
	Domain  string `yaml:"domain" validate:"required"`
}

type AppServiceConfig struct {
	Registration string `yaml:"registration" validate:"required"`
	Hostname     string `yaml:"hostname" validate:"required"`
	Port         uint16 `yaml:"port" validate:"required"`
}

type DiscordConfig struct {
	// BotToken may be left empty and supplied with DISCORD_BOT_TOKEN.
	BotToken    string `yaml:"bot_token" validate:"required"`
	UseWebhooks bool   `yaml:"use_webhooks"`
	WebhookName string `yaml:"webhook_name" validate:"required_if=UseWebhooks true"`
}

// BridgeConfig holds the settings of the router and the converters.
type BridgeConfig struct {
	UserPrefix          string `yaml:"user_prefix" validate:"required"`
	RoomPrefix          string `yaml:"room_prefix" validate:"required"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	CommandPrefix       string `yaml:"command_prefix"`

	// MaxEventAge drops Matrix events older than this. Zero disables the check.
	MaxEventAge time.Duration `yaml:"max_event_age" validate:"gte=0"`
	// DiscordSendDelay is waited after receiving a Discord event before it is
	// checked against the echo set.
	DiscordSendDelay time.Duration `yaml:"discord_send_delay" validate:"gte=0"`
	EchoWindow       time.Duration `yaml:"echo_window" validate:"gt=0"`
	EchoCapacity     int           `yaml:"echo_capacity" validate:"gte=1"`
	ProfileCacheTTL  time.Duration `yaml:"profile_cache_ttl" validate:"gt=0"`

	// MaxAttachmentSize is the largest file sent inline, in bytes. Larger
	// files are sent as links. Zero sends every file as a link.
	MaxAttachmentSize int64 `yaml:"max_attachment_size" validate:"gte=0"`

	AllowEveryone bool `yaml:"allow_everyone"`
	AllowHere     bool `yaml:"allow_here"`
	EmoteNameMin  int  `yaml:"emote_name_min" validate:"gte=0"`
	EmoteNameMax  int  `yaml:"emote_name_max" validate:"gtefield=EmoteNameMin"`

	CachePurgeInterval time.Duration `yaml:"cache_purge_interval" validate:"gt=0"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path" validate:"required"`
	EmojiPath string `yaml:"emoji_path" validate:"required"`
	// MappingRetention prunes event mappings older than this. Zero keeps them.
	MappingRetention time.Duration `yaml:"mapping_retention" validate:"gte=0"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username   string
	GlobalName string
	Nickname   string
	ID         string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies environment overrides and parses templates.
func (c *Config) PostProcess() error {
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		c.Discord.BotToken = token
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = os.Getenv("BRIDGE_API_ADDR")
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = ":29320"
	}
	return c.Bridge.PostProcess()
}

func (c *BridgeConfig) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// Validate checks the config against its struct tags.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
	}
	return err
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "discord", "bot_token")
	helper.Copy(up.Bool, "discord", "use_webhooks")
	helper.Copy(up.Str, "discord", "webhook_name")
	helper.Copy(up.Str, "bridge", "user_prefix")
	helper.Copy(up.Str, "bridge", "room_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Str, "bridge", "max_event_age")
	helper.Copy(up.Str, "bridge", "discord_send_delay")
	helper.Copy(up.Str, "bridge", "echo_window")
	helper.Copy(up.Int, "bridge", "echo_capacity")
	helper.Copy(up.Str, "bridge", "profile_cache_ttl")
	helper.Copy(up.Int, "bridge", "max_attachment_size")
	helper.Copy(up.Bool, "bridge", "allow_everyone")
	helper.Copy(up.Bool, "bridge", "allow_here")
	helper.Copy(up.Int, "bridge", "emote_name_min")
	helper.Copy(up.Int, "bridge", "emote_name_max")
	helper.Copy(up.Str, "bridge", "cache_purge_interval")
	helper.Copy(up.Str, "database", "path")
	helper.Copy(up.Str, "database", "emoji_path")
	helper.Copy(up.Str, "database", "mapping_retention")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader that fills missing keys from the
// example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// LoadConfig upgrades the config file at path in place, then parses,
// post-processes and validates it. A missing file is created from the
// example config and reported as an error so it can be edited first.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, fmt.Errorf("wrote example config to %s, edit it and restart", path)
	}
	data, _, err := up.Do(path, true, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, post-processes and validates raw YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatDisplayname generates a ghost display name from the template and params.
func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.Username
	if fallback == "" {
		fallback = params.ID
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil || len(buf) == 0 {
		return fallback
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
