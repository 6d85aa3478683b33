package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STAGEBOT_LOG_LEVEL.
const EnvPrefix = "STAGEBOT"

// DefaultPath is used when --config is not given.
const DefaultPath = "stagebot.yaml"

// Error is a configuration error. It aborts startup and rejects a reload.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Errorf builds an *Error for field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err wraps an *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	DB        DBConfig        `mapstructure:"db" yaml:"db"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Whitelist WhitelistConfig `mapstructure:"whitelist" yaml:"whitelist"`
	Admins    []string        `mapstructure:"admins" yaml:"admins"`
	Command   CommandConfig   `mapstructure:"command" yaml:"command"`
	Safety    SafetyConfig    `mapstructure:"safety" yaml:"safety"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Personas  []PersonaConfig `mapstructure:"personas" yaml:"personas"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
	Respond   RespondConfig   `mapstructure:"respond" yaml:"respond"`
	Platforms PlatformsConfig `mapstructure:"platforms" yaml:"platforms"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type PipelineConfig struct {
	Stages         []string      `mapstructure:"stages" yaml:"stages"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	EventTimeout   time.Duration `mapstructure:"event_timeout" yaml:"event_timeout"`
	ReplyGrace     time.Duration `mapstructure:"reply_grace" yaml:"reply_grace"`
	AbortOnError   bool          `mapstructure:"abort_on_error" yaml:"abort_on_error"`
	FatalKinds     []string      `mapstructure:"fatal_kinds" yaml:"fatal_kinds"`
}

type WhitelistConfig struct {
	Enable       bool     `mapstructure:"enable" yaml:"enable"`
	Sessions     []string `mapstructure:"sessions" yaml:"sessions"`
	AdminBypass  bool     `mapstructure:"admin_bypass" yaml:"admin_bypass"`
	WakePrefixes []string `mapstructure:"wake_prefixes" yaml:"wake_prefixes"`
}

type CommandConfig struct {
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type SafetyConfig struct {
	Enable        bool     `mapstructure:"enable" yaml:"enable"`
	ExtraPatterns []string `mapstructure:"extra_patterns" yaml:"extra_patterns"`
	ReplyOnReject bool     `mapstructure:"reply_on_reject" yaml:"reply_on_reject"`
	RejectText    string   `mapstructure:"reject_text" yaml:"reject_text"`
	CheckOutput   bool     `mapstructure:"check_output" yaml:"check_output"`
}

type LLMConfig struct {
	// Provider is "openai", "dummy" or empty for no LLM.
	Provider         string        `mapstructure:"provider" yaml:"provider"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	URL              string        `mapstructure:"url" yaml:"url"`
	Model            string        `mapstructure:"model" yaml:"model"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	HistoryWindow    int           `mapstructure:"history_window" yaml:"history_window"`
	HistoryMaxRunes  int           `mapstructure:"history_max_runes" yaml:"history_max_runes"`
	DefaultPersona   string        `mapstructure:"default_persona" yaml:"default_persona"`
	ApologyText      string        `mapstructure:"apology_text" yaml:"apology_text"`
	MaxTurns         int           `mapstructure:"max_turns" yaml:"max_turns"`
	MaxWallTime      time.Duration `mapstructure:"max_wall_time" yaml:"max_wall_time"`
	StallRounds      int           `mapstructure:"stall_rounds" yaml:"stall_rounds"`
	CircuitThreshold int           `mapstructure:"circuit_threshold" yaml:"circuit_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown" yaml:"circuit_cooldown"`
	DummyScript      string        `mapstructure:"dummy_script" yaml:"dummy_script"`
}

type PersonaConfig struct {
	ID     string `mapstructure:"id" yaml:"id"`
	Prompt string `mapstructure:"prompt" yaml:"prompt"`
}

type ToolsConfig struct {
	Disabled       []string      `mapstructure:"disabled" yaml:"disabled"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOutputLines int           `mapstructure:"max_output_lines" yaml:"max_output_lines"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	SearchURL      string        `mapstructure:"search_url" yaml:"search_url"`
	DenyPrivate    bool          `mapstructure:"deny_private" yaml:"deny_private"`
	DeniedHosts    []string      `mapstructure:"denied_hosts" yaml:"denied_hosts"`
}

type RespondConfig struct {
	ReplyWithQuote   bool            `mapstructure:"reply_with_quote" yaml:"reply_with_quote"`
	ReplyWithMention bool            `mapstructure:"reply_with_mention" yaml:"reply_with_mention"`
	Segmented        SegmentedConfig `mapstructure:"segmented" yaml:"segmented"`
}

type SegmentedConfig struct {
	Enable    bool          `mapstructure:"enable" yaml:"enable"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Pattern   string        `mapstructure:"pattern" yaml:"pattern"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

type PlatformsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	OneBot   OneBotConfig   `mapstructure:"onebot" yaml:"onebot"`
	Dummy    DummyConfig    `mapstructure:"dummy" yaml:"dummy"`
}

type TelegramConfig struct {
	Enable       bool          `mapstructure:"enable" yaml:"enable"`
	Token        string        `mapstructure:"token" yaml:"token"`
	APIBase      string        `mapstructure:"api_base" yaml:"api_base"`
	PollTimeout  int           `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	DropPending  bool          `mapstructure:"drop_pending" yaml:"drop_pending"`
}

type OneBotConfig struct {
	Enable            bool          `mapstructure:"enable" yaml:"enable"`
	URL               string        `mapstructure:"url" yaml:"url"`
	AccessToken       string        `mapstructure:"access_token" yaml:"access_token"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

type DummyConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Script     string `mapstructure:"script" yaml:"script"`
	SendScript string `mapstructure:"send_script" yaml:"send_script"`
}

// DefaultStages is the stage order used when pipeline.stages is unset.
var DefaultStages = []string{"whitelist_check", "content_safety", "command_dispatch", "llm", "respond"}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full tree.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("db.path", "/state/stagebot.db")

	v.SetDefault("pipeline.stages", DefaultStages)
	v.SetDefault("pipeline.max_concurrency", 8)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.event_timeout", 4*time.Minute)
	v.SetDefault("pipeline.reply_grace", 15*time.Second)
	v.SetDefault("pipeline.abort_on_error", false)
	v.SetDefault("pipeline.fatal_kinds", []string{"malformed_event", "missing_session"})

	v.SetDefault("whitelist.enable", true)
	v.SetDefault("whitelist.sessions", []string{})
	v.SetDefault("whitelist.admin_bypass", true)
	v.SetDefault("whitelist.wake_prefixes", []string{})
	v.SetDefault("admins", []string{})

	v.SetDefault("command.prefix", "/")

	v.SetDefault("safety.enable", true)
	v.SetDefault("safety.extra_patterns", []string{})
	v.SetDefault("safety.reply_on_reject", false)
	v.SetDefault("safety.reject_text", "你的消息或者大模型的响应中包含不适当的内容，已被屏蔽。")
	v.SetDefault("safety.check_output", false)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.history_window", 12)
	v.SetDefault("llm.history_max_runes", 8000)
	v.SetDefault("llm.default_persona", "")
	v.SetDefault("llm.apology_text", "抱歉，模型服务暂时不可用，请稍后再试。")
	v.SetDefault("llm.max_turns", 5)
	v.SetDefault("llm.max_wall_time", 120*time.Second)
	v.SetDefault("llm.stall_rounds", 3)
	v.SetDefault("llm.circuit_threshold", 5)
	v.SetDefault("llm.circuit_cooldown", 30*time.Second)
	v.SetDefault("llm.dummy_script", "ok")
	v.SetDefault("personas", []map[string]any{})

	v.SetDefault("tools.disabled", []string{})
	v.SetDefault("tools.timeout", 20*time.Second)
	v.SetDefault("tools.max_output_lines", 200)
	v.SetDefault("tools.max_output_bytes", 16*1024)
	v.SetDefault("tools.search_url", "https://html.duckduckgo.com/html/")
	v.SetDefault("tools.deny_private", true)
	v.SetDefault("tools.denied_hosts", []string{})

	v.SetDefault("respond.reply_with_quote", false)
	v.SetDefault("respond.reply_with_mention", false)
	v.SetDefault("respond.segmented.enable", false)
	v.SetDefault("respond.segmented.threshold", 150)
	v.SetDefault("respond.segmented.pattern", `[^。？！~…\n]+[。？！~…\n]*`)
	v.SetDefault("respond.segmented.interval", 1500*time.Millisecond)

	v.SetDefault("platforms.telegram.enable", false)
	v.SetDefault("platforms.telegram.token", "")
	v.SetDefault("platforms.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("platforms.telegram.poll_timeout", 30)
	v.SetDefault("platforms.telegram.retry_backoff", time.Second)
	v.SetDefault("platforms.telegram.drop_pending", true)
	v.SetDefault("platforms.onebot.enable", false)
	v.SetDefault("platforms.onebot.url", "ws://127.0.0.1:3001")
	v.SetDefault("platforms.onebot.access_token", "")
	v.SetDefault("platforms.onebot.reconnect_interval", 5*time.Second)
	v.SetDefault("platforms.onebot.call_timeout", 10*time.Second)
	v.SetDefault("platforms.dummy.enable", false)
	v.SetDefault("platforms.dummy.script", "")
	v.SetDefault("platforms.dummy.send_script", "ok")
}

// legacyEnv maps keys to the environment names older deployments use.
var legacyEnv = map[string]string{
	"llm.api_key":              "OPENAI_API_KEY",
	"llm.model":                "OPENAI_MODEL",
	"llm.url":                  "OPENAI_CHAT_COMPLETIONS_URL",
	"platforms.telegram.token": "TELEGRAM_BOT_TOKEN",
	"db.path":                  "DB_PATH",
}

// NewViper returns a viper instance with defaults, env overrides and, when
// path names an existing file, the YAML file loaded. A missing file at
// DefaultPath is not an error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return v, nil
		}
		return nil, Errorf("", "read %s: %v", path, err)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, Errorf("", "parse %s: %v", path, err)
	}
	return v, nil
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Errorf("", "decode: %v", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration at path.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func (c *Config) normalize() {
	c.Whitelist.Sessions = dedupe(c.Whitelist.Sessions)
	c.Admins = dedupe(c.Admins)
	c.Tools.Disabled = dedupe(c.Tools.Disabled)
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if len(c.Pipeline.Stages) == 0 {
		c.Pipeline.Stages = slices.Clone(DefaultStages)
	}
}

// Validate reports the first invalid setting as an *Error. Stage ids are
// checked when the pipeline resolves them.
func (c *Config) Validate() error {
	if c.Pipeline.MaxConcurrency <= 0 {
		return Errorf("pipeline.max_concurrency", "must be > 0, got %d", c.Pipeline.MaxConcurrency)
	}
	if c.Pipeline.QueueSize < 0 {
		return Errorf("pipeline.queue_size", "must be >= 0, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.EventTimeout <= 0 {
		return Errorf("pipeline.event_timeout", "must be > 0")
	}
	if c.Pipeline.ReplyGrace <= 0 {
		return Errorf("pipeline.reply_grace", "must be > 0")
	}
	if strings.TrimSpace(c.Command.Prefix) == "" {
		return Errorf("command.prefix", "must not be empty")
	}
	for _, p := range c.Safety.ExtraPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return Errorf("safety.extra_patterns", "invalid pattern %q: %v", p, err)
		}
	}
	if c.Respond.Segmented.Enable {
		if _, err := regexp.Compile(c.Respond.Segmented.Pattern); err != nil {
			return Errorf("respond.segmented.pattern", "invalid pattern: %v", err)
		}
	}

	switch c.LLM.Provider {
	case "":
	case "openai":
		if c.LLM.APIKey == "" {
			return Errorf("llm.api_key", "required when llm.provider=openai (or set OPENAI_API_KEY)")
		}
	case "dummy":
	default:
		return Errorf("llm.provider", "unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return Errorf("llm.timeout", "must be > 0")
	}
	if c.LLM.MaxTurns <= 0 {
		return Errorf("llm.max_turns", "must be > 0, got %d", c.LLM.MaxTurns)
	}
	if c.LLM.MaxWallTime <= 0 {
		return Errorf("llm.max_wall_time", "must be > 0")
	}
	// The wall time is checked between turns, so one more call can follow.
	if budget := c.LLM.MaxWallTime + c.LLM.Timeout; c.Pipeline.EventTimeout <= budget {
		return Errorf("pipeline.event_timeout", "must exceed llm.max_wall_time + llm.timeout (%s), got %s",
			budget, c.Pipeline.EventTimeout)
	}

	seen := map[string]bool{}
	for _, p := range c.Personas {
		if p.ID == "" {
			return Errorf("personas", "persona id must not be empty")
		}
		if seen[p.ID] {
			return Errorf("personas", "duplicate persona id %q", p.ID)
		}
		seen[p.ID] = true
	}
	if c.LLM.DefaultPersona != "" && !seen[c.LLM.DefaultPersona] {
		return Errorf("llm.default_persona", "unknown persona %q", c.LLM.DefaultPersona)
	}

	if c.Tools.Timeout <= 0 {
		return Errorf("tools.timeout", "must be > 0")
	}
	if c.Tools.MaxOutputLines <= 0 || c.Tools.MaxOutputBytes <= 0 {
		return Errorf("tools", "output limits must be > 0")
	}

	if c.Platforms.Telegram.Enable && c.Platforms.Telegram.Token == "" {
		return Errorf("platforms.telegram.token", "required when telegram is enabled (or set TELEGRAM_BOT_TOKEN)")
	}
	if c.Platforms.OneBot.Enable && c.Platforms.OneBot.URL == "" {
		return Errorf("platforms.onebot.url", "required when onebot is enabled")
	}
	return nil
}

// Clone returns a deep copy that shares no slices with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Pipeline.Stages = slices.Clone(c.Pipeline.Stages)
	out.Pipeline.FatalKinds = slices.Clone(c.Pipeline.FatalKinds)
	out.Whitelist.Sessions = slices.Clone(c.Whitelist.Sessions)
	out.Whitelist.WakePrefixes = slices.Clone(c.Whitelist.WakePrefixes)
	out.Admins = slices.Clone(c.Admins)
	out.Safety.ExtraPatterns = slices.Clone(c.Safety.ExtraPatterns)
	out.Personas = slices.Clone(c.Personas)
	out.Tools.Disabled = slices.Clone(c.Tools.Disabled)
	out.Tools.DeniedHosts = slices.Clone(c.Tools.DeniedHosts)
	return &out
}

// Save writes cfg to path as YAML. The file is replaced atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config %s: %w", path, err)
	}
	return nil
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
