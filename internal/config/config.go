package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the root relaybot configuration.
type Config struct {
	General  GeneralConfig  `mapstructure:"general" yaml:"general" json:"general"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server" json:"server"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram" json:"telegram"`
	Backend  BackendConfig  `mapstructure:"backend" yaml:"backend" json:"backend"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay" json:"relay"`
	Context  ContextConfig  `mapstructure:"context" yaml:"context" json:"context"`
	Journal  JournalConfig  `mapstructure:"journal" yaml:"journal" json:"journal"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify" json:"notify"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `mapstructure:"logLevel" yaml:"logLevel" json:"logLevel"` // "debug" | "info" | "warn" | "error"
	LogFile  string `mapstructure:"logFile" yaml:"logFile" json:"logFile"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host" yaml:"host" json:"host"`
	Port        int    `mapstructure:"port" yaml:"port" json:"port"`
	WebhookPath string `mapstructure:"webhookPath" yaml:"webhookPath" json:"webhookPath"`
}

// TelegramConfig configures the Bot API client. BotID and BotUsername are
// resolved with getMe at startup when left empty.
type TelegramConfig struct {
	Token              string `mapstructure:"token" yaml:"token" json:"token"`
	APIBase            string `mapstructure:"apiBase" yaml:"apiBase" json:"apiBase"`
	BotID              int64  `mapstructure:"botId" yaml:"botId" json:"botId"`
	BotUsername        string `mapstructure:"botUsername" yaml:"botUsername" json:"botUsername"`
	ParseMode          string `mapstructure:"parseMode" yaml:"parseMode" json:"parseMode"`
	MaxAttachmentBytes int64  `mapstructure:"maxAttachmentBytes" yaml:"maxAttachmentBytes" json:"maxAttachmentBytes"`
}

type BackendConfig struct {
	APIBase string        `mapstructure:"apiBase" yaml:"apiBase" json:"apiBase"`
	Model   string        `mapstructure:"model" yaml:"model" json:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

type RelayConfig struct {
	Workers        int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	QueueSize      int           `mapstructure:"queueSize" yaml:"queueSize" json:"queueSize"`
	EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout" yaml:"enqueueTimeout" json:"enqueueTimeout"`
	TaskTimeout    time.Duration `mapstructure:"taskTimeout" yaml:"taskTimeout" json:"taskTimeout"`
	GreetingPrompt string        `mapstructure:"greetingPrompt" yaml:"greetingPrompt" json:"greetingPrompt"`
	TaskHistory    int           `mapstructure:"taskHistory" yaml:"taskHistory" json:"taskHistory"`
	TaskRetention  time.Duration `mapstructure:"taskRetention" yaml:"taskRetention" json:"taskRetention"`
}

// ContextConfig bounds the in-memory per-sender context store.
type ContextConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	MaxEntries    int           `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`
	SweepSchedule string        `mapstructure:"sweepSchedule" yaml:"sweepSchedule" json:"sweepSchedule"`
}

type JournalConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	DBPath        string `mapstructure:"dbPath" yaml:"dbPath" json:"dbPath"`
	RetentionDays int    `mapstructure:"retentionDays" yaml:"retentionDays" json:"retentionDays"`
	PruneSchedule string `mapstructure:"pruneSchedule" yaml:"pruneSchedule" json:"pruneSchedule"`
}

// NotifyConfig configures the optional AMQP outcome publisher.
type NotifyConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	URL           string `mapstructure:"url" yaml:"url" json:"url"`
	Exchange      string `mapstructure:"exchange" yaml:"exchange" json:"exchange"`
	RoutingPrefix string `mapstructure:"routingPrefix" yaml:"routingPrefix" json:"routingPrefix"`
}

type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
}

// EnvPrefix is prepended to every environment override, e.g.
// RELAYBOT_BACKEND_MODEL for backend.model.
const EnvPrefix = "RELAYBOT"

// legacyEnv maps the environment names the first deployment used onto config keys.
var legacyEnv = map[string]string{
	"backend.apiBase": "PK_URL",
	"telegram.token":  "BOT_TOKEN",
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load layers defaults, the config file, RELAYBOT_* variables and the legacy
// variable names, in increasing precedence. A missing file is not an error.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		default:
			// Substitute environment variables: ${VAR} and ${VAR:-default}
			data = []byte(ExpandEnvVars(string(data)))
			v.SetConfigType(formatOf(path))
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := applyBotURL(cfg, os.Getenv("BOT_URL")); err != nil {
		return nil, err
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyBotURL accepts the legacy BOT_URL form, https://api.telegram.org/bot<token>,
// when no token was configured any other way.
func applyBotURL(cfg *Config, raw string) error {
	if raw == "" || cfg.Telegram.Token != "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("BOT_URL: %w", err)
	}
	token, ok := strings.CutPrefix(strings.Trim(u.Path, "/"), "bot")
	if !ok || token == "" {
		return fmt.Errorf("BOT_URL: expected .../bot<token>, got path %q", u.Path)
	}
	cfg.Telegram.Token = token
	cfg.Telegram.APIBase = u.Scheme + "://" + u.Host
	return nil
}

// formatOf picks the file codec from the extension. Anything that is not
// JSON is treated as YAML.
func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path, as JSON for a .json extension and YAML otherwise.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := encode(cfg, formatOf(path))
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

var logLevels = []string{"debug", "info", "warn", "error"}

var parseModes = []string{"", "Markdown", "MarkdownV2", "HTML"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if !slices.Contains(logLevels, strings.ToLower(cfg.General.LogLevel)) {
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}

	if err := checkHTTPURL(cfg.Telegram.APIBase); err != nil {
		errs = append(errs, "telegram.apiBase "+err.Error())
	}
	if !slices.Contains(parseModes, cfg.Telegram.ParseMode) {
		errs = append(errs, "telegram.parseMode must be one of: Markdown, MarkdownV2, HTML")
	}
	if cfg.Telegram.MaxAttachmentBytes < 1 {
		errs = append(errs, "telegram.maxAttachmentBytes must be >= 1")
	}

	if err := checkHTTPURL(cfg.Backend.APIBase); err != nil {
		errs = append(errs, "backend.apiBase "+err.Error())
	}
	if strings.TrimSpace(cfg.Backend.Model) == "" {
		errs = append(errs, "backend.model is required")
	}
	if cfg.Backend.Timeout <= 0 {
		errs = append(errs, "backend.timeout must be positive")
	}

	if cfg.Relay.Workers < 1 || cfg.Relay.Workers > 256 {
		errs = append(errs, "relay.workers must be between 1 and 256")
	}
	if cfg.Relay.QueueSize < 1 {
		errs = append(errs, "relay.queueSize must be >= 1")
	}
	if cfg.Relay.EnqueueTimeout <= 0 {
		errs = append(errs, "relay.enqueueTimeout must be positive")
	}
	if cfg.Relay.TaskTimeout <= 0 {
		errs = append(errs, "relay.taskTimeout must be positive")
	}
	if strings.TrimSpace(cfg.Relay.GreetingPrompt) == "" {
		errs = append(errs, "relay.greetingPrompt is required")
	}
	if cfg.Relay.TaskHistory < 1 {
		errs = append(errs, "relay.taskHistory must be >= 1")
	}

	if cfg.Context.TTL <= 0 {
		errs = append(errs, "context.ttl must be positive")
	}
	if cfg.Context.MaxEntries < 1 {
		errs = append(errs, "context.maxEntries must be >= 1")
	}
	if _, err := cron.ParseStandard(cfg.Context.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("context.sweepSchedule: %v", err))
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.DBPath == "" {
			errs = append(errs, "journal.dbPath is required when the journal is enabled")
		}
		if cfg.Journal.RetentionDays < 1 {
			errs = append(errs, "journal.retentionDays must be >= 1")
		}
		if _, err := cron.ParseStandard(cfg.Journal.PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("journal.pruneSchedule: %v", err))
		}
	}

	if cfg.Notify.Enabled {
		if cfg.Notify.URL == "" {
			errs = append(errs, "notify.url is required when notify is enabled")
		}
		if cfg.Notify.Exchange == "" {
			errs = append(errs, "notify.exchange is required when notify is enabled")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint == cfg.Server.WebhookPath {
		errs = append(errs, "metrics.endpoint must differ from server.webhookPath")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireToken reports whether the config can talk to the Bot API.
func RequireToken(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (set %s or BOT_TOKEN)", envName("telegram.token"))
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) URL, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host, got %q", raw)
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
