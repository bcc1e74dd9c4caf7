package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultGreetingPrompt is sent when new members join a group the bot is in.
const DefaultGreetingPrompt = "Write a short, friendly message welcoming new members to a group chat."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        1400,
			WebhookPath: "/",
		},
		Telegram: TelegramConfig{
			APIBase:            "https://api.telegram.org",
			MaxAttachmentBytes: 10 << 20,
		},
		Backend: BackendConfig{
			APIBase: "http://localhost:11434",
			Model:   "llama3.2",
			Timeout: 2 * time.Minute,
		},
		Relay: RelayConfig{
			Workers:        4,
			QueueSize:      64,
			EnqueueTimeout: 2 * time.Second,
			TaskTimeout:    3 * time.Minute,
			GreetingPrompt: DefaultGreetingPrompt,
			TaskHistory:    500,
			TaskRetention:  time.Hour,
		},
		Context: ContextConfig{
			TTL:           24 * time.Hour,
			MaxEntries:    10000,
			SweepSchedule: "@every 1m",
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.relaybot/journal.db",
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		Notify: NotifyConfig{
			Enabled:       false,
			Exchange:      "relaybot",
			RoutingPrefix: "relaybot.outcome",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// setDefaults registers every leaf of cfg with v. Registering each key is
// also what lets AutomaticEnv see it during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	for path, val := range ListPaths(cfg) {
		v.SetDefault(path, val)
	}
}
