package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "REDDIT_MONITOR_CONFIG"

	ScannerAPI  = "reddit-api"
	ScannerHTML = "reddit-html"

	PrimaryNtfy     = "ntfy"
	PrimaryTelegram = "telegram"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Reddit        RedditConfig       `yaml:"reddit"`
	Monitor       MonitorConfig      `yaml:"monitor"`
	Storage       StorageConfig      `yaml:"storage"`
	Notifications NotificationConfig `yaml:"notifications"`
	Fallback      FallbackConfig     `yaml:"fallback"`
	Webhook       WebhookConfig      `yaml:"webhook"`
	Escalation    EscalationConfig   `yaml:"escalation"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedditConfig describes how the content source is reached.
type RedditConfig struct {
	Scanner           string `yaml:"scanner"`
	ClientID          string `yaml:"clientId"`
	ClientSecret      string `yaml:"clientSecret"`
	UserAgent         string `yaml:"userAgent"`
	APIBaseURL        string `yaml:"apiBaseUrl"`
	TokenURL          string `yaml:"tokenUrl"`
	HTMLBaseURL       string `yaml:"htmlBaseUrl"`
	Limit             int    `yaml:"limit"`
	RequestsPerMinute int    `yaml:"requestsPerMinute"`
	MaxRetries        int    `yaml:"maxRetries"`
}

// MonitorConfig names who and where to watch.
type MonitorConfig struct {
	Author       string        `yaml:"author"`
	Channels     []string      `yaml:"channels"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// StorageConfig points at the SQLite file.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotificationConfig encapsulates the primary channels.
type NotificationConfig struct {
	Primary  string         `yaml:"primary"`
	Ntfy     NtfyConfig     `yaml:"ntfy"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// NtfyConfig wires the ntfy publisher.
type NtfyConfig struct {
	URL      string   `yaml:"url"`
	Topic    string   `yaml:"topic"`
	Priority int      `yaml:"priority"`
	Tags     []string `yaml:"tags"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	Endpoint string `yaml:"endpoint"`
}

// FallbackConfig describes the Twilio escalation channel.
type FallbackConfig struct {
	Enabled      bool   `yaml:"enabled"`
	VoiceEnabled bool   `yaml:"voiceEnabled"`
	SMSEnabled   bool   `yaml:"smsEnabled"`
	AccountSID   string `yaml:"accountSid"`
	AuthToken    string `yaml:"authToken"`
	FromNumber   string `yaml:"fromNumber"`
	ToNumber     string `yaml:"toNumber"`
	BaseURL      string `yaml:"baseUrl"`
}

// WebhookConfig describes the acknowledgment endpoint.
type WebhookConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Path         string `yaml:"path"`
	Secret       string `yaml:"secret"`
	PublicURL    string `yaml:"publicUrl"`
	TokenInPath  bool   `yaml:"tokenInPath"`
	SecretInLink bool   `yaml:"secretInLink"`
}

// Addr is the listen address of the webhook server.
func (w WebhookConfig) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// EscalationConfig controls the acknowledgment window.
type EscalationConfig struct {
	FollowupDelay time.Duration `yaml:"followupDelay"`
	Retention     time.Duration `yaml:"retention"`
}

// EscalationEnabled reports whether escalations can be scheduled and acknowledged.
func (c Config) EscalationEnabled() bool {
	return c.Fallback.Enabled && c.Webhook.Enabled
}

// Load reads the YAML file (explicit path, else $REDDIT_MONITOR_CONFIG) over
// the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()

	return cfg, nil
}

// Default mirrors the defaults of the original deployment.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Reddit: RedditConfig{
			Scanner:           ScannerAPI,
			UserAgent:         "RedditMonitor/1.0",
			APIBaseURL:        "https://oauth.reddit.com",
			TokenURL:          "https://www.reddit.com/api/v1/access_token",
			HTMLBaseURL:       "https://old.reddit.com",
			Limit:             10,
			RequestsPerMinute: 60,
			MaxRetries:        2,
		},
		Monitor: MonitorConfig{PollInterval: 60 * time.Second},
		Storage: StorageConfig{Path: "/data/seen_posts.db"},
		Notifications: NotificationConfig{
			Primary: PrimaryNtfy,
			Ntfy: NtfyConfig{
				URL:      "https://ntfy.sh",
				Topic:    "reddit-monitor",
				Priority: 5,
				Tags:     []string{"red_circle", "warning"},
			},
		},
		Fallback: FallbackConfig{
			Enabled:      true,
			VoiceEnabled: true,
			SMSEnabled:   false,
			BaseURL:      "https://api.twilio.com",
		},
		Webhook: WebhookConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         5000,
			Path:         "/acknowledge",
			SecretInLink: true,
		},
		Escalation: EscalationConfig{
			FollowupDelay: 3 * time.Minute,
			Retention:     24 * time.Hour,
		},
	}
}

func (c *Config) applyEnvOverrides(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("REDDIT_SCANNER", &c.Reddit.Scanner)
	str("REDDIT_CLIENT_ID", &c.Reddit.ClientID)
	str("REDDIT_CLIENT_SECRET", &c.Reddit.ClientSecret)
	str("REDDIT_USER_AGENT", &c.Reddit.UserAgent)

	str("TARGET_USERNAME", &c.Monitor.Author)
	if v := getenv("TARGET_SUBREDDIT"); v != "" {
		c.Monitor.Channels = splitList(v)
	}
	var seconds int
	integer("POLLING_INTERVAL", &seconds)
	if seconds > 0 {
		c.Monitor.PollInterval = time.Duration(seconds) * time.Second
	}

	str("DATABASE_PATH", &c.Storage.Path)

	str("NOTIFY_PRIMARY", &c.Notifications.Primary)
	str("NTFY_URL", &c.Notifications.Ntfy.URL)
	str("NTFY_TOPIC", &c.Notifications.Ntfy.Topic)
	integer("NTFY_PRIORITY", &c.Notifications.Ntfy.Priority)
	if v := getenv("NTFY_TAGS"); v != "" {
		c.Notifications.Ntfy.Tags = splitList(v)
	}
	str("NTFY_USERNAME", &c.Notifications.Ntfy.Username)
	str("NTFY_PASSWORD", &c.Notifications.Ntfy.Password)
	str("TELEGRAM_BOT_TOKEN", &c.Notifications.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Notifications.Telegram.ChatID)

	boolean("TWILIO_ENABLED", &c.Fallback.Enabled)
	boolean("TWILIO_VOICE_ENABLED", &c.Fallback.VoiceEnabled)
	boolean("TWILIO_SMS_ENABLED", &c.Fallback.SMSEnabled)
	str("TWILIO_ACCOUNT_SID", &c.Fallback.AccountSID)
	str("TWILIO_AUTH_TOKEN", &c.Fallback.AuthToken)
	str("TWILIO_FROM_NUMBER", &c.Fallback.FromNumber)
	str("TWILIO_TO_NUMBER", &c.Fallback.ToNumber)

	boolean("WEBHOOK_ENABLED", &c.Webhook.Enabled)
	str("WEBHOOK_HOST", &c.Webhook.Host)
	integer("WEBHOOK_PORT", &c.Webhook.Port)
	str("WEBHOOK_PATH", &c.Webhook.Path)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	str("WEBHOOK_URL", &c.Webhook.PublicURL)

	var minutes int
	integer("NOTIFICATION_FOLLOWUP_MINUTES", &minutes)
	if minutes > 0 {
		c.Escalation.FollowupDelay = time.Duration(minutes) * time.Minute
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	var debug bool
	boolean("DEBUG", &debug)
	if debug {
		c.Logging.Level = "debug"
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: env overrides: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) normalize() {
	c.Monitor.Author = strings.TrimPrefix(strings.TrimSpace(c.Monitor.Author), "u/")
	channels := make([]string, 0, len(c.Monitor.Channels))
	for _, ch := range c.Monitor.Channels {
		ch = strings.TrimPrefix(strings.TrimSpace(ch), "r/")
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	c.Monitor.Channels = channels

	if c.Webhook.Path == "" {
		c.Webhook.Path = "/acknowledge"
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}
	c.Webhook.Path = strings.TrimSuffix(c.Webhook.Path, "/")
	c.Webhook.PublicURL = strings.TrimSuffix(c.Webhook.PublicURL, "/")
}

// Validate reports every missing or inconsistent field at once.
func (c Config) Validate() error {
	var missing []string
	req := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	req("monitor.author (TARGET_USERNAME)", c.Monitor.Author)
	if len(c.Monitor.Channels) == 0 {
		missing = append(missing, "monitor.channels (TARGET_SUBREDDIT)")
	}
	if c.Reddit.Scanner == ScannerAPI {
		req("reddit.clientId (REDDIT_CLIENT_ID)", c.Reddit.ClientID)
		req("reddit.clientSecret (REDDIT_CLIENT_SECRET)", c.Reddit.ClientSecret)
	}
	switch c.Notifications.Primary {
	case PrimaryNtfy:
		req("notifications.ntfy.url (NTFY_URL)", c.Notifications.Ntfy.URL)
		req("notifications.ntfy.topic (NTFY_TOPIC)", c.Notifications.Ntfy.Topic)
	case PrimaryTelegram:
		req("notifications.telegram.botToken (TELEGRAM_BOT_TOKEN)", c.Notifications.Telegram.BotToken)
		req("notifications.telegram.chatId (TELEGRAM_CHAT_ID)", c.Notifications.Telegram.ChatID)
	}
	if c.Fallback.Enabled {
		req("fallback.accountSid (TWILIO_ACCOUNT_SID)", c.Fallback.AccountSID)
		req("fallback.authToken (TWILIO_AUTH_TOKEN)", c.Fallback.AuthToken)
		req("fallback.fromNumber (TWILIO_FROM_NUMBER)", c.Fallback.FromNumber)
		req("fallback.toNumber (TWILIO_TO_NUMBER)", c.Fallback.ToNumber)
	}
	if c.Webhook.Enabled {
		req("webhook.secret (WEBHOOK_SECRET)", c.Webhook.Secret)
		req("webhook.publicUrl (WEBHOOK_URL)", c.Webhook.PublicURL)
	}
	req("storage.path (DATABASE_PATH)", c.Storage.Path)

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	switch c.Reddit.Scanner {
	case ScannerAPI, ScannerHTML:
	default:
		errs = append(errs, fmt.Errorf("unknown reddit.scanner %q", c.Reddit.Scanner))
	}
	switch c.Notifications.Primary {
	case PrimaryNtfy, PrimaryTelegram:
	default:
		errs = append(errs, fmt.Errorf("unknown notifications.primary %q", c.Notifications.Primary))
	}
	if c.Monitor.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("monitor.pollInterval must be at least 1s, got %s", c.Monitor.PollInterval))
	}
	if c.Escalation.FollowupDelay < 30*time.Second {
		errs = append(errs, fmt.Errorf("escalation.followupDelay must be at least 30s, got %s", c.Escalation.FollowupDelay))
	}
	if p := c.Notifications.Ntfy.Priority; p < 1 || p > 5 {
		errs = append(errs, fmt.Errorf("notifications.ntfy.priority must be 1-5, got %d", p))
	}
	if c.Fallback.Enabled && !c.Fallback.VoiceEnabled && !c.Fallback.SMSEnabled {
		errs = append(errs, errors.New("fallback is enabled but both voice and sms are disabled"))
	}
	if c.Webhook.Enabled && (c.Webhook.Port <= 0 || c.Webhook.Port > 65535) {
		errs = append(errs, fmt.Errorf("webhook.port out of range: %d", c.Webhook.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
