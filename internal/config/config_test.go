package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Monitor.Author = "spez"
	cfg.Monitor.Channels = []string{"golang"}
	cfg.Reddit.ClientID = "id"
	cfg.Reddit.ClientSecret = "secret"
	cfg.Fallback.AccountSID = "AC123"
	cfg.Fallback.AuthToken = "token"
	cfg.Fallback.FromNumber = "+15550000000"
	cfg.Fallback.ToNumber = "+15551111111"
	cfg.Webhook.Secret = "hook-secret"
	cfg.Webhook.PublicURL = "https://monitor.example.com"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 3*time.Minute, cfg.Escalation.FollowupDelay)
	assert.Equal(t, 5, cfg.Notifications.Ntfy.Priority)
	assert.Equal(t, []string{"red_circle", "warning"}, cfg.Notifications.Ntfy.Tags)
	assert.Equal(t, "0.0.0.0:5000", cfg.Webhook.Addr())
	assert.Equal(t, "/acknowledge", cfg.Webhook.Path)
	assert.True(t, cfg.Fallback.VoiceEnabled)
	assert.False(t, cfg.Fallback.SMSEnabled)
	assert.True(t, cfg.EscalationEnabled())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
monitor:
  author: u/spez
  channels: [r/golang, " rust "]
  pollInterval: 90s
escalation:
  followupDelay: 5m
webhook:
  path: hooks/ack/
  publicUrl: https://monitor.example.com/
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "spez", cfg.Monitor.Author)
	assert.Equal(t, []string{"golang", "rust"}, cfg.Monitor.Channels)
	assert.Equal(t, 90*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.FollowupDelay)
	assert.Equal(t, "/hooks/ack", cfg.Webhook.Path)
	assert.Equal(t, "https://monitor.example.com", cfg.Webhook.PublicURL)
	// untouched sections keep their defaults
	assert.Equal(t, "reddit-monitor", cfg.Notifications.Ntfy.Topic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv("TARGET_USERNAME", "spez")
	t.Setenv("TARGET_SUBREDDIT", "golang, programming")
	t.Setenv("POLLING_INTERVAL", "30")
	t.Setenv("NOTIFICATION_FOLLOWUP_MINUTES", "10")
	t.Setenv("NTFY_TAGS", "rotating_light")
	t.Setenv("TWILIO_SMS_ENABLED", "TRUE")
	t.Setenv("TWILIO_VOICE_ENABLED", "false")
	t.Setenv("WEBHOOK_PORT", "8080")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "spez", cfg.Monitor.Author)
	assert.Equal(t, []string{"golang", "programming"}, cfg.Monitor.Channels)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.FollowupDelay)
	assert.Equal(t, []string{"rotating_light"}, cfg.Notifications.Ntfy.Tags)
	assert.True(t, cfg.Fallback.SMSEnabled)
	assert.False(t, cfg.Fallback.VoiceEnabled)
	assert.Equal(t, 8080, cfg.Webhook.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadBadEnvInteger(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Setenv("WEBHOOK_PORT", "not-a-port")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_PORT")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	t.Run("reports every missing field", func(t *testing.T) {
		cfg := Default()
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalid)
		for _, want := range []string{"TARGET_USERNAME", "TARGET_SUBREDDIT", "REDDIT_CLIENT_ID", "TWILIO_TO_NUMBER", "WEBHOOK_SECRET"} {
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("html scanner needs no credentials", func(t *testing.T) {
		cfg := validConfig()
		cfg.Reddit.Scanner = ScannerHTML
		cfg.Reddit.ClientID = ""
		cfg.Reddit.ClientSecret = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("fallback without channels", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fallback.VoiceEnabled = false
		cfg.Fallback.SMSEnabled = false
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	})

	t.Run("followup delay too short", func(t *testing.T) {
		cfg := validConfig()
		cfg.Escalation.FollowupDelay = time.Second
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	})

	t.Run("unknown primary", func(t *testing.T) {
		cfg := validConfig()
		cfg.Notifications.Primary = "pager"
		assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
	})

	t.Run("telegram primary requires chat", func(t *testing.T) {
		cfg := validConfig()
		cfg.Notifications.Primary = PrimaryTelegram
		cfg.Notifications.Telegram.BotToken = "bot"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TELEGRAM_CHAT_ID")
	})

	t.Run("webhook disabled disables escalation", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhook.Enabled = false
		cfg.Webhook.Secret = ""
		require.NoError(t, cfg.Validate())
		assert.False(t, cfg.EscalationEnabled())
	})
}
