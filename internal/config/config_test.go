package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UPBIT_ACCESS_KEY", "access")
	t.Setenv("UPBIT_SECRET_KEY", "secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_CHAT_ID", "123456789")
	t.Setenv("DEBUG", "true")
	t.Setenv("DATABASE_PATH", "/tmp/test.db")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "access", cfg.UpbitAccessKey)
	require.Equal(t, "secret", cfg.UpbitSecretKey)
	require.Equal(t, "token", cfg.TelegramToken)
	require.Equal(t, int64(123456789), cfg.TelegramChatID)
	require.True(t, cfg.Debug)
	require.Equal(t, "/tmp/test.db", cfg.DatabasePath)
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_CHAT_ID", "")
	t.Setenv("DEBUG", "")
	t.Setenv("DATABASE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Zero(t, cfg.TelegramChatID)
	require.False(t, cfg.Debug)
	require.Equal(t, "data/gridbot.db", cfg.DatabasePath)
}

func TestLoadRequiresUpbitKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("UPBIT_SECRET_KEY", "")

	_, err := Load()
	require.ErrorContains(t, err, "UPBIT_SECRET_KEY")
}

func TestLoadRequiresTelegramToken(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load()
	require.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")
}

func TestLoadRejectsBadChatID(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	require.ErrorContains(t, err, "TELEGRAM_CHAT_ID")
}
