package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("FOO", "")
	assert.Equal(t, "bar", GetEnv("FOO", "bar"))
	t.Setenv("FOO", "baz")
	assert.Equal(t, "baz", GetEnv("FOO", "bar"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("NUM", "")
	assert.Equal(t, 42, GetEnvInt("NUM", 42))
	t.Setenv("NUM", "100")
	assert.Equal(t, 100, GetEnvInt("NUM", 42))
	t.Setenv("NUM", "notint")
	assert.Equal(t, 7, GetEnvInt("NUM", 7), "parse errors fall back to the default")
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG", "")
	assert.True(t, GetEnvBool("FLAG", true))
	t.Setenv("FLAG", "false")
	assert.False(t, GetEnvBool("FLAG", true))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("WAIT", "")
	assert.Equal(t, time.Minute, GetEnvDuration("WAIT", time.Minute))
	t.Setenv("WAIT", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("WAIT", time.Minute))
	t.Setenv("WAIT", "soon")
	assert.Equal(t, time.Minute, GetEnvDuration("WAIT", time.Minute))
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("ORIGINS", " a , ,b")
	assert.Equal(t, []string{"a", "b"}, GetEnvList("ORIGINS", nil))
	t.Setenv("ORIGINS", "")
	assert.Equal(t, []string{"x"}, GetEnvList("ORIGINS", []string{"x"}))
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, logrus.DebugLevel, GetLogLevel())
	t.Setenv("LOG_LEVEL", "warn")
	assert.Equal(t, logrus.WarnLevel, GetLogLevel())
	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, logrus.InfoLevel, GetLogLevel())
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BALANCE_TTL", "")
	t.Setenv("ANALYTICS_TTL", "")
	t.Setenv("FETCH_COOLDOWN", "")
	t.Setenv("FETCH_TIMEOUT", "")
	t.Setenv("FETCH_MAX_ATTEMPTS", "")

	cfg := Load()
	assert.Equal(t, 2*time.Minute, cfg.BalanceTTL)
	assert.Equal(t, 5*time.Minute, cfg.AnalyticsTTL)
	assert.Equal(t, 5*time.Minute, cfg.FetchCooldown)
	assert.Equal(t, 8*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 3, cfg.FetchMaxAttempts)
}

func TestLoadEnv_NoFile(t *testing.T) {
	LoadEnv(logrus.New())
	LoadEnv(nil)
}
