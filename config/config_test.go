package config

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("STRICT_TRANSFERS", "")
	t.Setenv("LOCK_TTL_SECONDS", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.False(t, cfg.StrictTransfers)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("STRICT_TRANSFERS", "true")
	t.Setenv("LOCK_TTL_SECONDS", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com, https://shop.example.com")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.True(t, cfg.StrictTransfers)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{"https://admin.example.com", "https://shop.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("STRICT_TRANSFERS", "maybe")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.StrictTransfers)
}

func TestLogError_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)

	LogError(logger, "stock", "CompleteTransfer", "mapping move failed", map[string]string{"device": "IMEI1"}, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"module":"stock"`)
	assert.Contains(t, out, `"funcName":"CompleteTransfer"`)
	assert.Contains(t, out, `"msg":"boom"`)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}
