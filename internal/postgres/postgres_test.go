package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetupDefaults(t *testing.T) {
	cfg := (&Config{Port: "not-a-port", Password: "secret"}).Setup()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "5432", cfg.Port)
	assert.Equal(t, "trading_gateway", cfg.DBName)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, "host=localhost port=5432 user=postgres dbname=trading_gateway password=secret sslmode=disable", cfg.DSN())
	assert.NotContains(t, cfg.String(), "secret")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_MAX_CONNS", "4")
	t.Setenv("POSTGRES_CONN_MAX_LIFETIME", "5m")

	cfg := NewConfigFromEnv().Setup()
	assert.Equal(t, "db", cfg.Host)
	assert.Equal(t, 4, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}
