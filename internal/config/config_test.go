package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndSetupDefaults(t *testing.T) {
	cfg := GatewayConfig{Broker: BrokerConfig{ClientID: "id", ClientSecret: "secret"}}
	require.NoError(t, cfg.ValidateAndSetup())

	assert.Equal(t, "wss://demo.ctraderapi.com:5036", cfg.Broker.Address())
	assert.Equal(t, 30*time.Second, cfg.Broker.RequestTimeout)
	assert.Equal(t, Postgres, cfg.Storage)
	assert.Equal(t, 1*time.Second, cfg.Supervisor.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.BackoffMax)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.AuthPollInterval)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.ResyncInterval)
	assert.Equal(t, 50, cfg.Instruments.BatchSize)
	assert.Equal(t, 100, cfg.MarketData.HistorySize)
	assert.Equal(t, 50.0, cfg.Account.StopOutLevel)
	assert.Equal(t, 100.0, cfg.Account.MarginCallLevel)
	assert.Equal(t, 2*time.Second, cfg.Account.PnLInterval)
	assert.Equal(t, 3*time.Second, cfg.Account.MarginCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Account.MarginWarningCooldown)
	assert.Equal(t, 1.0, cfg.Risk.DefaultRiskPercent)
	assert.Equal(t, 1.0, cfg.Risk.MinRiskReward)
	assert.Equal(t, 5*time.Minute, cfg.Approval.TTL)
	assert.Equal(t, 2*time.Second, cfg.Approval.PriceWait)
}

func TestValidateAndSetupErrors(t *testing.T) {
	cfg := GatewayConfig{}
	assert.Error(t, cfg.ValidateAndSetup())

	cfg = GatewayConfig{
		Storage: "sqlite",
		Broker:  BrokerConfig{ClientID: "id", ClientSecret: "secret"},
	}
	assert.Error(t, cfg.ValidateAndSetup())

	cfg = GatewayConfig{
		Broker:  BrokerConfig{ClientID: "id", ClientSecret: "secret"},
		Account: AccountConfig{StopOutLevel: 120, MarginCallLevel: 100},
	}
	assert.Error(t, cfg.ValidateAndSetup())
}

func TestLoadGatewayConfig(t *testing.T) {
	t.Setenv(ClientIDEnv, "client")
	t.Setenv(ClientSecretEnv, "secret")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
storage: Memory
broker:
  live: true
  account_id: 1234567
market_data:
  symbols: [EURUSD, XAUUSD]
account:
  stop_out_level: 30
`), 0o600))

	cfg, err := LoadGatewayConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "client", cfg.Broker.ClientID)
	assert.Equal(t, "secret", cfg.Broker.ClientSecret)
	assert.Equal(t, Memory, cfg.Storage)
	assert.Equal(t, "live.ctraderapi.com", cfg.Broker.Host)
	assert.Equal(t, int64(1234567), cfg.Broker.AccountID)
	assert.Equal(t, []string{"EURUSD", "XAUUSD"}, cfg.MarketData.Symbols)
	assert.Equal(t, 30.0, cfg.Account.StopOutLevel)
	assert.Equal(t, 100.0, cfg.Account.MarginCallLevel)
}
