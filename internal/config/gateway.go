package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type BrokerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Live              bool          `yaml:"live"`
	AccountID         int64         `yaml:"account_id"` // ctid account id or trader login
	RedirectURL       string        `yaml:"redirect_url"`
	AuthURL           string        `yaml:"auth_url"`
	TokenURL          string        `yaml:"token_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestsPerSecond int           `yaml:"requests_per_second"`

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

const (
	_demoHost                 = "demo.ctraderapi.com"
	_liveHost                 = "live.ctraderapi.com"
	_portDefault              = 5036
	_authURLDefault           = "https://id.ctrader.com/my/settings/openapi/grantingaccess/"
	_tokenURLDefault          = "https://openapi.ctrader.com/apps/token"
	_requestTimeoutDefault    = 30 * time.Second
	_heartbeatIntervalDefault = 10 * time.Second
	_requestsPerSecondDefault = 40
)

func (c *BrokerConfig) Setup() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("empty application credentials")
	}

	if c.Host == "" {
		c.Host = _demoHost
		if c.Live {
			c.Host = _liveHost
		}
	}
	if c.Port <= 0 {
		c.Port = _portDefault
	}
	if c.AuthURL == "" {
		c.AuthURL = _authURLDefault
	}
	if c.TokenURL == "" {
		c.TokenURL = _tokenURLDefault
	}
	if c.RedirectURL != "" {
		if _, err := url.Parse(c.RedirectURL); err != nil {
			return fmt.Errorf("%w: bad redirect url", err)
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = _requestTimeoutDefault
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = _heartbeatIntervalDefault
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = _requestsPerSecondDefault
	}

	return nil
}

func (c BrokerConfig) Address() string {
	return "wss://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type SupervisorConfig struct {
	MaxReconnects    int           `yaml:"max_reconnects"` // 0 means unlimited
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	AuthPollInterval time.Duration `yaml:"auth_poll_interval"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
}

const (
	_backoffBaseDefault      = 1 * time.Second
	_backoffMaxDefault       = 60 * time.Second
	_authPollIntervalDefault = 30 * time.Second
	_resyncIntervalDefault   = 60 * time.Second
)

func (c *SupervisorConfig) Setup() {
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = _backoffBaseDefault
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = _backoffMaxDefault
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = _authPollIntervalDefault
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = _resyncIntervalDefault
	}
}

type InstrumentsConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type MarketDataConfig struct {
	HistorySize int      `yaml:"history_size"`
	Symbols     []string `yaml:"symbols"` // subscribed on start
}

type AccountConfig struct {
	StopOutLevel          float64       `yaml:"stop_out_level"`
	MarginCallLevel       float64       `yaml:"margin_call_level"`
	PnLInterval           time.Duration `yaml:"pnl_interval"`
	MarginCheckInterval   time.Duration `yaml:"margin_check_interval"`
	MarginWarningCooldown time.Duration `yaml:"margin_warning_cooldown"`
}

const (
	_batchSizeDefault             = 50
	_historySizeDefault           = 100
	_stopOutLevelDefault          = 50
	_marginCallLevelDefault       = 100
	_pnlIntervalDefault           = 2 * time.Second
	_marginCheckIntervalDefault   = 3 * time.Second
	_marginWarningCooldownDefault = 30 * time.Second
)

func (c *AccountConfig) Setup() error {
	if c.StopOutLevel <= 0 {
		c.StopOutLevel = _stopOutLevelDefault
	}
	if c.MarginCallLevel <= 0 {
		c.MarginCallLevel = _marginCallLevelDefault
	}
	if c.StopOutLevel > c.MarginCallLevel {
		return fmt.Errorf("stop out level %.2f above margin call level %.2f", c.StopOutLevel, c.MarginCallLevel)
	}
	if c.PnLInterval <= 0 {
		c.PnLInterval = _pnlIntervalDefault
	}
	if c.MarginCheckInterval <= 0 {
		c.MarginCheckInterval = _marginCheckIntervalDefault
	}
	if c.MarginWarningCooldown <= 0 {
		c.MarginWarningCooldown = _marginWarningCooldownDefault
	}
	return nil
}

type RiskConfig struct {
	DefaultRiskPercent    float64 `yaml:"default_risk_percent"`
	MinRiskReward         float64 `yaml:"min_risk_reward"`
	MarginSafetyFactor    float64 `yaml:"margin_safety_factor"`
	MaxOpenPositions      int     `yaml:"max_open_positions"`
	MaxTotalVolume        float64 `yaml:"max_total_volume"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	MaxDailyLossPercent   float64 `yaml:"max_daily_loss_percent"`
	MaxCorrelatedExposure float64 `yaml:"max_correlated_exposure"`
}

const (
	_defaultRiskPercentDefault    = 1
	_minRiskRewardDefault         = 1
	_marginSafetyFactorDefault    = 0.8
	_maxOpenPositionsDefault      = 10
	_maxTotalVolumeDefault        = 10
	_maxPositionsPerSymbolDefault = 3
	_maxDailyLossPercentDefault   = 5
	_maxCorrelatedExposureDefault = 5
)

func (c *RiskConfig) Setup() {
	if c.DefaultRiskPercent <= 0 {
		c.DefaultRiskPercent = _defaultRiskPercentDefault
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = _minRiskRewardDefault
	}
	if c.MarginSafetyFactor <= 0 || c.MarginSafetyFactor > 1 {
		c.MarginSafetyFactor = _marginSafetyFactorDefault
	}
	if c.MaxOpenPositions <= 0 {
		c.MaxOpenPositions = _maxOpenPositionsDefault
	}
	if c.MaxTotalVolume <= 0 {
		c.MaxTotalVolume = _maxTotalVolumeDefault
	}
	if c.MaxPositionsPerSymbol <= 0 {
		c.MaxPositionsPerSymbol = _maxPositionsPerSymbolDefault
	}
	if c.MaxDailyLossPercent <= 0 {
		c.MaxDailyLossPercent = _maxDailyLossPercentDefault
	}
	if c.MaxCorrelatedExposure <= 0 {
		c.MaxCorrelatedExposure = _maxCorrelatedExposureDefault
	}
}

type ApprovalConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// PriceWait bounds how long Prepare waits for the first quote of a
	// symbol it just subscribed to.
	PriceWait time.Duration `yaml:"price_wait"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	QueueSize  int           `yaml:"queue_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

type StorageKind string

const (
	Postgres StorageKind = "postgres"
	Memory   StorageKind = "memory"
)

type GatewayConfig struct {
	LogLevel    string            `yaml:"log_level"`
	HTTPPort    string            `yaml:"http_port"`
	Storage     StorageKind       `yaml:"storage"`
	Broker      BrokerConfig      `yaml:"broker"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Account     AccountConfig     `yaml:"account"`
	Risk        RiskConfig        `yaml:"risk"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Notify      NotifyConfig      `yaml:"notify"`
}

const (
	_httpPortDefault    = "8080"
	_storageDefault     = Postgres
	_approvalTTLDefault = 5 * time.Minute
	_priceWaitDefault   = 2 * time.Second
	_queueSizeDefault   = 256
	_notifyTimeout      = 5 * time.Second
)

func (c *GatewayConfig) ValidateAndSetup() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPPort == "" {
		c.HTTPPort = _httpPortDefault
	}

	switch StorageKind(strings.ToLower(string(c.Storage))) {
	case "":
		c.Storage = _storageDefault
	case Postgres, Memory:
		c.Storage = StorageKind(strings.ToLower(string(c.Storage)))
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	if err := c.Broker.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup broker", err)
	}
	c.Supervisor.Setup()

	if c.Instruments.BatchSize <= 0 {
		c.Instruments.BatchSize = _batchSizeDefault
	}
	if c.MarketData.HistorySize <= 0 {
		c.MarketData.HistorySize = _historySizeDefault
	}
	if err := c.Account.Setup(); err != nil {
		return fmt.Errorf("%w: can't setup account", err)
	}
	c.Risk.Setup()

	if c.Approval.TTL <= 0 {
		c.Approval.TTL = _approvalTTLDefault
	}
	if c.Approval.PriceWait <= 0 {
		c.Approval.PriceWait = _priceWaitDefault
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = _queueSizeDefault
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = _notifyTimeout
	}
	if c.Notify.WebhookURL != "" {
		if _, err := url.Parse(c.Notify.WebhookURL); err != nil {
			return fmt.Errorf("%w: bad webhook url", err)
		}
	}

	return nil
}
