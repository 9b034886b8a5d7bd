package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"offramp/internal/balance"
	"offramp/internal/payout"
)

const (
	PayoutModeSandbox = "sandbox"
	PayoutModeDaraja  = "daraja"

	IdempotencyMemory   = "memory"
	IdempotencyPostgres = "postgres"
	IdempotencyRedis    = "redis"
)

// AppConfig ties together every setting the service reads at startup.
type AppConfig struct {
	Service    ServiceConfig
	Chains     []balance.Network
	Compliance ComplianceConfig
	Timeouts   TimeoutConfig
	Payout     PayoutConfig
	Storage    StorageConfig
	Events     EventsConfig
	Reconcile  ReconcileConfig
}

type ServiceConfig struct {
	HTTPPort          int
	LogLevel          string
	AllowedOrigins    []string
	CallbackSecret    string
	IdempotencyWindow time.Duration
	IdempotencySalt   string
	IdempotencyStore  string
	DLQPath           string
	TxIDPrefix        string
	ShutdownTimeout   time.Duration
}

// ComplianceConfig bounds the USDC amount of a single conversion,
// inclusive on both ends.
type ComplianceConfig struct {
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	DefaultChainID int64
}

type TimeoutConfig struct {
	Balance time.Duration
	Payout  time.Duration
	Ledger  time.Duration
	Request time.Duration
}

type PayoutConfig struct {
	Mode   string
	Daraja payout.DarajaConfig
}

type StorageConfig struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type EventsConfig struct {
	RabbitURL string
	Exchange  string
}

type ReconcileConfig struct {
	RedriveSchedule string
	PollSchedule    string
	PurgeSchedule   string
	PendingAge      time.Duration
	MaxAttempts     int
	BatchSize       int
}

type envConfig struct {
	HTTPPort              int           `mapstructure:"API_HTTP_PORT"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	AllowedOrigins        string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	CallbackSecret        string        `mapstructure:"MPESA_WEBHOOK_SECRET"`
	IdempotencyWindowSecs int           `mapstructure:"IDEMPOTENCY_WINDOW_SECONDS"`
	IdempotencySalt       string        `mapstructure:"IDEMPOTENCY_KEY_SALT"`
	IdempotencyStore      string        `mapstructure:"IDEMPOTENCY_STORE"`
	DLQPath               string        `mapstructure:"DLQ_PATH"`
	TxIDPrefix            string        `mapstructure:"TXID_PREFIX"`
	ShutdownTimeout       time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	ChainRPCURL        string `mapstructure:"CHAIN_RPC_URL"`
	ChainSepoliaRPCURL string `mapstructure:"CHAIN_SEPOLIA_RPC_URL"`
	USDCAddress        string `mapstructure:"USDC_CONTRACT_ADDRESS"`
	USDCSepoliaAddress string `mapstructure:"USDC_SEPOLIA_CONTRACT_ADDRESS"`
	DefaultChainID     int64  `mapstructure:"DEFAULT_CHAIN_ID"`

	MinUSDCAmount string `mapstructure:"MIN_USDC_AMOUNT"`
	MaxUSDCAmount string `mapstructure:"MAX_USDC_AMOUNT"`

	BalanceTimeout time.Duration `mapstructure:"BALANCE_TIMEOUT"`
	PayoutTimeout  time.Duration `mapstructure:"PAYOUT_TIMEOUT"`
	LedgerTimeout  time.Duration `mapstructure:"LEDGER_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	PayoutMode           string        `mapstructure:"PAYOUT_MODE"`
	MpesaEnvironment     string        `mapstructure:"MPESA_ENVIRONMENT"`
	MpesaBaseURL         string        `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey     string        `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret  string        `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode       string        `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey         string        `mapstructure:"MPESA_PASSKEY"`
	MpesaTransactionType string        `mapstructure:"MPESA_TRANSACTION_TYPE"`
	MpesaCallbackBaseURL string        `mapstructure:"MPESA_CALLBACK_BASE_URL"`
	MpesaHTTPTimeout     time.Duration `mapstructure:"MPESA_HTTP_TIMEOUT"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	RabbitURL      string `mapstructure:"RABBITMQ_URL"`
	RabbitExchange string `mapstructure:"RABBITMQ_EXCHANGE"`

	RedriveSchedule   string        `mapstructure:"RECONCILE_REDRIVE_SCHEDULE"`
	PollSchedule      string        `mapstructure:"RECONCILE_POLL_SCHEDULE"`
	PurgeSchedule     string        `mapstructure:"RECONCILE_PURGE_SCHEDULE"`
	PendingAge        time.Duration `mapstructure:"RECONCILE_PENDING_AGE"`
	ReconcileAttempts int           `mapstructure:"RECONCILE_MAX_ATTEMPTS"`
	ReconcileBatch    int           `mapstructure:"RECONCILE_BATCH_SIZE"`
}

var defaults = map[string]any{
	"API_HTTP_PORT":              3000,
	"LOG_LEVEL":                  "info",
	"CORS_ALLOWED_ORIGINS":       "*",
	"IDEMPOTENCY_WINDOW_SECONDS": 86400,
	"IDEMPOTENCY_STORE":          IdempotencyMemory,
	"DLQ_PATH":                   "./data/dlq",
	"TXID_PREFIX":                "KE",
	"SHUTDOWN_TIMEOUT":           "20s",

	"DEFAULT_CHAIN_ID": balance.BaseMainnetChainID,
	"MIN_USDC_AMOUNT":  "1",
	"MAX_USDC_AMOUNT":  "1000",

	"BALANCE_TIMEOUT": "5s",
	"PAYOUT_TIMEOUT":  "5s",
	"LEDGER_TIMEOUT":  "5s",
	"REQUEST_TIMEOUT": "15s",

	"PAYOUT_MODE":            PayoutModeSandbox,
	"MPESA_ENVIRONMENT":      "sandbox",
	"MPESA_TRANSACTION_TYPE": "CustomerPayBillOnline",
	"MPESA_HTTP_TIMEOUT":     "10s",

	"RABBITMQ_EXCHANGE": "offramp_events",

	"RECONCILE_REDRIVE_SCHEDULE": "@every 1m",
	"RECONCILE_POLL_SCHEDULE":    "@every 2m",
	"RECONCILE_PURGE_SCHEDULE":   "@every 1h",
	"RECONCILE_PENDING_AGE":      "2m",
	"RECONCILE_MAX_ATTEMPTS":     30,
	"RECONCILE_BATCH_SIZE":       50,
}

// Load reads configuration from the environment, a .env file in the working
// directory when present, and the file named by OFFRAMP_CONFIG when set.
// Environment variables win over the file.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	if path := os.Getenv("OFFRAMP_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	v.AutomaticEnv()
	for _, key := range envKeys() {
		_ = v.BindEnv(key)
	}

	var env envConfig
	if err := v.Unmarshal(&env); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return env.build()
}

func envKeys() []string {
	keys := []string{
		"MPESA_WEBHOOK_SECRET", "IDEMPOTENCY_KEY_SALT",
		"CHAIN_RPC_URL", "CHAIN_SEPOLIA_RPC_URL", "USDC_CONTRACT_ADDRESS", "USDC_SEPOLIA_CONTRACT_ADDRESS",
		"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_SHORTCODE", "MPESA_PASSKEY",
		"MPESA_CALLBACK_BASE_URL",
		"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "RABBITMQ_URL",
	}
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

func (e envConfig) build() (*AppConfig, error) {
	minAmount, err := decimal.NewFromString(e.MinUSDCAmount)
	if err != nil {
		return nil, fmt.Errorf("MIN_USDC_AMOUNT: %w", err)
	}
	maxAmount, err := decimal.NewFromString(e.MaxUSDCAmount)
	if err != nil {
		return nil, fmt.Errorf("MAX_USDC_AMOUNT: %w", err)
	}
	if minAmount.IsNegative() || maxAmount.LessThan(minAmount) {
		return nil, fmt.Errorf("compliance window [%s, %s] is invalid", minAmount, maxAmount)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:          e.HTTPPort,
			LogLevel:          e.LogLevel,
			AllowedOrigins:    splitList(e.AllowedOrigins),
			CallbackSecret:    e.CallbackSecret,
			IdempotencyWindow: time.Duration(e.IdempotencyWindowSecs) * time.Second,
			IdempotencySalt:   e.IdempotencySalt,
			IdempotencyStore:  strings.ToLower(e.IdempotencyStore),
			DLQPath:           e.DLQPath,
			TxIDPrefix:        e.TxIDPrefix,
			ShutdownTimeout:   e.ShutdownTimeout,
		},
		Chains: e.chains(),
		Compliance: ComplianceConfig{
			MinAmount:      minAmount,
			MaxAmount:      maxAmount,
			DefaultChainID: e.DefaultChainID,
		},
		Timeouts: TimeoutConfig{
			Balance: e.BalanceTimeout,
			Payout:  e.PayoutTimeout,
			Ledger:  e.LedgerTimeout,
			Request: e.RequestTimeout,
		},
		Payout: PayoutConfig{
			Mode: strings.ToLower(e.PayoutMode),
			Daraja: payout.DarajaConfig{
				Environment:     e.MpesaEnvironment,
				BaseURL:         e.MpesaBaseURL,
				ConsumerKey:     e.MpesaConsumerKey,
				ConsumerSecret:  e.MpesaConsumerSecret,
				ShortCode:       e.MpesaShortCode,
				Passkey:         e.MpesaPasskey,
				TransactionType: e.MpesaTransactionType,
				CallbackBaseURL: e.MpesaCallbackBaseURL,
				CallbackSecret:  e.CallbackSecret,
				HTTPTimeout:     e.MpesaHTTPTimeout,
			},
		},
		Storage: StorageConfig{
			DatabaseURL:   e.DatabaseURL,
			RedisAddr:     e.RedisAddr,
			RedisPassword: e.RedisPassword,
			RedisDB:       e.RedisDB,
		},
		Events: EventsConfig{
			RabbitURL: e.RabbitURL,
			Exchange:  e.RabbitExchange,
		},
		Reconcile: ReconcileConfig{
			RedriveSchedule: e.RedriveSchedule,
			PollSchedule:    e.PollSchedule,
			PurgeSchedule:   e.PurgeSchedule,
			PendingAge:      e.PendingAge,
			MaxAttempts:     e.ReconcileAttempts,
			BatchSize:       e.ReconcileBatch,
		},
	}
	return cfg, cfg.validate()
}

func (e envConfig) chains() []balance.Network {
	nets := balance.DefaultNetworks()
	for i := range nets {
		switch nets[i].ChainID {
		case balance.BaseMainnetChainID:
			nets[i].RPCURL = orDefault(e.ChainRPCURL, nets[i].RPCURL)
			nets[i].TokenAddress = orDefault(e.USDCAddress, nets[i].TokenAddress)
		case balance.BaseSepoliaChainID:
			nets[i].RPCURL = orDefault(e.ChainSepoliaRPCURL, nets[i].RPCURL)
			nets[i].TokenAddress = orDefault(e.USDCSepoliaAddress, nets[i].TokenAddress)
		}
	}
	return nets
}

func (c *AppConfig) validate() error {
	var problems []string
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		problems = append(problems, "API_HTTP_PORT out of range")
	}

	supported := false
	for _, n := range c.Chains {
		if n.ChainID == c.Compliance.DefaultChainID {
			supported = true
		}
	}
	if !supported {
		problems = append(problems, fmt.Sprintf("DEFAULT_CHAIN_ID %d is not a configured network", c.Compliance.DefaultChainID))
	}

	switch c.Payout.Mode {
	case PayoutModeSandbox:
	case PayoutModeDaraja:
		d := c.Payout.Daraja
		if d.ConsumerKey == "" || d.ConsumerSecret == "" || d.ShortCode == "" || d.Passkey == "" || d.CallbackBaseURL == "" {
			problems = append(problems, "PAYOUT_MODE=daraja requires MPESA_CONSUMER_KEY, MPESA_CONSUMER_SECRET, MPESA_SHORTCODE, MPESA_PASSKEY and MPESA_CALLBACK_BASE_URL")
		}
		if c.Service.CallbackSecret == "" {
			problems = append(problems, "PAYOUT_MODE=daraja requires MPESA_WEBHOOK_SECRET")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown PAYOUT_MODE %q", c.Payout.Mode))
	}

	switch c.Service.IdempotencyStore {
	case IdempotencyMemory:
	case IdempotencyPostgres:
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "IDEMPOTENCY_STORE=postgres requires DATABASE_URL")
		}
	case IdempotencyRedis:
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "IDEMPOTENCY_STORE=redis requires REDIS_ADDR")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown IDEMPOTENCY_STORE %q", c.Service.IdempotencyStore))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(val, fallback string) string {
	if strings.TrimSpace(val) != "" {
		return val
	}
	return fallback
}
