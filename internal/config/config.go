// Package config loads the daemon configuration from an optional YAML file
// and the environment.
package config

import "time"

// Config is the root configuration
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Budget      BudgetConfig      `yaml:"budget"`
	Retry       RetryConfig       `yaml:"retry"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Signing     SigningConfig     `yaml:"signing"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Renewal     RenewalConfig     `yaml:"renewal"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	HTTP        HTTPConfig        `yaml:"http"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// BudgetConfig holds the default spend policy in USD. Amounts are decimal
// strings so they are never rounded through a float.
type BudgetConfig struct {
	DailyLimitUSD           string `yaml:"daily_limit_usd"            env:"DAILY_LIMIT_USD"            env-default:"100"`
	MaxSingleTransactionUSD string `yaml:"max_single_transaction_usd" env:"MAX_SINGLE_TRANSACTION_USD" env-default:"100"`
	ApprovalThresholdUSD    string `yaml:"approval_threshold_usd"     env:"APPROVAL_THRESHOLD_USD"     env-default:"10"`
	MultisigThresholdUSD    string `yaml:"multisig_threshold_usd"     env:"MULTISIG_THRESHOLD_USD"     env-default:"1000"`
	MultisigApprovers       int    `yaml:"multisig_approvers"         env:"MULTISIG_APPROVERS"         env-default:"3"`
}

// RetryConfig holds the backoff for resource requests and settlement
type RetryConfig struct {
	Attempts    int `yaml:"attempts"      env:"RETRY_ATTEMPTS"      env-default:"3"`
	BaseDelayMS int `yaml:"base_delay_ms" env:"RETRY_BASE_DELAY_MS" env-default:"1000"`
}

// ApprovalConfig holds the human approval settings
type ApprovalConfig struct {
	TimeoutHours  int           `yaml:"timeout_hours"  env:"APPROVAL_TIMEOUT_HOURS"  env-default:"24"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"APPROVAL_SWEEP_INTERVAL" env-default:"1m"`
}

// SigningConfig holds the signing key and EIP-712 domain
type SigningConfig struct {
	PrivateKey        string `yaml:"private_key"        env:"SIGNER_PRIVATE_KEY"`
	ChainID           int64  `yaml:"chain_id"           env:"CHAIN_ID"           env-default:"84532"`
	VerifyingContract string `yaml:"verifying_contract" env:"VERIFYING_CONTRACT" env-default:"0x0000000000000000000000000000000000000000"`
}

// FacilitatorConfig selects the settlement backend
type FacilitatorConfig struct {
	Mode         string        `yaml:"mode"          env:"FACILITATOR_MODE"          env-default:"mock"`
	URL          string        `yaml:"url"           env:"FACILITATOR_URL"`
	APIKey       string        `yaml:"api_key"       env:"FACILITATOR_API_KEY"`
	Timeout      time.Duration `yaml:"timeout"       env:"FACILITATOR_TIMEOUT"       env-default:"30s"`
	ConfirmPolls int           `yaml:"confirm_polls" env:"FACILITATOR_CONFIRM_POLLS" env-default:"5"`
}

// RenewalConfig holds the subscription renewal loop settings
type RenewalConfig struct {
	Interval    time.Duration `yaml:"interval"     env:"RENEWAL_INTERVAL"     env-default:"1h"`
	WithinHours int           `yaml:"within_hours" env:"RENEWAL_WITHIN_HOURS" env-default:"24"`
	MaxAttempts int           `yaml:"max_attempts" env:"RENEWAL_MAX_ATTEMPTS" env-default:"3"`
	Workers     int           `yaml:"workers"      env:"RENEWAL_WORKERS"      env-default:"4"`
	GracePeriod time.Duration `yaml:"grace_period" env:"RENEWAL_GRACE_PERIOD" env-default:"0s"`
}

// StoreConfig selects the persistence driver
type StoreConfig struct {
	Driver   string `yaml:"driver"    env:"STORE_DRIVER"       env-default:"memory"`
	DSN      string `yaml:"dsn"       env:"DATABASE_DSN"`
	MaxConns int32  `yaml:"max_conns" env:"DATABASE_MAX_CONNS" env-default:"10"`
}

// RedisConfig holds the shared settlement idempotency store. An empty
// address keeps the store in process memory.
type RedisConfig struct {
	Addr     string        `yaml:"addr"      env:"REDIS_ADDR"`
	Password string        `yaml:"password"  env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"        env:"REDIS_DB"             env-default:"0"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"SETTLEMENT_CACHE_TTL" env-default:"24h"`
}

// HTTPConfig holds the control API listener
type HTTPConfig struct {
	Host            string        `yaml:"host"             env:"HTTP_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"HTTP_PORT"             env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// MCPConfig holds the agent tool server settings
type MCPConfig struct {
	Enabled bool   `yaml:"enabled" env:"MCP_ENABLED" env-default:"false"`
	Addr    string `yaml:"addr"    env:"MCP_ADDR"    env-default:":8090"`
}

// ApprovalTimeout returns the approval timeout as a duration
func (a ApprovalConfig) ApprovalTimeout() time.Duration {
	return time.Duration(a.TimeoutHours) * time.Hour
}

// BaseDelay returns the first backoff delay as a duration
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}
