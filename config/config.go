package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/linea-world-id/state-bridge-relayer/utils"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	LedgerDriverLevelDB  = "leveldb"
	LedgerDriverPostgres = "postgres"
)

const (
	defaultRPCTimeout            = 30 * time.Second
	defaultLookbackBlocks        = 100000
	defaultMaxBlockRangeSize     = 1000
	defaultPollInterval          = 30 * time.Second
	defaultGasLimitBufferPercent = 20
	defaultMaxRetries            = 3
	defaultRetryBackoff          = 5 * time.Second
	defaultReceiptTimeout        = 5 * time.Minute
	defaultInitDelay             = 5 * time.Second
	defaultClaimSchedule         = "@every 60s"
	defaultClaimTimeout          = 10 * time.Minute
	defaultFailedRetention       = 24 * time.Hour
	defaultLedgerPath            = "data/ledger"
	defaultShutdownTimeout       = 30 * time.Second
)

type RPCConfig struct {
	Hosts   []string      `yaml:"hosts" validate:"required,min=1,dive,url"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps" validate:"gte=0"`
}

type ChainConfig struct {
	RPC       *RPCConfig    `yaml:"rpc" validate:"required"`
	ChainID   string        `yaml:"chain_id" validate:"required,numeric"`
	BlockTime time.Duration `yaml:"block_time"`
}

type ListenerConfig struct {
	LookbackBlocks     uint          `yaml:"lookback_blocks"`
	MaxBlockRangeSize  uint          `yaml:"max_block_range_size"`
	BlockConfirmations uint          `yaml:"block_confirmations"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Subscribe          bool          `yaml:"subscribe"`
}

type L1Config struct {
	ChainName              string         `yaml:"chain" validate:"required"`
	Chain                  *ChainConfig   `yaml:"-"`
	MessageServiceAddress  common.Address `yaml:"message_service_address" validate:"required"`
	StateBridgeAddress     common.Address `yaml:"state_bridge_address" validate:"required"`
	IdentityManagerAddress common.Address `yaml:"identity_manager_address" validate:"required"`
	ListenerConfig         `yaml:",inline"`
}

type L2Config struct {
	ChainName             string         `yaml:"chain" validate:"required"`
	Chain                 *ChainConfig   `yaml:"-"`
	MessageServiceAddress common.Address `yaml:"message_service_address" validate:"required"`
	WorldIDAddress        common.Address `yaml:"world_id_address" validate:"required"`
	ListenerConfig        `yaml:",inline"`
}

type SignerConfig struct {
	PrivateKey string            `yaml:"private_key" validate:"required"`
	Key        *ecdsa.PrivateKey `yaml:"-"`
	Address    common.Address    `yaml:"-"`
}

type PropagationConfig struct {
	Fee                   string        `yaml:"fee" validate:"omitempty,numeric"`
	FixedFee              *big.Int      `yaml:"-"`
	GasLimitBufferPercent uint64        `yaml:"gas_limit_buffer_percent" validate:"lte=100"`
	MaxRetries            uint          `yaml:"max_retries"`
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	ReceiptTimeout        time.Duration `yaml:"receipt_timeout"`
	InitDelay             time.Duration `yaml:"init_delay"`
	Schedule              string        `yaml:"schedule"`
}

type ClaimConfig struct {
	Schedule              string         `yaml:"schedule"`
	Timeout               time.Duration  `yaml:"timeout"`
	FeeRecipient          common.Address `yaml:"fee_recipient"`
	GasLimitBufferPercent uint64         `yaml:"gas_limit_buffer_percent" validate:"lte=100"`
	MaxRetries            uint           `yaml:"max_retries"`
	RetryBackoff          time.Duration  `yaml:"retry_backoff"`
	ReceiptTimeout        time.Duration  `yaml:"receipt_timeout"`
	FailedRetention       time.Duration  `yaml:"failed_retention"`
	SkipReconcile         bool           `yaml:"skip_reconcile"`
	RetryableErrors       []string       `yaml:"retryable_errors" validate:"dive,required,contains=("`
}

type LedgerConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=leveldb postgres"`
	Path   string `yaml:"path"`
}

type DBConfig struct {
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	DB       string `yaml:"database" validate:"required"`
}

type PresenterConfig struct {
	Host string `yaml:"host" validate:"required,hostname_port"`
}

type MetricsConfig struct {
	Host string `yaml:"host" validate:"required,hostname_port"`
}

type Config struct {
	Chains          map[string]*ChainConfig `yaml:"chains" validate:"required,dive"`
	L1              *L1Config               `yaml:"l1" validate:"required"`
	L2              *L2Config               `yaml:"l2" validate:"required"`
	Signer          *SignerConfig           `yaml:"signer" validate:"required"`
	Propagation     *PropagationConfig      `yaml:"propagation"`
	Claim           *ClaimConfig            `yaml:"claim"`
	Ledger          *LedgerConfig           `yaml:"ledger"`
	DBConfig        *DBConfig               `yaml:"postgres"`
	LogLevel        logrus.Level            `yaml:"log_level"`
	Presenter       *PresenterConfig        `yaml:"presenter"`
	Metrics         *MetricsConfig          `yaml:"metrics"`
	ShutdownTimeout time.Duration           `yaml:"shutdown_timeout"`
}

func readYamlConfig(rawCfg []byte) (*Config, error) {
	cfg := Config{
		LogLevel: logrus.InfoLevel,
	}
	if err := parseYaml(&cfg, rawCfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) init() error {
	if err := validator.New().Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	var ok bool
	if cfg.L1.Chain, ok = cfg.Chains[cfg.L1.ChainName]; !ok {
		return fmt.Errorf("%w: unknown l1 chain %q", ErrInvalidConfig, cfg.L1.ChainName)
	}
	if cfg.L2.Chain, ok = cfg.Chains[cfg.L2.ChainName]; !ok {
		return fmt.Errorf("%w: unknown l2 chain %q", ErrInvalidConfig, cfg.L2.ChainName)
	}
	if cfg.L1.Chain == cfg.L2.Chain {
		return fmt.Errorf("%w: l1 and l2 must reference different chains", ErrInvalidConfig)
	}
	for _, chain := range cfg.Chains {
		if chain.RPC.Timeout == 0 {
			chain.RPC.Timeout = defaultRPCTimeout
		}
	}
	cfg.L1.ListenerConfig.setDefaults(cfg.L1.Chain)
	cfg.L2.ListenerConfig.setDefaults(cfg.L2.Chain)

	key, err := utils.ParsePrivateKey(cfg.Signer.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: signer: %v", ErrInvalidConfig, err)
	}
	cfg.Signer.Key = key
	cfg.Signer.Address = utils.SignerAddress(key)

	if cfg.Propagation == nil {
		cfg.Propagation = &PropagationConfig{}
	}
	if err = cfg.Propagation.init(); err != nil {
		return err
	}
	if cfg.Claim == nil {
		cfg.Claim = &ClaimConfig{}
	}
	if err = cfg.Claim.init(cfg.Signer.Address); err != nil {
		return err
	}

	if cfg.Ledger == nil {
		cfg.Ledger = &LedgerConfig{}
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = LedgerDriverLevelDB
	}
	if cfg.Ledger.Driver == LedgerDriverLevelDB && cfg.Ledger.Path == "" {
		cfg.Ledger.Path = defaultLedgerPath
	}
	if cfg.Ledger.Driver == LedgerDriverPostgres && cfg.DBConfig == nil {
		return fmt.Errorf("%w: postgres ledger driver requires postgres section", ErrInvalidConfig)
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

func (cfg *ListenerConfig) setDefaults(chain *ChainConfig) {
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = defaultLookbackBlocks
	}
	if cfg.MaxBlockRangeSize == 0 {
		cfg.MaxBlockRangeSize = defaultMaxBlockRangeSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
		if chain.BlockTime > cfg.PollInterval {
			cfg.PollInterval = chain.BlockTime
		}
	}
}

func (cfg *PropagationConfig) init() error {
	if cfg.Fee != "" {
		fee, ok := new(big.Int).SetString(cfg.Fee, 10)
		if !ok || fee.Sign() < 0 {
			return fmt.Errorf("%w: propagation fee %q is not a non-negative integer", ErrInvalidConfig, cfg.Fee)
		}
		cfg.FixedFee = fee
	}
	if cfg.GasLimitBufferPercent == 0 {
		cfg.GasLimitBufferPercent = defaultGasLimitBufferPercent
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.InitDelay == 0 {
		cfg.InitDelay = defaultInitDelay
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return fmt.Errorf("%w: propagation schedule %q: %v", ErrInvalidConfig, cfg.Schedule, err)
		}
	}
	return nil
}

func (cfg *ClaimConfig) init(signer common.Address) error {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultClaimSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("%w: claim schedule %q: %v", ErrInvalidConfig, cfg.Schedule, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultClaimTimeout
	}
	if cfg.FeeRecipient == (common.Address{}) {
		cfg.FeeRecipient = signer
	}
	if cfg.GasLimitBufferPercent == 0 {
		cfg.GasLimitBufferPercent = defaultGasLimitBufferPercent
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.FailedRetention == 0 {
		cfg.FailedRetention = defaultFailedRetention
	}
	return nil
}

// RetryableSelectors returns 4-byte selectors of the configured custom errors.
func (cfg *ClaimConfig) RetryableSelectors() [][4]byte {
	res := make([][4]byte, 0, len(cfg.RetryableErrors))
	for _, sig := range cfg.RetryableErrors {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(strings.ReplaceAll(sig, " ", "")))[:4])
		res = append(res, sel)
	}
	return res
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Tag() == "required" {
			msgs = append(msgs, fmt.Sprintf("missing required field %s", e.Namespace()))
		} else {
			msgs = append(msgs, fmt.Sprintf("field %s failed %q check (value %v)", e.Namespace(), e.Tag(), e.Value()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func ReadConfig(rawCfg []byte) (*Config, error) {
	cfg, err := readYamlConfig(rawCfg)
	if err != nil {
		return nil, err
	}
	if err = cfg.init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ReadConfigWithEnv(rawCfg []byte) (*Config, error) {
	return ReadConfig([]byte(os.ExpandEnv(string(rawCfg))))
}

// ReadConfigFromFile loads an optional .env file next to the process and
// expands environment variables in the yaml before parsing it.
func ReadConfigFromFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("can't load .env file: %w", err)
	}
	rawCfg, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file %s: %w", path, err)
	}
	return ReadConfigWithEnv(rawCfg)
}
