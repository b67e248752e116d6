package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultEntryPoint is the canonical EntryPoint v0.6 deployment.
const DefaultEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	EntryPoint        string   `yaml:"entry_point"`
	SupportedChainIDs []uint64 `yaml:"supported_chain_ids"`

	Chains   []Chain   `yaml:"chains"`
	Relayers []Relayer `yaml:"relayers"`

	Relayer struct {
		MinBalanceEth       string   `yaml:"min_balance_eth"`
		AdmissionAttempts   int      `yaml:"admission_attempts"`
		AdmissionInterval   Duration `yaml:"admission_interval"`
		BalanceTimeout      Duration `yaml:"balance_timeout"`
		ReceiptTimeout      Duration `yaml:"receipt_timeout"`
		ReceiptPollInterval Duration `yaml:"receipt_poll_interval"`
		MonitorInterval     Duration `yaml:"monitor_interval"`
	} `yaml:"relayer"`

	Performance struct {
		RequestTimeout Duration `yaml:"request_timeout"`
		RetryMax       int      `yaml:"retry_max"`
		RetryBackoff   Duration `yaml:"retry_backoff"`
	} `yaml:"performance"`

	API struct {
		Listen       string `yaml:"listen"`
		AuthToken    string `yaml:"auth_token"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"api"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Cache struct {
		ReceiptTTL Duration `yaml:"receipt_ttl"`
	} `yaml:"cache"`

	minBalanceWei *big.Int
}

type Chain struct {
	ID          uint64 `yaml:"id"`
	Name        string `yaml:"name"`
	RPCURL      string `yaml:"rpc_url"`
	ExplorerURL string `yaml:"explorer_url"`
}

// Relayer describes where a relayer's signing key comes from. Exactly one of
// PrivateKeyEnv or Keystore is used; a relayer whose source is empty is kept
// out of the pool.
type Relayer struct {
	ID            uint64 `yaml:"id"`
	Name          string `yaml:"name"`
	PrivateKeyEnv string `yaml:"private_key_env"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EntryPoint == "" {
		c.EntryPoint = DefaultEntryPoint
	}
	for i := range c.Chains {
		if c.Chains[i].Name == "" {
			c.Chains[i].Name = defaultChainName(c.Chains[i].ID)
		}
	}
	for i := range c.Relayers {
		r := &c.Relayers[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("Relayer %d", r.ID)
		}
		if r.PrivateKeyEnv == "" && r.Keystore == "" {
			r.PrivateKeyEnv = fmt.Sprintf("RELAYER_%d_PRIVATE_KEY", r.ID)
		}
		if r.Keystore != "" && r.PassphraseEnv == "" {
			r.PassphraseEnv = fmt.Sprintf("RELAYER_%d_PASSPHRASE", r.ID)
		}
	}
	if c.Relayer.MinBalanceEth == "" {
		c.Relayer.MinBalanceEth = "0.01"
	}
	if c.Relayer.AdmissionAttempts == 0 {
		c.Relayer.AdmissionAttempts = 60
	}
	if c.Relayer.AdmissionInterval.Duration == 0 {
		c.Relayer.AdmissionInterval = Duration{Duration: 1500 * time.Millisecond}
	}
	if c.Relayer.BalanceTimeout.Duration == 0 {
		c.Relayer.BalanceTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Relayer.ReceiptTimeout.Duration == 0 {
		c.Relayer.ReceiptTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Relayer.ReceiptPollInterval.Duration == 0 {
		c.Relayer.ReceiptPollInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Relayer.MonitorInterval.Duration == 0 {
		c.Relayer.MonitorInterval = Duration{Duration: time.Minute}
	}
	if c.Performance.RequestTimeout.Duration == 0 {
		c.Performance.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Performance.RetryMax == 0 {
		c.Performance.RetryMax = 3
	}
	if c.Performance.RetryBackoff.Duration == 0 {
		c.Performance.RetryBackoff = Duration{Duration: 500 * time.Millisecond}
	}
	if c.API.Listen == "" {
		c.API.Listen = ":3000"
	}
	if c.Cache.ReceiptTTL.Duration == 0 {
		c.Cache.ReceiptTTL = Duration{Duration: 10 * time.Minute}
	}
}

// applyEnv lets deployments override chain endpoints the same way the
// environment-only setup did: SUPPORTED_CHAIN_IDS, <NAME>_RPC_URL and
// <NAME>_EXPLORER_URL.
func (c *Config) applyEnv(getenv func(string) string) error {
	if raw := strings.TrimSpace(getenv("SUPPORTED_CHAIN_IDS")); raw != "" {
		ids, err := parseChainIDs(raw)
		if err != nil {
			return err
		}
		c.SupportedChainIDs = ids
	}
	for i := range c.Chains {
		prefix := strings.ToUpper(c.Chains[i].Name)
		if v := strings.TrimSpace(getenv(prefix + "_RPC_URL")); v != "" {
			c.Chains[i].RPCURL = v
		}
		if v := strings.TrimSpace(getenv(prefix + "_EXPLORER_URL")); v != "" {
			c.Chains[i].ExplorerURL = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	if !common.IsHexAddress(c.EntryPoint) {
		return fmt.Errorf("entry_point %q is not an address", c.EntryPoint)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	seenChains := map[uint64]bool{}
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("chain %q: id is required", ch.Name)
		}
		if seenChains[ch.ID] {
			return fmt.Errorf("chain %d configured twice", ch.ID)
		}
		seenChains[ch.ID] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", ch.ID)
		}
	}
	for _, id := range c.SupportedChainIDs {
		if !seenChains[id] {
			return fmt.Errorf("supported chain %d has no chains entry", id)
		}
	}
	if len(c.Relayers) == 0 {
		return fmt.Errorf("at least one relayer is required")
	}
	seenRelayers := map[uint64]bool{}
	for _, r := range c.Relayers {
		if r.ID == 0 {
			return fmt.Errorf("relayer %q: id must be >= 1", r.Name)
		}
		if seenRelayers[r.ID] {
			return fmt.Errorf("relayer %d configured twice", r.ID)
		}
		seenRelayers[r.ID] = true
	}
	if c.Relayer.AdmissionAttempts < 1 {
		return fmt.Errorf("relayer.admission_attempts must be >= 1")
	}
	wei, err := EtherToWei(c.Relayer.MinBalanceEth)
	if err != nil {
		return fmt.Errorf("relayer.min_balance_eth: %w", err)
	}
	c.minBalanceWei = wei
	return nil
}

// ChainIDs returns the chains the deployment serves: SupportedChainIDs when
// set, otherwise every configured chain in file order.
func (c *Config) ChainIDs() []uint64 {
	if len(c.SupportedChainIDs) > 0 {
		return lo.Uniq(c.SupportedChainIDs)
	}
	return lo.Map(c.Chains, func(ch Chain, _ int) uint64 { return ch.ID })
}

// ServedChains returns the chain entries selected by ChainIDs.
func (c *Config) ServedChains() []Chain {
	ids := c.ChainIDs()
	return lo.Filter(c.Chains, func(ch Chain, _ int) bool { return lo.Contains(ids, ch.ID) })
}

func (c *Config) MinBalanceWei() *big.Int {
	if c.minBalanceWei == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(c.minBalanceWei)
}

func (c *Config) EntryPointAddress() common.Address {
	return common.HexToAddress(c.EntryPoint)
}

// EtherToWei converts a decimal ether amount such as "0.05" to wei.
func EtherToWei(eth string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(eth))
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", eth, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("ether amount must be non-negative")
	}
	return d.Shift(18).Floor().BigInt(), nil
}

func parseChainIDs(raw string) ([]uint64, error) {
	parts := lo.Filter(strings.Split(raw, ","), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	})
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q in SUPPORTED_CHAIN_IDS", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func defaultChainName(id uint64) string {
	switch id {
	case 1:
		return "mainnet"
	case 11155111:
		return "sepolia"
	case 8453:
		return "base"
	case 84532:
		return "base_sepolia"
	}
	return fmt.Sprintf("chain_%d", id)
}
