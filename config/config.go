package config

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tokensale/core/genesis"
	"tokensale/crypto"
	"tokensale/native/sale"
)

// Defaults used by createDefault and for fields left empty. The pricing
// values mirror the reference deployment of the sale.
const (
	DefaultListenAddress    = ":8080"
	DefaultDataDir          = "./sale-data"
	DefaultPrice            = "1000"
	DefaultBonusPercent     = 30
	DefaultDurationSeconds  = 600000
	DefaultTokenName        = "Mat Token"
	DefaultTokenSymbol      = "MAT"
	DefaultTokenDecimals    = 18
	DefaultRateLimitPerSec  = 10
	DefaultRateLimitBurst   = 20
	DefaultClockSkew        = 2 * time.Minute
	DefaultNonceTTL         = 10 * time.Minute
	DefaultMaxBodyBytes     = 1 << 20
	DefaultMaxConnections   = 1024
	DefaultShutdownTimeout  = 10 * time.Second
	defaultKeystoreFileName = "operator.keystore"
)

type Config struct {
	ListenAddress        string `toml:"ListenAddress" yaml:"listen_address"`
	DataDir              string `toml:"DataDir" yaml:"data_dir"`
	AuditDatabase        string `toml:"AuditDatabase" yaml:"audit_database"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath" yaml:"operator_keystore_path"`
	Environment          string `toml:"Environment" yaml:"environment"`
	LogFile              string `toml:"LogFile" yaml:"log_file"`
	LogLevel             string `toml:"LogLevel" yaml:"log_level"`

	Sale        SaleConfig   `toml:"sale" yaml:"sale"`
	Token       TokenConfig  `toml:"token" yaml:"token"`
	Gateway     Gateway      `toml:"gateway" yaml:"gateway"`
	Telemetry   Telemetry    `toml:"telemetry" yaml:"telemetry"`
	Allocations []Allocation `toml:"allocations" yaml:"allocations"`
}

// SaleConfig holds the immutable sale parameters. Addresses accept 0x hex or
// bech32.
type SaleConfig struct {
	Address         string `toml:"Address" yaml:"address"`
	Operator        string `toml:"Operator" yaml:"operator"`
	Wallet          string `toml:"Wallet" yaml:"wallet"`
	Price           string `toml:"Price" yaml:"price"`
	BonusPercent    uint64 `toml:"BonusPercent" yaml:"bonus_percent"`
	DurationSeconds int64  `toml:"DurationSeconds" yaml:"duration_seconds"`
}

// TokenConfig describes the token deployed at genesis.
type TokenConfig struct {
	Name     string `toml:"Name" yaml:"name"`
	Symbol   string `toml:"Symbol" yaml:"symbol"`
	Decimals uint8  `toml:"Decimals" yaml:"decimals"`
}

// Gateway configures the HTTP surface.
type Gateway struct {
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond" yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"RateLimitBurst" yaml:"rate_limit_burst"`
	// RouteCosts charges more than one rate limit token for the listed
	// "METHOD /path" write routes.
	RouteCosts map[string]int `toml:"RouteCosts" yaml:"route_costs"`
	// TrustedProxies lists the CIDR blocks or addresses whose X-Real-IP and
	// X-Forwarded-For headers are honoured when identifying clients.
	TrustedProxies  []string `toml:"TrustedProxies" yaml:"trusted_proxies"`
	ClockSkew       Duration `toml:"ClockSkew" yaml:"clock_skew"`
	NonceTTL        Duration `toml:"NonceTTL" yaml:"nonce_ttl"`
	MaxBodyBytes    int64    `toml:"MaxBodyBytes" yaml:"max_body_bytes"`
	MaxConnections  int      `toml:"MaxConnections" yaml:"max_connections"`
	ShutdownTimeout Duration `toml:"ShutdownTimeout" yaml:"shutdown_timeout"`
	NonceDatabase   string   `toml:"NonceDatabase" yaml:"nonce_database"`
	IdempotencyDB   string   `toml:"IdempotencyDB" yaml:"idempotency_db"`
}

// Telemetry configures OTLP export. An empty Endpoint disables it.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	// SampleRatio keeps this share of new traces; 0 keeps all of them.
	SampleRatio    float64  `toml:"SampleRatio" yaml:"sample_ratio"`
	MetricInterval Duration `toml:"MetricInterval" yaml:"metric_interval"`
}

// Allocation seeds a payment-asset balance at genesis.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// Duration wraps time.Duration so it can be written as "5m" in TOML and YAML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration with a freshly generated operator key
// stored under an empty passphrase.
func Load(path string) (*Config, error) {
	return LoadWithPassphrase(path, func() (string, error) { return "", nil })
}

// LoadWithPassphrase is Load with the passphrase used to encrypt a newly
// generated operator keystore. passphrase is only called on first run.
func LoadWithPassphrase(path string, passphrase func() (string, error)) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		secret, err := passphrase()
		if err != nil {
			return nil, err
		}
		return createDefault(path, secret)
	}

	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown field %q in %s", undecoded[0].String(), path)
		}
	}

	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.AuditDatabase) == "" {
		c.AuditDatabase = filepath.Join(c.DataDir, "audit.db")
	}
	if strings.TrimSpace(c.OperatorKeystorePath) == "" {
		c.OperatorKeystorePath = defaultKeystorePath(path)
	}
	if strings.TrimSpace(c.Sale.Price) == "" {
		c.Sale.Price = DefaultPrice
	}
	if strings.TrimSpace(c.Token.Name) == "" {
		c.Token.Name = DefaultTokenName
	}
	if strings.TrimSpace(c.Token.Symbol) == "" {
		c.Token.Symbol = DefaultTokenSymbol
	}
	if c.Gateway.RateLimitPerSecond == 0 {
		c.Gateway.RateLimitPerSecond = DefaultRateLimitPerSec
	}
	if c.Gateway.RateLimitBurst == 0 {
		c.Gateway.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Gateway.ClockSkew.Duration == 0 {
		c.Gateway.ClockSkew.Duration = DefaultClockSkew
	}
	if c.Gateway.NonceTTL.Duration == 0 {
		c.Gateway.NonceTTL.Duration = DefaultNonceTTL
	}
	if c.Gateway.MaxBodyBytes == 0 {
		c.Gateway.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Gateway.MaxConnections == 0 {
		c.Gateway.MaxConnections = DefaultMaxConnections
	}
	if c.Gateway.ShutdownTimeout.Duration == 0 {
		c.Gateway.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}
	if strings.TrimSpace(c.Gateway.NonceDatabase) == "" {
		c.Gateway.NonceDatabase = filepath.Join(c.DataDir, "nonces")
	}
	if strings.TrimSpace(c.Gateway.IdempotencyDB) == "" {
		c.Gateway.IdempotencyDB = filepath.Join(c.DataDir, "idempotency.db")
	}
}

// Validate checks the configuration invariants without touching the
// filesystem.
func (c *Config) Validate() error {
	if _, err := c.SaleParams(); err != nil {
		return err
	}
	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Token.Symbol) == "" {
		return errors.New("config: token symbol required")
	}
	if c.Gateway.RateLimitPerSecond < 0 || c.Gateway.RateLimitBurst < 0 {
		return errors.New("config: gateway rate limits must not be negative")
	}
	for route, cost := range c.Gateway.RouteCosts {
		method, path, ok := strings.Cut(route, " ")
		if !ok || method != http.MethodPost || !strings.HasPrefix(path, "/v1/") {
			return fmt.Errorf("config: gateway RouteCosts key %q must look like \"POST /v1/...\"", route)
		}
		if cost <= 0 || cost > c.Gateway.RateLimitBurst {
			return fmt.Errorf("config: gateway RouteCosts[%q] must be between 1 and RateLimitBurst", route)
		}
	}
	for _, proxy := range c.Gateway.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("config: invalid gateway TrustedProxies entry %q", proxy)
		}
	}
	if c.Gateway.ClockSkew.Duration < 0 || c.Gateway.NonceTTL.Duration < 0 {
		return errors.New("config: gateway durations must not be negative")
	}
	if c.Gateway.NonceTTL.Duration < 2*c.Gateway.ClockSkew.Duration {
		return errors.New("config: gateway NonceTTL must cover twice the ClockSkew")
	}
	if c.Gateway.MaxBodyBytes < 0 {
		return errors.New("config: gateway MaxBodyBytes must not be negative")
	}
	if c.Gateway.MaxConnections < 0 {
		return errors.New("config: gateway MaxConnections must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("config: telemetry SampleRatio must be between 0 and 1")
	}
	if c.Telemetry.MetricInterval.Duration < 0 {
		return errors.New("config: telemetry MetricInterval must not be negative")
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return errors.New("config: telemetry Endpoint required when traces or metrics are enabled")
	}
	return nil
}

// SaleParams converts the sale section into engine parameters.
func (c *Config) SaleParams() (sale.Config, error) {
	var out sale.Config
	var err error
	if out.Address, err = parseRequiredAddress("sale.Address", c.Sale.Address); err != nil {
		return out, err
	}
	if out.Operator, err = parseRequiredAddress("sale.Operator", c.Sale.Operator); err != nil {
		return out, err
	}
	if out.Wallet, err = parseRequiredAddress("sale.Wallet", c.Sale.Wallet); err != nil {
		return out, err
	}
	price, err := parseUintAmount(c.Sale.Price)
	if err != nil {
		return out, fmt.Errorf("config: invalid sale.Price: %w", err)
	}
	out.Price = price
	out.BonusPercent = c.Sale.BonusPercent
	out.DurationSeconds = c.Sale.DurationSeconds
	if err := out.Validate(); err != nil {
		return out, fmt.Errorf("config: %w", err)
	}
	return out, nil
}

// GenesisAllocations parses the payment-asset allocations.
func (c *Config) GenesisAllocations() ([]genesis.Allocation, error) {
	out := make([]genesis.Allocation, 0, len(c.Allocations))
	seen := make(map[[20]byte]struct{}, len(c.Allocations))
	for i, alloc := range c.Allocations {
		addr, err := parseRequiredAddress(fmt.Sprintf("allocations[%d].Address", i), alloc.Address)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("config: duplicate allocation for %s", crypto.FormatAddress(addr))
		}
		seen[addr] = struct{}{}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("config: invalid allocations[%d].Amount: %w", i, err)
		}
		if amount.Sign() == 0 {
			return nil, fmt.Errorf("config: allocations[%d].Amount must be positive", i)
		}
		out = append(out, genesis.Allocation{Address: addr, Amount: amount})
	}
	return out, nil
}

// GenesisSpec assembles the deployment state seeded on first start.
func (c *Config) GenesisSpec() (*genesis.Spec, error) {
	params, err := c.SaleParams()
	if err != nil {
		return nil, err
	}
	allocs, err := c.GenesisAllocations()
	if err != nil {
		return nil, err
	}
	return &genesis.Spec{
		Operator:    params.Operator,
		SaleAddress: params.Address,
		Token: genesis.TokenSpec{
			Name:     c.Token.Name,
			Symbol:   c.Token.Symbol,
			Decimals: c.Token.Decimals,
		},
		Allocations: allocs,
	}, nil
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func parseRequiredAddress(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, fmt.Errorf("config: %s required", field)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("config: invalid %s: %w", field, err)
	}
	return addr, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", raw)
	}
	if value.Sign() < 0 {
		return nil, errors.New("amount must not be negative")
	}
	return value, nil
}

// createDefault creates and saves a default configuration file. An operator
// keystore already sitting next to the file is reused, otherwise a new key is
// generated. The sale address is derived from the operator the way a contract
// deployed by it would be.
func createDefault(path, passphrase string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	key, _, err := crypto.LoadOrCreateKeystore(keystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("config: operator keystore: %w", err)
	}

	operator := key.Address()
	cfg := &Config{
		ListenAddress:        DefaultListenAddress,
		DataDir:              DefaultDataDir,
		OperatorKeystorePath: keystorePath,
		Environment:          "local",
		Sale: SaleConfig{
			Address:         crypto.FormatAddress(crypto.ContractAddress(operator, 0)),
			Operator:        crypto.FormatAddress(operator),
			Wallet:          crypto.FormatAddress(operator),
			Price:           DefaultPrice,
			BonusPercent:    DefaultBonusPercent,
			DurationSeconds: DefaultDurationSeconds,
		},
		Token: TokenConfig{Name: DefaultTokenName, Symbol: DefaultTokenSymbol, Decimals: DefaultTokenDecimals},
	}
	cfg.applyDefaults(path)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, defaultKeystoreFileName)
}
