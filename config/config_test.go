package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokensale/crypto"
)

var (
	testSaleAddr = func() [20]byte {
		var addr [20]byte
		addr[0] = 0x42
		addr[len(addr)-1] = 0x24
		return addr
	}()
	testSaleAddrBech32 = crypto.MustNewAddress(crypto.SalePrefix, testSaleAddr[:]).String()
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
	if cfg.OperatorKeystorePath != filepath.Join(dir, "operator.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.OperatorKeystorePath)
	}
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "")
	if err != nil {
		t.Fatalf("load operator keystore: %v", err)
	}
	params, err := cfg.SaleParams()
	if err != nil {
		t.Fatalf("sale params: %v", err)
	}
	if params.Operator != key.Address() {
		t.Fatalf("operator does not match generated key")
	}
	if params.Address != crypto.ContractAddress(key.Address(), 0) {
		t.Fatalf("unexpected sale address")
	}
	if params.Price.Int64() != 1000 || params.BonusPercent != 30 || params.DurationSeconds != 600000 {
		t.Fatalf("unexpected sale defaults: %+v", params)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Sale != cfg.Sale {
		t.Fatalf("reloaded sale section differs: %+v vs %+v", reloaded.Sale, cfg.Sale)
	}
	if reloaded.Gateway.MaxConnections != DefaultMaxConnections {
		t.Fatalf("max connections not defaulted: %d", reloaded.Gateway.MaxConnections)
	}
	if reloaded.Gateway.ClockSkew.Duration != DefaultClockSkew {
		t.Fatalf("clock skew not persisted: %s", reloaded.Gateway.ClockSkew)
	}
}

func TestLoadWithPassphraseEncryptsKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	calls := 0
	source := func() (string, error) {
		calls++
		return "correct horse", nil
	}

	cfg, err := LoadWithPassphrase(path, source)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, ""); err == nil {
		t.Fatalf("keystore opened without passphrase")
	}
	if _, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "correct horse"); err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	if _, err := LoadWithPassphrase(path, source); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if calls != 1 {
		t.Fatalf("passphrase requested %d times, want 1", calls)
	}
}

func TestLoadReusesExistingKeystore(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(filepath.Join(dir, "operator.keystore"), key, "pw"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}

	cfg, err := LoadWithPassphrase(filepath.Join(dir, "config.toml"), func() (string, error) { return "pw", nil })
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	params, err := cfg.SaleParams()
	if err != nil {
		t.Fatalf("sale params: %v", err)
	}
	if params.Operator != key.Address() {
		t.Fatalf("existing operator key was replaced")
	}

	wrong := filepath.Join(t.TempDir(), "config.toml")
	if err := crypto.SaveToKeystore(filepath.Join(filepath.Dir(wrong), "operator.keystore"), key, "pw"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	if _, err := LoadWithPassphrase(wrong, func() (string, error) { return "other", nil }); err == nil {
		t.Fatalf("expected wrong passphrase to be rejected")
	}
	if _, err := os.Stat(wrong); !os.IsNotExist(err) {
		t.Fatalf("config written despite keystore failure")
	}
}

func TestGenesisSpec(t *testing.T) {
	cfg := &Config{
		Sale: SaleConfig{
			Address:         "0x00000000000000000000000000000000000000cc",
			Operator:        "0x00000000000000000000000000000000000000aa",
			Wallet:          "0x00000000000000000000000000000000000000bb",
			Price:           "10",
			DurationSeconds: 60,
		},
		Token:       TokenConfig{Name: "Mat Token", Symbol: "MAT", Decimals: 18},
		Allocations: []Allocation{{Address: "0x0000000000000000000000000000000000000001", Amount: "5"}},
	}
	spec, err := cfg.GenesisSpec()
	if err != nil {
		t.Fatalf("genesis spec: %v", err)
	}
	if spec.Operator[19] != 0xaa || spec.SaleAddress[19] != 0xcc {
		t.Fatalf("unexpected addresses: %+v", spec)
	}
	if spec.Token.Symbol != "MAT" || len(spec.Allocations) != 1 || spec.Allocations[0].Amount.Int64() != 5 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sale.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
LogFile = "./sale.log"

[sale]
Address = "` + testSaleAddrBech32 + `"
Operator = "0x00000000000000000000000000000000000000aa"
Wallet = "0x00000000000000000000000000000000000000bb"
Price = "10"
BonusPercent = 50
DurationSeconds = 3600

[token]
Symbol = "tst"

[gateway]
ClockSkew = "30s"
NonceTTL = "10m"
TrustedProxies = ["10.0.0.0/8", "192.0.2.1"]

[gateway.RouteCosts]
"POST /v1/purchases/bonus" = 3

[[allocations]]
Address = "0x0000000000000000000000000000000000000001"
Amount = "1000000"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	params, err := cfg.SaleParams()
	if err != nil {
		t.Fatalf("sale params: %v", err)
	}
	if params.Address != testSaleAddr {
		t.Fatalf("bech32 sale address not parsed")
	}
	if params.Price.Int64() != 10 || params.BonusPercent != 50 {
		t.Fatalf("unexpected params: %+v", params)
	}
	if cfg.Gateway.ClockSkew.Duration != 30*time.Second || cfg.Gateway.NonceTTL.Duration != 10*time.Minute {
		t.Fatalf("unexpected gateway durations: %+v", cfg.Gateway)
	}
	if cfg.Gateway.RouteCosts["POST /v1/purchases/bonus"] != 3 {
		t.Fatalf("unexpected route costs: %+v", cfg.Gateway.RouteCosts)
	}
	if len(cfg.Gateway.TrustedProxies) != 2 || cfg.Gateway.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected trusted proxies: %+v", cfg.Gateway.TrustedProxies)
	}
	if cfg.AuditDatabase != filepath.Join("./data", "audit.db") {
		t.Fatalf("unexpected audit database %q", cfg.AuditDatabase)
	}
	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Amount.Int64() != 1_000_000 || allocs[0].Address[19] != 0x01 {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sale.yaml")
	contents := `listen_address: ":7000"
sale:
  address: "0x00000000000000000000000000000000000000cc"
  operator: "0x00000000000000000000000000000000000000aa"
  wallet: "0x00000000000000000000000000000000000000bb"
  price: "25"
  bonus_percent: 10
  duration_seconds: 60
gateway:
  clock_skew: 1m
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.Sale.BonusPercent != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Gateway.ClockSkew.Duration != time.Minute {
		t.Fatalf("unexpected clock skew %s", cfg.Gateway.ClockSkew)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("Bogus = 1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func validConfig() *Config {
	cfg := &Config{
		Sale: SaleConfig{
			Address:         "0x00000000000000000000000000000000000000cc",
			Operator:        "0x00000000000000000000000000000000000000aa",
			Wallet:          "0x00000000000000000000000000000000000000bb",
			Price:           "10",
			DurationSeconds: 60,
		},
	}
	cfg.applyDefaults("config.toml")
	return cfg
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*Config){
		"zero price":                 func(c *Config) { c.Sale.Price = "0" },
		"negative price":             func(c *Config) { c.Sale.Price = "-5" },
		"fractional price":           func(c *Config) { c.Sale.Price = "1.5" },
		"zero duration":              func(c *Config) { c.Sale.DurationSeconds = 0 },
		"missing operator":           func(c *Config) { c.Sale.Operator = "" },
		"bad wallet":                 func(c *Config) { c.Sale.Wallet = "0x1234" },
		"zero allocation":            func(c *Config) { c.Allocations = []Allocation{{Address: c.Sale.Wallet, Amount: "0"}} },
		"duplicate allocation":       func(c *Config) { c.Allocations = []Allocation{{Address: c.Sale.Wallet, Amount: "1"}, {Address: c.Sale.Wallet, Amount: "2"}} },
		"negative burst":             func(c *Config) { c.Gateway.RateLimitBurst = -1 },
		"short nonce ttl":            func(c *Config) { c.Gateway.NonceTTL.Duration = time.Minute },
		"telemetry without endpoint": func(c *Config) { c.Telemetry.Traces = true },
		"bonus above maximum":        func(c *Config) { c.Sale.BonusPercent = 1_001 },
		"route cost without method":  func(c *Config) { c.Gateway.RouteCosts = map[string]int{"/v1/claim": 2} },
		"route cost on read route":   func(c *Config) { c.Gateway.RouteCosts = map[string]int{"GET /v1/sale": 2} },
		"route cost above burst":     func(c *Config) { c.Gateway.RouteCosts = map[string]int{"POST /v1/claim": 1_000} },
		"zero route cost":            func(c *Config) { c.Gateway.RouteCosts = map[string]int{"POST /v1/claim": 0} },
		"bad trusted proxy":          func(c *Config) { c.Gateway.TrustedProxies = []string{"10.0.0.0/40"} },
		"sample ratio above one":     func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
		"negative connections":       func(c *Config) { c.Gateway.MaxConnections = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
