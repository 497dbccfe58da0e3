// Package configs loads the filler's YAML configuration file and converts
// it into the runtime types the rest of the module consumes, grounded on
// the teacher's configs.Config/LoadConfig (spec.md 6).
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/policy"
)

// common20 parses a hex address string, or the zero address if blank.
func common20(hexAddr string) filler.Address20 {
	if hexAddr == "" {
		return filler.NativeAsset
	}
	return common.HexToAddress(hexAddr)
}

// ChainYAMLData is one chain's static configuration block.
type ChainYAMLData struct {
	ChainID           uint64   `yaml:"chainId"`
	RPC               string   `yaml:"rpc"`
	GatewayAddress    string   `yaml:"gatewayAddress"`
	HostAddress       string   `yaml:"hostAddress"`
	FeeToken          string   `yaml:"feeToken"`
	FeeTokenDecimals  uint8    `yaml:"feeTokenDecimals"`
	USDCAddress       string   `yaml:"usdcAddress"`
	USDTAddress       string   `yaml:"usdtAddress"`
	ManagedAssets     []string `yaml:"managedAssets"`
	EntryPointAddress string   `yaml:"entryPointAddress"`
	GasPriceOracleURL string   `yaml:"gasPriceOracleUrl"`
}

// PointYAMLData is one (amount, value) pair of a policy curve.
type PointYAMLData struct {
	Amount string `yaml:"amount"`
	Value  string `yaml:"value"`
}

// CurveYAMLData wraps a curve's ordered points as they appear in YAML.
type CurveYAMLData struct {
	Points []PointYAMLData `yaml:"points"`
}

// Config is the entire configuration structure read from config.yml
// (spec.md 6).
type Config struct {
	Chains              map[string]ChainYAMLData `yaml:"chains"`
	MaxConcurrentOrders int                       `yaml:"maxConcurrentOrders"`
	ConfirmationPolicy  map[string]CurveYAMLData  `yaml:"confirmationPolicy"`
	FillerBps           CurveYAMLData             `yaml:"fillerBps"`
	PricePolicy         CurveYAMLData             `yaml:"pricePolicy"`
	WatchOnly           map[string]bool           `yaml:"watchOnly"`
	SolverSelection     map[string]bool           `yaml:"solverSelection"`
	HyperbridgeWsURL    string                    `yaml:"hyperbridgeWsUrl"`
	BundlerURL          string                    `yaml:"bundlerUrl"`
	MaxOrderUSD         string                    `yaml:"maxOrderUsd"`
	CacheTTLMs          int                       `yaml:"cacheTtlMs"`
	RebalanceHomeChain  string                    `yaml:"rebalanceHomeChain"`
}

// LoadConfig reads and parses config.yml into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("configs: parse config yaml: %w", err)
	}
	return &config, nil
}

// ToChainDescriptors converts the chains block into the descriptors the
// contract-interaction layer and strategies key their lookups on.
func (c *Config) ToChainDescriptors() []filler.ChainDescriptor {
	descriptors := make([]filler.ChainDescriptor, 0, len(c.Chains))
	for _, data := range c.Chains {
		tag := filler.NewChainTag(data.ChainID)
		managed := make([]filler.Address20, 0, len(data.ManagedAssets))
		for _, a := range data.ManagedAssets {
			managed = append(managed, common20(a))
		}
		descriptors = append(descriptors, filler.ChainDescriptor{
			ChainID:           data.ChainID,
			Tag:               tag,
			RPCEndpoint:       data.RPC,
			GatewayAddress:    common20(data.GatewayAddress),
			HostAddress:       common20(data.HostAddress),
			FeeToken:          common20(data.FeeToken),
			FeeTokenDecimals:  data.FeeTokenDecimals,
			USDCAddress:       common20(data.USDCAddress),
			USDTAddress:       common20(data.USDTAddress),
			ManagedAssets:     managed,
			EntryPointAddress: common20(data.EntryPointAddress),
			WatchOnly:         c.WatchOnly[fmt.Sprint(data.ChainID)],
			GasPriceOracleURL: data.GasPriceOracleURL,
		})
	}
	return descriptors
}

// ToSolverSelection converts the solverSelection block into a lookup keyed
// by chain tag, for seeding the cache's per-destination flag at startup
// (spec.md 4.F step 1).
func (c *Config) ToSolverSelection() map[filler.ChainTag]bool {
	out := make(map[filler.ChainTag]bool, len(c.Chains))
	for _, data := range c.Chains {
		out[filler.NewChainTag(data.ChainID)] = c.SolverSelection[fmt.Sprint(data.ChainID)]
	}
	return out
}

// ToConfirmationCurves builds one confirmation curve per key. A key is read
// as a chain id ("1") when it parses as one, otherwise as a chain tag
// ("EVM-1").
func (c *Config) ToConfirmationCurves() (map[filler.ChainTag]*policy.Curve, error) {
	curves := make(map[filler.ChainTag]*policy.Curve, len(c.ConfirmationPolicy))
	for chainID, data := range c.ConfirmationPolicy {
		points, err := data.toPoints()
		if err != nil {
			return nil, fmt.Errorf("configs: confirmationPolicy.%s: %w", chainID, err)
		}
		curve, err := policy.NewConfirmationCurve(points)
		if err != nil {
			return nil, fmt.Errorf("configs: confirmationPolicy.%s: %w", chainID, err)
		}
		tag := filler.ChainTag(chainID)
		var id uint64
		if _, err := fmt.Sscan(chainID, &id); err == nil {
			tag = filler.NewChainTag(id)
		}
		curves[tag] = curve
	}
	return curves, nil
}

// ToBpsCurve builds the filler's basis-point schedule.
func (c *Config) ToBpsCurve() (*policy.Curve, error) {
	points, err := c.FillerBps.toPoints()
	if err != nil {
		return nil, fmt.Errorf("configs: fillerBps: %w", err)
	}
	return policy.NewBpsCurve(points)
}

// ToPriceCurve builds the managed-asset price curve.
func (c *Config) ToPriceCurve() (*policy.Curve, error) {
	points, err := c.PricePolicy.toPoints()
	if err != nil {
		return nil, fmt.Errorf("configs: pricePolicy: %w", err)
	}
	return policy.NewPriceCurve(points)
}

// ToMaxOrderUSD parses the managed-asset strategy's per-order USD cap.
func (c *Config) ToMaxOrderUSD() (decimal.Decimal, error) {
	if c.MaxOrderUSD == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(c.MaxOrderUSD)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("configs: maxOrderUsd: %w", err)
	}
	return v, nil
}

// ToCacheTTL resolves the cache TTL, defaulting to 60s (spec.md 6).
func (c *Config) ToCacheTTL() time.Duration {
	if c.CacheTTLMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// ToMaxConcurrentOrders resolves the global queue's concurrency cap,
// defaulting to 5 (spec.md 5.3).
func (c *Config) ToMaxConcurrentOrders() int64 {
	if c.MaxConcurrentOrders <= 0 {
		return 5
	}
	return int64(c.MaxConcurrentOrders)
}

func (d CurveYAMLData) toPoints() ([]policy.Point, error) {
	points := make([]policy.Point, 0, len(d.Points))
	for _, p := range d.Points {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", p.Amount, err)
		}
		value, err := decimal.NewFromString(p.Value)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", p.Value, err)
		}
		points = append(points, policy.Point{Amount: amount, Value: value})
	}
	return points, nil
}
