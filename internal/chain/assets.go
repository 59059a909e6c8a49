package chain

import (
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Native NEP-17 contracts on Neo N3.
const (
	NeoContractHash = "ef4073a0f2b305a38ec4050e4d3d28bc40ea63f5"
	GasContractHash = "d2a4cff31913016155e38e474a2c06d08be276cf"

	// FeeAsset is the asset network fees are paid in.
	FeeAsset = "GAS"
)

// Asset is a token the ledger tracks on chain.
type Asset struct {
	Symbol   string
	Hash     util.Uint160
	Decimals int32
}

// AssetConfig describes an asset in configuration. Contract is the script
// hash in its usual 0x-prefixed display form.
type AssetConfig struct {
	Symbol   string `yaml:"symbol"`
	Contract string `yaml:"contract"`
	Decimals int32  `yaml:"decimals"`
}

// Assets indexes tracked tokens by symbol.
type Assets map[string]Asset

// DefaultAssets returns the native NEO and GAS tokens.
func DefaultAssets() Assets {
	neo, _ := util.Uint160DecodeStringLE(NeoContractHash)
	gas, _ := util.Uint160DecodeStringLE(GasContractHash)
	return Assets{
		"NEO": {Symbol: "NEO", Hash: neo, Decimals: 0},
		"GAS": {Symbol: "GAS", Hash: gas, Decimals: 8},
	}
}

// BuildAssets merges configured tokens over the native defaults.
func BuildAssets(extra []AssetConfig) (Assets, error) {
	assets := DefaultAssets()
	for _, cfg := range extra {
		symbol := strings.ToUpper(strings.TrimSpace(cfg.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("asset symbol required")
		}
		hash, err := util.Uint160DecodeStringLE(strings.TrimPrefix(strings.TrimSpace(cfg.Contract), "0x"))
		if err != nil {
			return nil, fmt.Errorf("asset %s: invalid contract hash: %w", symbol, err)
		}
		if cfg.Decimals < 0 || cfg.Decimals > 18 {
			return nil, fmt.Errorf("asset %s: decimals out of range", symbol)
		}
		assets[symbol] = Asset{Symbol: symbol, Hash: hash, Decimals: cfg.Decimals}
	}
	return assets, nil
}

// Lookup finds an asset by symbol, case-insensitively.
func (a Assets) Lookup(symbol string) (Asset, bool) {
	asset, ok := a[strings.ToUpper(strings.TrimSpace(symbol))]
	return asset, ok
}

// ByContract finds an asset by its 0x-prefixed contract hash.
func (a Assets) ByContract(contract string) (Asset, bool) {
	hash, err := util.Uint160DecodeStringLE(strings.TrimPrefix(contract, "0x"))
	if err != nil {
		return Asset{}, false
	}
	for _, asset := range a {
		if asset.Hash.Equals(hash) {
			return asset, true
		}
	}
	return Asset{}, false
}

// Decimals returns the precision of symbol, or false when untracked.
func (a Assets) Decimals(symbol string) (int32, bool) {
	asset, ok := a.Lookup(symbol)
	return asset.Decimals, ok
}
