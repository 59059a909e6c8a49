package httpapi

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/custody_ledger/internal/chain"
	"github.com/R3E-Network/custody_ledger/internal/errors"
)

// amounts converts between display amounts ("1.5" GAS) and the smallest
// units the ledger stores, using each asset's on-chain precision.
type amounts struct {
	assets chain.Assets
}

func (a amounts) asset(symbol string) (string, int32, error) {
	asset, ok := a.assets.Lookup(symbol)
	if !ok {
		return "", 0, errors.InvalidArgument("unknown asset %q", strings.TrimSpace(symbol))
	}
	return asset.Symbol, asset.Decimals, nil
}

// units parses amount for symbol. Zero is allowed only when allowZero is set.
func (a amounts) units(symbol string, amount decimal.Decimal, allowZero bool) (string, uint64, error) {
	sym, decimals, err := a.asset(symbol)
	if err != nil {
		return "", 0, err
	}
	if amount.IsNegative() {
		return "", 0, errors.InvalidArgument("amount must not be negative")
	}
	if amount.IsZero() {
		if allowZero {
			return sym, 0, nil
		}
		return "", 0, errors.InvalidArgument("amount must be positive")
	}
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return "", 0, errors.InvalidArgument("amount %s has more than %d decimal places for %s", amount.String(), decimals, sym)
	}
	n := shifted.BigInt()
	if !n.IsUint64() {
		return "", 0, errors.InvalidArgument("amount %s is out of range", amount.String())
	}
	return sym, n.Uint64(), nil
}

// display formats smallest units of symbol as a decimal string.
func (a amounts) display(symbol string, units uint64) string {
	_, decimals, err := a.asset(symbol)
	if err != nil {
		decimals = 0
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals).String()
}
