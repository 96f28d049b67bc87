// Package configuration packs per-asset protocol configuration into the two
// 256-bit words the configurator contract consumes, and unpacks them again.
// The bit layout is a binary contract with the on-chain consumer and must not
// drift:
//
//	word A: asset address | borrowCF<<160 | liquidateCF<<176 | liquidationFactor<<192
//	word B: price feed    | decimals<<160 | scaledSupplyCap<<168
package configuration

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrOutOfRange     = errors.New("value out of range")
	ErrInvalidAddress = errors.New("invalid address")
)

// Factors are carried at 18-decimal fixed point and descaled to 4 decimal
// digits before packing, so a 16-bit sub-field holds them.
const (
	factorScale   = 1e18
	factorDescale = 1e14

	borrowFactorOffset      = 160
	liquidateFactorOffset   = 176
	liquidationFactorOffset = 192
	factorBits              = 16

	decimalsOffset  = 160
	decimalsBits    = 8
	supplyCapOffset = 168
	supplyCapBits   = 64
)

// AssetConfig is one asset's structured configuration as it appears in a
// deployment configuration file.
type AssetConfig struct {
	Asset                     string   `json:"asset"`
	PriceFeed                 string   `json:"priceFeed"`
	Decimals                  uint8    `json:"decimals"`
	BorrowCollateralFactor    float64  `json:"borrowCF"`
	LiquidateCollateralFactor float64  `json:"liquidateCF"`
	LiquidationFactor         float64  `json:"liquidationFactor"`
	SupplyCap                 *big.Int `json:"supplyCap"`
}

// PackedAssetConfig is the wire form: two 256-bit words, immutable once
// constructed.
type PackedAssetConfig struct {
	WordA *uint256.Int
	WordB *uint256.Int
}

// Pack encodes cfg into its two packed words. Factors outside [0, 1], supply
// caps that do not fit their 64-bit sub-field after descaling, and malformed
// addresses are rejected; nothing is silently clamped.
func Pack(cfg AssetConfig) (PackedAssetConfig, error) {
	asset, err := parseAddress("asset", cfg.Asset)
	if err != nil {
		return PackedAssetConfig{}, err
	}
	priceFeed, err := parseAddress("price feed", cfg.PriceFeed)
	if err != nil {
		return PackedAssetConfig{}, err
	}

	borrowCF, err := packFactor("borrow collateral factor", cfg.BorrowCollateralFactor)
	if err != nil {
		return PackedAssetConfig{}, err
	}
	liquidateCF, err := packFactor("liquidate collateral factor", cfg.LiquidateCollateralFactor)
	if err != nil {
		return PackedAssetConfig{}, err
	}
	liquidationFactor, err := packFactor("liquidation factor", cfg.LiquidationFactor)
	if err != nil {
		return PackedAssetConfig{}, err
	}

	supplyCap, err := packSupplyCap(cfg.SupplyCap, cfg.Decimals)
	if err != nil {
		return PackedAssetConfig{}, err
	}

	wordA := new(uint256.Int).SetBytes(asset.Bytes())
	wordA.Or(wordA, shift(borrowCF, borrowFactorOffset))
	wordA.Or(wordA, shift(liquidateCF, liquidateFactorOffset))
	wordA.Or(wordA, shift(liquidationFactor, liquidationFactorOffset))

	wordB := new(uint256.Int).SetBytes(priceFeed.Bytes())
	wordB.Or(wordB, shift(uint64(cfg.Decimals), decimalsOffset))
	wordB.Or(wordB, shift(supplyCap, supplyCapOffset))

	return PackedAssetConfig{WordA: wordA, WordB: wordB}, nil
}

// Unpack decodes the two packed words back into a structured record. Values
// come back at packed precision: factors to 4 decimal digits, supply caps to
// whole token units.
func Unpack(packed PackedAssetConfig) AssetConfig {
	decimals := uint8(extract(packed.WordB, decimalsOffset, decimalsBits))

	supplyCap := new(big.Int).SetUint64(extract(packed.WordB, supplyCapOffset, supplyCapBits))
	supplyCap.Mul(supplyCap, pow10(decimals))

	return AssetConfig{
		Asset:                     extractAddress(packed.WordA).Hex(),
		PriceFeed:                 extractAddress(packed.WordB).Hex(),
		Decimals:                  decimals,
		BorrowCollateralFactor:    unpackFactor(extract(packed.WordA, borrowFactorOffset, factorBits)),
		LiquidateCollateralFactor: unpackFactor(extract(packed.WordA, liquidateFactorOffset, factorBits)),
		LiquidationFactor:         unpackFactor(extract(packed.WordA, liquidationFactorOffset, factorBits)),
		SupplyCap:                 supplyCap,
	}
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrInvalidAddress, field, v)
	}
	return common.HexToAddress(v), nil
}

// packFactor scales a [0, 1] rational to 18 decimals, floors, then descales
// to the 4 digits that survive in a 16-bit sub-field. The float is read via
// its shortest decimal form so that a config value written as 0.85 packs as
// the rational 85/100 would, not as its nearest binary neighbor.
func packFactor(field string, v float64) (uint64, error) {
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: %s %v not in [0, 1]", ErrOutOfRange, field, v)
	}
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return 0, fmt.Errorf("%w: %s %v", ErrOutOfRange, field, v)
	}
	rat.Mul(rat, new(big.Rat).SetInt64(factorScale))
	scaled := new(big.Int).Quo(rat.Num(), rat.Denom())
	descaled := scaled.Quo(scaled, big.NewInt(factorDescale))
	return descaled.Uint64(), nil
}

func unpackFactor(raw uint64) float64 {
	return float64(raw) * factorDescale / factorScale
}

// packSupplyCap descales a cap given in native token units to whole tokens.
// A nil cap packs as zero.
func packSupplyCap(v *big.Int, decimals uint8) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 {
		return 0, fmt.Errorf("%w: supply cap %s is negative", ErrOutOfRange, v)
	}
	scaled := new(big.Int).Quo(v, pow10(decimals))
	if !scaled.IsUint64() || scaled.Uint64() > maxForBits(supplyCapBits) {
		return 0, fmt.Errorf("%w: supply cap %s exceeds %d-bit field", ErrOutOfRange, v, supplyCapBits)
	}
	return scaled.Uint64(), nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func maxForBits(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<bits - 1
}

func shift(v uint64, offset uint) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(v), offset)
}

func extract(word *uint256.Int, offset, bits uint) uint64 {
	v := new(uint256.Int).Rsh(word, offset)
	v.And(v, uint256.NewInt(maxForBits(bits)))
	return v.Uint64()
}

func extractAddress(word *uint256.Int) common.Address {
	masked := new(uint256.Int).And(word, addressMask)
	return common.BytesToAddress(masked.Bytes())
}

var addressMask = func() *uint256.Int {
	one := uint256.NewInt(1)
	mask := new(uint256.Int).Lsh(one, 160)
	return mask.Sub(mask, one)
}()
