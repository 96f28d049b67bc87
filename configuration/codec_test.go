package configuration_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/omahs/comet/configuration"
)

const (
	wethAddress = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	feedAddress = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
)

func tokens(n int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func field(word *uint256.Int, offset, bits uint) uint64 {
	v := new(uint256.Int).Rsh(word, offset)
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bits)
	mask.SubUint64(mask, 1)
	return v.And(v, mask).Uint64()
}

func TestPackWordLayout(t *testing.T) {
	packed, err := configuration.Pack(configuration.AssetConfig{
		Asset:                     wethAddress,
		PriceFeed:                 feedAddress,
		Decimals:                  18,
		BorrowCollateralFactor:    0.8,
		LiquidateCollateralFactor: 0.85,
		LiquidationFactor:         0.95,
		SupplyCap:                 tokens(250_000, 18),
	})
	require.NoError(t, err)

	// word A: address in the low 160 bits, descaled factors above it.
	addrBits := new(uint256.Int).And(packed.WordA, new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1))
	require.Equal(t, common.HexToAddress(wethAddress), common.BytesToAddress(addrBits.Bytes()))
	require.Equal(t, uint64(8000), field(packed.WordA, 160, 16), "borrow CF = floor(0.8e18/1e14)")
	require.Equal(t, uint64(8500), field(packed.WordA, 176, 16), "liquidate CF = floor(0.85e18/1e14)")
	require.Equal(t, uint64(9500), field(packed.WordA, 192, 16), "liquidation factor = floor(0.95e18/1e14)")

	// word B: price feed, decimals, whole-token supply cap.
	feedBits := new(uint256.Int).And(packed.WordB, new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1))
	require.Equal(t, common.HexToAddress(feedAddress), common.BytesToAddress(feedBits.Bytes()))
	require.Equal(t, uint64(18), field(packed.WordB, 160, 8))
	require.Equal(t, uint64(250_000), field(packed.WordB, 168, 64))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	original := configuration.AssetConfig{
		Asset:                     wethAddress,
		PriceFeed:                 feedAddress,
		Decimals:                  8,
		BorrowCollateralFactor:    0.7,
		LiquidateCollateralFactor: 0.75,
		LiquidationFactor:         0.93,
		SupplyCap:                 tokens(12_000, 8),
	}

	packed, err := configuration.Pack(original)
	require.NoError(t, err)
	recovered := configuration.Unpack(packed)

	require.Equal(t, common.HexToAddress(original.Asset).Hex(), recovered.Asset)
	require.Equal(t, common.HexToAddress(original.PriceFeed).Hex(), recovered.PriceFeed)
	require.Equal(t, original.Decimals, recovered.Decimals)
	require.InDelta(t, original.BorrowCollateralFactor, recovered.BorrowCollateralFactor, 1e-4)
	require.InDelta(t, original.LiquidateCollateralFactor, recovered.LiquidateCollateralFactor, 1e-4)
	require.InDelta(t, original.LiquidationFactor, recovered.LiquidationFactor, 1e-4)
	require.Equal(t, original.SupplyCap, recovered.SupplyCap)
}

func TestPackTruncatesBelowGranularity(t *testing.T) {
	// The 5th decimal digit of a factor and the sub-token part of a cap do
	// not survive packing.
	packed, err := configuration.Pack(configuration.AssetConfig{
		Asset:                     wethAddress,
		PriceFeed:                 feedAddress,
		Decimals:                  18,
		BorrowCollateralFactor:    0.85004,
		LiquidateCollateralFactor: 0.9,
		LiquidationFactor:         0.95,
		SupplyCap:                 new(big.Int).Add(tokens(7, 18), big.NewInt(5e17)), // 7.5 tokens
	})
	require.NoError(t, err)

	recovered := configuration.Unpack(packed)
	require.Equal(t, 0.85, recovered.BorrowCollateralFactor)
	require.Equal(t, tokens(7, 18), recovered.SupplyCap)
}

func TestPackRejectsOutOfRangeFactor(t *testing.T) {
	base := configuration.AssetConfig{
		Asset:     wethAddress,
		PriceFeed: feedAddress,
		Decimals:  18,
	}

	for name, mutate := range map[string]func(*configuration.AssetConfig){
		"borrow above one":   func(c *configuration.AssetConfig) { c.BorrowCollateralFactor = 1.01 },
		"liquidate negative": func(c *configuration.AssetConfig) { c.LiquidateCollateralFactor = -0.1 },
		"liquidation above":  func(c *configuration.AssetConfig) { c.LiquidationFactor = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, err := configuration.Pack(cfg)
			require.ErrorIs(t, err, configuration.ErrOutOfRange)
		})
	}
}

func TestPackAcceptsBoundaryFactors(t *testing.T) {
	packed, err := configuration.Pack(configuration.AssetConfig{
		Asset:                     wethAddress,
		PriceFeed:                 feedAddress,
		Decimals:                  18,
		BorrowCollateralFactor:    0,
		LiquidateCollateralFactor: 1,
		LiquidationFactor:         1,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), field(packed.WordA, 160, 16))
	require.Equal(t, uint64(10000), field(packed.WordA, 176, 16))
}

func TestPackRejectsMalformedAddress(t *testing.T) {
	_, err := configuration.Pack(configuration.AssetConfig{
		Asset:     "not-an-address",
		PriceFeed: feedAddress,
	})
	require.ErrorIs(t, err, configuration.ErrInvalidAddress)

	_, err = configuration.Pack(configuration.AssetConfig{
		Asset:     wethAddress,
		PriceFeed: "0x1234",
	})
	require.ErrorIs(t, err, configuration.ErrInvalidAddress)
}

func TestPackRejectsOversizedSupplyCap(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), 64) // 2^64 whole tokens at 0 decimals
	_, err := configuration.Pack(configuration.AssetConfig{
		Asset:     wethAddress,
		PriceFeed: feedAddress,
		Decimals:  0,
		SupplyCap: over,
	})
	require.ErrorIs(t, err, configuration.ErrOutOfRange)

	_, err = configuration.Pack(configuration.AssetConfig{
		Asset:     wethAddress,
		PriceFeed: feedAddress,
		Decimals:  0,
		SupplyCap: big.NewInt(-1),
	})
	require.ErrorIs(t, err, configuration.ErrOutOfRange)
}

func TestPackNilSupplyCap(t *testing.T) {
	packed, err := configuration.Pack(configuration.AssetConfig{
		Asset:     wethAddress,
		PriceFeed: feedAddress,
		Decimals:  6,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), field(packed.WordB, 168, 64))
	require.Zero(t, configuration.Unpack(packed).SupplyCap.Sign())
}
