package configurator

import (
	_ "embed"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lmittmann/w3"

	"github.com/omahs/comet"
	"github.com/omahs/comet/configuration"
)

const (
	ImplGasLimit           uint64 = 2_000_000
	SetAssetConfigGasLimit uint64 = 200_000
	SetPriceFeedGasLimit   uint64 = 100_000
)

//go:embed Configurator.bin
var bytecodeHex string

var (
	funcInitialize = w3.MustNewFunc(
		"initialize(address)", "",
	)
	funcSetAssetConfig = w3.MustNewFunc(
		"setAssetConfig(uint256,uint256)", "",
	)
	funcGetAssetConfig = w3.MustNewFunc(
		"getAssetConfig(address)", "uint256,uint256",
	)
	funcSetPriceFeed = w3.MustNewFunc(
		"setPriceFeed(address,address)", "",
	)
	funcGetPriceFeed = w3.MustNewFunc(
		"getPriceFeed(address)", "address",
	)
)

type InitArgs struct {
	Governor common.Address
}

func Bytecode() []byte {
	return comet.MustHexDecode(bytecodeHex)
}

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.Governor)
}

// EncodeSetAssetConfig builds the calldata carrying one asset's two packed
// configuration words.
func EncodeSetAssetConfig(packed configuration.PackedAssetConfig) ([]byte, error) {
	return funcSetAssetConfig.EncodeArgs(packed.WordA.ToBig(), packed.WordB.ToBig())
}

func EncodeGetAssetConfig(asset common.Address) ([]byte, error) {
	return funcGetAssetConfig.EncodeArgs(asset)
}

// DecodeAssetConfig parses the raw return data of getAssetConfig back into
// the two packed words.
func DecodeAssetConfig(ret []byte) (configuration.PackedAssetConfig, error) {
	var wordA, wordB big.Int
	if err := funcGetAssetConfig.DecodeReturns(ret, &wordA, &wordB); err != nil {
		return configuration.PackedAssetConfig{}, err
	}
	a, _ := uint256.FromBig(&wordA)
	b, _ := uint256.FromBig(&wordB)
	return configuration.PackedAssetConfig{WordA: a, WordB: b}, nil
}

func EncodeSetPriceFeed(asset, feed common.Address) ([]byte, error) {
	return funcSetPriceFeed.EncodeArgs(asset, feed)
}

func EncodeGetPriceFeed(asset common.Address) ([]byte, error) {
	return funcGetPriceFeed.EncodeArgs(asset)
}

func DecodePriceFeed(ret []byte) (common.Address, error) {
	var feed common.Address
	if err := funcGetPriceFeed.DecodeReturns(ret, &feed); err != nil {
		return common.Address{}, err
	}
	return feed, nil
}
