package pricefeed

import (
	_ "embed"

	"github.com/omahs/comet"
)

const GasLimit uint64 = 800_000

//go:embed SimplePriceFeed.bin
var bytecodeHex string

func Bytecode() []byte {
	return comet.MustHexDecode(bytecodeHex)
}
