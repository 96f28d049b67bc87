package erc1967factory

import (
	_ "embed"

	"github.com/omahs/comet"
)

const GasLimit uint64 = 1_000_000

//go:embed ERC1967Factory.bin
var bytecodeHex string

func Name() string {
	return "ERC1967Factory"
}

func Bytecode() []byte {
	return comet.MustHexDecode(bytecodeHex)
}
