package cometproxy

import (
	_ "embed"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lmittmann/w3"

	"github.com/omahs/comet"
)

const ImplGasLimit uint64 = 4_000_000

//go:embed Comet.bin
var bytecodeHex string

var funcInitialize = w3.MustNewFunc(
	"initialize(address,address)", "",
)

type InitArgs struct {
	Governor     common.Address
	Configurator common.Address
}

func Bytecode() []byte {
	return comet.MustHexDecode(bytecodeHex)
}

func EncodeInit(args InitArgs) ([]byte, error) {
	return funcInitialize.EncodeArgs(args.Governor, args.Configurator)
}
