package comet

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ArachnidCreate2Factory is the canonical deterministic deployment proxy,
// present at the same address on every EVM chain it has been deployed to.
var ArachnidCreate2Factory = common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

// GenerateSalt derives a CREATE2 salt from the deployer address and a
// human-readable name, so that each (deployer, name) pair maps to a stable
// deterministic address.
func GenerateSalt(deployer common.Address, name string) common.Hash {
	return crypto.Keccak256Hash(deployer.Bytes(), []byte(name))
}

// PredictCreate2Address computes the address a CREATE2 deployment of bytecode
// with salt through factory will land on.
func PredictCreate2Address(factory common.Address, salt common.Hash, bytecode []byte) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(bytecode))
}
