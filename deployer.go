package comet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
)

const ProxyGasLimit uint64 = 500_000

var (
	funcDeployAndCall = w3.MustNewFunc(
		"deployAndCall(address,address,bytes)", "address",
	)
	eventDeployed = w3.MustNewEvent(
		"Deployed(address indexed,address indexed,address indexed)",
	)
)

type (
	DeployResult struct {
		TxHash          common.Hash
		ContractAddress common.Address
	}

	Deployer struct {
		client    *w3.Client
		signer    types.Signer
		key       *ecdsa.PrivateKey
		address   common.Address
		gasFeeCap *big.Int
		gasTipCap *big.Int
		log       log.Logger
	}
)

func NewDeployer(rpcURL string, chainID int64, privateKey *ecdsa.PrivateKey, gasFeeCap, gasTipCap *big.Int, lgr log.Logger) (*Deployer, error) {
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Deployer{
		client:    client,
		signer:    types.NewLondonSigner(big.NewInt(chainID)),
		key:       privateKey,
		address:   crypto.PubkeyToAddress(privateKey.PublicKey),
		gasFeeCap: gasFeeCap,
		gasTipCap: gasTipCap,
		log:       lgr,
	}, nil
}

func (d *Deployer) Address() common.Address {
	return d.address
}

func (d *Deployer) Close() error {
	return d.client.Close()
}

func (d *Deployer) Logger() log.Logger {
	return d.log
}

func (d *Deployer) getNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	if err := d.client.CallCtx(ctx, eth.Nonce(d.address, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

func (d *Deployer) sendTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signedTx, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.CallCtx(ctx, eth.SendTx(signedTx).Returns(nil)); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signedTx.Hash(), nil
}

// CodeAt returns the runtime code at addr. Preconditions use it to decide
// whether a contract is already present on the target.
func (d *Deployer) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := d.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code at %s: %w", addr.Hex(), err)
	}
	return code, nil
}

// StorageAt reads one storage slot of addr.
func (d *Deployer) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	var value common.Hash
	if err := d.client.CallCtx(ctx, eth.StorageAt(addr, slot, nil).Returns(&value)); err != nil {
		return common.Hash{}, fmt.Errorf("get storage %s[%s]: %w", addr.Hex(), slot.Hex(), err)
	}
	return value, nil
}

// Call executes a read-only contract call with the given calldata and writes
// the raw return data into ret.
func (d *Deployer) Call(ctx context.Context, to common.Address, calldata []byte, ret *[]byte) error {
	msg := &w3types.Message{
		From:  d.address,
		To:    &to,
		Input: calldata,
	}
	if err := d.client.CallCtx(ctx, eth.Call(msg, nil, nil).Returns(ret)); err != nil {
		return fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return nil
}

func (d *Deployer) DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	contractAddr := crypto.CreateAddress(d.address, nonce)
	d.log.Info("Deploying implementation", "address", contractAddr, "gas", gasLimit)

	//  EIP-1559 only
	tx := types.NewTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      bytecode,
	})

	txHash, err := d.sendTx(ctx, tx)
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: contractAddr,
	}, nil
}

func (d *Deployer) DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error) {
	calldata, err := funcDeployAndCall.EncodeArgs(implementation, admin, initData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode deployAndCall: %w", err)
	}

	nonce, err := d.getNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		To:        &factory,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      calldata,
	})

	return d.sendTx(ctx, tx)
}

// Send submits a state-changing call to an already deployed contract.
func (d *Deployer) Send(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (common.Hash, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		To:        &to,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      calldata,
	})

	return d.sendTx(ctx, tx)
}

// DeployDeterministic deploys bytecode through the Arachnid CREATE2 factory.
// The resulting address depends only on the salt and the bytecode, so re-runs
// against a target that already holds the contract can detect it via CodeAt.
func (d *Deployer) DeployDeterministic(ctx context.Context, salt common.Hash, bytecode []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	factory := ArachnidCreate2Factory
	d.log.Info("Deploying via CREATE2 factory", "salt", salt, "address", PredictCreate2Address(factory, salt, bytecode))
	calldata := make([]byte, 0, len(salt)+len(bytecode))
	calldata = append(calldata, salt.Bytes()...)
	calldata = append(calldata, bytecode...)

	tx := types.NewTx(&types.DynamicFeeTx{
		Nonce:     nonce,
		To:        &factory,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      calldata,
	})

	txHash, err := d.sendTx(ctx, tx)
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: PredictCreate2Address(factory, salt, bytecode),
	}, nil
}

func (d *Deployer) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var receipt types.Receipt
		err := d.client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt))
		if err == nil {
			return &receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func ProxyAddressFromReceipt(receipt *types.Receipt) (common.Address, error) {
	for _, log := range receipt.Logs {
		var (
			proxy          common.Address
			implementation common.Address
			admin          common.Address
		)
		if err := eventDeployed.DecodeArgs(log, &proxy, &implementation, &admin); err == nil {
			return proxy, nil
		}
	}
	return common.Address{}, errors.New("Deployed event not found in receipt logs")
}

func MustHexDecode(hexStr string) []byte {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(fmt.Sprintf("decode hex: %v", err))
	}
	return b
}
