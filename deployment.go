package comet

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// ERC1967ImplementationSlot is keccak256("eip1967.proxy.implementation") - 1,
// the slot an ERC1967 proxy stores its implementation address in.
var ERC1967ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

// Backend is the chain-facing surface a Deployment needs. *Deployer
// implements it against a live RPC target; tests substitute fakes to drive
// preconditions without one.
type Backend interface {
	Address() common.Address
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
	Call(ctx context.Context, to common.Address, calldata []byte, ret *[]byte) error
	Send(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (common.Hash, error)
	DeployImplementation(ctx context.Context, bytecode []byte, gasLimit uint64) (DeployResult, error)
	DeployProxy(ctx context.Context, factory, implementation, admin common.Address, initData []byte, gasLimit uint64) (common.Hash, error)
	DeployDeterministic(ctx context.Context, salt common.Hash, bytecode []byte, gasLimit uint64) (DeployResult, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*Deployer)(nil)

// Deployment is the execution context a deploy run or migration operates on:
// the chain-facing deployer plus the named addresses discovered or created so
// far. One Deployment tracks one target; it must not be shared across
// concurrently applied scenarios.
type Deployment struct {
	Deployer Backend
	Log      log.Logger

	addresses map[string]common.Address
}

func NewDeployment(d Backend, lgr log.Logger) *Deployment {
	return &Deployment{
		Deployer:  d,
		Log:       lgr,
		addresses: make(map[string]common.Address),
	}
}

func (dep *Deployment) Address(name string) (common.Address, bool) {
	addr, ok := dep.addresses[name]
	return addr, ok
}

func (dep *Deployment) SetAddress(name string, addr common.Address) {
	dep.addresses[name] = addr
}

// ContractNames returns the registered contract names in lexical order.
func (dep *Deployment) ContractNames() []string {
	names := make([]string, 0, len(dep.addresses))
	for name := range dep.addresses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCode reports whether addr holds deployed code. It is the precondition
// building block for "deploy unless already present" guarded actions.
func (dep *Deployment) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	code, err := dep.Deployer.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// StorageEquals reports whether slot of addr currently holds want. It is the
// precondition building block for storage-targeted guarded actions.
func (dep *Deployment) StorageEquals(ctx context.Context, addr common.Address, slot, want common.Hash) (bool, error) {
	value, err := dep.Deployer.StorageAt(ctx, addr, slot)
	if err != nil {
		return false, err
	}
	return value == want, nil
}

// EnsureDeterministic deploys bytecode at its CREATE2 address derived from
// (deployer, saltName) unless the target already holds code there. Either way
// the resulting address is registered under name and returned.
func (dep *Deployment) EnsureDeterministic(ctx context.Context, name, saltName string, bytecode []byte, gasLimit uint64) (common.Address, error) {
	salt := GenerateSalt(dep.Deployer.Address(), saltName)
	predicted := PredictCreate2Address(ArachnidCreate2Factory, salt, bytecode)

	err := RunIfNeeded(ctx,
		func(ctx context.Context) (bool, error) {
			present, err := dep.HasCode(ctx, predicted)
			return !present, err
		},
		func(ctx context.Context) error {
			result, err := dep.Deployer.DeployDeterministic(ctx, salt, bytecode, gasLimit)
			if err != nil {
				return err
			}
			receipt, err := dep.Deployer.WaitForReceipt(ctx, result.TxHash)
			if err != nil {
				return err
			}
			if receipt.Status != 1 {
				return fmt.Errorf("deterministic deployment of %s failed: %s", name, receipt.TxHash.Hex())
			}
			return nil
		},
	)
	if err != nil {
		return common.Address{}, err
	}

	dep.SetAddress(name, predicted)
	dep.Log.Info("Contract present", "name", name, "address", predicted)
	return predicted, nil
}

// DeployProxied deploys an implementation and an ERC1967 proxy for it through
// factory, initialized with the calldata produced by initFn. The proxy
// address is registered under name.
func (dep *Deployment) DeployProxied(ctx context.Context, factory, admin common.Address, name string, bytecode []byte, implGasLimit uint64, initFn func() ([]byte, error)) (common.Address, common.Address, error) {
	result, err := dep.Deployer.DeployImplementation(ctx, bytecode, implGasLimit)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("deploy %s implementation: %w", name, err)
	}
	receipt, err := dep.Deployer.WaitForReceipt(ctx, result.TxHash)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("wait %s implementation: %w", name, err)
	}
	if receipt.Status != 1 {
		return common.Address{}, common.Address{}, fmt.Errorf("%s implementation deployment failed: %s", name, receipt.TxHash.Hex())
	}
	implAddr := result.ContractAddress

	initData, err := initFn()
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("encode %s init: %w", name, err)
	}

	txHash, err := dep.Deployer.DeployProxy(ctx, factory, implAddr, admin, initData, ProxyGasLimit)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("deploy %s proxy: %w", name, err)
	}
	receipt, err = dep.Deployer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("wait %s proxy: %w", name, err)
	}
	if receipt.Status != 1 {
		return common.Address{}, common.Address{}, fmt.Errorf("%s proxy deployment failed: %s", name, receipt.TxHash.Hex())
	}

	proxyAddr, err := ProxyAddressFromReceipt(receipt)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}

	ok, err := dep.StorageEquals(ctx, proxyAddr, ERC1967ImplementationSlot, common.BytesToHash(implAddr.Bytes()))
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("verify %s implementation slot: %w", name, err)
	}
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("%s proxy %s does not point at implementation %s", name, proxyAddr.Hex(), implAddr.Hex())
	}

	dep.SetAddress(name, proxyAddr)
	dep.Log.Info("Proxy deployed", "name", name, "implementation", implAddr, "proxy", proxyAddr)
	return implAddr, proxyAddr, nil
}
