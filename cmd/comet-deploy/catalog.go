package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omahs/comet"
	"github.com/omahs/comet/configuration"
	"github.com/omahs/comet/contracts/configurator"
	"github.com/omahs/comet/contracts/pricefeed"
	"github.com/omahs/comet/migrations"
)

// pendingCatalog is the catalog supplier for this deployment target. Names
// carry a numeric prefix so the canonical lexical order matches the order the
// migrations were authored in.
func pendingCatalog(assets []configuration.AssetConfig) []migrations.Migration {
	return []migrations.Migration{
		rotatePriceFeeds(assets),
		pushAssetConfigs(assets),
	}
}

// feedAssignment pairs an asset with the feed that should serve it. Kept as
// a slice so enact walks assets in config-file order.
type feedAssignment struct {
	Asset common.Address
	Feed  common.Address
}

// rotatePriceFeeds deploys one fresh SimplePriceFeed per asset during prepare
// and points the configurator at it during enact. Re-running against a target
// whose feeds already match is a no-op.
func rotatePriceFeeds(assets []configuration.AssetConfig) migrations.Migration {
	return migrations.Migration{
		Name: "001_rotate_price_feeds",
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			feeds := make([]feedAssignment, 0, len(assets))
			for _, asset := range assets {
				assetAddr := common.HexToAddress(asset.Asset)
				feedAddr, err := dep.EnsureDeterministic(ctx,
					fmt.Sprintf("SimplePriceFeed:%s", assetAddr.Hex()),
					fmt.Sprintf("SimplePriceFeed:%s", assetAddr.Hex()),
					pricefeed.Bytecode(), pricefeed.GasLimit)
				if err != nil {
					return nil, err
				}
				feeds = append(feeds, feedAssignment{Asset: assetAddr, Feed: feedAddr})
			}
			return feeds, nil
		},
		Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
			feeds, ok := artifact.([]feedAssignment)
			if !ok {
				return fmt.Errorf("unexpected artifact type %T", artifact)
			}
			cfgAddr, ok := dep.Address("Configurator")
			if !ok {
				return errors.New("configurator address not registered")
			}
			for _, fa := range feeds {
				fa := fa
				action := comet.GuardedAction{
					Check: func(ctx context.Context) (bool, error) {
						current, err := currentPriceFeed(ctx, dep, cfgAddr, fa.Asset)
						if err != nil {
							return false, err
						}
						return current != fa.Feed, nil
					},
					Run: func(ctx context.Context) error {
						return setPriceFeed(ctx, dep, cfgAddr, fa.Asset, fa.Feed)
					},
				}
				if err := action.Execute(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// pushAssetConfigs packs every asset's configuration into its two words
// during prepare and writes the words that differ from the target's current
// ones during enact.
func pushAssetConfigs(assets []configuration.AssetConfig) migrations.Migration {
	return migrations.Migration{
		Name: "002_push_asset_configs",
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			packed := make([]configuration.PackedAssetConfig, len(assets))
			for i, asset := range assets {
				p, err := configuration.Pack(asset)
				if err != nil {
					return nil, fmt.Errorf("pack %s: %w", asset.Asset, err)
				}
				packed[i] = p
			}
			return packed, nil
		},
		Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
			packed, ok := artifact.([]configuration.PackedAssetConfig)
			if !ok {
				return fmt.Errorf("unexpected artifact type %T", artifact)
			}
			cfgAddr, ok := dep.Address("Configurator")
			if !ok {
				return errors.New("configurator address not registered")
			}
			for i, p := range packed {
				asset := common.HexToAddress(assets[i].Asset)
				p := p
				action := comet.GuardedAction{
					Check: func(ctx context.Context) (bool, error) {
						current, err := currentAssetConfig(ctx, dep, cfgAddr, asset)
						if err != nil {
							return false, err
						}
						return !current.WordA.Eq(p.WordA) || !current.WordB.Eq(p.WordB), nil
					},
					Run: func(ctx context.Context) error {
						return setAssetConfig(ctx, dep, cfgAddr, p)
					},
				}
				if err := action.Execute(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func currentPriceFeed(ctx context.Context, dep *comet.Deployment, cfgAddr, asset common.Address) (common.Address, error) {
	calldata, err := configurator.EncodeGetPriceFeed(asset)
	if err != nil {
		return common.Address{}, err
	}
	var ret []byte
	if err := dep.Deployer.Call(ctx, cfgAddr, calldata, &ret); err != nil {
		return common.Address{}, err
	}
	return configurator.DecodePriceFeed(ret)
}

func setPriceFeed(ctx context.Context, dep *comet.Deployment, cfgAddr, asset, feed common.Address) error {
	calldata, err := configurator.EncodeSetPriceFeed(asset, feed)
	if err != nil {
		return err
	}
	return sendAndCheck(ctx, dep, cfgAddr, calldata, configurator.SetPriceFeedGasLimit)
}

func currentAssetConfig(ctx context.Context, dep *comet.Deployment, cfgAddr, asset common.Address) (configuration.PackedAssetConfig, error) {
	calldata, err := configurator.EncodeGetAssetConfig(asset)
	if err != nil {
		return configuration.PackedAssetConfig{}, err
	}
	var ret []byte
	if err := dep.Deployer.Call(ctx, cfgAddr, calldata, &ret); err != nil {
		return configuration.PackedAssetConfig{}, err
	}
	return configurator.DecodeAssetConfig(ret)
}

func setAssetConfig(ctx context.Context, dep *comet.Deployment, cfgAddr common.Address, packed configuration.PackedAssetConfig) error {
	calldata, err := configurator.EncodeSetAssetConfig(packed)
	if err != nil {
		return err
	}
	return sendAndCheck(ctx, dep, cfgAddr, calldata, configurator.SetAssetConfigGasLimit)
}

func sendAndCheck(ctx context.Context, dep *comet.Deployment, to common.Address, calldata []byte, gasLimit uint64) error {
	txHash, err := dep.Deployer.Send(ctx, to, calldata, gasLimit)
	if err != nil {
		return err
	}
	receipt, err := dep.Deployer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("transaction %s reverted", receipt.TxHash.Hex())
	}
	return nil
}
