package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/omahs/comet"
	"github.com/omahs/comet/configuration"
	"github.com/omahs/comet/contracts/cometproxy"
	"github.com/omahs/comet/contracts/configurator"
	"github.com/omahs/comet/contracts/erc1967factory"
	"github.com/omahs/comet/migrations"
)

type config struct {
	RPCURL              string
	ChainID             int64
	PrivateKey          string
	PublicAddress       string
	Governor            string
	Admin               string
	GasFeeCap           int64
	GasTipCap           int64
	TimeoutSeconds      int
	FactorySaltSuffix   string
	AssetConfigPath     string
	ConfiguratorAddress string
	Verbose             bool
}

type report struct {
	Factory      string            `json:"factory,omitempty"`
	Configurator string            `json:"configurator,omitempty"`
	Comet        string            `json:"comet,omitempty"`
	Contracts    map[string]string `json:"contracts,omitempty"`
	Migrations   []string          `json:"migrations,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, err := parseFlags(os.Args[2:])
	if err != nil {
		exitErr(err)
	}

	switch command {
	case "deploy":
		err = runDeploy(cfg)
	case "migrate":
		err = runMigrate(cfg)
	case "scenarios":
		err = runScenarios(cfg)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		exitErr(err)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  comet-deploy deploy    --asset-config <file> [flags]   deploy factory, configurator, comet and asset configs")
	fmt.Println("  comet-deploy migrate   --asset-config <file> --configurator-address <addr> [flags]   apply pending migrations")
	fmt.Println("  comet-deploy scenarios --asset-config <file>           enumerate upgrade scenarios for the pending catalog")
	fmt.Println()
	fmt.Println("Core flags/env: --rpc-url(RPC_URL) --chain-id(CHAIN_ID) --private-key(PRIVATE_KEY) [--public-address(PUBLIC_ADDRESS)]")
}

func parseFlags(args []string) (config, error) {
	cfg := config{
		RPCURL:              envOr("RPC_URL", ""),
		ChainID:             envInt64("CHAIN_ID", 0),
		PrivateKey:          envOr("PRIVATE_KEY", ""),
		PublicAddress:       envOr("PUBLIC_ADDRESS", ""),
		Governor:            envOr("GOVERNOR", ""),
		Admin:               envOr("ADMIN", ""),
		GasFeeCap:           envInt64("GAS_FEE_CAP", 2_000_000_000),
		GasTipCap:           envInt64("GAS_TIP_CAP", 1_000_000_000),
		TimeoutSeconds:      600,
		FactorySaltSuffix:   envOr("FACTORY_SALT_SUFFIX", ""),
		AssetConfigPath:     envOr("ASSET_CONFIG", ""),
		ConfiguratorAddress: envOr("CONFIGURATOR_ADDRESS", ""),
	}

	fs := flag.NewFlagSet("comet-deploy", flag.ContinueOnError)
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "RPC URL")
	fs.Int64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "chain id")
	fs.StringVar(&cfg.PrivateKey, "private-key", cfg.PrivateKey, "private key hex")
	fs.StringVar(&cfg.PublicAddress, "public-address", cfg.PublicAddress, "public address for validation")
	fs.StringVar(&cfg.Governor, "governor", cfg.Governor, "governor address (default deployer)")
	fs.StringVar(&cfg.Admin, "admin", cfg.Admin, "proxy admin (default governor)")
	fs.Int64Var(&cfg.GasFeeCap, "gas-fee-cap", cfg.GasFeeCap, "EIP-1559 fee cap")
	fs.Int64Var(&cfg.GasTipCap, "gas-tip-cap", cfg.GasTipCap, "EIP-1559 tip cap")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout-seconds", cfg.TimeoutSeconds, "timeout in seconds")
	fs.StringVar(&cfg.FactorySaltSuffix, "factory-salt-suffix", cfg.FactorySaltSuffix, "optional suffix appended to the factory name before salt derivation")
	fs.StringVar(&cfg.AssetConfigPath, "asset-config", cfg.AssetConfigPath, "path to the asset configuration JSON file")
	fs.StringVar(&cfg.ConfiguratorAddress, "configurator-address", cfg.ConfiguratorAddress, "existing Configurator proxy (migrate only)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.AssetConfigPath == "" {
		return config{}, errors.New("asset-config is required")
	}

	return cfg, nil
}

func newLogger(cfg config) log.Logger {
	level := log.LevelInfo
	if cfg.Verbose {
		level = log.LevelDebug
	}
	return log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, false))
}

func loadAssetConfig(path string) ([]configuration.AssetConfig, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset config: %w", err)
	}
	var assets []configuration.AssetConfig
	if err := json.Unmarshal(blob, &assets); err != nil {
		return nil, fmt.Errorf("parse asset config: %w", err)
	}
	return assets, nil
}

// connect validates the chain flags, dials the RPC endpoint and returns a
// fresh deployment context.
func connect(cfg config, lgr log.Logger) (*comet.Deployment, common.Address, common.Address, func(), error) {
	none := common.Address{}
	if cfg.RPCURL == "" || cfg.ChainID == 0 || cfg.PrivateKey == "" {
		return nil, none, none, nil, errors.New("rpc-url, chain-id and private-key are required")
	}

	key, deployerAddr, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, none, none, nil, err
	}

	if cfg.PublicAddress != "" {
		pub, err := parseAddress(cfg.PublicAddress)
		if err != nil {
			return nil, none, none, nil, err
		}
		if !strings.EqualFold(pub.Hex(), deployerAddr.Hex()) {
			return nil, none, none, nil, fmt.Errorf("public-address %s does not match private key address %s", pub.Hex(), deployerAddr.Hex())
		}
	}

	governor := deployerAddr
	if cfg.Governor != "" {
		governor, err = parseAddress(cfg.Governor)
		if err != nil {
			return nil, none, none, nil, err
		}
	}

	admin := governor
	if cfg.Admin != "" {
		admin, err = parseAddress(cfg.Admin)
		if err != nil {
			return nil, none, none, nil, err
		}
	}

	d, err := comet.NewDeployer(cfg.RPCURL, cfg.ChainID, key, bigInt(cfg.GasFeeCap), bigInt(cfg.GasTipCap), lgr)
	if err != nil {
		return nil, none, none, nil, err
	}

	dep := comet.NewDeployment(d, lgr)
	return dep, governor, admin, func() { _ = d.Close() }, nil
}

func runDeploy(cfg config) error {
	lgr := newLogger(cfg)

	assets, err := loadAssetConfig(cfg.AssetConfigPath)
	if err != nil {
		return err
	}

	dep, governor, admin, closeFn, err := connect(cfg, lgr)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	saltName := erc1967factory.Name()
	if strings.TrimSpace(cfg.FactorySaltSuffix) != "" {
		saltName = saltName + ":" + strings.TrimSpace(cfg.FactorySaltSuffix)
	}
	factoryAddr, err := dep.EnsureDeterministic(ctx, "ERC1967Factory", saltName, erc1967factory.Bytecode(), erc1967factory.GasLimit)
	if err != nil {
		return err
	}

	_, configuratorAddr, err := dep.DeployProxied(ctx, factoryAddr, admin, "Configurator", configurator.Bytecode(), configurator.ImplGasLimit, func() ([]byte, error) {
		return configurator.EncodeInit(configurator.InitArgs{Governor: governor})
	})
	if err != nil {
		return err
	}

	_, cometAddr, err := dep.DeployProxied(ctx, factoryAddr, admin, "Comet", cometproxy.Bytecode(), cometproxy.ImplGasLimit, func() ([]byte, error) {
		return cometproxy.EncodeInit(cometproxy.InitArgs{Governor: governor, Configurator: configuratorAddr})
	})
	if err != nil {
		return err
	}

	// A fresh target holds none of the catalog yet, so the full scenario
	// applies everything: price feeds and packed asset configs included.
	catalog := pendingCatalog(assets)
	scenario := migrations.FullScenario(catalog)
	if err := migrations.Apply(ctx, dep, scenario); err != nil {
		return err
	}

	return printReport(dep, report{
		Factory:      factoryAddr.Hex(),
		Configurator: configuratorAddr.Hex(),
		Comet:        cometAddr.Hex(),
		Migrations:   scenario.Names(),
	})
}

func runMigrate(cfg config) error {
	lgr := newLogger(cfg)

	assets, err := loadAssetConfig(cfg.AssetConfigPath)
	if err != nil {
		return err
	}
	if cfg.ConfiguratorAddress == "" {
		return errors.New("configurator-address is required for migrate")
	}
	configuratorAddr, err := parseAddress(cfg.ConfiguratorAddress)
	if err != nil {
		return err
	}

	dep, _, _, closeFn, err := connect(cfg, lgr)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	dep.SetAddress("Configurator", configuratorAddr)

	scenario := migrations.FullScenario(pendingCatalog(assets))
	if err := migrations.Apply(ctx, dep, scenario); err != nil {
		return err
	}

	return printReport(dep, report{
		Configurator: configuratorAddr.Hex(),
		Migrations:   scenario.Names(),
	})
}

// runScenarios prints every subset of the pending catalog in enumeration
// order. It needs no chain connection; it exists so an operator can see
// exactly which combinations the upgrade-safety tests cover.
func runScenarios(cfg config) error {
	assets, err := loadAssetConfig(cfg.AssetConfigPath)
	if err != nil {
		return err
	}

	scenarios, err := migrations.Solve(pendingCatalog(assets))
	if err != nil {
		return err
	}

	out := make([][]string, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.Names()
	}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func printReport(dep *comet.Deployment, out report) error {
	out.Contracts = map[string]string{}
	for _, name := range dep.ContractNames() {
		addr, _ := dep.Address(name)
		out.Contracts[name] = addr.Hex()
	}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func parsePrivateKey(v string) (*ecdsa.PrivateKey, common.Address, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseAddress(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %s", v)
	}
	return common.HexToAddress(v), nil
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
