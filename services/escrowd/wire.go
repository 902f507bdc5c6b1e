package escrowd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativeescrow "proofpay/native/escrow"
	"proofpay/observability/logging"
	"proofpay/services/escrowd/chain"
	"proofpay/services/escrowd/config"
	"proofpay/services/escrowd/escrow"
	"proofpay/services/escrowd/evidence"
	"proofpay/services/escrowd/identity"
	"proofpay/services/escrowd/recon"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// nativeVault holds escrowed tokens on the in-process chain.
var nativeVault = common.BytesToAddress(gethcrypto.Keccak256([]byte("proofpay/native-escrow-vault"))[12:])

func buildChain(ctx context.Context, cfg config.Config, logger *slog.Logger) (chain.Adapter, io.Closer, error) {
	switch cfg.Chain.Mode {
	case config.ChainEVM:
		owner, err := chain.NewKeySigner(cfg.Chain.OwnerKey)
		if err != nil {
			return nil, nil, err
		}
		client, err := chain.DialEVMClient(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		adapter, err := chain.NewEVMAdapter(client, chain.EVMConfig{
			Contract:       common.HexToAddress(cfg.Chain.Contract),
			Token:          common.HexToAddress(cfg.Chain.Token),
			ChainID:        new(big.Int).SetUint64(cfg.Chain.ChainID),
			Owner:          owner,
			Confirmations:  cfg.Chain.Confirmations,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
			PollInterval:   cfg.Chain.PollInterval.Duration,
			LookbackBlocks: cfg.Chain.LookbackBlocks,
			Logger:         logger,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("connected to evm chain",
			slog.Uint64("chain_id", cfg.Chain.ChainID),
			logging.MaskField("rpc_url", cfg.Chain.RPCURL),
			slog.String("contract", cfg.Chain.Contract),
			slog.String("owner", owner.Address().Hex()))
		return adapter, closerFunc(func() error { client.Close(); return nil }), nil
	default:
		return buildNativeChain(cfg, logger)
	}
}

func buildNativeChain(cfg config.Config, logger *slog.Logger) (chain.Adapter, io.Closer, error) {
	var owner common.Address
	if cfg.Chain.OwnerKey != "" {
		signer, err := chain.NewKeySigner(cfg.Chain.OwnerKey)
		if err != nil {
			return nil, nil, err
		}
		owner = signer.Address()
	} else {
		key, err := gethcrypto.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		owner = gethcrypto.PubkeyToAddress(key.PublicKey)
	}
	engine := nativeescrow.NewEngine(owner, nativeVault)
	feeCollector := owner
	if cfg.Chain.FeeCollector != "" {
		feeCollector = common.HexToAddress(cfg.Chain.FeeCollector)
	}
	engine.SetFeeCollector(feeCollector)

	var (
		state  nativeescrow.State
		mint   func([20]byte, *big.Int) error
		closer io.Closer = nopCloser{}
	)
	if path := strings.TrimSpace(cfg.Chain.NativeState); path != "" {
		level, err := nativeescrow.OpenLevelState(path)
		if err != nil {
			return nil, nil, err
		}
		state, mint, closer = level, level.Mint, level
	} else {
		mem := nativeescrow.NewMemState()
		state = mem
		mint = func(addr [20]byte, amount *big.Int) error { mem.Mint(addr, amount); return nil }
		logger.Warn("native chain state is in memory and will not survive restarts")
	}
	engine.SetState(state)
	for hexAddr, raw := range cfg.Chain.DevMint {
		if !common.IsHexAddress(hexAddr) {
			closer.Close()
			return nil, nil, fmt.Errorf("dev_mint: invalid address %q", hexAddr)
		}
		amount, err := escrow.ParseAmount(raw)
		if err != nil {
			closer.Close()
			return nil, nil, fmt.Errorf("dev_mint %s: %w", hexAddr, err)
		}
		addr := common.HexToAddress(hexAddr)
		if bal, err := state.Balance(addr); err == nil && bal.Sign() > 0 {
			continue
		}
		if err := mint(addr, amount); err != nil {
			closer.Close()
			return nil, nil, err
		}
	}
	adapter := chain.NewNativeAdapter(engine, chain.NativeConfig{LookbackBlocks: cfg.Chain.LookbackBlocks})
	logger.Info("running native escrow chain", slog.String("owner", owner.Hex()), slog.String("fee_collector", feeCollector.Hex()))
	return adapter, closer, nil
}

func buildWallets(cfg config.Config) (escrow.WalletResolver, error) {
	if cfg.Identity.BaseURL != "" {
		return identity.NewClient(identity.Config{
			BaseURL:   cfg.Identity.BaseURL,
			APIKey:    cfg.Identity.APIKey,
			Timeout:   cfg.Identity.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})
	}
	return identity.NewStatic(cfg.Identity.Static)
}

func buildSigners(cfg config.Config) (*chain.StaticSigners, error) {
	signers := chain.NewStaticSigners()
	for id, key := range cfg.Signers.Keys {
		signer, err := chain.NewKeySigner(key)
		if err != nil {
			return nil, fmt.Errorf("signer for %s: %w", logging.MaskIdentity(id), err)
		}
		signers.Add(id, signer)
	}
	return signers, nil
}

func buildEvidence(ctx context.Context, cfg config.Config, logger *slog.Logger) (escrow.EvidenceStore, error) {
	if cfg.Evidence.Bucket == "" {
		logger.Warn("evidence bucket not configured; dispute evidence is kept in memory")
		return evidence.NewMemoryStore(), nil
	}
	return evidence.NewS3Store(ctx, evidence.S3Config{
		Bucket:        cfg.Evidence.Bucket,
		Region:        cfg.Evidence.Region,
		Endpoint:      cfg.Evidence.Endpoint,
		Prefix:        cfg.Evidence.Prefix,
		PublicBaseURL: cfg.Evidence.PublicBaseURL,
	})
}

func buildLocker(ctx context.Context, cfg config.Config) (recon.Locker, io.Closer, error) {
	if cfg.Recon.RedisURL == "" {
		return recon.NewLocalLocker(), nopCloser{}, nil
	}
	client, err := recon.ConnectRedis(cfg.Recon.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return recon.NewRedisLocker(client, ""), client, nil
}
