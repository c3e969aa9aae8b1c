package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/internal/chainStore"
	"github.com/i5heu/ouroboros-vault/internal/contentStore"
	"github.com/i5heu/ouroboros-vault/internal/database"
	"github.com/i5heu/ouroboros-vault/internal/ethereum"
	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	"github.com/i5heu/ouroboros-vault/internal/ledger"
	"github.com/i5heu/ouroboros-vault/internal/mailer"
	"github.com/i5heu/ouroboros-vault/pkg/accessToken"
	"github.com/i5heu/ouroboros-vault/pkg/chainMirror"
	"github.com/i5heu/ouroboros-vault/pkg/config"
	"github.com/i5heu/ouroboros-vault/pkg/storage"
	workerpool "github.com/i5heu/ouroboros-vault/pkg/workerPool"
)

// stack holds every long lived component of the daemon.
type stack struct {
	vault  *vault.Vault
	router *storage.Router
	db     *database.DB
	local  *keyValStore.KeyValStore
	chain  *chainStore.Store
	rpc    *ethclient.Client
	pool   *workerpool.WorkerPool
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (st *stack, err error) {
	if err := os.MkdirAll(cfg.DataPath, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st = &stack{pool: workerpool.NewWorkerPool(workerpool.Config{})}
	defer func() {
		if err != nil {
			err = errors.Join(err, st.close())
			st = nil
		}
	}()

	st.db, err = database.Open(database.Config{
		Driver:  cfg.Database.Driver,
		DSN:     dsnFor(cfg),
		Verbose: cfg.Database.Verbose,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	network, err := networkTier(cfg, logger)
	if err != nil {
		return nil, err
	}

	chainTier, signers, err := st.chainTier(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	localPath := filepath.Join(cfg.DataPath, "local")
	if err := os.MkdirAll(localPath, 0o750); err != nil {
		return nil, fmt.Errorf("create local store directory: %w", err)
	}
	st.local, err = keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             localPath,
		MinimumFreeSpace: cfg.Local.MinimumFreeSpace,
		QuotaBytes:       cfg.Local.QuotaBytes,
		Logger:           badgerLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	st.router, err = storage.NewRouter(storage.RouterConfig{Timeout: cfg.BackendTimeout, Logger: logger},
		network, chainTier, st.local, st.db.BlobStore())
	if err != nil {
		return nil, err
	}

	tokens, err := accessToken.NewIssuer([]byte(cfg.TokenSecret), cfg.Origin)
	if err != nil {
		return nil, err
	}

	mirror := chainMirror.New(chainMirror.Config{
		Signers:   signers,
		Timeout:   cfg.Chain.Timeout,
		RateLimit: rate.Limit(cfg.Chain.RateLimit),
		Burst:     cfg.Chain.Burst,
		Recorder:  st.db,
		Logger:    logger,
	})
	if !mirror.Enabled() {
		logger.Warn("no chain signer configured; chain mirroring is off")
	}

	st.vault, err = vault.New(vault.Config{
		Datastore: st.db,
		Router:    st.router,
		Tokens:    tokens,
		Mirror:    mirror,
		Notifier:  mailer.New(cfg.SMTP, logger),
		Pool:      st.pool,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func dsnFor(cfg config.Config) string {
	if cfg.Database.Driver == database.DriverSQLite {
		return cfg.SQLiteDSN()
	}
	return cfg.Database.DSN
}

func networkTier(cfg config.Config, logger *slog.Logger) (storage.Backend, error) {
	if cfg.Network.AddURL == "" {
		return storage.Disabled(storage.TagNetwork, "network.addUrl is not configured"), nil
	}
	s, err := contentStore.New(contentStore.Config{
		AddURL:      cfg.Network.AddURL,
		BearerToken: cfg.Network.BearerToken,
		Gateways:    cfg.Network.Gateways,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	return s, nil
}

// chainTier builds the chunk store and the mirror signers. The server key
// signs first; the user key is the fallback signer.
func (st *stack) chainTier(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Backend, []chainMirror.Signer, error) {
	if cfg.Chain.RPCURL == "" {
		if !cfg.Chain.DevLedger {
			return storage.Disabled(storage.TagChain, "chain.rpcUrl is not configured"), nil, nil
		}
		logger.Warn("chain tier runs on a process local ledger; its blobs do not survive a restart")
		chain, err := st.newChainStore(cfg, ledger.NewMemory(ledger.WithMaxPayload(cfg.Chain.MaxPayload)), logger)
		return chain, nil, err
	}

	rpc, err := ethereum.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	st.rpc = rpc
	chainID := big.NewInt(cfg.Chain.ChainID)

	var accounts []namedAccount
	for _, k := range []struct{ name, key string }{{"server", cfg.Chain.ServerKey}, {"user", cfg.Chain.UserKey}} {
		if k.key == "" {
			continue
		}
		acct, err := ethereum.NewAccount(k.key, chainID)
		if err != nil {
			return nil, nil, fmt.Errorf("%s key: %w", k.name, err)
		}
		accounts = append(accounts, namedAccount{name: k.name, account: acct})
	}

	if len(accounts) == 0 {
		return nil, nil, errors.New("chain.rpcUrl needs a server or user key")
	}
	calldata, err := ethereum.NewCalldataLedger(rpc, accounts[0].account)
	if err != nil {
		return nil, nil, err
	}
	chain, err := st.newChainStore(cfg, calldata, logger)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Chain.ContractAddress == "" {
		return chain, nil, nil
	}
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return nil, nil, fmt.Errorf("chain.contractAddress %q is not an address", cfg.Chain.ContractAddress)
	}
	address := common.HexToAddress(cfg.Chain.ContractAddress)

	signers := make([]chainMirror.Signer, 0, len(accounts))
	for _, a := range accounts {
		c, err := ethereum.NewContract(rpc, address, a.account)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, chainMirror.Signer{Name: a.name, Contract: c})
	}
	return chain, signers, nil
}

type namedAccount struct {
	name    string
	account *ethereum.Account
}

func (st *stack) newChainStore(cfg config.Config, l chainStore.Ledger, logger *slog.Logger) (storage.Backend, error) {
	chain, err := chainStore.New(chainStore.Config{
		Ledger:     l,
		ChunkSize:  cfg.Chain.ChunkSize,
		MaxPayload: cfg.Chain.MaxPayload,
		Pool:       st.pool,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("chain store: %w", err)
	}
	st.chain = chain
	return chain, nil
}

// badgerLogger routes badger output through logrus at warning level unless
// debug logging is on.
func badgerLogger(logger *slog.Logger) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// maintain compacts the local store and logs its usage.
func (st *stack) maintain(logger *slog.Logger) error {
	if err := st.local.Clean(); err != nil {
		return fmt.Errorf("clean local store: %w", err)
	}
	used, err := st.local.Usage()
	if err != nil {
		return fmt.Errorf("local store usage: %w", err)
	}
	reads, writes := st.local.Stats()
	logger.Info("local store maintained", logKeyUsedBytes, used, logKeyReads, reads, logKeyWrites, writes)
	return nil
}

func (st *stack) close() error {
	var errs []error
	if st.chain != nil {
		st.chain.Close()
	}
	if st.local != nil {
		errs = append(errs, st.local.Close())
	}
	if st.db != nil {
		errs = append(errs, st.db.Close())
	}
	if st.rpc != nil {
		st.rpc.Close()
	}
	if st.pool != nil {
		st.pool.Close()
	}
	return errors.Join(errs...)
}
