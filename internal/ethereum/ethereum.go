// Package ethereum talks to an EVM chain. It provides the fixed file
// registry contract used by the chain mirror and a calldata ledger that
// stores raw payloads in self addressed transactions.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrTxFailed = errors.New("ethereum: transaction reverted")

// Backend is the subset of an RPC client the package needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum: dial %s: %w", rawURL, err)
	}
	return c, nil
}

// Account is a signing key bound to a chain id. Every sender of the account
// takes its nonce from the account, so the calldata ledger and contract
// clients sharing a key never race for the same nonce.
type Account struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	Address common.Address

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool
}

// NonceSource reports the next nonce the node expects from an address.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NewAccount parses a hex private key, with or without 0x prefix.
func NewAccount(hexKey string, chainID *big.Int) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ethereum: invalid private key: %w", err)
	}
	return &Account{key: key, chainID: chainID, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// transactOpts returns fresh signing options bound to ctx.
func (a *Account) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(a.key, a.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// send assigns the next nonce of the account to opts and calls send while
// holding the account lock. After a failed send the nonce is resynced from
// the node on the next call.
func (a *Account) send(ctx context.Context, src NonceSource, opts *bind.TransactOpts, send func(*bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.nonceInit {
		n, err := src.PendingNonceAt(ctx, a.Address)
		if err != nil {
			return nil, fmt.Errorf("ethereum: pending nonce: %w", err)
		}
		a.nonce, a.nonceInit = n, true
	}
	opts.Nonce = new(big.Int).SetUint64(a.nonce)
	tx, err := send(opts)
	if err != nil {
		a.nonceInit = false
		return nil, err
	}
	a.nonce++
	return tx, nil
}

// waitSuccess waits until tx is mined and checks its status.
func waitSuccess(ctx context.Context, b Backend, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, b, tx)
	if err != nil {
		return nil, fmt.Errorf("ethereum: waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxFailed, tx.Hash().Hex())
	}
	return receipt, nil
}
