package ethereum

import (
	"context"
	"errors"
	"fmt"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

// CalldataLedger stores payloads as calldata of zero value transactions the
// account sends to itself. It implements chainStore.Ledger.
type CalldataLedger struct {
	backend Backend
	account *Account
	bound   *bind.BoundContract
}

func NewCalldataLedger(backend Backend, account *Account) (*CalldataLedger, error) {
	if account == nil {
		return nil, errors.New("ethereum: calldata ledger needs a signing account")
	}
	return &CalldataLedger{
		backend: backend,
		account: account,
		bound:   bind.NewBoundContract(account.Address, abi.ABI{}, backend, backend, backend),
	}, nil
}

// calldataGas is an upper bound of the intrinsic gas of a plain transaction
// carrying data.
func calldataGas(data []byte) uint64 {
	return params.TxGas + params.TxDataNonZeroGasEIP2028*uint64(len(data))
}

// Submit sends payload and waits until the transaction is mined.
func (l *CalldataLedger) Submit(ctx context.Context, payload []byte) (string, error) {
	opts, err := l.account.transactOpts(ctx)
	if err != nil {
		return "", err
	}
	// the target has no code, so gas estimation through bind is skipped
	opts.GasLimit = calldataGas(payload)

	tx, err := l.account.send(ctx, l.backend, opts, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return l.bound.RawTransact(opts, payload)
	})
	if err != nil {
		return "", fmt.Errorf("ethereum: send calldata: %w", err)
	}

	if _, err := waitSuccess(ctx, l.backend, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Fetch returns the calldata of a mined transaction.
func (l *CalldataLedger) Fetch(ctx context.Context, txID string) ([]byte, error) {
	tx, pending, err := l.backend.TransactionByHash(ctx, common.HexToHash(txID))
	if errors.Is(err, goethereum.NotFound) {
		return nil, fmt.Errorf("%w: tx %s", storage.ErrNotFound, txID)
	}
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, fmt.Errorf("ethereum: tx %s is still pending", txID)
	}
	return tx.Data(), nil
}
