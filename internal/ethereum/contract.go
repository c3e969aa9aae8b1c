package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RegistryABI is the fixed call contract of the file registry.
const RegistryABI = `[
 {"type":"function","name":"registerFile","stateMutability":"nonpayable",
  "inputs":[{"name":"contentHash","type":"string"},{"name":"name","type":"string"},{"name":"size","type":"uint256"}],
  "outputs":[{"name":"fileId","type":"uint256"}]},
 {"type":"function","name":"shareFile","stateMutability":"nonpayable",
  "inputs":[{"name":"fileId","type":"uint256"},{"name":"recipient","type":"address"},{"name":"expiryDays","type":"uint256"}],
  "outputs":[]},
 {"type":"function","name":"revokeAccess","stateMutability":"nonpayable",
  "inputs":[{"name":"fileId","type":"uint256"},{"name":"recipient","type":"address"}],
  "outputs":[]},
 {"type":"function","name":"hasAccess","stateMutability":"view",
  "inputs":[{"name":"fileId","type":"uint256"},{"name":"user","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"FileRegistered","anonymous":false,
  "inputs":[{"name":"fileId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"contentHash","type":"string","indexed":false}]}
]`

var (
	registryOnce sync.Once
	registryABI  abi.ABI
	registryErr  error
)

func parsedRegistry() (abi.ABI, error) {
	registryOnce.Do(func() {
		registryABI, registryErr = abi.JSON(strings.NewReader(RegistryABI))
	})
	return registryABI, registryErr
}

// Contract calls the registry with one signing account. It implements
// chainMirror.Contract.
type Contract struct {
	backend Backend
	account *Account
	bound   *bind.BoundContract
	abi     abi.ABI
}

func NewContract(backend Backend, address common.Address, account *Account) (*Contract, error) {
	parsed, err := parsedRegistry()
	if err != nil {
		return nil, fmt.Errorf("ethereum: parse registry abi: %w", err)
	}
	if account == nil {
		return nil, errors.New("ethereum: contract needs a signing account")
	}
	return &Contract{
		backend: backend,
		account: account,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:     parsed,
	}, nil
}

func (c *Contract) transact(ctx context.Context, method string, params ...interface{}) (*types.Receipt, *types.Transaction, error) {
	opts, err := c.account.transactOpts(ctx)
	if err != nil {
		return nil, nil, err
	}

	tx, err := c.account.send(ctx, c.backend, opts, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.bound.Transact(opts, method, params...)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ethereum: %s: %w", method, err)
	}

	receipt, err := waitSuccess(ctx, c.backend, tx)
	return receipt, tx, err
}

func (c *Contract) RegisterFile(ctx context.Context, contentHash, name string, size int64) (string, string, error) {
	receipt, tx, err := c.transact(ctx, "registerFile", contentHash, name, big.NewInt(size))
	if err != nil {
		return "", "", err
	}
	id, err := c.registeredFileID(receipt.Logs)
	if err != nil {
		return "", tx.Hash().Hex(), err
	}
	return id.String(), tx.Hash().Hex(), nil
}

// registeredFileID reads the file id from the FileRegistered event.
func (c *Contract) registeredFileID(logs []*types.Log) (*big.Int, error) {
	ev, ok := c.abi.Events["FileRegistered"]
	if !ok {
		return nil, errors.New("ethereum: abi has no FileRegistered event")
	}
	for _, l := range logs {
		if l == nil || len(l.Topics) < 2 || l.Topics[0] != ev.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()), nil
	}
	return nil, errors.New("ethereum: FileRegistered event missing from receipt")
}

func (c *Contract) ShareFile(ctx context.Context, chainFileID, recipient string, expiryDays int64) (string, error) {
	id, addr, err := parseTarget(chainFileID, recipient)
	if err != nil {
		return "", err
	}
	_, tx, err := c.transact(ctx, "shareFile", id, addr, big.NewInt(expiryDays))
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (c *Contract) RevokeAccess(ctx context.Context, chainFileID, recipient string) (string, error) {
	id, addr, err := parseTarget(chainFileID, recipient)
	if err != nil {
		return "", err
	}
	_, tx, err := c.transact(ctx, "revokeAccess", id, addr)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (c *Contract) HasAccess(ctx context.Context, chainFileID, recipient string) (bool, error) {
	id, addr, err := parseTarget(chainFileID, recipient)
	if err != nil {
		return false, err
	}
	var out []interface{}
	err = c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "hasAccess", id, addr)
	if err != nil {
		return false, fmt.Errorf("ethereum: hasAccess: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("ethereum: hasAccess returned %d values", len(out))
	}
	granted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("ethereum: hasAccess returned %T", out[0])
	}
	return granted, nil
}

func parseTarget(chainFileID, recipient string) (*big.Int, common.Address, error) {
	id, ok := new(big.Int).SetString(chainFileID, 10)
	if !ok {
		return nil, common.Address{}, fmt.Errorf("ethereum: invalid chain file id %q", chainFileID)
	}
	if !common.IsHexAddress(recipient) {
		return nil, common.Address{}, fmt.Errorf("ethereum: invalid recipient address %q", recipient)
	}
	return id, common.HexToAddress(recipient), nil
}
