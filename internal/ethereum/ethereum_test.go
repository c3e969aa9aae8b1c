package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well known dev key, never funded outside local chains
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestRegistryABI(t *testing.T) {
	parsed, err := parsedRegistry()
	require.NoError(t, err)

	for _, name := range []string{"registerFile", "shareFile", "revokeAccess", "hasAccess"} {
		_, ok := parsed.Methods[name]
		assert.True(t, ok, "missing method %s", name)
	}
	assert.True(t, parsed.Methods["hasAccess"].IsConstant())

	_, err = parsed.Pack("shareFile", big.NewInt(3), common.HexToAddress("0x01"), big.NewInt(2))
	require.NoError(t, err)
}

func TestRegisteredFileIDFromEvent(t *testing.T) {
	c, err := NewContract(nil, common.Address{}, &Account{})
	require.NoError(t, err)

	ev := c.abi.Events["FileRegistered"]
	logs := []*types.Log{
		{Topics: []common.Hash{common.HexToHash("0xdead")}},
		{Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(42)), common.HexToHash("0x01")}},
	}
	id, err := c.registeredFileID(logs)
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())

	_, err = c.registeredFileID(logs[:1])
	require.Error(t, err)
}

func TestNewAccount(t *testing.T) {
	a, err := NewAccount(devKey, big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), a.Address)

	_, err = NewAccount("not-a-key", big.NewInt(1))
	require.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	id, addr, err := parseTarget("17", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	require.NoError(t, err)
	assert.Equal(t, int64(17), id.Int64())
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), addr)

	_, _, err = parseTarget("x", "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	require.Error(t, err)
	_, _, err = parseTarget("1", "bob@example.com")
	require.Error(t, err)
}

func TestCalldataGasCoversPayload(t *testing.T) {
	assert.Equal(t, uint64(21000), calldataGas(nil))
	assert.Equal(t, uint64(21000+16*100), calldataGas(make([]byte, 100)))
}

type nonceNode struct {
	mu    sync.Mutex
	next  uint64
	calls int
}

func (n *nonceNode) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.next, nil
}

func (n *nonceNode) setNext(v uint64) {
	n.mu.Lock()
	n.next = v
	n.mu.Unlock()
}

func signedAt(opts *bind.TransactOpts) (*types.Transaction, error) {
	return types.NewTx(&types.LegacyTx{Nonce: opts.Nonce.Uint64()}), nil
}

func TestAccountHandsOutEachNonceOnce(t *testing.T) {
	a, err := NewAccount(devKey, big.NewInt(31337))
	require.NoError(t, err)
	node := &nonceNode{next: 7}
	ctx := context.Background()

	// calldata writes and contract calls share the account
	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts, err := a.transactOpts(ctx)
			if !assert.NoError(t, err) {
				return
			}
			tx, err := a.send(ctx, node, opts, signedAt)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[tx.Nonce()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 40)
	for n := uint64(7); n < 47; n++ {
		assert.Equal(t, 1, seen[n], "nonce %d", n)
	}
	assert.Equal(t, 1, node.calls, "the node is asked once")
}

func TestAccountResyncsNonceAfterFailedSend(t *testing.T) {
	a, err := NewAccount(devKey, big.NewInt(31337))
	require.NoError(t, err)
	node := &nonceNode{next: 3}
	ctx := context.Background()

	opts, err := a.transactOpts(ctx)
	require.NoError(t, err)
	tx, err := a.send(ctx, node, opts, signedAt)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tx.Nonce())

	opts, err = a.transactOpts(ctx)
	require.NoError(t, err)
	_, err = a.send(ctx, node, opts, func(*bind.TransactOpts) (*types.Transaction, error) {
		return nil, errors.New("nonce too low")
	})
	require.Error(t, err)

	node.setNext(9)
	opts, err = a.transactOpts(ctx)
	require.NoError(t, err)
	tx, err = a.send(ctx, node, opts, signedAt)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, 2, node.calls)
}
