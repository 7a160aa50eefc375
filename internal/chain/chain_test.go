package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABI = `[
	{"type":"function","name":"getPrices","stateMutability":"view","inputs":[],"outputs":[
		{"name":"yes","type":"uint256"},{"name":"no","type":"uint256"}]},
	{"type":"function","name":"startSeason","stateMutability":"nonpayable","inputs":[
		{"name":"seasonId","type":"uint256"}],"outputs":[]}
]`

type fakeBackend struct {
	mu       sync.Mutex
	parsed   abi.ABI
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	misses   int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	a, err := abi.JSON(strings.NewReader(testABI))
	require.NoError(t, err)
	return &fakeBackend{parsed: a, receipts: map[common.Hash]*types.Receipt{}}
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m, err := f.parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(big.NewInt(6500), big.NewInt(3500))
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (f *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.misses > 0 {
		f.misses--
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func testContract(t *testing.T, b *fakeBackend) Contract {
	return Contract{Name: "Market", Address: common.HexToAddress("0x1000000000000000000000000000000000000001"), ABI: &b.parsed}
}

func TestClientRead(t *testing.T) {
	b := newFakeBackend(t)
	c := NewClient(b, nil)

	out, err := c.Read(context.Background(), testContract(t, b), "getPrices")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(6500), out[0].(*big.Int).Int64())
	assert.Equal(t, int64(3500), out[1].(*big.Int).Int64())
}

func TestClientWriteSignsWithKey(t *testing.T) {
	b := newFakeBackend(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(31337)

	signer, from, err := KeyedSigner("0x"+hex.EncodeToString(crypto.FromECDSA(key)), chainID)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)

	c := NewClient(b, signer)
	ct := testContract(t, b)
	hash, err := c.Write(context.Background(), ct, "startSeason", big.NewInt(7))
	require.NoError(t, err)

	require.Len(t, b.sent, 1)
	tx := b.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, ct.Address, *tx.To())
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender)
}

func TestClientWriteWithoutSigner(t *testing.T) {
	b := newFakeBackend(t)
	_, err := NewClient(b, nil).Write(context.Background(), testContract(t, b), "startSeason", big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestKeyedSignerRejectsBadInput(t *testing.T) {
	_, _, err := KeyedSigner("not-a-key", big.NewInt(1))
	assert.Error(t, err)

	key, _ := crypto.GenerateKey()
	_, _, err = KeyedSigner(hex.EncodeToString(crypto.FromECDSA(key)), nil)
	assert.Error(t, err)
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	b := newFakeBackend(t)
	hash := common.HexToHash("0xabc")
	b.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}
	b.misses = 2

	c := NewClient(b, nil)
	c.poll = time.Millisecond
	rcpt, err := c.WaitForReceipt(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.True(t, rcpt.Succeeded())
	assert.Equal(t, uint64(42), rcpt.BlockNumber)
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	b := newFakeBackend(t)
	c := NewClient(b, nil)
	c.poll = time.Millisecond

	_, err := c.WaitForReceipt(context.Background(), common.HexToHash("0xdead"), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
