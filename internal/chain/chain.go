package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/devblac/season-keeper/internal/retry"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSigner is returned by Write on a read-only client.
var ErrNoSigner = errors.New("chain client has no signer")

// DefaultReceiptPoll is how often WaitForReceipt asks for the receipt.
const DefaultReceiptPoll = time.Second

// Contract names a deployed contract together with the ABI used to talk to it.
type Contract struct {
	Name    string
	Address common.Address
	ABI     *abi.ABI
}

func (c Contract) String() string {
	if c.Name == "" {
		return strings.ToLower(c.Address.Hex())
	}
	return c.Name + "@" + strings.ToLower(c.Address.Hex())
}

// Reader executes constant calls.
type Reader interface {
	Read(ctx context.Context, c Contract, method string, args ...any) ([]any, error)
}

// Writer sends state-changing transactions and returns their hash.
type Writer interface {
	Write(ctx context.Context, c Contract, method string, args ...any) (common.Hash, error)
}

// ReceiptWaiter waits for a transaction to be mined.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
}

// Backend is the node surface needed for bound calls and receipts; *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Receipt is the subset of a mined receipt the engine records.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
}

func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// SignerFactory returns fresh transact options for every write.
type SignerFactory func(ctx context.Context) (*bind.TransactOpts, error)

// KeyedSigner parses a hex private key once and returns a factory of
// transactors bound to chainID, plus the signing address.
func KeyedSigner(hexKey string, chainID *big.Int) (SignerFactory, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, common.Address{}, errors.New("chain id is required for signing")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	factory := func(ctx context.Context) (*bind.TransactOpts, error) {
		opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("new transactor: %w", err)
		}
		opts.Context = ctx
		return opts, nil
	}
	return factory, from, nil
}

// Client implements Reader, Writer and ReceiptWaiter over one backend and at
// most one signing key.
type Client struct {
	backend Backend
	signer  SignerFactory
	poll    time.Duration

	// Writes share one key; serializing them keeps pending-nonce lookups consistent.
	writeMu sync.Mutex
}

// NewClient builds a client; a nil signer makes it read-only.
func NewClient(backend Backend, signer SignerFactory) *Client {
	return &Client{backend: backend, signer: signer, poll: DefaultReceiptPoll}
}

func (c *Client) bound(ct Contract) (*bind.BoundContract, error) {
	if ct.ABI == nil {
		return nil, fmt.Errorf("%s: missing abi", ct)
	}
	return bind.NewBoundContract(ct.Address, *ct.ABI, c.backend, c.backend, c.backend), nil
}

func (c *Client) Read(ctx context.Context, ct Contract, method string, args ...any) ([]any, error) {
	bc, err := c.bound(ct)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", ct, method, err)
	}
	return out, nil
}

func (c *Client) Write(ctx context.Context, ct Contract, method string, args ...any) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	bc, err := c.bound(ct)
	if err != nil {
		return common.Hash{}, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	opts, err := c.signer(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := bc.Transact(opts, method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transact %s.%s: %w", ct, method, err)
	}
	return tx.Hash(), nil
}

// WaitForReceipt polls for the receipt of hash until it is mined or timeout
// elapses. It never resends.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		rcpt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rcpt != nil:
			out := &Receipt{TxHash: hash, Status: rcpt.Status}
			if rcpt.BlockNumber != nil {
				out.BlockNumber = rcpt.BlockNumber.Uint64()
			}
			return out, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		case !retry.IsTransient(err):
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
