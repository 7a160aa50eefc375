package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrStopped is returned by a tick that observed a cancelled poller.
var ErrStopped = errors.New("poller stopped")

// DecodedEvent is an immutable decoded log.
type DecodedEvent struct {
	Name        string
	Contract    common.Address
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	Args        map[string]any
}

// LogBatch is the decoded output of one block range chunk, in chain order.
type LogBatch struct {
	Events    []DecodedEvent
	FromBlock uint64
	ToBlock   uint64
}

// BigInt returns a uint/int argument as *big.Int.
func (e DecodedEvent) BigInt(name string) (*big.Int, error) {
	v, ok := e.Args[name]
	if !ok {
		return nil, fmt.Errorf("%s: missing arg %q", e.Name, name)
	}
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("%s: arg %q is %T, not an integer", e.Name, name, v)
	}
}

// Uint64 returns an integer argument that must fit in uint64.
func (e DecodedEvent) Uint64(name string) (uint64, error) {
	n, err := e.BigInt(name)
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("%s: arg %q out of uint64 range: %s", e.Name, name, n)
	}
	return n.Uint64(), nil
}

func (e DecodedEvent) Address(name string) (common.Address, error) {
	v, ok := e.Args[name]
	if !ok {
		return common.Address{}, fmt.Errorf("%s: missing arg %q", e.Name, name)
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: arg %q is %T, not an address", e.Name, name, v)
	}
	return a, nil
}

func (e DecodedEvent) Bool(name string) (bool, error) {
	v, ok := e.Args[name]
	if !ok {
		return false, fmt.Errorf("%s: missing arg %q", e.Name, name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: arg %q is %T, not a bool", e.Name, name, v)
	}
	return b, nil
}

func (e DecodedEvent) Bytes32(name string) ([32]byte, error) {
	v, ok := e.Args[name]
	if !ok {
		return [32]byte{}, fmt.Errorf("%s: missing arg %q", e.Name, name)
	}
	switch b := v.(type) {
	case [32]byte:
		return b, nil
	case common.Hash:
		return b, nil
	default:
		return [32]byte{}, fmt.Errorf("%s: arg %q is %T, not bytes32", e.Name, name, v)
	}
}
