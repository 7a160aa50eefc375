package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Decoder turns raw logs of one ABI event into DecodedEvents.
type Decoder struct {
	event      abi.Event
	indexed    abi.Arguments
	nonIndexed abi.Arguments
}

// NewDecoder looks up event by name in a.
func NewDecoder(a *abi.ABI, event string) (*Decoder, error) {
	if a == nil {
		return nil, fmt.Errorf("decoder %s: nil abi", event)
	}
	ev, ok := a.Events[event]
	if !ok {
		return nil, fmt.Errorf("event %s not found in abi", event)
	}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	return &Decoder{event: ev, indexed: indexed, nonIndexed: nonIndexed}, nil
}

func (d *Decoder) Name() string { return d.event.Name }

// Topic is the event signature hash (topic0).
func (d *Decoder) Topic() common.Hash { return d.event.ID }

// Decode unpacks lg; logs of other events are rejected.
func (d *Decoder) Decode(lg types.Log) (DecodedEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != d.event.ID {
		return DecodedEvent{}, fmt.Errorf("log %s/%d is not %s", lg.TxHash.Hex(), lg.Index, d.event.Name)
	}

	args := map[string]any{}
	if err := abi.ParseTopicsIntoMap(args, d.indexed, lg.Topics[1:]); err != nil {
		return DecodedEvent{}, fmt.Errorf("parse topics: %w", err)
	}
	if err := d.nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return DecodedEvent{}, fmt.Errorf("unpack data: %w", err)
	}

	return DecodedEvent{
		Name:        d.event.Name,
		Contract:    lg.Address,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
		Args:        args,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
