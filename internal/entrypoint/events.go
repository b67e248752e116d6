package entrypoint

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// UserOperationEvents decodes the UserOperationEvent logs emitted by the
// EntryPoint at address in receipt. Logs from other contracts are skipped.
func UserOperationEvents(receipt *types.Receipt, address common.Address) ([]UserOperationEvent, error) {
	if receipt == nil {
		return nil, nil
	}
	event := parsedABI.Events["UserOperationEvent"]
	var out []UserOperationEvent
	for _, l := range receipt.Logs {
		if l == nil || l.Address != address {
			continue
		}
		if len(l.Topics) != 4 || l.Topics[0] != event.ID {
			continue
		}
		vals, err := parsedABI.Unpack("UserOperationEvent", l.Data)
		if err != nil {
			return nil, fmt.Errorf("decode UserOperationEvent: %w", err)
		}
		if len(vals) != 4 {
			return nil, fmt.Errorf("decode UserOperationEvent: %d values", len(vals))
		}
		ev := UserOperationEvent{
			UserOpHash: l.Topics[1],
			Sender:     common.BytesToAddress(l.Topics[2].Bytes()),
			Paymaster:  common.BytesToAddress(l.Topics[3].Bytes()),
		}
		ev.Nonce, _ = vals[0].(*big.Int)
		ev.Success, _ = vals[1].(bool)
		ev.ActualGasCost, _ = vals[2].(*big.Int)
		ev.ActualGasUsed, _ = vals[3].(*big.Int)
		out = append(out, ev)
	}
	return out, nil
}

// UserOpSucceeded reports the success flag of the event for hash, if present.
func UserOpSucceeded(receipt *types.Receipt, address common.Address, hash common.Hash) (bool, bool) {
	events, err := UserOperationEvents(receipt, address)
	if err != nil {
		return false, false
	}
	for _, ev := range events {
		if ev.UserOpHash == hash {
			return ev.Success, true
		}
	}
	return false, false
}
