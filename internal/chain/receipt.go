package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
)

// Receipt is the wire view of a transaction receipt. Integer fields that can
// exceed 2^53 are decimal strings so JSON clients do not lose precision.
type Receipt struct {
	TransactionHash   string `json:"transactionHash"`
	TransactionIndex  uint   `json:"transactionIndex"`
	BlockHash         string `json:"blockHash"`
	BlockNumber       string `json:"blockNumber"`
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	Status            string `json:"status"`
	Type              uint8  `json:"type"`
	GasUsed           string `json:"gasUsed"`
	CumulativeGasUsed string `json:"cumulativeGasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice,omitempty"`
	ContractAddress   string `json:"contractAddress,omitempty"`
	LogsBloom         string `json:"logsBloom"`
	Logs              []Log  `json:"logs"`
	LogsCount         int    `json:"logsCount"`
	UserOpSuccess     *bool  `json:"userOpSuccess,omitempty"`
}

// Log mirrors an event log with the same string encoding as Receipt.
type Log struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex uint     `json:"transactionIndex"`
	LogIndex         uint     `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

func newLog(l *types.Log) Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return Log{
		Address:          l.Address.Hex(),
		Topics:           topics,
		Data:             hexutil.Encode(l.Data),
		BlockNumber:      strconv.FormatUint(l.BlockNumber, 10),
		BlockHash:        l.BlockHash.Hex(),
		TransactionHash:  l.TxHash.Hex(),
		TransactionIndex: l.TxIndex,
		LogIndex:         l.Index,
		Removed:          l.Removed,
	}
}

func NewReceipt(r *types.Receipt, from common.Address, to *common.Address) Receipt {
	out := Receipt{
		TransactionHash:   r.TxHash.Hex(),
		TransactionIndex:  r.TransactionIndex,
		BlockHash:         r.BlockHash.Hex(),
		Status:            StatusReverted,
		Type:              r.Type,
		GasUsed:           strconv.FormatUint(r.GasUsed, 10),
		CumulativeGasUsed: strconv.FormatUint(r.CumulativeGasUsed, 10),
		LogsBloom:         hexutil.Encode(r.Bloom.Bytes()),
		Logs:              make([]Log, 0, len(r.Logs)),
		LogsCount:         len(r.Logs),
	}
	for _, l := range r.Logs {
		if l != nil {
			out.Logs = append(out.Logs, newLog(l))
		}
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = StatusSuccess
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.String()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = r.EffectiveGasPrice.String()
	}
	if r.ContractAddress != (common.Address{}) {
		out.ContractAddress = r.ContractAddress.Hex()
	}
	if from != (common.Address{}) {
		out.From = from.Hex()
	}
	if to != nil {
		out.To = to.Hex()
	}
	return out
}

// Encode renders the receipt as the JSON string carried in RPC responses.
func (r Receipt) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WaitReceipt polls for a receipt until it is found or ctx is done. RPC
// errors other than "not found" are retried; the last one is returned when
// ctx expires.
func WaitReceipt(ctx context.Context, client Client, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
