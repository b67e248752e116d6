package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"bundler/internal/chain"
	"bundler/internal/store"
	"bundler/internal/userop"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// ReceiptResult is returned by eth_getUserOperationReceipt.
type ReceiptResult struct {
	UserOpHash         string  `json:"userOpHash"`
	TransactionHash    string  `json:"transactionHash"`
	TransactionReceipt *string `json:"transactionReceipt"`
	ExplorerLink       string  `json:"explorerLink"`
}

type sendParams struct {
	UserOperation *userop.UserOperation `json:"userOperation"`
	UserOpHash    string                `json:"userOpHash"`
	EntryPoint    string                `json:"entryPoint"`
}

type method func(ctx context.Context, ch *chain.Chain, params json.RawMessage) (any, error)

func (s *Server) methods() map[string]method {
	return map[string]method{
		"eth_sendUserOperation":       s.sendUserOperation,
		"eth_getUserOperationReceipt": s.getUserOperationReceipt,
		"eth_supportedEntryPoints":    s.supportedEntryPoints,
		"eth_chainId":                 s.chainID,
	}
}

func (r *request) check() error {
	if r.JSONRPC != "2.0" {
		return newError(CodeInvalidRequest, "Invalid JSON RPC version")
	}
	if r.Method == "" {
		return newError(CodeInvalidRequest, "method is required")
	}
	return nil
}

// paramsShape reports whether params is a JSON array or object.
func paramsShape(raw json.RawMessage) (isArray, ok bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false, false
	}
	switch trimmed[0] {
	case '[':
		return true, true
	case '{':
		return false, true
	}
	return false, false
}

// decodeSendParams accepts both {userOperation, userOpHash} and
// [userOperation, entryPoint].
func decodeSendParams(raw json.RawMessage) (sendParams, error) {
	var p sendParams
	isArray, _ := paramsShape(raw)
	if !isArray {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, newError(CodeInvalidParams, "Invalid params")
		}
		return p, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return p, newError(CodeInvalidParams, "Invalid params")
	}
	if err := json.Unmarshal(list[0], &p.UserOperation); err != nil {
		return p, newError(CodeInvalidParams, "Invalid params")
	}
	if len(list) > 1 {
		if err := json.Unmarshal(list[1], &p.EntryPoint); err != nil {
			return p, newError(CodeInvalidParams, "Invalid params")
		}
	}
	return p, nil
}

func (s *Server) sendUserOperation(ctx context.Context, ch *chain.Chain, raw json.RawMessage) (any, error) {
	p, err := decodeSendParams(raw)
	if err != nil {
		return nil, err
	}
	if p.EntryPoint != "" && !strings.EqualFold(p.EntryPoint, s.entryPoint.Hex()) {
		return nil, &userop.ValidationError{Field: "entryPoint", Reason: "is not supported"}
	}
	if err := p.UserOperation.Validate(); err != nil {
		return nil, err
	}
	op, err := p.UserOperation.ToEntryPoint()
	if err != nil {
		return nil, err
	}
	opHash := p.UserOpHash
	if opHash == "" {
		h, err := userop.Hash(op, s.entryPoint, ch.BigID())
		if err != nil {
			return nil, err
		}
		opHash = h.Hex()
	} else if err := userop.ValidateHash(opHash); err != nil {
		return nil, err
	}
	res, err := s.sender.SendTransaction(ctx, op, opHash, ch.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) getUserOperationReceipt(ctx context.Context, ch *chain.Chain, raw json.RawMessage) (any, error) {
	var hash string
	isArray, _ := paramsShape(raw)
	if isArray {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return nil, newError(CodeInvalidParams, "Invalid params")
		}
		hash = list[0]
	} else {
		var obj struct {
			UserOpHash string `json:"userOpHash"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, newError(CodeInvalidParams, "Invalid params")
		}
		hash = obj.UserOpHash
	}
	if err := userop.ValidateHash(hash); err != nil {
		return nil, err
	}
	return s.lookupReceipt(ch, hash)
}

func (s *Server) lookupReceipt(ch *chain.Chain, hash string) (*ReceiptResult, error) {
	key := receiptKey(ch.ID, hash)
	if s.receipts != nil {
		if b, err := s.receipts.Get(key); err == nil {
			var cached ReceiptResult
			if err := json.Unmarshal(b, &cached); err == nil {
				return &cached, nil
			}
		}
	}
	a, err := s.journal.Latest(hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.ChainID != ch.ID {
		return nil, nil
	}
	txHash := common.HexToHash(a.TxHash)
	out := &ReceiptResult{
		UserOpHash:      hash,
		TransactionHash: txHash.Hex(),
		ExplorerLink:    ch.ExplorerLink(txHash),
	}
	if a.Receipt != "" {
		receipt := a.Receipt
		out.TransactionReceipt = &receipt
		if s.receipts != nil {
			if b, err := json.Marshal(out); err == nil {
				if err := s.receipts.Set(key, b); err != nil {
					s.logger.Warn("receipt cache set failed", "error", err)
				}
			}
		}
	}
	return out, nil
}

func receiptKey(chainID uint64, hash string) string {
	return hexutil.EncodeUint64(chainID) + ":" + strings.ToLower(hash)
}

func (s *Server) supportedEntryPoints(context.Context, *chain.Chain, json.RawMessage) (any, error) {
	return []string{s.entryPoint.Hex()}, nil
}

func (s *Server) chainID(_ context.Context, ch *chain.Chain, _ json.RawMessage) (any, error) {
	return hexutil.EncodeUint64(ch.ID), nil
}
