package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type BuildParams struct {
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// Estimator is the part of chain.Client used for gas estimation.
type Estimator interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

type Sender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type TxSigner interface {
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Gateway builds and submits handleOps transactions to one EntryPoint.
type Gateway struct {
	address common.Address
}

func NewGateway(address common.Address) *Gateway {
	if address == (common.Address{}) {
		address = DefaultAddress
	}
	return &Gateway{address: address}
}

func (g *Gateway) Address() common.Address {
	return g.address
}

// PackHandleOps encodes handleOps(ops, beneficiary).
func (g *Gateway) PackHandleOps(ops []UserOperation, beneficiary common.Address) ([]byte, error) {
	if len(ops) == 0 {
		return nil, errors.New("at least one user operation is required")
	}
	for i, op := range ops {
		if err := checkOp(op); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	return parsedABI.Pack("handleOps", ops, beneficiary)
}

// EstimateHandleOps estimates gas for data sent from the relayer to the
// EntryPoint. Failures are returned as *EstimateGasError.
func (g *Gateway) EstimateHandleOps(ctx context.Context, client Estimator, from common.Address, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{
		From: from,
		To:   &g.address,
		Data: data,
	}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, &EstimateGasError{Err: err, CallMsg: msg}
	}
	return gas, nil
}

// BuildHandleOpsTx wraps data into a legacy transaction to the EntryPoint.
func (g *Gateway) BuildHandleOpsTx(chainID *big.Int, data []byte, p BuildParams) (*types.Transaction, error) {
	return buildLegacyTx(chainID, g.address, big.NewInt(0), data, p)
}

// HandleOps builds, signs and broadcasts a handleOps transaction. The signed
// transaction is returned even when broadcasting fails.
func (g *Gateway) HandleOps(ctx context.Context, client Sender, signer TxSigner, chainID *big.Int, data []byte, p BuildParams) (*types.Transaction, error) {
	tx, err := g.BuildHandleOpsTx(chainID, data, p)
	if err != nil {
		return nil, err
	}
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return signed, err
	}
	return signed, nil
}

func buildLegacyTx(chainID *big.Int, to common.Address, value *big.Int, data []byte, p BuildParams) (*types.Transaction, error) {
	if chainID == nil {
		return nil, errors.New("chainID is required")
	}
	if value == nil {
		return nil, errors.New("value is required")
	}
	if p.GasLimit == 0 {
		return nil, errors.New("gasLimit is required")
	}
	if p.GasPrice == nil {
		return nil, errors.New("gasPrice is required")
	}
	if p.GasPrice.Sign() < 0 || value.Sign() < 0 {
		return nil, errors.New("gasPrice and value must be non-negative")
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    p.Nonce,
		GasPrice: new(big.Int).Set(p.GasPrice),
		Gas:      p.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	}), nil
}

func checkOp(op UserOperation) error {
	for name, v := range map[string]*big.Int{
		"nonce":                op.Nonce,
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
	} {
		if v == nil {
			return fmt.Errorf("%s is required", name)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	return nil
}

// BumpPercent returns v*(100+pct)/100 using floor division.
func BumpPercent(v *big.Int, pct uint64) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(100+pct))
	return out.Quo(out, big.NewInt(100))
}

// BumpGas applies BumpPercent to a gas amount.
func BumpGas(gas uint64, pct uint64) uint64 {
	bumped := BumpPercent(new(big.Int).SetUint64(gas), pct)
	if !bumped.IsUint64() {
		return ^uint64(0)
	}
	return bumped.Uint64()
}
