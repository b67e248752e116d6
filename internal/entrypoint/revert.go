package entrypoint

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// DecodeRevert extracts a readable revert reason from an RPC error carrying
// revert data, such as the FailedOp error the EntryPoint raises during
// validation.
func DecodeRevert(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	data, ok := revertBytes(dataErr.ErrorData())
	if !ok {
		return "", false
	}
	return DecodeRevertData(data)
}

func DecodeRevertData(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	failedOp := parsedABI.Errors["FailedOp"]
	if bytes.Equal(data[:4], failedOp.ID[:4]) {
		vals, err := failedOp.Inputs.Unpack(data[4:])
		if err != nil || len(vals) != 2 {
			return "", false
		}
		index, _ := vals[0].(*big.Int)
		reason, _ := vals[1].(string)
		return fmt.Sprintf("FailedOp(%s, %q)", index, reason), true
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason, true
	}
	return "", false
}

func revertBytes(v interface{}) ([]byte, bool) {
	switch data := v.(type) {
	case string:
		if !strings.HasPrefix(data, "0x") {
			return nil, false
		}
		b, err := hexutil.Decode(data)
		if err != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return data, true
	default:
		return nil, false
	}
}
