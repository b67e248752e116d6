package entrypoint

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAddress is the canonical EntryPoint v0.6 deployment.
var DefaultAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

const userOpTuple = `{"components":[
	{"name":"sender","type":"address"},
	{"name":"nonce","type":"uint256"},
	{"name":"initCode","type":"bytes"},
	{"name":"callData","type":"bytes"},
	{"name":"callGasLimit","type":"uint256"},
	{"name":"verificationGasLimit","type":"uint256"},
	{"name":"preVerificationGas","type":"uint256"},
	{"name":"maxFeePerGas","type":"uint256"},
	{"name":"maxPriorityFeePerGas","type":"uint256"},
	{"name":"paymasterAndData","type":"bytes"},
	{"name":"signature","type":"bytes"}
]`

// ABI subset of EntryPoint v0.6 used by the relayer.
const ABI = `[
{"type":"function","name":"handleOps","stateMutability":"nonpayable","outputs":[],"inputs":[
	` + userOpTuple + `,"name":"ops","type":"tuple[]"},
	{"name":"beneficiary","type":"address"}
]},
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
	{"name":"sender","type":"address"},
	{"name":"key","type":"uint192"}
],"outputs":[{"name":"nonce","type":"uint256"}]},
{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
	{"name":"userOpHash","type":"bytes32","indexed":true},
	{"name":"sender","type":"address","indexed":true},
	{"name":"paymaster","type":"address","indexed":true},
	{"name":"nonce","type":"uint256","indexed":false},
	{"name":"success","type":"bool","indexed":false},
	{"name":"actualGasCost","type":"uint256","indexed":false},
	{"name":"actualGasUsed","type":"uint256","indexed":false}
]},
{"type":"error","name":"FailedOp","inputs":[
	{"name":"opIndex","type":"uint256"},
	{"name":"reason","type":"string"}
]}
]`

var parsedABI = mustParseABI(ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// UserOperation is the ABI-level user operation. Field names match the tuple
// components so go-ethereum can pack it directly.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// HandleOpsSelector returns the 4-byte selector of handleOps.
func HandleOpsSelector() []byte {
	return append([]byte(nil), parsedABI.Methods["handleOps"].ID...)
}

// UserOperationEventTopic returns topic0 of UserOperationEvent.
func UserOperationEventTopic() common.Hash {
	return parsedABI.Events["UserOperationEvent"].ID
}
