// Package userop holds the JSON wire form of an ERC-4337 v0.6 user operation.
package userop

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"

	"bundler/internal/entrypoint"
)

// UserOperation is the JSON form accepted on the wire. Every field except
// sender is a 0x-prefixed hex string.
type UserOperation struct {
	Sender               string `json:"sender" validate:"required,eth_addr"`
	Nonce                string `json:"nonce" validate:"required,hexnum"`
	InitCode             string `json:"initCode" validate:"hexbytes"`
	CallData             string `json:"callData" validate:"hexbytes"`
	CallGasLimit         string `json:"callGasLimit" validate:"required,hexnum"`
	VerificationGasLimit string `json:"verificationGasLimit" validate:"required,hexnum"`
	PreVerificationGas   string `json:"preVerificationGas" validate:"required,hexnum"`
	MaxFeePerGas         string `json:"maxFeePerGas" validate:"required,hexnum"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas" validate:"required,hexnum"`
	PaymasterAndData     string `json:"paymasterAndData" validate:"hexbytes"`
	Signature            string `json:"signature" validate:"required,hexbytes"`
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	hexNumRe   = regexp.MustCompile(`^0[xX][0-9a-fA-F]+$`)
	hexBytesRe = regexp.MustCompile(`^0[xX]([0-9a-fA-F]{2})*$`)
	hashRe     = regexp.MustCompile(`^0[xX][0-9a-fA-F]{64}$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		mustRegister(v, "hexnum", hexNumRe)
		mustRegister(v, "hexbytes", hexBytesRe)
		mustRegister(v, "hash32", hashRe)
		validate = v
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, re *regexp.Regexp) {
	err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		return re.MatchString(s)
	})
	if err != nil {
		panic(err)
	}
}

// Validate checks field formats and that maxPriorityFeePerGas does not exceed
// maxFeePerGas.
func (op *UserOperation) Validate() error {
	if op == nil {
		return &ValidationError{Field: "userOperation", Reason: "is required"}
	}
	if err := getValidator().Struct(op); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Reason: reasonFor(verrs[0])}
		}
		return &ValidationError{Reason: err.Error()}
	}
	maxFee, err := hexutil.DecodeBig(normalizeHex(op.MaxFeePerGas))
	if err != nil {
		return &ValidationError{Field: "maxFeePerGas", Reason: err.Error()}
	}
	maxPriority, err := hexutil.DecodeBig(normalizeHex(op.MaxPriorityFeePerGas))
	if err != nil {
		return &ValidationError{Field: "maxPriorityFeePerGas", Reason: err.Error()}
	}
	if maxPriority.Cmp(maxFee) > 0 {
		return &ValidationError{Field: "maxPriorityFeePerGas", Reason: "must not exceed maxFeePerGas"}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "eth_addr":
		return "must be a 20-byte hex address"
	case "hexnum":
		return "must be a 0x-prefixed hex quantity"
	case "hexbytes":
		return "must be 0x-prefixed hex bytes"
	case "hash32":
		return "must be a 32-byte hex hash"
	default:
		return "failed " + fe.Tag()
	}
}

// ValidateHash checks a userOpHash supplied by the client.
func ValidateHash(hash string) error {
	if err := getValidator().Var(hash, "required,hash32"); err != nil {
		return &ValidationError{Field: "userOpHash", Reason: "must be a 32-byte hex hash"}
	}
	return nil
}

// ToEntryPoint converts a validated operation into its ABI form.
func (op *UserOperation) ToEntryPoint() (entrypoint.UserOperation, error) {
	var out entrypoint.UserOperation
	var err error
	out.Sender = common.HexToAddress(op.Sender)

	nums := []struct {
		name string
		src  string
		dst  **big.Int
	}{
		{"nonce", op.Nonce, &out.Nonce},
		{"callGasLimit", op.CallGasLimit, &out.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit, &out.VerificationGasLimit},
		{"preVerificationGas", op.PreVerificationGas, &out.PreVerificationGas},
		{"maxFeePerGas", op.MaxFeePerGas, &out.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas, &out.MaxPriorityFeePerGas},
	}
	for _, n := range nums {
		if *n.dst, err = hexutil.DecodeBig(normalizeHex(n.src)); err != nil {
			return out, &ValidationError{Field: n.name, Reason: err.Error()}
		}
	}

	bufs := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"initCode", op.InitCode, &out.InitCode},
		{"callData", op.CallData, &out.CallData},
		{"paymasterAndData", op.PaymasterAndData, &out.PaymasterAndData},
		{"signature", op.Signature, &out.Signature},
	}
	for _, b := range bufs {
		if *b.dst, err = decodeBytes(b.src); err != nil {
			return out, &ValidationError{Field: b.name, Reason: err.Error()}
		}
	}
	return out, nil
}

// normalizeHex strips leading zeros so hexutil accepts quantities like 0x0001.
func normalizeHex(s string) string {
	if len(s) < 2 {
		return s
	}
	digits := strings.TrimLeft(s[2:], "0")
	if digits == "" {
		digits = "0"
	}
	return "0x" + digits
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" || s == "0X" {
		return []byte{}, nil
	}
	return hexutil.Decode("0x" + s[2:])
}
