package api

import (
	"errors"
	"log/slog"
	"net/http"

	"bundler/internal/chain"
	"bundler/internal/executor"
	"bundler/internal/userop"
)

// JSON-RPC error codes. The -3200x range is this relayer's own.
const (
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternal           = -32603
	CodeChainUnsupported   = -32001
	CodeRelayerUnavailable = -32002
	CodeReverted           = -32003
)

const internalMessage = "Internal Server Error"

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// toRPCError maps a handler error onto its JSON-RPC code and HTTP status.
// Anything unrecognised is logged and reported as a bare internal error.
func toRPCError(err error, logger *slog.Logger) (*Error, int) {
	var rpcErr *Error
	var verr *userop.ValidationError
	var rev *executor.RevertedError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr, http.StatusBadRequest
	case errors.As(err, &verr):
		return newError(CodeInvalidParams, verr.Error()), http.StatusBadRequest
	case errors.Is(err, chain.ErrUnsupportedChain):
		return newError(CodeChainUnsupported, "Unsupported chain"), http.StatusBadRequest
	case errors.Is(err, executor.ErrRelayerUnavailable):
		return newError(CodeRelayerUnavailable, "No relayer available, please try again later"), http.StatusBadRequest
	case errors.As(err, &rev):
		return newError(CodeReverted, "Transaction reverted: "+rev.Error()), http.StatusBadRequest
	}
	logger.Error("internal error", "error", err)
	return newError(CodeInternal, internalMessage), http.StatusInternalServerError
}
