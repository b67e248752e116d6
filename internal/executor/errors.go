package executor

import (
	"errors"
	"regexp"
	"strings"
)

// ErrRelayerUnavailable means no idle funded relayer turned up within the
// admission window.
var ErrRelayerUnavailable = errors.New("no relayer available")

// RevertedError is returned when gas estimation or submission fails. Message
// is the first line of the underlying error.
type RevertedError struct {
	Message string
	Err     error
}

func (e *RevertedError) Error() string {
	if e.Message == "" {
		return "transaction reverted"
	}
	return e.Message
}

func (e *RevertedError) Unwrap() error {
	return e.Err
}

func reverted(err error) *RevertedError {
	return &RevertedError{Message: firstLine(err.Error()), Err: err}
}

func firstLine(msg string) string {
	line, _, _ := strings.Cut(msg, "\n")
	return strings.TrimSpace(line)
}

type retryReason string

const (
	reasonNone        retryReason = ""
	reasonNonceTooLow retryReason = "nonce_too_low"
	reasonGasTooLow   retryReason = "gas_too_low"
)

var (
	nonceTooLowPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Nonce provided for the transaction \((\d+)\) is lower than the current nonce of the account\.`),
		regexp.MustCompile(`(?i)nonce too low`),
	}
	gasTooLowPatterns = []*regexp.Regexp{
		regexp.MustCompile(`The amount of gas \((\d+)\) provided for the transaction is too low\.`),
		regexp.MustCompile(`(?i)intrinsic gas too low`),
		regexp.MustCompile(`(?i)gas limit too low`),
		regexp.MustCompile(`(?i)underpriced`),
	}
)

// classify maps a submission error message to the resend it warrants.
func classify(msg string) retryReason {
	for _, re := range nonceTooLowPatterns {
		if re.MatchString(msg) {
			return reasonNonceTooLow
		}
	}
	for _, re := range gasTooLowPatterns {
		if re.MatchString(msg) {
			return reasonGasTooLow
		}
	}
	return reasonNone
}
