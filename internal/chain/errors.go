package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError reports a mined transaction with a failed status.
type RevertError struct {
	TxHash   common.Hash
	GasUsed  uint64
	GasLimit uint64
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("transaction %s reverted (gas used %d of %d)", e.TxHash.Hex(), e.GasUsed, e.GasLimit)
}

// OutOfGas reports whether the revert consumed the whole gas limit.
func (e *RevertError) OutOfGas() bool {
	return e.GasLimit > 0 && e.GasUsed >= e.GasLimit
}

var gasMessages = []string{
	"out of gas",
	"intrinsic gas too low",
	"gas required exceeds allowance",
	"exceeds block gas limit",
	"gas limit reached",
	"gas too low",
}

// IsGasError reports failures fixed by a higher gas limit.
func IsGasError(err error) bool {
	if err == nil {
		return false
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert.OutOfGas()
	}
	msg := strings.ToLower(err.Error())
	for _, s := range gasMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var transientMessages = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"header not found",
	"service unavailable",
	"bad gateway",
	"nonce too low",
	"replacement transaction underpriced",
}

var transientStatus = map[int]bool{429: true, 502: true, 503: true, 504: true}

// IsTransient reports network and timeout failures worth one more try.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoHealthyEndpoint) || errors.Is(err, ErrEndpointUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && transientStatus[httpErr.StatusCode] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
