package procedure

import (
	"errors"
	"fmt"
)

// AbortCode 业务拒绝码
type AbortCode string

const (
	CodeSourceNotFound         AbortCode = "SOURCE_NOT_FOUND"
	CodeDestinationNotFound    AbortCode = "DESTINATION_NOT_FOUND"
	CodeSourceUnavailable      AbortCode = "SOURCE_UNAVAILABLE"
	CodeDestinationUnavailable AbortCode = "DESTINATION_UNAVAILABLE"
	CodeInsufficientFunds      AbortCode = "INSUFFICIENT_FUNDS"
	CodeInvalidAmount          AbortCode = "INVALID_AMOUNT"
	CodeAccountNotFound        AbortCode = "ACCOUNT_NOT_FOUND"
	CodeAccountUnavailable     AbortCode = "ACCOUNT_UNAVAILABLE"
)

// 拒绝原因，对外展示
const (
	ReasonSourceNotFound         = "source not found"
	ReasonDestinationNotFound    = "destination not found"
	ReasonSourceUnavailable      = "source unavailable"
	ReasonDestinationUnavailable = "destination unavailable"
	ReasonInsufficientFunds      = "insufficient funds"
	ReasonInvalidAmount          = "invalid amount"
	ReasonAccountNotFound        = "account not found"
	ReasonAccountUnavailable     = "account unavailable"
)

var (
	ErrUnknownProcedure = errors.New("procedure: unknown procedure")
	ErrBadParams        = errors.New("procedure: bad parameters")
)

// AbortError 业务规则拒绝，批次内的写入已整体丢弃。
// 不可原样重试，调用方可以换一组账户再发起。
type AbortError struct {
	Code   AbortCode
	PAN    string
	Reason string
}

func (e *AbortError) Error() string {
	if e.PAN == "" {
		return fmt.Sprintf("transaction aborted: %s", e.Reason)
	}
	return fmt.Sprintf("transaction aborted: %s (card %s)", e.Reason, e.PAN)
}

func abort(code AbortCode, pan, reason string) *AbortError {
	return &AbortError{Code: code, PAN: pan, Reason: reason}
}

// AsAbort 判断 err 是否为业务拒绝
func AsAbort(err error) (*AbortError, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsAbort 判断 err 是否为业务拒绝
func IsAbort(err error) bool {
	_, ok := AsAbort(err)
	return ok
}
