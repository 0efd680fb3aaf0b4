package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The api layer maps these to HTTP status codes.
var (
	ErrUsernameTaken         = errors.New("username_taken")
	ErrUserNotFound          = errors.New("user_not_found")
	ErrStockNotFound         = errors.New("stock_not_found")
	ErrStockNameTaken        = errors.New("stock_name_taken")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrInsufficientLiquidity = errors.New("insufficient_liquidity")
	ErrDuplicateRequest      = errors.New("duplicate_request")
)

// InvariantError reports corrupt matching state, such as a fill
// exceeding an order's remaining quantity. It is never recovered
// locally: the surrounding transaction must abort and the error must
// surface.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

// Invariantf builds an InvariantError with a formatted message.
func Invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
