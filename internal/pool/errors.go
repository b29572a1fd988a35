package pool

import "errors"

var (
	// ErrStateDesync is returned when an event is stale, targets another pool,
	// or would leave the pool internally inconsistent. The pool keeps its prior state.
	ErrStateDesync = errors.New("state desync")

	// ErrArithmeticOverflow is returned when a value exceeds the venue's integer range.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")

	// ErrInsufficientLiquidity is returned when a swap cannot be filled by the pool.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrInvalidAmount is returned for nil or negative swap inputs.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPool is returned when a descriptor cannot produce a usable pool.
	ErrInvalidPool = errors.New("invalid pool")
)
