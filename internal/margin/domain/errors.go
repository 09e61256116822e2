package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPositionNotFound      = errors.New("position not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrLiquidationNotFound   = errors.New("liquidation request not found")
	ErrMarketNotFound        = errors.New("market not found")
	ErrMarketNotMargin       = errors.New("market is not margin enabled")
	ErrPoolNotFound          = errors.New("liquidity pool not found")
	ErrPoolInactive          = errors.New("liquidity pool is inactive")
	ErrInsufficientPool      = errors.New("insufficient pool balance")
	ErrInsufficientBalance   = errors.New("insufficient margin active balance")
	ErrInvalidLeverage       = errors.New("invalid leverage")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidPrice          = errors.New("price must be positive")
	ErrPositionNotOpen       = errors.New("position is not open")
	ErrCloseAmountExceeded   = errors.New("close amount exceeds position liability")
	ErrNegativeCollateral    = errors.New("collateral cannot get negative")
	ErrLowMarginRatio        = errors.New("margin ratio must stay above initial margin ratio")
	ErrPriceUnavailable      = errors.New("market price is unavailable")
	ErrLiquidationInProgress = errors.New("an open liquidation request already exists")
	ErrLockNotAcquired       = errors.New("lock is held by another worker")

	// ErrInvariantViolation 账本一致性被破坏，需人工介入，自动结算必须停止
	ErrInvariantViolation = errors.New("margin invariant violation")
)

// InvariantError 描述一次具体的不变量破坏
type InvariantError struct {
	PositionID string
	Reason     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: position %s: %s", ErrInvariantViolation, e.PositionID, e.Reason)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// NewInvariantError 构造不变量错误
func NewInvariantError(positionID, format string, args ...any) error {
	return &InvariantError{PositionID: positionID, Reason: fmt.Sprintf(format, args...)}
}

// IsBusinessError 业务规则类错误是预期结果，不应重试
func IsBusinessError(err error) bool {
	switch {
	case errors.Is(err, ErrMarketNotMargin),
		errors.Is(err, ErrPoolInactive),
		errors.Is(err, ErrInsufficientPool),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidLeverage),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrPositionNotOpen),
		errors.Is(err, ErrCloseAmountExceeded),
		errors.Is(err, ErrNegativeCollateral),
		errors.Is(err, ErrLowMarginRatio),
		errors.Is(err, ErrPriceUnavailable),
		errors.Is(err, ErrLiquidationInProgress):
		return true
	}
	return false
}

// IsRetryable 除业务错误、不变量错误与未找到外，其余错误视为瞬时错误，可重放触发事件
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvariantViolation) || IsBusinessError(err) {
		return false
	}
	if errors.Is(err, ErrPositionNotFound) || errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrLiquidationNotFound) {
		return false
	}
	return true
}
