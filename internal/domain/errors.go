package domain

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownCurrency   = errors.New("unknown currency")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInvalidSide       = errors.New("invalid side")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrQueueEmpty        = errors.New("queue empty")
	ErrMalformedEntry    = errors.New("malformed queue entry")
	ErrUnknownUser       = errors.New("unknown user")
	ErrCorruptRecord     = errors.New("corrupt record")
)
