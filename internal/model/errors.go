package model

import "errors"

var (
	// ErrInvalidInput is returned for malformed user input (price, amount,
	// symbol, direction). Nothing is mutated when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoDataForSymbol is returned when an operation needs at least one
	// candle for a symbol and none has arrived yet.
	ErrNoDataForSymbol = errors.New("no data for symbol")

	// ErrUnknownTimeframe is returned when parsing an unsupported timeframe.
	ErrUnknownTimeframe = errors.New("unknown timeframe")

	// ErrAlertNotFound is returned by alert operations on an unknown id.
	ErrAlertNotFound = errors.New("alert not found")
)
