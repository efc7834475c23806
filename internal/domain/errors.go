package domain

import "errors"

// Domain errors surface directly to callers of the core API (spec §7).
var (
	ErrMarketNotFound    = errors.New("market not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotFound     = errors.New("order not found")
)

// Transient errors abort the current matching transaction; callers receive
// a safe null result rather than a partially applied one.
var (
	ErrLockBusy     = errors.New("market lock busy")
	ErrConflict     = errors.New("lock contention exhausted")
	ErrStorageError = errors.New("storage error")
)

// ErrCacheDesync names the internal cache-desync condition. No function
// returns it: the post-commit reconcile in internal/exchange detects a
// desync as a cache Update that misses and restores the market instead.
var ErrCacheDesync = errors.New("order book cache desync")
