package model

import "errors"

// Lookup errors.
var (
	ErrMarketNotFound      = errors.New("market not found")
	ErrOutcomeNotFound     = errors.New("outcome not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrBalanceNotFound     = errors.New("balance not found")
	ErrBetNotFound         = errors.New("bet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPayoutNotFound      = errors.New("payout not found")
	ErrResolutionNotFound  = errors.New("resolution not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
)

// Validation errors. Nothing is mutated when one of these is returned.
var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidQuote         = errors.New("exactly one of shares or cost must be supplied")
	ErrInvalidBetType       = errors.New("bet type must be BUY or SELL")
	ErrInvalidMarket        = errors.New("invalid market definition")
	ErrInvalidPricingModel  = errors.New("unknown pricing model")
	ErrMarketNotTradable    = errors.New("market is not open for trading")
	ErrMarketClosed         = errors.New("market end date has passed")
	ErrMarketFinalized      = errors.New("market is already resolved or cancelled")
	ErrOutcomeResolved      = errors.New("outcome is already resolved")
	ErrWalletInactive       = errors.New("wallet is inactive")
	ErrSlippageExceeded     = errors.New("slippage exceeds maximum")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrNoLiquidity          = errors.New("market has no liquidity")
	ErrExposureLimit        = errors.New("position limit exceeded")
	ErrBetNotCancellable    = errors.New("bet cannot be cancelled in its current status")
	ErrBetSettled           = errors.New("bet is already settled")
	ErrPayoutNotRetriable   = errors.New("payout is not in a retriable status")
	ErrResolutionNotPending = errors.New("resolution is not pending")
	ErrResolutionNotFinal   = errors.New("resolution is not confirmed")
	ErrDisputeNotOpen       = errors.New("dispute is not open")
	ErrInvalidDispute       = errors.New("dispute must name a different outcome and a reason")
)

// Ownership errors.
var (
	ErrWalletForbidden = errors.New("wallet belongs to another user")
	ErrBetForbidden    = errors.New("bet belongs to another user")
)

// State conflicts.
var (
	ErrDuplicateTransaction = errors.New("duplicate transaction within idempotency window")
	ErrPayoutExists         = errors.New("payout already exists for bet")
	ErrMarketExists         = errors.New("market already exists")
	ErrWalletExists         = errors.New("wallet already exists")
	ErrResolutionExists     = errors.New("market already has a resolution")
	ErrDisputeOpen          = errors.New("resolution has an open dispute")
)

var notFoundErrors = []error{
	ErrMarketNotFound,
	ErrOutcomeNotFound,
	ErrWalletNotFound,
	ErrBalanceNotFound,
	ErrBetNotFound,
	ErrTransactionNotFound,
	ErrPayoutNotFound,
	ErrResolutionNotFound,
	ErrDisputeNotFound,
}

var badRequestErrors = []error{
	ErrInvalidAmount,
	ErrInvalidQuote,
	ErrInvalidBetType,
	ErrInvalidMarket,
	ErrInvalidPricingModel,
	ErrMarketNotTradable,
	ErrMarketClosed,
	ErrMarketFinalized,
	ErrOutcomeResolved,
	ErrWalletInactive,
	ErrSlippageExceeded,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrNoLiquidity,
	ErrExposureLimit,
	ErrBetNotCancellable,
	ErrBetSettled,
	ErrPayoutNotRetriable,
	ErrResolutionNotPending,
	ErrResolutionNotFinal,
	ErrDisputeNotOpen,
	ErrInvalidDispute,
}

var forbiddenErrors = []error{
	ErrWalletForbidden,
	ErrBetForbidden,
}

var conflictErrors = []error{
	ErrDuplicateTransaction,
	ErrPayoutExists,
	ErrMarketExists,
	ErrWalletExists,
	ErrResolutionExists,
	ErrDisputeOpen,
}

// IsNotFound reports whether err wraps one of the lookup errors.
func IsNotFound(err error) bool { return isAny(err, notFoundErrors) }

// IsBadRequest reports whether err wraps a validation error.
func IsBadRequest(err error) bool { return isAny(err, badRequestErrors) }

// IsForbidden reports whether err wraps an ownership error.
func IsForbidden(err error) bool { return isAny(err, forbiddenErrors) }

// IsConflict reports whether err wraps a state conflict.
func IsConflict(err error) bool { return isAny(err, conflictErrors) }

func isAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
