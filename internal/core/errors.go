// Package core holds the error taxonomy and basis-point arithmetic shared by
// the registry, attestation, and vault packages.
package core

import "errors"

// Every failure in the settlement core aborts the whole operation. Callers
// match on these with errors.Is; wrapped messages carry the detail.
var (
	ErrInvalidOperator       = errors.New("invalid operator")
	ErrInsufficientStake     = errors.New("insufficient stake")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrInvalidBLSSignature   = errors.New("invalid bls signature")
	ErrThresholdNotMet       = errors.New("threshold not met")
	ErrPolicyAlreadySettled  = errors.New("policy already settled")
	ErrTaskNotFound          = errors.New("task not found")
	ErrTaskAlreadyCompleted  = errors.New("task already completed")
	ErrTaskExpired           = errors.New("task expired")
	ErrDuplicateTask         = errors.New("duplicate task")
	ErrDuplicateResponse     = errors.New("duplicate response")
	ErrInsufficientReserves  = errors.New("insufficient reserves")
	ErrInvalidClaimAmount    = errors.New("invalid claim amount")
	ErrReserveRatioViolation = errors.New("reserve ratio violation")
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolExists            = errors.New("pool already exists")
	ErrUnauthorizedCaller    = errors.New("unauthorized caller")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInvalidRatio          = errors.New("invalid ratio")
	ErrValueMismatch         = errors.New("value does not match amount")
	ErrEmergencyLimit        = errors.New("emergency withdrawal limit exceeded")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrAmountOverflow        = errors.New("amount overflow")
	ErrTransferFailed        = errors.New("transfer failed")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidOperator, "InvalidOperator"},
	{ErrInsufficientStake, "InsufficientStake"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrInvalidBLSSignature, "InvalidBLSSignature"},
	{ErrThresholdNotMet, "ThresholdNotMet"},
	{ErrPolicyAlreadySettled, "PolicyAlreadySettled"},
	{ErrTaskNotFound, "TaskNotFound"},
	{ErrTaskAlreadyCompleted, "TaskAlreadyCompleted"},
	{ErrTaskExpired, "TaskExpired"},
	{ErrDuplicateTask, "DuplicateTask"},
	{ErrDuplicateResponse, "DuplicateResponse"},
	{ErrInsufficientReserves, "InsufficientReserves"},
	{ErrInvalidClaimAmount, "InvalidClaimAmount"},
	{ErrReserveRatioViolation, "ReserveRatioViolation"},
	{ErrPolicyNotFound, "PolicyNotFound"},
	{ErrPoolNotFound, "PoolNotFound"},
	{ErrPoolExists, "PoolExists"},
	{ErrUnauthorizedCaller, "UnauthorizedCaller"},
	{ErrZeroAmount, "ZeroAmount"},
	{ErrInvalidRatio, "InvalidRatio"},
	{ErrValueMismatch, "ValueMismatch"},
	{ErrEmergencyLimit, "EmergencyLimitExceeded"},
	{ErrInvalidPrice, "InvalidPrice"},
	{ErrAmountOverflow, "AmountOverflow"},
	{ErrTransferFailed, "TransferFailed"},
}

// Code returns the stable taxonomy name for err, or "Internal" when err does
// not wrap one of the sentinels above.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
