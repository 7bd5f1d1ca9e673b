// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Proof errors
	CodeHashMalformed Code = "HASH_MALFORMED"
	CodeProofInvalid  Code = "PROOF_INVALID"

	// Ledger errors
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
)
