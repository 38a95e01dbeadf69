// Package domain holds the value types shared by the vault components.
package domain

import (
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// ProtocolID identifies a registered yield backend. Zero is never a valid id.
type ProtocolID uint64

// Asset identifies a fungible asset (token address or symbol).
type Asset string

// Address identifies an account: depositor, vault, queue, treasury or adapter.
type Address string

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return strings.TrimSpace(string(a)) == "" }

// Normalize trims surrounding whitespace.
func (a Address) Normalize() Address { return Address(strings.TrimSpace(string(a))) }

// Protocol is an immutable protocol descriptor.
type Protocol struct {
	ID   ProtocolID `json:"id"`
	Name string     `json:"name"`
}

// APYSnapshot is produced fresh by each optimization pass and never cached.
type APYSnapshot struct {
	ProtocolID ProtocolID `json:"protocol_id"`
	APY        uint64     `json:"apy_bps"`
	Active     bool       `json:"active"`
}

// FailedDeposit records a queued deposit whose flush could not be verified.
type FailedDeposit struct {
	Depositor   Address      `json:"depositor"`
	Amount      *uint256.Int `json:"-"`
	RetryCount  int          `json:"retry_count"`
	LastAttempt time.Time    `json:"last_attempt"`
	Reason      string       `json:"reason"`
}

// BasisPoints is the denominator for bps-expressed values.
const BasisPoints = 10_000

// Zero returns a fresh zero amount.
func Zero() *uint256.Int { return new(uint256.Int) }

// Amount returns a fresh amount holding v.
func Amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Min returns a copy of the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
