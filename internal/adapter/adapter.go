// Package adapter defines the capability every yield backend must provide and the
// guarded call boundary the vault uses to talk to it.
//
// Backends are external collaborators: they can time out, panic or return nonsense.
// The vault never calls an Adapter method directly; it goes through Call (or one of
// the typed helpers) so that each failure becomes a Result the caller can branch on.
package adapter

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/domain"
)

// ReceiptHandle names the receipt token whose balance measures a holder's position
// at a backend (an aToken, cToken or vault share).
type ReceiptHandle struct {
	Token domain.Asset `json:"token"`
}

// Approval is a backend-specific pre-authorization step: deliver Payload to Target
// on behalf of the vault before withdrawing.
type Approval struct {
	Target  domain.Address `json:"target"`
	Payload []byte         `json:"payload"`
}

// Empty reports whether there is nothing to execute.
func (a Approval) Empty() bool { return a.Target.IsZero() }

// Executor carries out Approval instructions for a caller.
type Executor interface {
	Execute(ctx context.Context, caller domain.Address, approval Approval) error
}

// Adapter is the uniform interface over one yield backend.
type Adapter interface {
	// Address is the adapter's custody identity; the vault authorizes it before supplying.
	Address() domain.Address

	// Supply moves amount of asset from the vault into the backend.
	Supply(ctx context.Context, asset domain.Asset, amount *uint256.Int) (*uint256.Int, error)

	// Withdraw moves amount back to the vault.
	Withdraw(ctx context.Context, asset domain.Asset, amount *uint256.Int) (*uint256.Int, error)

	// WithdrawToUser moves amount straight to recipient.
	WithdrawToUser(ctx context.Context, asset domain.Asset, amount *uint256.Int, recipient domain.Address) (*uint256.Int, error)

	// Harvest reconciles accrued interest and returns total assets including yield.
	Harvest(ctx context.Context, asset domain.Asset) (*uint256.Int, error)

	// GetBalance returns the vault's current principal-equivalent at the backend.
	GetBalance(ctx context.Context, asset domain.Asset) (*uint256.Int, error)

	// GetAPY returns the current yield in basis points.
	GetAPY(ctx context.Context, asset domain.Asset) (uint64, error)

	// GetReceiptHandle returns the receipt token for asset.
	GetReceiptHandle(ctx context.Context, asset domain.Asset) (ReceiptHandle, error)

	// IsAssetSupported reports whether the backend accepts asset.
	IsAssetSupported(ctx context.Context, asset domain.Asset) bool

	// GetApprovalInstructions returns what must be executed before withdrawing amount.
	GetApprovalInstructions(ctx context.Context, asset domain.Asset, amount *uint256.Int) (Approval, error)
}
