package asset

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

func TestTransferAndBalance(t *testing.T) {
	ctx := context.Background()
	bank := NewMemory()
	bank.Mint("USDC", "alice", uint256.NewInt(100))

	require.NoError(t, bank.Transfer(ctx, "USDC", "alice", "bob", uint256.NewInt(30)))

	alice, _ := bank.BalanceOf(ctx, "USDC", "alice")
	bob, _ := bank.BalanceOf(ctx, "USDC", "bob")
	require.Equal(t, uint64(70), alice.Uint64())
	require.Equal(t, uint64(30), bob.Uint64())

	err := bank.Transfer(ctx, "USDC", "bob", "alice", uint256.NewInt(31))
	require.ErrorIs(t, err, svcerrors.ErrInsufficientBalance)
	require.Equal(t, uint64(100), bank.Supply("USDC").Uint64())
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	bank := NewMemory()
	bank.Mint("USDC", "vault", uint256.NewInt(100))

	require.Error(t, bank.TransferFrom(ctx, "USDC", "adapter", "vault", "adapter", uint256.NewInt(10)))

	require.NoError(t, bank.Approve(ctx, "USDC", "vault", "adapter", uint256.NewInt(40)))
	require.NoError(t, bank.TransferFrom(ctx, "USDC", "adapter", "vault", "adapter", uint256.NewInt(25)))

	left, _ := bank.Allowance(ctx, "USDC", "vault", "adapter")
	require.Equal(t, uint64(15), left.Uint64())
	require.Error(t, bank.TransferFrom(ctx, "USDC", "adapter", "vault", "adapter", uint256.NewInt(16)))
}

func TestExecuteApproval(t *testing.T) {
	ctx := context.Background()
	bank := NewMemory()

	approval := EncodeApproval("aUSDC", "adapter", uint256.NewInt(55))
	require.NoError(t, bank.Execute(ctx, "vault", approval))

	allowed, _ := bank.Allowance(ctx, "aUSDC", "vault", "adapter")
	require.Equal(t, uint64(55), allowed.Uint64())
}

func TestBurn(t *testing.T) {
	bank := NewMemory()
	bank.Mint("aUSDC", "vault", uint256.NewInt(5))
	require.ErrorIs(t, bank.Burn("aUSDC", "vault", uint256.NewInt(6)), svcerrors.ErrInsufficientBalance)
	require.NoError(t, bank.Burn("aUSDC", "vault", uint256.NewInt(5)))
	require.True(t, bank.Supply("aUSDC").IsZero())
}
