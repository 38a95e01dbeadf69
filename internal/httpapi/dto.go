package httpapi

import (
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/harvest"
	"github.com/R3E-Network/yieldvault/internal/queue"
	"github.com/R3E-Network/yieldvault/internal/vault"
)

// Amounts travel as base-unit decimal strings.

type amountRequest struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type redeemRequest struct {
	Shares    string `json:"shares"`
	Recipient string `json:"recipient,omitempty"`
}

type protocolRequest struct {
	ID   domain.ProtocolID `json:"id"`
	Name string            `json:"name"`
}

type activateRequest struct {
	ID domain.ProtocolID `json:"id"`
}

type replaceRequest struct {
	Replacement domain.ProtocolID `json:"replacement"`
}

type retryRequest struct {
	MaxRetries *int `json:"max_retries,omitempty"`
}

type protocolResponse struct {
	ID       domain.ProtocolID `json:"id"`
	Name     string            `json:"name"`
	Bound    bool              `json:"bound"`
	Active   bool              `json:"active"`
	Position string            `json:"position"`
}

type failedDepositResponse struct {
	Depositor   domain.Address `json:"depositor"`
	Amount      string         `json:"amount"`
	RetryCount  int            `json:"retry_count"`
	LastAttempt time.Time      `json:"last_attempt"`
	Reason      string         `json:"reason"`
}

type queueResponse struct {
	Pending        string                  `json:"pending"`
	RosterLength   int                     `json:"roster_length"`
	Cursor         int                     `json:"cursor"`
	FailedDeposits []failedDepositResponse `json:"failed_deposits"`
}

type stateResponse struct {
	Asset          domain.Asset        `json:"asset"`
	RedemptionRate string              `json:"redemption_rate"`
	TotalAssets    string              `json:"total_assets"`
	TotalSupply    string              `json:"total_supply"`
	Holders        int                 `json:"holders"`
	Idle           string              `json:"idle"`
	Active         []domain.ProtocolID `json:"active_protocols"`
	Protocols      []protocolResponse  `json:"protocols"`
	Queue          queueResponse       `json:"queue"`
}

type accountResponse struct {
	Address       domain.Address         `json:"address"`
	Shares        string                 `json:"shares"`
	Assets        string                 `json:"assets"`
	Queued        string                 `json:"queued"`
	Claims        string                 `json:"claims"`
	FailedDeposit *failedDepositResponse `json:"failed_deposit,omitempty"`
}

type receiptResponse struct {
	Owner        domain.Address `json:"owner"`
	Recipient    domain.Address `json:"recipient"`
	Requested    string         `json:"requested"`
	Withdrawn    string         `json:"withdrawn"`
	SharesBurned string         `json:"shares_burned"`
	ShareBalance string         `json:"share_balance"`
	Rate         string         `json:"redemption_rate"`
}

type harvestResponse struct {
	PreviousRate string              `json:"previous_rate"`
	NewRate      string              `json:"new_rate"`
	TotalAssets  string              `json:"total_assets"`
	FeeAssets    string              `json:"fee_assets"`
	FeeShares    string              `json:"fee_shares"`
	Failed       []domain.ProtocolID `json:"failed_protocols"`
	Flushed      bool                `json:"flushed"`
	FlushError   string              `json:"flush_error,omitempty"`
}

type flushResponse struct {
	Processed      []domain.Address `json:"processed"`
	Failed         []domain.Address `json:"failed"`
	Amount         string           `json:"amount"`
	Cursor         int              `json:"cursor"`
	EpochCompleted bool             `json:"epoch_completed"`
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// parseAmount parses a non-negative base-unit decimal.
func parseAmount(field, s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, svcerrors.ErrInvalidRequest.WithDetails("field", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, svcerrors.ErrInvalidRequest.WithDetails("field", field).Wrap(err)
	}
	return v, nil
}

func failedDepositDTO(fd domain.FailedDeposit) failedDepositResponse {
	return failedDepositResponse{
		Depositor:   fd.Depositor,
		Amount:      dec(fd.Amount),
		RetryCount:  fd.RetryCount,
		LastAttempt: fd.LastAttempt,
		Reason:      fd.Reason,
	}
}

func stateDTO(st vault.State) stateResponse {
	resp := stateResponse{
		Asset:          st.Asset,
		RedemptionRate: dec(st.Rate),
		TotalAssets:    dec(st.TotalAssets),
		TotalSupply:    dec(st.TotalSupply),
		Holders:        st.Holders,
		Idle:           dec(st.Idle),
		Active:         st.Active,
		Protocols:      protocolsDTO(st.Protocols),
		Queue: queueResponse{
			Pending:        dec(st.Pending),
			RosterLength:   st.RosterLength,
			Cursor:         st.Cursor,
			FailedDeposits: make([]failedDepositResponse, 0, len(st.FailedDeposits)),
		},
	}
	if resp.Active == nil {
		resp.Active = []domain.ProtocolID{}
	}
	for _, fd := range st.FailedDeposits {
		resp.Queue.FailedDeposits = append(resp.Queue.FailedDeposits, failedDepositDTO(fd))
	}
	return resp
}

func protocolsDTO(ps []vault.ProtocolState) []protocolResponse {
	out := make([]protocolResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, protocolResponse{
			ID:       p.ID,
			Name:     p.Name,
			Bound:    p.Bound,
			Active:   p.Active,
			Position: dec(p.Position),
		})
	}
	return out
}

func accountDTO(a vault.AccountState) accountResponse {
	resp := accountResponse{
		Address: a.Address,
		Shares:  dec(a.Shares),
		Assets:  dec(a.Assets),
		Queued:  dec(a.Queued),
		Claims:  dec(a.Claims),
	}
	if a.FailedDeposit != nil {
		fd := failedDepositDTO(*a.FailedDeposit)
		resp.FailedDeposit = &fd
	}
	return resp
}

func receiptDTO(r vault.Receipt) receiptResponse {
	return receiptResponse{
		Owner:        r.Owner,
		Recipient:    r.Recipient,
		Requested:    dec(r.Requested),
		Withdrawn:    dec(r.Withdrawn),
		SharesBurned: dec(r.SharesBurned),
		ShareBalance: dec(r.ShareBalance),
		Rate:         dec(r.Rate),
	}
}

func harvestDTO(r harvest.Report) harvestResponse {
	resp := harvestResponse{
		PreviousRate: dec(r.PreviousRate),
		NewRate:      dec(r.NewRate),
		TotalAssets:  dec(r.TotalAssets),
		FeeAssets:    dec(r.FeeAssets),
		FeeShares:    dec(r.FeeShares),
		Failed:       r.Failed,
		Flushed:      r.Flushed,
	}
	if resp.Failed == nil {
		resp.Failed = []domain.ProtocolID{}
	}
	if r.FlushErr != nil {
		resp.FlushError = r.FlushErr.Error()
	}
	return resp
}

func flushDTO(r queue.FlushResult) flushResponse {
	resp := flushResponse{
		Processed:      r.Processed,
		Failed:         r.Failed,
		Amount:         dec(r.Amount),
		Cursor:         r.Cursor,
		EpochCompleted: r.EpochCompleted,
	}
	if resp.Processed == nil {
		resp.Processed = []domain.Address{}
	}
	if resp.Failed == nil {
		resp.Failed = []domain.Address{}
	}
	return resp
}
