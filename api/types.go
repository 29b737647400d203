// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"time"

	"github.com/blinklabs-io/corral/database/models"
	"github.com/shopspring/decimal"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	IsHealthy bool `json:"is_healthy"`
}

// ErrorResponse is the uniform error body. Code is a stable machine-readable
// identifier; Message is human-readable detail.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

// DealRequest is the body of POST /api/v1/deals.
type DealRequest struct {
	Slug                string          `json:"slug"`
	Name                string          `json:"name"`
	RaiseCurrency       string          `json:"raise_currency"`
	CurrencyDecimals    int32           `json:"currency_decimals"`
	TokenSymbol         string          `json:"token_symbol"`
	TokenDecimals       int32           `json:"token_decimals"`
	TokenPrice          decimal.Decimal `json:"token_price"`
	SoftCap             decimal.Decimal `json:"soft_cap"`
	HardCap             decimal.Decimal `json:"hard_cap"`
	MinContribution     decimal.Decimal `json:"min_contribution"`
	MaxContribution     decimal.Decimal `json:"max_contribution"`
	AllocationMethod    string          `json:"allocation_method"`
	VestingType         string          `json:"vesting_type"`
	TgeUnlockPercent    uint            `json:"tge_unlock_percent"`
	VestingCliffDays    uint            `json:"vesting_cliff_days"`
	VestingDurationDays uint            `json:"vesting_duration_days"`
	MinTierRequired     uint            `json:"min_tier_required"`
	RequiresKyc         bool            `json:"requires_kyc"`
	OpensAt             time.Time       `json:"opens_at"`
	ClosesAt            time.Time       `json:"closes_at"`
	TgeAt               time.Time       `json:"tge_at"`
}

func (r *DealRequest) toModel() *models.Deal {
	return &models.Deal{
		Slug:                r.Slug,
		Name:                r.Name,
		RaiseCurrency:       r.RaiseCurrency,
		CurrencyDecimals:    r.CurrencyDecimals,
		TokenSymbol:         r.TokenSymbol,
		TokenDecimals:       r.TokenDecimals,
		TokenPrice:          r.TokenPrice,
		SoftCap:             r.SoftCap,
		HardCap:             r.HardCap,
		MinContribution:     r.MinContribution,
		MaxContribution:     r.MaxContribution,
		AllocationMethod:    models.AllocationMethod(r.AllocationMethod),
		VestingType:         models.VestingType(r.VestingType),
		TgeUnlockPercent:    r.TgeUnlockPercent,
		VestingCliffDays:    r.VestingCliffDays,
		VestingDurationDays: r.VestingDurationDays,
		MinTierRequired:     r.MinTierRequired,
		RequiresKyc:         r.RequiresKyc,
		OpensAt:             r.OpensAt,
		ClosesAt:            r.ClosesAt,
		TgeAt:               r.TgeAt,
	}
}

// DealResponse represents a deal.
type DealResponse struct {
	ID                  uint            `json:"id"`
	Slug                string          `json:"slug"`
	Name                string          `json:"name"`
	RaiseCurrency       string          `json:"raise_currency"`
	CurrencyDecimals    int32           `json:"currency_decimals"`
	TokenSymbol         string          `json:"token_symbol"`
	TokenDecimals       int32           `json:"token_decimals"`
	TokenPrice          decimal.Decimal `json:"token_price"`
	SoftCap             decimal.Decimal `json:"soft_cap"`
	HardCap             decimal.Decimal `json:"hard_cap"`
	MinContribution     decimal.Decimal `json:"min_contribution"`
	MaxContribution     decimal.Decimal `json:"max_contribution"`
	TotalRaised         decimal.Decimal `json:"total_raised"`
	AllocationMethod    string          `json:"allocation_method"`
	VestingType         string          `json:"vesting_type"`
	TgeUnlockPercent    uint            `json:"tge_unlock_percent"`
	VestingCliffDays    uint            `json:"vesting_cliff_days"`
	VestingDurationDays uint            `json:"vesting_duration_days"`
	MinTierRequired     uint            `json:"min_tier_required"`
	RequiresKyc         bool            `json:"requires_kyc"`
	OpensAt             time.Time       `json:"opens_at"`
	ClosesAt            time.Time       `json:"closes_at"`
	TgeAt               time.Time       `json:"tge_at"`
	Finalized           bool            `json:"finalized"`
	FinalizedAt         *time.Time      `json:"finalized_at,omitempty"`
}

func dealToResponse(d *models.Deal) DealResponse {
	return DealResponse{
		ID:                  d.ID,
		Slug:                d.Slug,
		Name:                d.Name,
		RaiseCurrency:       d.RaiseCurrency,
		CurrencyDecimals:    d.CurrencyDecimals,
		TokenSymbol:         d.TokenSymbol,
		TokenDecimals:       d.TokenDecimals,
		TokenPrice:          d.TokenPrice,
		SoftCap:             d.SoftCap,
		HardCap:             d.HardCap,
		MinContribution:     d.MinContribution,
		MaxContribution:     d.MaxContribution,
		TotalRaised:         d.TotalRaised,
		AllocationMethod:    d.AllocationMethod.String(),
		VestingType:         d.VestingType.String(),
		TgeUnlockPercent:    d.TgeUnlockPercent,
		VestingCliffDays:    d.VestingCliffDays,
		VestingDurationDays: d.VestingDurationDays,
		MinTierRequired:     d.MinTierRequired,
		RequiresKyc:         d.RequiresKyc,
		OpensAt:             d.OpensAt,
		ClosesAt:            d.ClosesAt,
		TgeAt:               d.TgeAt,
		Finalized:           d.Finalized,
		FinalizedAt:         d.FinalizedAt,
	}
}

// GuaranteeRequest is the body of
// PUT /api/v1/deals/{dealId}/guarantees/{userId}.
type GuaranteeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GuaranteeResponse represents a per-user guaranteed amount.
type GuaranteeResponse struct {
	DealID uint            `json:"deal_id"`
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// ContributionSubmitRequest is the body of
// POST /api/v1/deals/{dealId}/contributions.
type ContributionSubmitRequest struct {
	UserID   string          `json:"user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// ContributionResponse represents a contribution request and its settlement
// facts.
type ContributionResponse struct {
	ID          uint            `json:"id"`
	DealID      uint            `json:"deal_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Reservation string          `json:"reservation"`
	TxHash      string          `json:"tx_hash,omitempty"`
	BlockHeight uint64          `json:"block_height,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	RefundedAt  *time.Time      `json:"refunded_at,omitempty"`
}

func contributionToResponse(
	c *models.ContributionRequest,
) ContributionResponse {
	return ContributionResponse{
		ID:          c.ID,
		DealID:      c.DealID,
		UserID:      c.UserID,
		Amount:      c.Amount,
		Currency:    c.Currency,
		Status:      c.Status.String(),
		Reservation: c.Reservation,
		TxHash:      c.TxHash,
		BlockHeight: c.BlockHeight,
		FailReason:  c.FailReason,
		SubmittedAt: c.SubmittedAt,
		ConfirmedAt: c.ConfirmedAt,
		FailedAt:    c.FailedAt,
		RefundedAt:  c.RefundedAt,
	}
}

// AllocationResponse represents a user's position in a deal.
type AllocationResponse struct {
	DealID           uint            `json:"deal_id"`
	UserID           string          `json:"user_id"`
	RequestedAmount  decimal.Decimal `json:"requested_amount"`
	GuaranteedAmount decimal.Decimal `json:"guaranteed_amount"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	Method           string          `json:"method,omitempty"`
	LotteryTickets   uint            `json:"lottery_tickets,omitempty"`
	LotteryWon       bool            `json:"lottery_won,omitempty"`
	Finalized        bool            `json:"finalized"`
	FinalizedAt      *time.Time      `json:"finalized_at,omitempty"`
}

func allocationToResponse(a *models.Allocation) AllocationResponse {
	return AllocationResponse{
		DealID:           a.DealID,
		UserID:           a.UserID,
		RequestedAmount:  a.RequestedAmount,
		GuaranteedAmount: a.GuaranteedAmount,
		FinalAmount:      a.FinalAmount,
		Method:           a.Method.String(),
		LotteryTickets:   a.LotteryTickets,
		LotteryWon:       a.LotteryWon,
		Finalized:        a.Finalized,
		FinalizedAt:      a.FinalizedAt,
	}
}

// VestingResponse represents a vesting schedule along with the unlock state
// computed at the time of the request.
type VestingResponse struct {
	ScheduleID    uint            `json:"schedule_id"`
	DealID        uint            `json:"deal_id"`
	UserID        string          `json:"user_id"`
	TotalTokens   decimal.Decimal `json:"total_tokens"`
	TgeTokens     decimal.Decimal `json:"tge_tokens"`
	ClaimedTokens decimal.Decimal `json:"claimed_tokens"`
	Unlocked      decimal.Decimal `json:"unlocked"`
	Remaining     decimal.Decimal `json:"remaining"`
	VestingType   string          `json:"vesting_type"`
	TokenDecimals int32           `json:"token_decimals"`
	VestingStart  time.Time       `json:"vesting_start"`
	CliffEnd      time.Time       `json:"cliff_end"`
	VestingEnd    time.Time       `json:"vesting_end"`
	NextUnlockAt  *time.Time      `json:"next_unlock_at,omitempty"`
	Halted        bool            `json:"halted"`
	HaltReason    string          `json:"halt_reason,omitempty"`
}

// ClaimableResponse is returned by
// GET /api/v1/deals/{dealId}/claimable/{userId}.
type ClaimableResponse struct {
	ScheduleID uint            `json:"schedule_id"`
	DealID     uint            `json:"deal_id"`
	UserID     string          `json:"user_id"`
	At         time.Time       `json:"at"`
	Claimable  decimal.Decimal `json:"claimable"`
}

// ClaimRequest is the body of POST /api/v1/deals/{dealId}/claims/{userId}.
// SettlementRef is the idempotency key for the payout.
type ClaimRequest struct {
	SettlementRef string `json:"settlement_ref"`
}

// ClaimResponse represents an executed claim.
type ClaimResponse struct {
	ID            uint            `json:"id"`
	ScheduleID    uint            `json:"schedule_id"`
	SettlementRef string          `json:"settlement_ref"`
	Amount        decimal.Decimal `json:"amount"`
	ClaimedAt     time.Time       `json:"claimed_at"`
}

func claimToResponse(c *models.ClaimRecord) ClaimResponse {
	return ClaimResponse{
		ID:            c.ID,
		ScheduleID:    c.ScheduleID,
		SettlementRef: c.SettlementRef,
		Amount:        c.Amount,
		ClaimedAt:     c.ClaimedAt,
	}
}

// FlagResponse represents a compliance flag.
type FlagResponse struct {
	ID             uint       `json:"id"`
	DealID         uint       `json:"deal_id,omitempty"`
	UserID         string     `json:"user_id"`
	ContributionID uint       `json:"contribution_id,omitempty"`
	Reason         string     `json:"reason"`
	Severity       string     `json:"severity"`
	Detail         string     `json:"detail,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func flagToResponse(f *models.ComplianceFlag) FlagResponse {
	return FlagResponse{
		ID:             f.ID,
		DealID:         f.DealID,
		UserID:         f.UserID,
		ContributionID: f.ContributionID,
		Reason:         f.Reason.String(),
		Severity:       f.Severity.String(),
		Detail:         f.Detail,
		Resolved:       f.Resolved,
		ResolvedBy:     f.ResolvedBy,
		ResolvedAt:     f.ResolvedAt,
		CreatedAt:      f.CreatedAt,
	}
}

// ResolveFlagRequest is the body of
// POST /api/v1/compliance/flags/{flagId}/resolve.
type ResolveFlagRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// SettlementRequest is the body of POST /api/v1/settlements, the webhook
// form of the settlement intake. It mirrors the message schema consumed
// from the settlement queue.
type SettlementRequest struct {
	ContributionID uint   `json:"contribution_id"`
	Status         string `json:"status"`
	TxHash         string `json:"tx_hash"`
	BlockHeight    uint64 `json:"block_height"`
	Reason         string `json:"reason"`
	Reference      string `json:"reference"`
}
