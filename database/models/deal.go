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

package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrDealNotFound = errors.New("deal not found")

var ErrGuaranteeNotFound = errors.New("deal guarantee not found")

// AllocationMethod selects the policy used to turn admitted contribution
// requests into final allocations when a deal's contribution phase closes.
// The set is closed; allocation code switches exhaustively over these values.
type AllocationMethod string

const (
	AllocationMethodFcfs       AllocationMethod = "FCFS"
	AllocationMethodGuaranteed AllocationMethod = "GUARANTEED"
	AllocationMethodProRata    AllocationMethod = "PRO_RATA"
	AllocationMethodLottery    AllocationMethod = "LOTTERY"
	AllocationMethodHybrid     AllocationMethod = "HYBRID"
)

// Valid returns true if the AllocationMethod is a known value
func (m AllocationMethod) Valid() bool {
	switch m {
	case AllocationMethodFcfs,
		AllocationMethodGuaranteed,
		AllocationMethodProRata,
		AllocationMethodLottery,
		AllocationMethodHybrid:
		return true
	default:
		return false
	}
}

func (m AllocationMethod) String() string {
	return string(m)
}

// VestingType selects the unlock curve applied to the non-TGE portion of a
// vesting schedule
type VestingType string

const (
	VestingTypeLinear        VestingType = "LINEAR"
	VestingTypeMonthlyCliff  VestingType = "MONTHLY_CLIFF"
	VestingTypeTgePlusLinear VestingType = "TGE_PLUS_LINEAR"
)

// Valid returns true if the VestingType is a known value
func (v VestingType) Valid() bool {
	switch v {
	case VestingTypeLinear, VestingTypeMonthlyCliff, VestingTypeTgePlusLinear:
		return true
	default:
		return false
	}
}

func (v VestingType) String() string {
	return string(v)
}

// Deal represents a single capped token sale. TotalRaised is a projection
// over the reservation journal and is only ever written by the cap ledger.
type Deal struct {
	ID                  uint             `gorm:"primarykey"`
	Slug                string           `gorm:"uniqueIndex;size:64;not null"`
	Name                string           `gorm:"size:128"`
	RaiseCurrency       string           `gorm:"size:16;not null"`
	CurrencyDecimals    int32            `gorm:"not null;default:2"`
	TokenSymbol         string           `gorm:"size:16"`
	TokenDecimals       int32            `gorm:"not null;default:6"`
	TokenPrice          decimal.Decimal  `gorm:"type:numeric;not null"`
	SoftCap             decimal.Decimal  `gorm:"type:numeric"`
	HardCap             decimal.Decimal  `gorm:"type:numeric;not null"`
	MinContribution     decimal.Decimal  `gorm:"type:numeric"`
	MaxContribution     decimal.Decimal  `gorm:"type:numeric"`
	TotalRaised         decimal.Decimal  `gorm:"type:numeric"`
	AllocationMethod    AllocationMethod `gorm:"size:16;not null"`
	VestingType         VestingType      `gorm:"size:16;not null"`
	TgeUnlockPercent    uint             `gorm:"not null"`
	VestingCliffDays    uint             `gorm:"not null"`
	VestingDurationDays uint             `gorm:"not null"`
	MinTierRequired     uint
	RequiresKyc         bool
	OpensAt             time.Time        `gorm:"index"`
	ClosesAt            time.Time        `gorm:"index"`
	TgeAt               time.Time
	Finalized           bool             `gorm:"index"`
	FinalizedAt         *time.Time
	// LotterySeed records the seed material used for the lottery draw so the
	// result can be reproduced for audit
	LotterySeed string `gorm:"size:128"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Deal) TableName() string {
	return "deal"
}

// OpenForContributions returns true if the contribution window contains the
// given instant. The window is half-open: [OpensAt, ClosesAt).
func (d *Deal) OpenForContributions(now time.Time) bool {
	if d.Finalized {
		return false
	}
	return !now.Before(d.OpensAt) && now.Before(d.ClosesAt)
}

// Closed returns true once the contribution window has passed
func (d *Deal) Closed(now time.Time) bool {
	return !now.Before(d.ClosesAt)
}

// Validate checks the deal's own invariants. It does not consult any other
// state.
func (d *Deal) Validate() error {
	if d.HardCap.LessThanOrEqual(decimal.Zero) {
		return errors.New("hard cap must be positive")
	}
	if d.SoftCap.GreaterThan(d.HardCap) {
		return errors.New("soft cap exceeds hard cap")
	}
	if d.TokenPrice.LessThanOrEqual(decimal.Zero) {
		return errors.New("token price must be positive")
	}
	if d.TgeUnlockPercent > 100 {
		return errors.New("TGE unlock percent outside [0,100]")
	}
	if !d.AllocationMethod.Valid() {
		return errors.New("unknown allocation method")
	}
	if !d.VestingType.Valid() {
		return errors.New("unknown vesting type")
	}
	if !d.OpensAt.Before(d.ClosesAt) {
		return errors.New("contribution window is empty")
	}
	if d.MaxContribution.IsPositive() &&
		d.MinContribution.GreaterThan(d.MaxContribution) {
		return errors.New("min contribution exceeds max contribution")
	}
	return nil
}

// DealGuarantee is a pre-committed reservation of raise capacity for a single
// user, consumed by the GUARANTEED and HYBRID allocation methods
type DealGuarantee struct {
	ID        uint            `gorm:"primarykey"`
	DealID    uint            `gorm:"index:idx_guarantee_deal_user,unique;not null"`
	UserID    string          `gorm:"index:idx_guarantee_deal_user,unique;size:64;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DealGuarantee) TableName() string {
	return "deal_guarantee"
}
