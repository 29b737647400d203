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

var ErrAllocationNotFound = errors.New("allocation not found")

// Allocation tracks one user's position in one deal. The row is created on
// the user's first admitted contribution and accumulates RequestedAmount as
// requests are admitted, confirmed, failed, or refunded. Finalization fills
// in FinalAmount exactly once; FinalAmount may be zero (lottery losers, the
// shut-out FCFS tail) but the row survives so the outcome stays queryable.
type Allocation struct {
	ID               uint             `gorm:"primarykey"`
	DealID           uint             `gorm:"index:idx_allocation_deal_user,unique;not null"`
	UserID           string           `gorm:"index:idx_allocation_deal_user,unique;size:64;not null"`
	RequestedAmount  decimal.Decimal  `gorm:"type:numeric;not null"`
	GuaranteedAmount decimal.Decimal  `gorm:"type:numeric"`
	FinalAmount      decimal.Decimal  `gorm:"type:numeric"`
	Method           AllocationMethod `gorm:"size:16"`
	LotteryTickets   uint
	LotteryWon       bool
	Finalized        bool `gorm:"index"`
	FinalizedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Allocation) TableName() string {
	return "allocation"
}

// Filled returns true if the user received any portion of their request
func (a *Allocation) Filled() bool {
	return a.Finalized && a.FinalAmount.IsPositive()
}

// FillRatio returns FinalAmount / RequestedAmount, or zero when nothing was
// requested
func (a *Allocation) FillRatio() decimal.Decimal {
	if !a.RequestedAmount.IsPositive() {
		return decimal.Zero
	}
	return a.FinalAmount.Div(a.RequestedAmount)
}
