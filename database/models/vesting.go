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

var ErrVestingScheduleNotFound = errors.New("vesting schedule not found")

// VestingSchedule holds the unlock parameters for one user's tokens from one
// deal. The boundary instants are computed once at generation so a later
// deal edit cannot retroactively change an issued schedule. Unlocked amounts
// are always computed from these fields on demand, never cached.
//
// ClaimedTokens is a projection over the claim journal and is only ever
// written by the claim processor.
type VestingSchedule struct {
	ID            uint            `gorm:"primarykey"`
	DealID        uint            `gorm:"index:idx_vesting_deal_user,unique;not null"`
	UserID        string          `gorm:"index:idx_vesting_deal_user,unique;size:64;not null"`
	TotalTokens   decimal.Decimal `gorm:"type:numeric;not null"`
	TgeTokens     decimal.Decimal `gorm:"type:numeric;not null"`
	ClaimedTokens decimal.Decimal `gorm:"type:numeric"`
	VestingType   VestingType     `gorm:"size:16;not null"`
	TokenDecimals int32           `gorm:"not null"`
	VestingStart  time.Time       `gorm:"not null"`
	CliffEnd      time.Time       `gorm:"not null"`
	VestingEnd    time.Time       `gorm:"not null"`
	// Halted freezes claims against this schedule until an operator
	// intervenes. Set when the claim journal and this projection disagree.
	Halted     bool   `gorm:"index"`
	HaltReason string `gorm:"size:256"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (VestingSchedule) TableName() string {
	return "vesting_schedule"
}

// Remaining returns the tokens not yet claimed
func (s *VestingSchedule) Remaining() decimal.Decimal {
	return s.TotalTokens.Sub(s.ClaimedTokens)
}

// FullyClaimed returns true once every token has been claimed
func (s *VestingSchedule) FullyClaimed() bool {
	return s.ClaimedTokens.GreaterThanOrEqual(s.TotalTokens)
}
