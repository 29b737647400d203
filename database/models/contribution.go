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

var ErrContributionNotFound = errors.New("contribution not found")

// ContributionStatus is the lifecycle state of a contribution request.
// Transitions are one-way: PENDING moves to exactly one of CONFIRMED or
// FAILED, and CONFIRMED may later move to REFUNDED. No other transition
// exists.
type ContributionStatus string

const (
	ContributionStatusPending   ContributionStatus = "PENDING"
	ContributionStatusConfirmed ContributionStatus = "CONFIRMED"
	ContributionStatusFailed    ContributionStatus = "FAILED"
	ContributionStatusRefunded  ContributionStatus = "REFUNDED"
)

// Valid returns true if the ContributionStatus is a known value
func (s ContributionStatus) Valid() bool {
	switch s {
	case ContributionStatusPending,
		ContributionStatusConfirmed,
		ContributionStatusFailed,
		ContributionStatusRefunded:
		return true
	default:
		return false
	}
}

func (s ContributionStatus) String() string {
	return string(s)
}

// CanTransitionTo returns true if the receiver may legally move to the given
// status
func (s ContributionStatus) CanTransitionTo(next ContributionStatus) bool {
	switch s {
	case ContributionStatusPending:
		return next == ContributionStatusConfirmed ||
			next == ContributionStatusFailed
	case ContributionStatusConfirmed:
		return next == ContributionStatusRefunded
	default:
		return false
	}
}

// ContributionRequest is a user's admitted request to contribute to a deal.
// The auto-increment ID doubles as the arrival tiebreaker for allocation
// ordering when two requests share a submission timestamp. Amount is
// immutable after admission; only Status and the settlement facts change.
type ContributionRequest struct {
	ID          uint               `gorm:"primarykey"`
	DealID      uint               `gorm:"index:idx_contribution_deal_user;not null"`
	UserID      string             `gorm:"index:idx_contribution_deal_user;size:64;not null"`
	Amount      decimal.Decimal    `gorm:"type:numeric;not null"`
	Currency    string             `gorm:"size:16;not null"`
	Status      ContributionStatus `gorm:"size:16;index;not null"`
	Reservation string             `gorm:"uniqueIndex;size:36;not null"`
	// TxHash and BlockHeight are externally supplied settlement facts. This
	// service never talks to a chain to verify them.
	TxHash      string    `gorm:"size:128"`
	BlockHeight uint64
	FailReason  string    `gorm:"size:256"`
	SubmittedAt time.Time `gorm:"index"`
	ConfirmedAt *time.Time
	FailedAt    *time.Time
	RefundedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ContributionRequest) TableName() string {
	return "contribution_request"
}

// Settled returns true once the request has left PENDING
func (c *ContributionRequest) Settled() bool {
	return c.Status != ContributionStatusPending
}
