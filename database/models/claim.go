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

var ErrClaimNotFound = errors.New("claim not found")

// ClaimRecord is one executed claim against a vesting schedule. The unique
// (schedule, settlement ref) index is what makes claim retries idempotent:
// a second attempt with the same ref finds this row instead of paying twice.
type ClaimRecord struct {
	ID            uint            `gorm:"primarykey"`
	ScheduleID    uint            `gorm:"index:idx_claim_schedule_ref,unique;not null"`
	SettlementRef string          `gorm:"index:idx_claim_schedule_ref,unique;size:128;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric;not null"`
	ClaimedAt     time.Time       `gorm:"index"`
	CreatedAt     time.Time
}

func (ClaimRecord) TableName() string {
	return "claim_record"
}
