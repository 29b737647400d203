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

package vesting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// monthLength is the tranche interval for MONTHLY_CLIFF schedules. Deal
// durations are day-denominated, so tranches use fixed 30-day periods
// rather than calendar months.
const monthLength = 30 * 24 * time.Hour

// ErrNothingToVest is returned when schedule generation is requested for an
// allocation that received no fill
var ErrNothingToVest = errors.New("allocation has no tokens to vest")

// InvalidPriceError is returned when a deal's token price cannot convert a
// raise amount into tokens
type InvalidPriceError struct {
	DealID     uint
	TokenPrice decimal.Decimal
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf(
		"invalid token price for deal %d: %s",
		e.DealID,
		e.TokenPrice.String(),
	)
}

type VestingConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	Database     *database.Database
}

// Vesting generates per-user unlock schedules from finalized allocations.
// All unlock amounts are recomputed from schedule fields on demand; nothing
// time-dependent is stored.
type Vesting struct {
	config  VestingConfig
	metrics struct {
		schedulesGenerated prometheus.Counter
	}
	logger *slog.Logger
	db     *database.Database
	mu     sync.Mutex
}

func NewVesting(config VestingConfig) *Vesting {
	v := &Vesting{
		config: config,
		db:     config.Database,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		v.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		v.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	v.metrics.schedulesGenerated = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "vesting_schedules_generated_total",
			Help: "total vesting schedules generated",
		},
	)
	return v
}

// Generate creates the vesting schedule for a finalized allocation. Calling
// it again for the same allocation returns the existing schedule. The
// boundary instants are copied from the deal at generation time so later
// deal edits cannot change an issued schedule.
func (v *Vesting) Generate(
	ctx context.Context,
	alloc *models.Allocation,
) (*models.VestingSchedule, error) {
	if !alloc.FinalAmount.IsPositive() {
		return nil, ErrNothingToVest
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	existing, err := v.db.GetVestingScheduleByUser(
		alloc.DealID,
		alloc.UserID,
		nil,
	)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrVestingScheduleNotFound) {
		return nil, err
	}
	deal, err := v.db.GetDeal(alloc.DealID, nil)
	if err != nil {
		return nil, err
	}
	if deal.TokenPrice.LessThanOrEqual(decimal.Zero) {
		return nil, &InvalidPriceError{
			DealID:     deal.ID,
			TokenPrice: deal.TokenPrice,
		}
	}
	totalTokens := alloc.FinalAmount.
		DivRound(deal.TokenPrice, deal.TokenDecimals+8).
		Truncate(deal.TokenDecimals)
	tgeTokens := totalTokens.
		Mul(decimal.NewFromInt(int64(deal.TgeUnlockPercent))).
		Div(decimal.NewFromInt(100)).
		Truncate(deal.TokenDecimals)
	cliffDays := int(deal.VestingCliffDays)       // #nosec G115
	durationDays := int(deal.VestingDurationDays) // #nosec G115
	vestingStart := deal.TgeAt
	cliffEnd := vestingStart.AddDate(0, 0, cliffDays)
	vestingEnd := cliffEnd.AddDate(0, 0, durationDays)
	sched := &models.VestingSchedule{
		DealID:        alloc.DealID,
		UserID:        alloc.UserID,
		TotalTokens:   totalTokens,
		TgeTokens:     tgeTokens,
		ClaimedTokens: decimal.Zero,
		VestingType:   deal.VestingType,
		TokenDecimals: deal.TokenDecimals,
		VestingStart:  vestingStart,
		CliffEnd:      cliffEnd,
		VestingEnd:    vestingEnd,
	}
	if err := v.db.AddVestingSchedule(sched, nil); err != nil {
		return nil, err
	}
	v.metrics.schedulesGenerated.Inc()
	v.logger.Info(
		"generated vesting schedule",
		"component", "vesting",
		"deal_id", alloc.DealID,
		"user_id", alloc.UserID,
		"total_tokens", totalTokens.String(),
		"tge_tokens", tgeTokens.String(),
	)
	return sched, nil
}

// UnlockedAt returns the total tokens unlocked at the given instant. It is a
// pure function of the schedule fields; claim math always recomputes from
// here rather than trusting any stored unlock amount.
func UnlockedAt(
	sched *models.VestingSchedule,
	at time.Time,
) decimal.Decimal {
	if at.Before(sched.VestingStart) {
		return decimal.Zero
	}
	// The TGE portion skips the cliff entirely
	unlocked := sched.TgeTokens
	remainder := sched.TotalTokens.Sub(sched.TgeTokens)
	if remainder.IsPositive() {
		switch sched.VestingType {
		case models.VestingTypeMonthlyCliff:
			unlocked = unlocked.Add(monthlyUnlocked(sched, remainder, at))
		default:
			unlocked = unlocked.Add(linearUnlocked(sched, remainder, at))
		}
	}
	if unlocked.GreaterThan(sched.TotalTokens) {
		return sched.TotalTokens
	}
	return unlocked
}

// linearUnlocked vests the remainder proportionally across the window
// [CliffEnd, VestingEnd], rounded down to the token's smallest unit
func linearUnlocked(
	sched *models.VestingSchedule,
	remainder decimal.Decimal,
	at time.Time,
) decimal.Decimal {
	if !at.After(sched.CliffEnd) {
		return decimal.Zero
	}
	if !at.Before(sched.VestingEnd) {
		return remainder
	}
	elapsed := at.Sub(sched.CliffEnd)
	window := sched.VestingEnd.Sub(sched.CliffEnd)
	return remainder.
		Mul(decimal.NewFromInt(int64(elapsed))).
		Div(decimal.NewFromInt(int64(window))).
		Truncate(sched.TokenDecimals)
}

// monthlyUnlocked vests the remainder in equal 30-day tranches, the first
// unlocking at CliffEnd. The final tranche absorbs division rounding.
func monthlyUnlocked(
	sched *models.VestingSchedule,
	remainder decimal.Decimal,
	at time.Time,
) decimal.Decimal {
	if at.Before(sched.CliffEnd) {
		return decimal.Zero
	}
	if !at.Before(sched.VestingEnd) {
		return remainder
	}
	tranches := trancheCount(sched)
	if tranches <= 0 {
		return remainder
	}
	elapsed := at.Sub(sched.CliffEnd)
	unlocked := int64(elapsed/monthLength) + 1
	if unlocked >= tranches {
		return remainder
	}
	perTranche := remainder.
		Div(decimal.NewFromInt(tranches)).
		Truncate(sched.TokenDecimals)
	return perTranche.Mul(decimal.NewFromInt(unlocked))
}

// trancheCount returns the number of 30-day tranches in the vesting window,
// rounding partial periods up so the whole remainder vests by VestingEnd
func trancheCount(sched *models.VestingSchedule) int64 {
	window := sched.VestingEnd.Sub(sched.CliffEnd)
	count := int64(window / monthLength)
	if window%monthLength != 0 {
		count++
	}
	return count
}

// NextUnlockAt returns the next instant at which the unlocked amount steps
// up, for notification use only. It returns nil once the schedule is fully
// unlocked, and nil during a linear window, where the unlocked amount grows
// continuously rather than in steps.
func NextUnlockAt(sched *models.VestingSchedule, at time.Time) *time.Time {
	if UnlockedAt(sched, at).GreaterThanOrEqual(sched.TotalTokens) {
		return nil
	}
	if at.Before(sched.VestingStart) && sched.TgeTokens.IsPositive() {
		t := sched.VestingStart
		return &t
	}
	switch sched.VestingType {
	case models.VestingTypeMonthlyCliff:
		// First boundary strictly after the current instant
		boundary := sched.CliffEnd
		for !boundary.After(at) {
			boundary = boundary.Add(monthLength)
		}
		if boundary.After(sched.VestingEnd) {
			boundary = sched.VestingEnd
		}
		return &boundary
	default:
		if at.Before(sched.CliffEnd) {
			t := sched.CliffEnd
			return &t
		}
		return nil
	}
}
