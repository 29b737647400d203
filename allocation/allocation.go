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

package allocation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/blinklabs-io/corral/vesting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const FinalizedEventType event.EventType = "allocation.finalized"

// FinalizedEvent is the payload for FinalizedEventType events
type FinalizedEvent struct {
	DealID         uint
	Method         models.AllocationMethod
	TotalAllocated decimal.Decimal
	Participants   int
}

// NotYetClosedError is returned when finalization is attempted while the
// contribution window is still open
type NotYetClosedError struct {
	DealID   uint
	ClosesAt time.Time
}

func (e *NotYetClosedError) Error() string {
	return fmt.Sprintf(
		"deal %d is open for contributions until %s",
		e.DealID,
		e.ClosesAt.Format(time.RFC3339),
	)
}

type EngineConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Database     *database.Database
	Vesting      *vesting.Vesting
}

// Engine turns a closed deal's confirmed contributions into final
// allocations. Finalization runs exactly once per deal; a second call
// returns the stored rows and re-ensures vesting schedules exist for them,
// making the operation safely retryable end to end.
type Engine struct {
	config  EngineConfig
	metrics struct {
		finalizationsTotal prometheus.Counter
		allocatedAmount    prometheus.Counter
	}
	logger   *slog.Logger
	eventBus *event.EventBus
	db       *database.Database
	vesting  *vesting.Vesting
	mu       sync.Mutex
}

func NewEngine(config EngineConfig) *Engine {
	e := &Engine{
		config:   config,
		eventBus: config.EventBus,
		db:       config.Database,
		vesting:  config.Vesting,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	e.metrics.finalizationsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_finalizations_total",
			Help: "total deals finalized",
		},
	)
	e.metrics.allocatedAmount = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "allocation_allocated_amount_total",
			Help: "total amount allocated across finalized deals",
		},
	)
	return e
}

// userPosition aggregates one user's confirmed requests for the per-user
// allocation methods
type userPosition struct {
	userID     string
	requested  decimal.Decimal
	guarantee  decimal.Decimal
	tickets    uint
	earliestAt time.Time
	earliestID uint
}

// Finalize computes and stores the final allocation for every participant
// of a closed deal, then generates vesting schedules for the filled ones.
// Calling it on an already-finalized deal returns the stored allocations.
func (e *Engine) Finalize(
	ctx context.Context,
	dealId uint,
	now time.Time,
) ([]models.Allocation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var deal *models.Deal
	var fills map[string]decimal.Decimal
	var winners map[string]bool
	var participants int
	var alreadyFinalized bool
	txn := e.db.Transaction(true)
	err := txn.Do(func(txn *database.Txn) error {
		var err error
		deal, err = e.db.GetDeal(dealId, txn)
		if err != nil {
			return err
		}
		if deal.Finalized {
			alreadyFinalized = true
			return nil
		}
		if !deal.Closed(now) {
			return &NotYetClosedError{DealID: dealId, ClosesAt: deal.ClosesAt}
		}
		confirmed, err := e.db.GetContributionsByDeal(
			dealId,
			[]models.ContributionStatus{models.ContributionStatusConfirmed},
			txn,
		)
		if err != nil {
			return err
		}
		// Allocation order is reconstructed from recorded submission times,
		// never from processing order
		sort.SliceStable(confirmed, func(i, j int) bool {
			if confirmed[i].SubmittedAt.Equal(confirmed[j].SubmittedAt) {
				return confirmed[i].ID < confirmed[j].ID
			}
			return confirmed[i].SubmittedAt.Before(confirmed[j].SubmittedAt)
		})
		rows, err := e.db.GetAllocationsByDeal(dealId, txn)
		if err != nil {
			return err
		}
		guarantees, err := e.db.GetDealGuarantees(dealId, txn)
		if err != nil {
			return err
		}
		positions := buildPositions(confirmed, rows, guarantees)
		participants = len(positions)
		switch deal.AllocationMethod {
		case models.AllocationMethodFcfs:
			fills = fcfsFill(confirmed, deal.HardCap)
		case models.AllocationMethodGuaranteed:
			fills = guaranteedFill(positions)
		case models.AllocationMethodProRata:
			fills = proRataFill(confirmed, deal.HardCap, deal.CurrencyDecimals)
		case models.AllocationMethodLottery:
			seed := lotterySeed(dealId, now)
			fills, winners = lotteryFill(positions, deal.HardCap, seedRand(seed))
			deal.LotterySeed = hex.EncodeToString(seed[:])
		case models.AllocationMethodHybrid:
			fills = hybridFill(
				positions,
				confirmed,
				deal.HardCap,
				deal.CurrencyDecimals,
			)
		default:
			return fmt.Errorf(
				"unknown allocation method %q for deal %d",
				deal.AllocationMethod,
				dealId,
			)
		}
		total := decimal.Zero
		for _, amount := range fills {
			total = total.Add(amount)
		}
		if total.GreaterThan(deal.HardCap) {
			return fmt.Errorf(
				"allocated %s exceeds hard cap %s for deal %d",
				total.String(),
				deal.HardCap.String(),
				dealId,
			)
		}
		finalizedAt := now
		if err := e.persistAllocations(
			txn,
			deal,
			positions,
			fills,
			winners,
			finalizedAt,
		); err != nil {
			return err
		}
		deal.Finalized = true
		deal.FinalizedAt = &finalizedAt
		return e.db.UpdateDeal(deal, txn)
	})
	if err != nil {
		return nil, err
	}
	allocations, err := e.db.GetAllocationsByDeal(dealId, nil)
	if err != nil {
		return nil, err
	}
	if alreadyFinalized {
		// Idempotent path: hand back the stored rows, but still make sure
		// every filled allocation has its schedule (a prior call may have
		// failed partway through generation)
		return allocations, e.ensureSchedules(ctx, allocations)
	}
	totalAllocated := decimal.Zero
	for i := range allocations {
		totalAllocated = totalAllocated.Add(allocations[i].FinalAmount)
	}
	e.metrics.finalizationsTotal.Inc()
	e.metrics.allocatedAmount.Add(totalAllocated.InexactFloat64())
	e.logger.Info(
		"finalized deal",
		"component", "allocation",
		"deal_id", dealId,
		"method", deal.AllocationMethod.String(),
		"participants", participants,
		"total_allocated", totalAllocated.String(),
	)
	if e.eventBus != nil {
		e.eventBus.Publish(
			FinalizedEventType,
			event.NewEvent(FinalizedEventType, FinalizedEvent{
				DealID:         dealId,
				Method:         deal.AllocationMethod,
				TotalAllocated: totalAllocated,
				Participants:   participants,
			}),
		)
	}
	return allocations, e.ensureSchedules(ctx, allocations)
}

// persistAllocations finalizes every known position, including the
// zero-fill ones, so losing outcomes stay queryable
func (e *Engine) persistAllocations(
	txn *database.Txn,
	deal *models.Deal,
	positions []*userPosition,
	fills map[string]decimal.Decimal,
	winners map[string]bool,
	finalizedAt time.Time,
) error {
	for _, position := range positions {
		row, err := e.db.GetAllocation(deal.ID, position.userID, txn)
		if errors.Is(err, models.ErrAllocationNotFound) {
			row = &models.Allocation{
				DealID: deal.ID,
				UserID: position.userID,
			}
			err = nil
		}
		if err != nil {
			return err
		}
		// Re-anchor the requested total to the confirmed contributions the
		// fill was computed from
		row.RequestedAmount = position.requested
		row.GuaranteedAmount = position.guarantee
		row.FinalAmount = fills[position.userID]
		row.Method = deal.AllocationMethod
		row.LotteryWon = winners[position.userID]
		row.Finalized = true
		row.FinalizedAt = &finalizedAt
		if row.ID == 0 {
			if err := e.db.AddAllocation(row, txn); err != nil {
				return err
			}
			continue
		}
		if err := e.db.UpdateAllocation(row, txn); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchedules generates vesting schedules for every filled allocation.
// Generation is idempotent, so retries after a partial failure are safe.
func (e *Engine) ensureSchedules(
	ctx context.Context,
	allocations []models.Allocation,
) error {
	if e.vesting == nil {
		return nil
	}
	var errs []error
	for i := range allocations {
		if !allocations[i].FinalAmount.IsPositive() {
			continue
		}
		if _, err := e.vesting.Generate(ctx, &allocations[i]); err != nil {
			errs = append(errs, fmt.Errorf(
				"generate schedule for user %s: %w",
				allocations[i].UserID,
				err,
			))
		}
	}
	return errors.Join(errs...)
}

// buildPositions folds per-request rows into per-user positions, keyed to
// the user's earliest confirmed request for deterministic ordering
func buildPositions(
	confirmed []models.ContributionRequest,
	rows []models.Allocation,
	guarantees []models.DealGuarantee,
) []*userPosition {
	byUser := make(map[string]*userPosition)
	ensure := func(userId string) *userPosition {
		position, ok := byUser[userId]
		if !ok {
			position = &userPosition{userID: userId}
			byUser[userId] = position
		}
		return position
	}
	for i := range confirmed {
		position := ensure(confirmed[i].UserID)
		if position.requested.IsZero() {
			position.earliestAt = confirmed[i].SubmittedAt
			position.earliestID = confirmed[i].ID
		}
		position.requested = position.requested.Add(confirmed[i].Amount)
	}
	for i := range rows {
		position := ensure(rows[i].UserID)
		position.tickets = rows[i].LotteryTickets
	}
	for i := range guarantees {
		if position, ok := byUser[guarantees[i].UserID]; ok {
			position.guarantee = guarantees[i].Amount
		}
	}
	positions := make([]*userPosition, 0, len(byUser))
	for _, position := range byUser {
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].earliestAt.Equal(positions[j].earliestAt) {
			return positions[i].earliestID < positions[j].earliestID
		}
		return positions[i].earliestAt.Before(positions[j].earliestAt)
	})
	return positions
}

// fcfsFill fills requests greedily in submission order. The request that
// crosses the cap is partially filled to the remaining headroom; everything
// after it gets nothing.
func fcfsFill(
	confirmed []models.ContributionRequest,
	hardCap decimal.Decimal,
) map[string]decimal.Decimal {
	fills := make(map[string]decimal.Decimal)
	remaining := hardCap
	for i := range confirmed {
		if !remaining.IsPositive() {
			break
		}
		fill := confirmed[i].Amount
		if fill.GreaterThan(remaining) {
			fill = remaining
		}
		fills[confirmed[i].UserID] = fills[confirmed[i].UserID].Add(fill)
		remaining = remaining.Sub(fill)
	}
	return fills
}

// guaranteedFill gives each user min(guarantee, requested). Unused
// guaranteed capacity is not redistributed.
func guaranteedFill(positions []*userPosition) map[string]decimal.Decimal {
	fills := make(map[string]decimal.Decimal)
	for _, position := range positions {
		fill := position.guarantee
		if position.requested.LessThan(fill) {
			fill = position.requested
		}
		if fill.IsPositive() {
			fills[position.userID] = fill
		}
	}
	return fills
}

// proRataFill scales every request by the same hardCap/totalRequested ratio
// when demand exceeds the cap, rounding down to the currency's smallest
// unit. The rounding remainder goes to the earliest request so the total
// comes out exact.
func proRataFill(
	confirmed []models.ContributionRequest,
	hardCap decimal.Decimal,
	currencyDecimals int32,
) map[string]decimal.Decimal {
	fills := make(map[string]decimal.Decimal)
	totalRequested := decimal.Zero
	for i := range confirmed {
		totalRequested = totalRequested.Add(confirmed[i].Amount)
	}
	if totalRequested.LessThanOrEqual(hardCap) {
		for i := range confirmed {
			fills[confirmed[i].UserID] = fills[confirmed[i].UserID].
				Add(confirmed[i].Amount)
		}
		return fills
	}
	allocated := decimal.Zero
	perRequest := make([]decimal.Decimal, len(confirmed))
	for i := range confirmed {
		fill := confirmed[i].Amount.
			Mul(hardCap).
			Div(totalRequested).
			Truncate(currencyDecimals)
		perRequest[i] = fill
		allocated = allocated.Add(fill)
	}
	if remainder := hardCap.Sub(allocated); remainder.IsPositive() &&
		len(confirmed) > 0 {
		perRequest[0] = perRequest[0].Add(remainder)
	}
	for i := range confirmed {
		fills[confirmed[i].UserID] = fills[confirmed[i].UserID].
			Add(perRequest[i])
	}
	return fills
}

// lotteryFill draws users without replacement, weighted by ticket count,
// until the next drawn user's request would cross the cap. Winners are
// filled in full; the draw stops at the first crossing rather than skipping
// past it.
func lotteryFill(
	positions []*userPosition,
	hardCap decimal.Decimal,
	rng *rand.Rand,
) (map[string]decimal.Decimal, map[string]bool) {
	fills := make(map[string]decimal.Decimal)
	winners := make(map[string]bool)
	pool := make([]*userPosition, 0, len(positions))
	for _, position := range positions {
		if position.tickets > 0 && position.requested.IsPositive() {
			pool = append(pool, position)
		}
	}
	remaining := hardCap
	for len(pool) > 0 {
		var totalTickets uint64
		for _, position := range pool {
			totalTickets += uint64(position.tickets)
		}
		pick := rng.Uint64N(totalTickets)
		var idx int
		var cumulative uint64
		for i, position := range pool {
			cumulative += uint64(position.tickets)
			if pick < cumulative {
				idx = i
				break
			}
		}
		winner := pool[idx]
		pool = append(pool[:idx], pool[idx+1:]...)
		if winner.requested.GreaterThan(remaining) {
			break
		}
		winners[winner.userID] = true
		fills[winner.userID] = winner.requested
		remaining = remaining.Sub(winner.requested)
	}
	return fills, winners
}

// hybridFill runs the guaranteed pass first, then distributes the leftover
// headroom pro rata among the non-guaranteed requests
func hybridFill(
	positions []*userPosition,
	confirmed []models.ContributionRequest,
	hardCap decimal.Decimal,
	currencyDecimals int32,
) map[string]decimal.Decimal {
	fills := make(map[string]decimal.Decimal)
	guaranteedUsers := make(map[string]bool)
	guaranteedTotal := decimal.Zero
	for _, position := range positions {
		if !position.guarantee.IsPositive() {
			continue
		}
		guaranteedUsers[position.userID] = true
		fill := position.guarantee
		if position.requested.LessThan(fill) {
			fill = position.requested
		}
		if fill.IsPositive() {
			fills[position.userID] = fill
			guaranteedTotal = guaranteedTotal.Add(fill)
		}
	}
	headroom := hardCap.Sub(guaranteedTotal)
	if !headroom.IsPositive() {
		return fills
	}
	others := make([]models.ContributionRequest, 0, len(confirmed))
	for i := range confirmed {
		if !guaranteedUsers[confirmed[i].UserID] {
			others = append(others, confirmed[i])
		}
	}
	for userId, fill := range proRataFill(others, headroom, currencyDecimals) {
		fills[userId] = fills[userId].Add(fill)
	}
	return fills
}

// lotterySeed derives the audit-reproducible seed material for a deal's
// draw from the deal ID and the finalization instant
func lotterySeed(dealId uint, finalizedAt time.Time) [32]byte {
	material := fmt.Sprintf("%d:%d", dealId, finalizedAt.UnixNano())
	return sha256.Sum256([]byte(material))
}

func seedRand(seed [32]byte) *rand.Rand {
	return rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(seed[0:8]),
		binary.BigEndian.Uint64(seed[8:16]),
	))
}
