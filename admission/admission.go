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

package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/corral/capledger"
	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

const (
	AdmittedEventType  event.EventType = "admission.admitted"
	ConfirmedEventType event.EventType = "admission.confirmed"
	FailedEventType    event.EventType = "admission.failed"
	RefundedEventType  event.EventType = "admission.refunded"
)

const (
	defaultPendingTimeout = 30 * time.Minute
	defaultReapInterval   = time.Minute
)

// ErrIllegalTransition is returned when a settlement outcome arrives for a
// contribution that already settled differently
var ErrIllegalTransition = errors.New("illegal settlement transition")

// ContributionEvent is the payload for all admission event types
type ContributionEvent struct {
	ContributionID uint
	DealID         uint
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Status         models.ContributionStatus
	Reservation    string
}

// TierStatus is a user's standing as reported by the upstream identity
// system. The controller only consumes it; tiers and KYC are managed
// elsewhere.
type TierStatus struct {
	Tier           uint
	KycApproved    bool
	KycExpiresAt   *time.Time
	LotteryTickets uint
}

// TierProvider supplies per-user tier and KYC state
type TierProvider interface {
	UserStatus(ctx context.Context, userId string) (*TierStatus, error)
}

// PhaseClosedError is returned when a contribution is submitted outside the
// deal's contribution window or after finalization
type PhaseClosedError struct {
	DealID   uint
	OpensAt  time.Time
	ClosesAt time.Time
}

func (e *PhaseClosedError) Error() string {
	return fmt.Sprintf(
		"deal %d is not accepting contributions (window %s to %s)",
		e.DealID,
		e.OpensAt.Format(time.RFC3339),
		e.ClosesAt.Format(time.RFC3339),
	)
}

// AmountOutOfRangeError is returned when a contribution fails the deal's
// amount rules: wrong currency, below the minimum, or lifting the user's
// admitted total past the maximum
type AmountOutOfRangeError struct {
	DealID       uint
	UserID       string
	Amount       decimal.Decimal
	Currency     string
	DealCurrency string
	Min          decimal.Decimal
	Max          decimal.Decimal
	Admitted     decimal.Decimal
}

func (e *AmountOutOfRangeError) Error() string {
	if e.Currency != e.DealCurrency {
		return fmt.Sprintf(
			"currency %s does not match deal %d raise currency %s",
			e.Currency,
			e.DealID,
			e.DealCurrency,
		)
	}
	if e.Amount.LessThan(e.Min) {
		return fmt.Sprintf(
			"contribution %s is below deal %d minimum %s",
			e.Amount.String(),
			e.DealID,
			e.Min.String(),
		)
	}
	return fmt.Sprintf(
		"contribution %s plus admitted %s exceeds deal %d maximum %s for user %s",
		e.Amount.String(),
		e.Admitted.String(),
		e.DealID,
		e.Max.String(),
		e.UserID,
	)
}

// IneligibleError is returned when a user fails the deal's tier or KYC
// requirements
type IneligibleError struct {
	DealID uint
	UserID string
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf(
		"user %s is not eligible for deal %d: %s",
		e.UserID,
		e.DealID,
		e.Reason,
	)
}

type ControllerConfig struct {
	PromRegistry   prometheus.Registerer
	Logger         *slog.Logger
	EventBus       *event.EventBus
	Database       *database.Database
	Ledger         *capledger.Ledger
	TierProvider   TierProvider
	PendingTimeout time.Duration
	ReapInterval   time.Duration
}

// Controller validates incoming contribution requests and drives their
// settlement lifecycle. Validation is ordered: phase, amount, eligibility,
// then the cap reservation; the first failing check wins. The row, the
// allocation accumulator, and the cap movement commit in one transaction
// through the ledger's register callback.
type Controller struct {
	config  ControllerConfig
	metrics struct {
		admittedTotal  prometheus.Counter
		rejectedTotal  prometheus.Counter
		confirmedTotal prometheus.Counter
		failedTotal    prometheus.Counter
		refundedTotal  prometheus.Counter
		reapedTotal    prometheus.Counter
	}
	logger   *slog.Logger
	eventBus *event.EventBus
	db       *database.Database
	ledger   *capledger.Ledger
	tiers    TierProvider
	cron     *cron.Cron
}

func NewController(config ControllerConfig) *Controller {
	c := &Controller{
		config:   config,
		eventBus: config.EventBus,
		db:       config.Database,
		ledger:   config.Ledger,
		tiers:    config.TierProvider,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		c.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	c.metrics.admittedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_admitted_total",
			Help: "total contribution requests admitted",
		},
	)
	c.metrics.rejectedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "total contribution requests rejected at validation",
		},
	)
	c.metrics.confirmedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_confirmations_total",
			Help: "total contributions confirmed by settlement",
		},
	)
	c.metrics.failedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_failures_total",
			Help: "total contributions failed by settlement",
		},
	)
	c.metrics.refundedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_refunds_total",
			Help: "total confirmed contributions refunded",
		},
	)
	c.metrics.reapedTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_reaped_total",
			Help: "total stale pending contributions failed by the reaper",
		},
	)
	return c
}

// Start launches the background reaper that fails pending contributions
// older than the configured timeout
func (c *Controller) Start() error {
	interval := c.config.ReapInterval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(
		fmt.Sprintf("@every %s", interval),
		func() {
			cutoff := time.Now().Add(-c.pendingTimeout())
			count, err := c.ReapPending(context.Background(), cutoff)
			if err != nil {
				c.logger.Error(
					"failed to reap stale contributions",
					"component", "admission",
					"error", err,
				)
			}
			if count > 0 {
				c.logger.Info(
					"reaped stale pending contributions",
					"component", "admission",
					"count", count,
				)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop halts the background reaper
func (c *Controller) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *Controller) pendingTimeout() time.Duration {
	if c.config.PendingTimeout > 0 {
		return c.config.PendingTimeout
	}
	return defaultPendingTimeout
}

// Submit validates a contribution request and admits it against the deal's
// hard cap. On success the request is PENDING and the amount is reserved;
// settlement moves it on from there.
func (c *Controller) Submit(
	ctx context.Context,
	userId string,
	dealId uint,
	amount decimal.Decimal,
	currency string,
) (*models.ContributionRequest, error) {
	now := time.Now()
	deal, err := c.db.GetDeal(dealId, nil)
	if err != nil {
		return nil, err
	}
	if !deal.OpenForContributions(now) {
		c.metrics.rejectedTotal.Inc()
		return nil, &PhaseClosedError{
			DealID:   dealId,
			OpensAt:  deal.OpensAt,
			ClosesAt: deal.ClosesAt,
		}
	}
	if err := c.checkAmount(deal, userId, amount, currency, nil); err != nil {
		c.metrics.rejectedTotal.Inc()
		return nil, err
	}
	tickets, err := c.checkEligibility(ctx, deal, userId, now)
	if err != nil {
		var ineligibleErr *IneligibleError
		if errors.As(err, &ineligibleErr) {
			c.metrics.rejectedTotal.Inc()
		}
		return nil, err
	}
	contribution := &models.ContributionRequest{
		DealID:      dealId,
		UserID:      userId,
		Amount:      amount,
		Currency:    currency,
		Status:      models.ContributionStatusPending,
		Reservation: uuid.New().String(),
		SubmittedAt: now,
	}
	_, err = c.ledger.Reserve(
		ctx,
		dealId,
		userId,
		contribution.Reservation,
		amount,
		func(txn *database.Txn) error {
			// The max check races with other submissions by the same user
			// up to this point; re-checking under the deal lock closes it
			if err := c.checkAmount(deal, userId, amount, currency, txn); err != nil {
				return err
			}
			if err := c.db.AddContribution(contribution, txn); err != nil {
				return err
			}
			return c.accumulateAllocation(txn, dealId, userId, amount, tickets)
		},
	)
	if err != nil {
		var rangeErr *AmountOutOfRangeError
		var capErr *capledger.CapExceededError
		switch {
		case errors.Is(err, capledger.ErrDealFinalized):
			c.metrics.rejectedTotal.Inc()
			return nil, &PhaseClosedError{
				DealID:   dealId,
				OpensAt:  deal.OpensAt,
				ClosesAt: deal.ClosesAt,
			}
		case errors.As(err, &rangeErr), errors.As(err, &capErr):
			c.metrics.rejectedTotal.Inc()
		}
		return nil, err
	}
	c.metrics.admittedTotal.Inc()
	c.logger.Info(
		"admitted contribution",
		"component", "admission",
		"deal_id", dealId,
		"user_id", userId,
		"contribution_id", contribution.ID,
		"amount", amount.String(),
		"currency", currency,
	)
	c.publishAsync(AdmittedEventType, contribution)
	return contribution, nil
}

// checkAmount enforces the deal's currency and contribution bounds. The
// admitted total counts PENDING and CONFIRMED requests only.
func (c *Controller) checkAmount(
	deal *models.Deal,
	userId string,
	amount decimal.Decimal,
	currency string,
	txn *database.Txn,
) error {
	rangeErr := &AmountOutOfRangeError{
		DealID:       deal.ID,
		UserID:       userId,
		Amount:       amount,
		Currency:     currency,
		DealCurrency: deal.RaiseCurrency,
		Min:          deal.MinContribution,
		Max:          deal.MaxContribution,
	}
	if currency != deal.RaiseCurrency {
		return rangeErr
	}
	if amount.LessThan(deal.MinContribution) {
		return rangeErr
	}
	// A zero maximum means the deal has no per-user limit
	if deal.MaxContribution.IsPositive() {
		admitted, err := c.admittedTotal(deal.ID, userId, txn)
		if err != nil {
			return err
		}
		if admitted.Add(amount).GreaterThan(deal.MaxContribution) {
			rangeErr.Admitted = admitted
			return rangeErr
		}
	}
	return nil
}

func (c *Controller) admittedTotal(
	dealId uint,
	userId string,
	txn *database.Txn,
) (decimal.Decimal, error) {
	contributions, err := c.db.GetContributionsByUser(
		dealId,
		userId,
		[]models.ContributionStatus{
			models.ContributionStatusPending,
			models.ContributionStatusConfirmed,
		},
		txn,
	)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range contributions {
		total = total.Add(contributions[i].Amount)
	}
	return total, nil
}

// checkEligibility enforces the deal's tier and KYC requirements and
// returns the user's lottery ticket count for the allocation accumulator
func (c *Controller) checkEligibility(
	ctx context.Context,
	deal *models.Deal,
	userId string,
	now time.Time,
) (uint, error) {
	if c.tiers == nil {
		if deal.MinTierRequired > 0 || deal.RequiresKyc {
			return 0, &IneligibleError{
				DealID: deal.ID,
				UserID: userId,
				Reason: "no tier information available",
			}
		}
		return 0, nil
	}
	status, err := c.tiers.UserStatus(ctx, userId)
	if err != nil {
		return 0, fmt.Errorf("tier lookup for user %s: %w", userId, err)
	}
	if status.Tier < deal.MinTierRequired {
		return 0, &IneligibleError{
			DealID: deal.ID,
			UserID: userId,
			Reason: fmt.Sprintf(
				"tier %d is below required tier %d",
				status.Tier,
				deal.MinTierRequired,
			),
		}
	}
	if deal.RequiresKyc {
		if !status.KycApproved {
			return 0, &IneligibleError{
				DealID: deal.ID,
				UserID: userId,
				Reason: "KYC approval required",
			}
		}
		if status.KycExpiresAt != nil && !status.KycExpiresAt.After(now) {
			return 0, &IneligibleError{
				DealID: deal.ID,
				UserID: userId,
				Reason: "KYC approval expired",
			}
		}
	}
	return status.LotteryTickets, nil
}

// accumulateAllocation upserts the user's pre-finalization allocation row,
// growing the requested total and refreshing the ticket count
func (c *Controller) accumulateAllocation(
	txn *database.Txn,
	dealId uint,
	userId string,
	amount decimal.Decimal,
	tickets uint,
) error {
	row, err := c.db.GetAllocation(dealId, userId, txn)
	if errors.Is(err, models.ErrAllocationNotFound) {
		return c.db.AddAllocation(&models.Allocation{
			DealID:          dealId,
			UserID:          userId,
			RequestedAmount: amount,
			LotteryTickets:  tickets,
		}, txn)
	}
	if err != nil {
		return err
	}
	row.RequestedAmount = row.RequestedAmount.Add(amount)
	row.LotteryTickets = tickets
	return c.db.UpdateAllocation(row, txn)
}

// reduceAllocation shrinks the user's requested total after a failure or
// refund. Finalized rows are historical and stay untouched.
func (c *Controller) reduceAllocation(
	txn *database.Txn,
	dealId uint,
	userId string,
	amount decimal.Decimal,
) error {
	row, err := c.db.GetAllocation(dealId, userId, txn)
	if errors.Is(err, models.ErrAllocationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if row.Finalized {
		return nil
	}
	row.RequestedAmount = row.RequestedAmount.Sub(amount)
	if row.RequestedAmount.IsNegative() {
		row.RequestedAmount = decimal.Zero
	}
	return c.db.UpdateAllocation(row, txn)
}

// ConfirmSettlement records an external settlement success, moving the
// request PENDING to CONFIRMED and making its reservation durable. Calling
// it on an already-confirmed request returns the stored row unchanged.
func (c *Controller) ConfirmSettlement(
	ctx context.Context,
	contributionId uint,
	txHash string,
	height uint64,
) (*models.ContributionRequest, error) {
	contribution, err := c.db.GetContribution(contributionId, nil)
	if err != nil {
		return nil, err
	}
	if contribution.Status == models.ContributionStatusConfirmed {
		return contribution, nil
	}
	var confirmed *models.ContributionRequest
	err = c.ledger.Confirm(
		ctx,
		contribution.Reservation,
		func(txn *database.Txn) error {
			fresh, err := c.db.GetContributionByReservation(
				contribution.Reservation,
				txn,
			)
			if err != nil {
				return err
			}
			now := time.Now()
			fresh.Status = models.ContributionStatusConfirmed
			fresh.TxHash = txHash
			fresh.BlockHeight = height
			fresh.ConfirmedAt = &now
			if err := c.db.UpdateContribution(fresh, txn); err != nil {
				return err
			}
			confirmed = fresh
			return nil
		},
	)
	if errors.Is(err, capledger.ErrNotPending) {
		return c.settledNoOp(
			contribution.Reservation,
			models.ContributionStatusConfirmed,
		)
	}
	if err != nil {
		return nil, err
	}
	c.metrics.confirmedTotal.Inc()
	c.logger.Info(
		"confirmed contribution",
		"component", "admission",
		"deal_id", confirmed.DealID,
		"user_id", confirmed.UserID,
		"contribution_id", confirmed.ID,
		"tx_hash", txHash,
		"block_height", height,
	)
	c.publishAsync(ConfirmedEventType, confirmed)
	return confirmed, nil
}

// FailSettlement records an external settlement failure, moving the request
// PENDING to FAILED and releasing its reservation back to headroom. Calling
// it on an already-failed request returns the stored row unchanged.
func (c *Controller) FailSettlement(
	ctx context.Context,
	contributionId uint,
	reason string,
) (*models.ContributionRequest, error) {
	contribution, err := c.db.GetContribution(contributionId, nil)
	if err != nil {
		return nil, err
	}
	if contribution.Status == models.ContributionStatusFailed {
		return contribution, nil
	}
	var failed *models.ContributionRequest
	err = c.ledger.Release(
		ctx,
		contribution.Reservation,
		func(txn *database.Txn) error {
			fresh, err := c.db.GetContributionByReservation(
				contribution.Reservation,
				txn,
			)
			if err != nil {
				return err
			}
			now := time.Now()
			fresh.Status = models.ContributionStatusFailed
			fresh.FailReason = reason
			fresh.FailedAt = &now
			if err := c.db.UpdateContribution(fresh, txn); err != nil {
				return err
			}
			if err := c.reduceAllocation(
				txn,
				fresh.DealID,
				fresh.UserID,
				fresh.Amount,
			); err != nil {
				return err
			}
			failed = fresh
			return nil
		},
	)
	if errors.Is(err, capledger.ErrNotPending) {
		return c.settledNoOp(
			contribution.Reservation,
			models.ContributionStatusFailed,
		)
	}
	if err != nil {
		return nil, err
	}
	c.metrics.failedTotal.Inc()
	c.logger.Info(
		"failed contribution",
		"component", "admission",
		"deal_id", failed.DealID,
		"user_id", failed.UserID,
		"contribution_id", failed.ID,
		"reason", reason,
	)
	c.publishAsync(FailedEventType, failed)
	return failed, nil
}

// Refund records that a confirmed contribution was returned to the user.
// The raised total is untouched: money that left escrow is a historical
// fact, and the cap space it consumed is never handed back. Calling it on
// an already-refunded request returns the stored row unchanged.
func (c *Controller) Refund(
	ctx context.Context,
	contributionId uint,
	reference string,
) (*models.ContributionRequest, error) {
	contribution, err := c.db.GetContribution(contributionId, nil)
	if err != nil {
		return nil, err
	}
	if contribution.Status == models.ContributionStatusRefunded {
		return contribution, nil
	}
	var refunded *models.ContributionRequest
	err = c.ledger.Refund(
		ctx,
		contribution.Reservation,
		reference,
		func(txn *database.Txn) error {
			fresh, err := c.db.GetContributionByReservation(
				contribution.Reservation,
				txn,
			)
			if err != nil {
				return err
			}
			now := time.Now()
			fresh.Status = models.ContributionStatusRefunded
			fresh.RefundedAt = &now
			if err := c.db.UpdateContribution(fresh, txn); err != nil {
				return err
			}
			if err := c.reduceAllocation(
				txn,
				fresh.DealID,
				fresh.UserID,
				fresh.Amount,
			); err != nil {
				return err
			}
			refunded = fresh
			return nil
		},
	)
	if errors.Is(err, capledger.ErrNotConfirmed) {
		return c.settledNoOp(
			contribution.Reservation,
			models.ContributionStatusRefunded,
		)
	}
	if err != nil {
		return nil, err
	}
	c.metrics.refundedTotal.Inc()
	c.logger.Info(
		"refunded contribution",
		"component", "admission",
		"deal_id", refunded.DealID,
		"user_id", refunded.UserID,
		"contribution_id", refunded.ID,
		"reference", reference,
	)
	c.publishAsync(RefundedEventType, refunded)
	return refunded, nil
}

// settledNoOp resolves a transition that lost a race: if the request
// already reached the target status, the duplicate is a successful no-op
func (c *Controller) settledNoOp(
	reservation string,
	want models.ContributionStatus,
) (*models.ContributionRequest, error) {
	fresh, err := c.db.GetContributionByReservation(reservation, nil)
	if err != nil {
		return nil, err
	}
	if fresh.Status == want {
		return fresh, nil
	}
	return nil, fmt.Errorf(
		"%w: contribution %d is %s, not %s",
		ErrIllegalTransition,
		fresh.ID,
		fresh.Status,
		want,
	)
}

// ReapPending fails every contribution still PENDING from before the
// cutoff. Returns the number reaped; individual failures are collected
// rather than aborting the sweep.
func (c *Controller) ReapPending(
	ctx context.Context,
	cutoff time.Time,
) (int, error) {
	stale, err := c.db.GetPendingContributionsBefore(cutoff, nil)
	if err != nil {
		return 0, err
	}
	var reaped int
	var errs []error
	for i := range stale {
		if _, err := c.FailSettlement(
			ctx,
			stale[i].ID,
			"settlement timeout",
		); err != nil {
			errs = append(errs, fmt.Errorf(
				"reap contribution %d: %w",
				stale[i].ID,
				err,
			))
			continue
		}
		reaped++
	}
	c.metrics.reapedTotal.Add(float64(reaped))
	return reaped, errors.Join(errs...)
}

func (c *Controller) publishAsync(
	eventType event.EventType,
	contribution *models.ContributionRequest,
) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.PublishAsync(
		eventType,
		event.NewEvent(eventType, ContributionEvent{
			ContributionID: contribution.ID,
			DealID:         contribution.DealID,
			UserID:         contribution.UserID,
			Amount:         contribution.Amount,
			Currency:       contribution.Currency,
			Status:         contribution.Status,
			Reservation:    contribution.Reservation,
		}),
	)
}
