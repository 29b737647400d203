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

package compliance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const (
	defaultRapidActivityWindow = time.Hour
)

var (
	defaultLargeContributionThreshold = decimal.NewFromInt(10_000)
	defaultCumulativeThreshold        = decimal.NewFromInt(100_000)
)

// Screener reports whether a wallet matches an external sanctions or risk
// list. Implementations are expected to fail fast; the evaluator treats any
// error as "rule skipped".
type Screener interface {
	Screen(ctx context.Context, userId string) (bool, error)
}

type EvaluatorConfig struct {
	PromRegistry               prometheus.Registerer
	Logger                     *slog.Logger
	EventBus                   *event.EventBus
	Database                   *database.Database
	Screener                   Screener
	LargeContributionThreshold decimal.Decimal
	RapidActivityWindow        time.Duration
	CumulativeThreshold        decimal.Decimal
}

// Evaluator watches contribution activity and raises advisory compliance
// flags for manual review. It never blocks or reverses the activity that
// triggered it: rule errors are logged and swallowed.
type Evaluator struct {
	config  EvaluatorConfig
	metrics struct {
		flagsTotal     prometheus.Counter
		ruleSkipsTotal prometheus.Counter
	}
	logger   *slog.Logger
	eventBus *event.EventBus
	db       *database.Database
	screener Screener
	subs     []struct {
		eventType event.EventType
		id        event.EventSubscriberId
	}
}

func NewEvaluator(config EvaluatorConfig) *Evaluator {
	e := &Evaluator{
		config:   config,
		eventBus: config.EventBus,
		db:       config.Database,
		screener: config.Screener,
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		e.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		e.logger = config.Logger
	}
	promautoFactory := promauto.With(config.PromRegistry)
	e.metrics.flagsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_flags_total",
			Help: "total compliance flags raised",
		},
	)
	e.metrics.ruleSkipsTotal = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_rule_skips_total",
			Help: "total rule evaluations skipped due to collaborator errors",
		},
	)
	return e
}

// Start subscribes the evaluator to the admission lifecycle events it
// observes
func (e *Evaluator) Start() error {
	if e.eventBus == nil {
		return nil
	}
	for _, eventType := range []event.EventType{
		admission.AdmittedEventType,
		admission.ConfirmedEventType,
	} {
		subId := e.eventBus.SubscribeFunc(eventType, e.handleContribution)
		e.subs = append(e.subs, struct {
			eventType event.EventType
			id        event.EventSubscriberId
		}{eventType, subId})
	}
	return nil
}

// Stop detaches the evaluator from the event bus
func (e *Evaluator) Stop() {
	for _, sub := range e.subs {
		e.eventBus.Unsubscribe(sub.eventType, sub.id)
	}
	e.subs = nil
}

func (e *Evaluator) handleContribution(evt event.Event) {
	payload, ok := evt.Data.(admission.ContributionEvent)
	if !ok {
		e.logger.Warn(
			"unexpected event payload",
			"component", "compliance",
			"type", evt.Type,
		)
		return
	}
	contribution, err := e.db.GetContribution(payload.ContributionID, nil)
	if err != nil {
		e.logger.Error(
			"failed to load contribution for evaluation",
			"component", "compliance",
			"contribution_id", payload.ContributionID,
			"error", err,
		)
		return
	}
	e.Evaluate(context.Background(), contribution)
}

// Evaluate runs every rule against the contribution and stores the flags it
// raises. Advisory only: rule failures are logged, duplicates suppressed,
// and the caller always gets whatever flags could be raised.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	contribution *models.ContributionRequest,
) []models.ComplianceFlag {
	var raised []models.ComplianceFlag
	for _, rule := range []struct {
		name string
		run  func(context.Context, *models.ContributionRequest) (*models.ComplianceFlag, error)
	}{
		{"large_contribution", e.largeContribution},
		{"rapid_activity", e.rapidActivity},
		{"cumulative_threshold", e.cumulativeThreshold},
		{"sanctions_match", e.sanctionsMatch},
	} {
		flag, err := rule.run(ctx, contribution)
		if err != nil {
			e.metrics.ruleSkipsTotal.Inc()
			e.logger.Warn(
				"compliance rule skipped",
				"component", "compliance",
				"rule", rule.name,
				"contribution_id", contribution.ID,
				"error", err,
			)
			continue
		}
		if flag == nil {
			continue
		}
		stored, err := e.storeFlag(flag)
		if err != nil {
			e.logger.Error(
				"failed to store compliance flag",
				"component", "compliance",
				"rule", rule.name,
				"contribution_id", contribution.ID,
				"error", err,
			)
			continue
		}
		if stored {
			raised = append(raised, *flag)
		}
	}
	return raised
}

// storeFlag persists a flag unless an identical unresolved one already
// exists for the same contribution. Admitted and confirmed events both
// trigger evaluation, so rules firing on both must not double-flag.
func (e *Evaluator) storeFlag(flag *models.ComplianceFlag) (bool, error) {
	resolved := false
	existing, err := e.db.GetComplianceFlags(models.FlagFilter{
		UserID:   flag.UserID,
		Resolved: &resolved,
	}, nil)
	if err != nil {
		return false, err
	}
	for i := range existing {
		if existing[i].ContributionID == flag.ContributionID &&
			existing[i].Reason == flag.Reason {
			return false, nil
		}
	}
	if err := e.db.AddComplianceFlag(flag, nil); err != nil {
		return false, err
	}
	e.metrics.flagsTotal.Inc()
	e.logger.Info(
		"raised compliance flag",
		"component", "compliance",
		"reason", flag.Reason.String(),
		"severity", flag.Severity.String(),
		"deal_id", flag.DealID,
		"user_id", flag.UserID,
		"contribution_id", flag.ContributionID,
	)
	return true, nil
}

func (e *Evaluator) largeThreshold() decimal.Decimal {
	if e.config.LargeContributionThreshold.IsPositive() {
		return e.config.LargeContributionThreshold
	}
	return defaultLargeContributionThreshold
}

func (e *Evaluator) rapidWindow() time.Duration {
	if e.config.RapidActivityWindow > 0 {
		return e.config.RapidActivityWindow
	}
	return defaultRapidActivityWindow
}

func (e *Evaluator) cumulativeLimit() decimal.Decimal {
	if e.config.CumulativeThreshold.IsPositive() {
		return e.config.CumulativeThreshold
	}
	return defaultCumulativeThreshold
}

func (e *Evaluator) largeContribution(
	_ context.Context,
	contribution *models.ContributionRequest,
) (*models.ComplianceFlag, error) {
	threshold := e.largeThreshold()
	if contribution.Amount.LessThan(threshold) {
		return nil, nil
	}
	return e.newFlag(
		contribution,
		models.FlagReasonLargeContribution,
		fmt.Sprintf(
			"single contribution of %s %s meets the %s threshold",
			contribution.Amount.String(),
			contribution.Currency,
			threshold.String(),
		),
	), nil
}

// rapidActivity fires when a user lands two or more confirmed contributions
// inside the configured window. Only meaningful once the triggering
// contribution itself is confirmed.
func (e *Evaluator) rapidActivity(
	_ context.Context,
	contribution *models.ContributionRequest,
) (*models.ComplianceFlag, error) {
	if contribution.Status != models.ContributionStatusConfirmed ||
		contribution.ConfirmedAt == nil {
		return nil, nil
	}
	confirmed, err := e.db.GetContributionsByUser(
		0,
		contribution.UserID,
		[]models.ContributionStatus{models.ContributionStatusConfirmed},
		nil,
	)
	if err != nil {
		return nil, err
	}
	window := e.rapidWindow()
	windowStart := contribution.ConfirmedAt.Add(-window)
	var recent int
	for i := range confirmed {
		if confirmed[i].ConfirmedAt == nil {
			continue
		}
		at := *confirmed[i].ConfirmedAt
		if at.After(windowStart) && !at.After(*contribution.ConfirmedAt) {
			recent++
		}
	}
	if recent < 2 {
		return nil, nil
	}
	return e.newFlag(
		contribution,
		models.FlagReasonRapidActivity,
		fmt.Sprintf(
			"%d confirmed contributions within %s",
			recent,
			window,
		),
	), nil
}

// cumulativeThreshold fires when a user's confirmed total across all deals
// crosses the configured limit
func (e *Evaluator) cumulativeThreshold(
	_ context.Context,
	contribution *models.ContributionRequest,
) (*models.ComplianceFlag, error) {
	confirmed, err := e.db.GetContributionsByUser(
		0,
		contribution.UserID,
		[]models.ContributionStatus{models.ContributionStatusConfirmed},
		nil,
	)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for i := range confirmed {
		total = total.Add(confirmed[i].Amount)
	}
	limit := e.cumulativeLimit()
	if total.LessThan(limit) {
		return nil, nil
	}
	return e.newFlag(
		contribution,
		models.FlagReasonCumulativeThreshold,
		fmt.Sprintf(
			"cumulative confirmed contributions of %s meet the %s threshold",
			total.String(),
			limit.String(),
		),
	), nil
}

// sanctionsMatch asks the external screening collaborator about the wallet.
// A screening failure skips the rule rather than failing the evaluation.
func (e *Evaluator) sanctionsMatch(
	ctx context.Context,
	contribution *models.ContributionRequest,
) (*models.ComplianceFlag, error) {
	if e.screener == nil {
		return nil, nil
	}
	match, err := e.screener.Screen(ctx, contribution.UserID)
	if err != nil {
		return nil, fmt.Errorf("screening unavailable: %w", err)
	}
	if !match {
		return nil, nil
	}
	return e.newFlag(
		contribution,
		models.FlagReasonSanctionsMatch,
		"wallet matched external sanctions screening",
	), nil
}

func (e *Evaluator) newFlag(
	contribution *models.ContributionRequest,
	reason models.FlagReason,
	detail string,
) *models.ComplianceFlag {
	return &models.ComplianceFlag{
		DealID:         contribution.DealID,
		UserID:         contribution.UserID,
		ContributionID: contribution.ID,
		Reason:         reason,
		Severity:       reason.Severity(),
		Detail:         detail,
	}
}

// ListFlags returns flags matching the filter, newest first
func (e *Evaluator) ListFlags(
	ctx context.Context,
	filter models.FlagFilter,
) ([]models.ComplianceFlag, error) {
	return e.db.GetComplianceFlags(filter, nil)
}

// ResolveFlag records a reviewer's resolution of a flag. Resolving an
// already-resolved flag returns the stored state unchanged.
func (e *Evaluator) ResolveFlag(
	ctx context.Context,
	flagId uint,
	resolvedBy string,
) (*models.ComplianceFlag, error) {
	flag, err := e.db.GetComplianceFlag(flagId, nil)
	if err != nil {
		return nil, err
	}
	if flag.Resolved {
		return flag, nil
	}
	now := time.Now()
	flag.Resolved = true
	flag.ResolvedBy = resolvedBy
	flag.ResolvedAt = &now
	if err := e.db.UpdateComplianceFlag(flag, nil); err != nil {
		return nil, err
	}
	e.logger.Info(
		"resolved compliance flag",
		"component", "compliance",
		"flag_id", flagId,
		"resolved_by", resolvedBy,
	)
	return flag, nil
}
