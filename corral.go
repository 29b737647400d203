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

package corral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/allocation"
	"github.com/blinklabs-io/corral/api"
	"github.com/blinklabs-io/corral/capledger"
	"github.com/blinklabs-io/corral/claim"
	"github.com/blinklabs-io/corral/compliance"
	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/event"
	"github.com/blinklabs-io/corral/settlement"
	"github.com/blinklabs-io/corral/vesting"
	"github.com/robfig/cron/v3"
)

const defaultReconcileInterval = 15 * time.Minute

type Service struct {
	db            *database.Database
	eventBus      *event.EventBus
	ledger        *capledger.Ledger
	admission     *admission.Controller
	vesting       *vesting.Vesting
	allocation    *allocation.Engine
	claim         *claim.Processor
	compliance    *compliance.Evaluator
	settlement    *settlement.Consumer
	api           *api.Api
	reconciler    *cron.Cron
	apiCancel     context.CancelFunc
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Service, error) {
	s := &Service{
		config: cfg,
		done:   make(chan struct{}),
	}
	if err := s.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s.eventBus = event.NewEventBus(cfg.promRegistry, cfg.logger)
	return s, nil
}

func (s *Service) Run() error {
	// Configure tracing
	if s.config.tracing {
		if err := s.setupTracing(); err != nil {
			return err
		}
	}
	// Load database
	dbNeedsRecovery := false
	db, err := database.New(
		database.WithLogger(s.config.logger),
		database.WithDataDir(s.config.dataDir),
		database.WithPromRegistry(s.config.promRegistry),
		database.WithMetadataPlugin(s.config.metadataPlugin),
		database.WithPostgresDsn(s.config.postgresDsn),
	)
	if db == nil {
		s.config.logger.Error(
			"failed to create database",
			"error",
			"empty database returned",
		)
		return errors.New("empty database returned")
	}
	s.db = db
	if err != nil {
		var dbErr database.CommitTimestampError
		if !errors.As(err, &dbErr) {
			return fmt.Errorf("failed to open database: %w", err)
		}
		s.config.logger.Warn(
			"database initialization error, needs recovery",
			"error",
			err,
		)
		dbNeedsRecovery = true
	}
	// Initialize cap ledger
	s.ledger = capledger.NewLedger(capledger.LedgerConfig{
		Logger:       s.config.logger,
		EventBus:     s.eventBus,
		PromRegistry: s.config.promRegistry,
		Database:     s.db,
	})
	// Initialize admission controller
	s.admission = admission.NewController(admission.ControllerConfig{
		Logger:         s.config.logger,
		EventBus:       s.eventBus,
		PromRegistry:   s.config.promRegistry,
		Database:       s.db,
		Ledger:         s.ledger,
		TierProvider:   s.config.tierProvider,
		PendingTimeout: s.config.pendingTimeout,
		ReapInterval:   s.config.reapInterval,
	})
	// Initialize vesting generator
	s.vesting = vesting.NewVesting(vesting.VestingConfig{
		Logger:       s.config.logger,
		PromRegistry: s.config.promRegistry,
		Database:     s.db,
	})
	// Initialize allocation engine
	s.allocation = allocation.NewEngine(allocation.EngineConfig{
		Logger:       s.config.logger,
		EventBus:     s.eventBus,
		PromRegistry: s.config.promRegistry,
		Database:     s.db,
		Vesting:      s.vesting,
	})
	// Initialize claim processor
	s.claim = claim.NewProcessor(claim.ProcessorConfig{
		Logger:       s.config.logger,
		EventBus:     s.eventBus,
		PromRegistry: s.config.promRegistry,
		Database:     s.db,
	})
	// Initialize compliance evaluator
	screener := s.config.screener
	if screener == nil && s.config.screeningEndpoint != "" {
		screener = compliance.NewScreeningClient(
			s.config.screeningEndpoint,
			s.config.logger,
		)
	}
	s.compliance = compliance.NewEvaluator(compliance.EvaluatorConfig{
		Logger:                     s.config.logger,
		EventBus:                   s.eventBus,
		PromRegistry:               s.config.promRegistry,
		Database:                   s.db,
		Screener:                   screener,
		LargeContributionThreshold: s.config.largeContributionThreshold,
		RapidActivityWindow:        s.config.rapidActivityWindow,
		CumulativeThreshold:        s.config.cumulativeThreshold,
	})
	// Run recovery if needed. The journal is the source of truth: a commit
	// stamp mismatch means the last transaction may not have reached the
	// projections, so everything is replayed before serving traffic.
	if dbNeedsRecovery {
		if err := s.Reconcile(context.Background()); err != nil {
			return fmt.Errorf("failed to recover database: %w", err)
		}
		s.config.logger.Info(
			"journal replay matches projections, continuing after unclean shutdown",
		)
	}
	// Start the pending-contribution reaper
	if err := s.admission.Start(); err != nil {
		return fmt.Errorf("failed to start admission controller: %w", err)
	}
	// Subscribe compliance to the admission lifecycle
	if err := s.compliance.Start(); err != nil {
		return fmt.Errorf("failed to start compliance evaluator: %w", err)
	}
	// Start the settlement consumer when a broker is configured
	if s.config.settlementUrl != "" {
		s.settlement = settlement.NewConsumer(settlement.ConsumerConfig{
			Logger:       s.config.logger,
			PromRegistry: s.config.promRegistry,
			Admission:    s.admission,
			Url:          s.config.settlementUrl,
			Queue:        s.config.settlementQueue,
		})
		if err := s.settlement.Start(); err != nil {
			return fmt.Errorf("failed to start settlement consumer: %w", err)
		}
	}
	// Start REST API
	s.api = api.New(api.ApiConfig{
		Logger:        s.config.logger,
		ListenAddress: s.config.apiListenAddress,
		Database:      s.db,
		Admission:     s.admission,
		Allocation:    s.allocation,
		Claim:         s.claim,
		Compliance:    s.compliance,
	})
	apiCtx, apiCancel := context.WithCancel(context.Background())
	s.apiCancel = apiCancel
	if err := s.api.Start(apiCtx); err != nil {
		return err
	}
	// Schedule background reconciliation
	if s.config.reconcileInterval >= 0 {
		interval := s.config.reconcileInterval
		if interval == 0 {
			interval = defaultReconcileInterval
		}
		s.reconciler = cron.New()
		_, err := s.reconciler.AddFunc(
			fmt.Sprintf("@every %s", interval),
			func() {
				if err := s.Reconcile(context.Background()); err != nil {
					s.config.logger.Error(
						"reconciliation found problems",
						"component", "corral",
						"error", err,
					)
				}
			},
		)
		if err != nil {
			return fmt.Errorf("failed to schedule reconciler: %w", err)
		}
		s.reconciler.Start()
	}

	// Wait for shutdown signal
	<-s.done
	return nil
}

// Reconcile replays every deal and vesting schedule journal against the
// stored projections. Schedules that drifted are halted by the claim
// processor; deal drift is only reported, since raised totals have no safe
// automatic repair.
func (s *Service) Reconcile(ctx context.Context) error {
	deals, err := s.db.GetDeals(nil)
	if err != nil {
		return err
	}
	var errs []error
	for i := range deals {
		if err := s.db.ReconcileDeal(deals[i].ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.claim.ReconcileAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) Stop() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Service) shutdown() error {
	// Create shutdown context with timeout (default 30s if not configured)
	shutdownTimeout := 30 * time.Second
	if s.config.shutdownTimeout > 0 {
		shutdownTimeout = s.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	s.config.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	s.config.logger.Debug("shutdown phase 1: stopping new work")

	if s.api != nil {
		if stopErr := s.api.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("api shutdown: %w", stopErr))
		}
	}

	if s.settlement != nil {
		s.settlement.Stop()
	}

	if s.admission != nil {
		s.admission.Stop()
	}

	if s.reconciler != nil {
		// Wait for an in-flight sweep, bounded by the shutdown deadline
		stopCtx := s.reconciler.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	// Phase 2: Detach observers
	s.config.logger.Debug("shutdown phase 2: detaching observers")

	if s.compliance != nil {
		s.compliance.Stop()
	}

	// Phase 3: Flush state and close database
	s.config.logger.Debug("shutdown phase 3: flushing state")

	if s.db != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}

	// Phase 4: Cleanup resources
	s.config.logger.Debug("shutdown phase 4: cleanup resources")

	if s.apiCancel != nil {
		s.apiCancel()
	}

	// Call registered shutdown functions
	for _, fn := range s.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	s.shutdownFuncs = nil

	if s.eventBus != nil {
		s.eventBus.Stop()
	}

	s.config.logger.Debug("graceful shutdown complete")
	close(s.done)
	return err
}
