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

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/allocation"
	"github.com/blinklabs-io/corral/claim"
	"github.com/blinklabs-io/corral/compliance"
	"github.com/blinklabs-io/corral/database"
)

// ApiConfig carries the components the REST API exposes. All writes go
// through the owning component; the API never mutates storage directly
// except for deal and guarantee administration.
type ApiConfig struct {
	Logger        *slog.Logger
	ListenAddress string
	Database      *database.Database
	Admission     *admission.Controller
	Allocation    *allocation.Engine
	Claim         *claim.Processor
	Compliance    *compliance.Evaluator
}

// Api is the REST API server.
type Api struct {
	config     ApiConfig
	logger     *slog.Logger
	httpServer *http.Server
	mu         sync.Mutex
}

// New creates a new API server instance.
func New(cfg ApiConfig) *Api {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(
			slog.NewJSONHandler(io.Discard, nil),
		)
	}
	logger = logger.With("component", "api")
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	return &Api{
		config: cfg,
		logger: logger,
	}
}

// Start starts the HTTP server in a background goroutine.
func (a *Api) Start(
	ctx context.Context,
) error {
	a.mu.Lock()
	if a.httpServer != nil {
		a.mu.Unlock()
		return errors.New("server already started")
	}

	server := &http.Server{
		Addr:              a.config.ListenAddress,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	a.httpServer = server
	a.mu.Unlock()

	// Start the server with deterministic error detection
	if err := a.startServer(server); err != nil {
		a.mu.Lock()
		a.httpServer = nil
		a.mu.Unlock()
		return err
	}

	a.logger.Info(
		"API listener started on " +
			a.config.ListenAddress,
	)

	// Monitor context for cancellation
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		srv := a.httpServer
		a.httpServer = nil
		a.mu.Unlock()

		if srv != nil {
			a.logger.Debug(
				"context cancelled, shutting down API server",
			)
			//nolint:contextcheck
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				30*time.Second,
			)
			defer cancel()
			//nolint:contextcheck
			if err := srv.Shutdown(
				shutdownCtx,
			); err != nil {
				a.logger.Error(
					"failed to shutdown API server on "+
						"context cancellation",
					"error", err,
				)
			}
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (a *Api) Stop(
	ctx context.Context,
) error {
	a.mu.Lock()
	srv := a.httpServer
	a.httpServer = nil
	a.mu.Unlock()

	if srv != nil {
		a.logger.Debug(
			"shutting down API server",
		)
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf(
				"failed to shutdown API server: %w",
				err,
			)
		}
	}
	return nil
}

// Handler returns the route multiplexer for the API.
func (a *Api) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc(
		"POST /api/v1/deals",
		a.handleCreateDeal,
	)
	mux.HandleFunc(
		"GET /api/v1/deals/{dealId}",
		a.handleGetDeal,
	)
	mux.HandleFunc(
		"PUT /api/v1/deals/{dealId}/guarantees/{userId}",
		a.handleSetGuarantee,
	)
	mux.HandleFunc(
		"POST /api/v1/deals/{dealId}/contributions",
		a.handleSubmitContribution,
	)
	mux.HandleFunc(
		"GET /api/v1/deals/{dealId}/allocations/{userId}",
		a.handleGetAllocation,
	)
	mux.HandleFunc(
		"POST /api/v1/deals/{dealId}/finalize",
		a.handleFinalize,
	)
	mux.HandleFunc(
		"GET /api/v1/deals/{dealId}/vesting/{userId}",
		a.handleGetVesting,
	)
	mux.HandleFunc(
		"GET /api/v1/deals/{dealId}/claimable/{userId}",
		a.handleGetClaimable,
	)
	mux.HandleFunc(
		"POST /api/v1/deals/{dealId}/claims/{userId}",
		a.handleClaim,
	)
	mux.HandleFunc(
		"GET /api/v1/compliance/flags",
		a.handleListFlags,
	)
	mux.HandleFunc(
		"POST /api/v1/compliance/flags/{flagId}/resolve",
		a.handleResolveFlag,
	)
	mux.HandleFunc(
		"POST /api/v1/settlements",
		a.handleSettlement,
	)
	return mux
}

// startServer starts the HTTP server with deterministic error detection.
// It binds the listening socket first so port conflicts are detected
// immediately, then serves in a background goroutine.
func (a *Api) startServer(
	server *http.Server,
) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf(
			"failed to listen for API server: %w",
			err,
		)
	}
	go func() {
		if err := server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(
				"API server error",
				"error", err,
			)
		}
	}()
	return nil
}
