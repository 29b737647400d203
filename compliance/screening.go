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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

const (
	screeningRequestTimeout = 5 * time.Second
	screeningBreakerTimeout = time.Minute
)

// ScreeningClient talks to an external sanctions screening service over
// HTTP. Calls run through a circuit breaker: after repeated failures the
// breaker opens and Screen fails fast until the service recovers, keeping a
// flaky collaborator from slowing down evaluation.
type ScreeningClient struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewScreeningClient(
	endpoint string,
	logger *slog.Logger,
) *ScreeningClient {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &ScreeningClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: screeningRequestTimeout},
		logger:   logger,
	}
	settings := gobreaker.Settings{
		Name:    "compliance-screening",
		Timeout: screeningBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(
				"screening breaker state change",
				"component", "compliance",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	s.breaker = gobreaker.NewCircuitBreaker(settings)
	return s
}

// Screen returns true when the wallet matches the screening list. An open
// breaker surfaces as an error, which the evaluator treats as a skipped
// rule.
func (s *ScreeningClient) Screen(
	ctx context.Context,
	userId string,
) (bool, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.screen(ctx, userId)
	})
	if err != nil {
		return false, err
	}
	match, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected screening result type %T", result)
	}
	return match, nil
}

func (s *ScreeningClient) screen(
	ctx context.Context,
	userId string,
) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		fmt.Sprintf("%s/v1/screen/%s", s.endpoint, url.PathEscape(userId)),
		nil,
	)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf(
			"screening service returned status %d",
			resp.StatusCode,
		)
	}
	var payload struct {
		Match bool `json:"match"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("failed to decode screening response: %w", err)
	}
	return payload.Match, nil
}
