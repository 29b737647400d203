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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/allocation"
	"github.com/blinklabs-io/corral/capledger"
	"github.com/blinklabs-io/corral/claim"
	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/vesting"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(
	w http.ResponseWriter,
	status int,
	v any,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,errchkjson
	json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error response. The code is a stable
// machine-readable identifier for the failure.
func writeError(
	w http.ResponseWriter,
	status int,
	code string,
	message string,
) {
	writeJSON(w, status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Code:       code,
		Message:    message,
	})
}

// writeDomainError maps component errors onto HTTP responses. Client-caused
// failures carry their own message; anything unrecognized becomes a 500.
func (a *Api) writeDomainError(w http.ResponseWriter, err error) {
	var (
		phaseClosed    *admission.PhaseClosedError
		outOfRange     *admission.AmountOutOfRangeError
		ineligible     *admission.IneligibleError
		capExceeded    *capledger.CapExceededError
		notYetClosed   *allocation.NotYetClosedError
		nothingToClaim *claim.NothingToClaimError
		halted         *claim.ScheduleHaltedError
		drift          database.DriftError
	)
	switch {
	case errors.As(err, &phaseClosed):
		writeError(w, http.StatusConflict, "phase_closed", err.Error())
	case errors.As(err, &outOfRange):
		writeError(
			w,
			http.StatusBadRequest,
			"amount_out_of_range",
			err.Error(),
		)
	case errors.As(err, &ineligible):
		writeError(w, http.StatusForbidden, "ineligible", err.Error())
	case errors.As(err, &capExceeded):
		writeError(w, http.StatusConflict, "cap_exceeded", err.Error())
	case errors.As(err, &notYetClosed):
		writeError(w, http.StatusConflict, "not_yet_closed", err.Error())
	case errors.As(err, &nothingToClaim):
		writeError(w, http.StatusConflict, "nothing_to_claim", err.Error())
	case errors.As(err, &halted):
		writeError(w, http.StatusConflict, "schedule_halted", err.Error())
	case errors.Is(err, claim.ErrSettlementRefRequired):
		writeError(
			w,
			http.StatusBadRequest,
			"settlement_ref_required",
			err.Error(),
		)
	case errors.Is(err, admission.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.As(err, &drift):
		a.logger.Error(
			"journal drift detected",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"state_drift",
			err.Error(),
		)
	case isNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		a.logger.Error(
			"request failed",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"unexpected error",
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrDealNotFound) ||
		errors.Is(err, models.ErrContributionNotFound) ||
		errors.Is(err, models.ErrAllocationNotFound) ||
		errors.Is(err, models.ErrVestingScheduleNotFound) ||
		errors.Is(err, models.ErrGuaranteeNotFound) ||
		errors.Is(err, models.ErrFlagNotFound) ||
		errors.Is(err, models.ErrClaimNotFound)
}

// uintPathValue parses a numeric path segment.
func uintPathValue(r *http.Request, name string) (uint, error) {
	val, err := strconv.ParseUint(r.PathValue(name), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s in path", name)
	}
	return uint(val), nil
}

// handleHealth handles GET /health and returns service health status.
func (a *Api) handleHealth(
	w http.ResponseWriter,
	_ *http.Request,
) {
	writeJSON(w, http.StatusOK, HealthResponse{
		IsHealthy: true,
	})
}

// handleCreateDeal handles POST /api/v1/deals and registers a new deal.
func (a *Api) handleCreateDeal(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req DealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	if req.Slug == "" {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_deal",
			"slug is required",
		)
		return
	}
	deal := req.toModel()
	if err := deal.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_deal", err.Error())
		return
	}
	// Slug collisions get a clear answer instead of a storage error
	if _, err := a.config.Database.GetDealBySlug(req.Slug, nil); err == nil {
		writeError(
			w,
			http.StatusConflict,
			"slug_taken",
			"a deal with this slug already exists",
		)
		return
	} else if !errors.Is(err, models.ErrDealNotFound) {
		a.logger.Error(
			"failed to check deal slug",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"failed to store deal",
		)
		return
	}
	if err := a.config.Database.AddDeal(deal, nil); err != nil {
		a.logger.Error(
			"failed to store deal",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"failed to store deal",
		)
		return
	}
	writeJSON(w, http.StatusCreated, dealToResponse(deal))
}

// handleGetDeal handles GET /api/v1/deals/{dealId} and returns the deal.
func (a *Api) handleGetDeal(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	deal, err := a.config.Database.GetDeal(dealId, nil)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealToResponse(deal))
}

// handleSetGuarantee handles
// PUT /api/v1/deals/{dealId}/guarantees/{userId} and upserts a user's
// guaranteed amount for the deal.
func (a *Api) handleSetGuarantee(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	userId := r.PathValue("userId")
	var req GuaranteeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	if req.Amount.IsNegative() {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_amount",
			"guarantee amount cannot be negative",
		)
		return
	}
	deal, err := a.config.Database.GetDeal(dealId, nil)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if deal.Finalized {
		writeError(
			w,
			http.StatusConflict,
			"deal_finalized",
			"deal is already finalized",
		)
		return
	}
	// Guarantees must fit under the hard cap in aggregate, or finalization
	// could not honor them all
	existing, err := a.config.Database.GetDealGuarantees(dealId, nil)
	if err != nil {
		a.logger.Error(
			"failed to list deal guarantees",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"failed to store guarantee",
		)
		return
	}
	total := req.Amount
	for i := range existing {
		if existing[i].UserID == userId {
			continue
		}
		total = total.Add(existing[i].Amount)
	}
	if total.GreaterThan(deal.HardCap) {
		writeError(
			w,
			http.StatusBadRequest,
			"guarantees_exceed_cap",
			fmt.Sprintf(
				"total guarantees %s would exceed hard cap %s",
				total.String(),
				deal.HardCap.String(),
			),
		)
		return
	}
	guarantee := &models.DealGuarantee{
		DealID: dealId,
		UserID: userId,
		Amount: req.Amount,
	}
	if err := a.config.Database.SetDealGuarantee(guarantee, nil); err != nil {
		a.logger.Error(
			"failed to store guarantee",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"failed to store guarantee",
		)
		return
	}
	writeJSON(w, http.StatusOK, GuaranteeResponse{
		DealID: dealId,
		UserID: userId,
		Amount: req.Amount,
	})
}

// handleSubmitContribution handles
// POST /api/v1/deals/{dealId}/contributions and admits a contribution
// request into the deal.
func (a *Api) handleSubmitContribution(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	var req ContributionSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	if req.UserID == "" {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_user",
			"user_id is required",
		)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_amount",
			"amount must be positive",
		)
		return
	}
	contribution, err := a.config.Admission.Submit(
		r.Context(),
		req.UserID,
		dealId,
		req.Amount,
		req.Currency,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contributionToResponse(contribution))
}

// handleGetAllocation handles
// GET /api/v1/deals/{dealId}/allocations/{userId} and returns the user's
// position in the deal.
func (a *Api) handleGetAllocation(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	userId := r.PathValue("userId")
	alloc, err := a.config.Database.GetAllocation(dealId, userId, nil)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocationToResponse(alloc))
}

// handleFinalize handles POST /api/v1/deals/{dealId}/finalize and runs the
// deal's allocation method. Repeating the call returns the recorded outcome.
func (a *Api) handleFinalize(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	allocations, err := a.config.Allocation.Finalize(
		r.Context(),
		dealId,
		time.Now(),
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	resp := make([]AllocationResponse, 0, len(allocations))
	for i := range allocations {
		resp = append(resp, allocationToResponse(&allocations[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetVesting handles GET /api/v1/deals/{dealId}/vesting/{userId} and
// returns the user's vesting schedule with unlock state computed at request
// time.
func (a *Api) handleGetVesting(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	userId := r.PathValue("userId")
	sched, err := a.config.Database.GetVestingScheduleByUser(
		dealId,
		userId,
		nil,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, VestingResponse{
		ScheduleID:    sched.ID,
		DealID:        sched.DealID,
		UserID:        sched.UserID,
		TotalTokens:   sched.TotalTokens,
		TgeTokens:     sched.TgeTokens,
		ClaimedTokens: sched.ClaimedTokens,
		Unlocked:      vesting.UnlockedAt(sched, now),
		Remaining:     sched.Remaining(),
		VestingType:   sched.VestingType.String(),
		TokenDecimals: sched.TokenDecimals,
		VestingStart:  sched.VestingStart,
		CliffEnd:      sched.CliffEnd,
		VestingEnd:    sched.VestingEnd,
		NextUnlockAt:  vesting.NextUnlockAt(sched, now),
		Halted:        sched.Halted,
		HaltReason:    sched.HaltReason,
	})
}

// handleGetClaimable handles
// GET /api/v1/deals/{dealId}/claimable/{userId} and returns the tokens
// claimable at the given instant. The optional "at" query parameter is
// RFC3339 and defaults to now.
func (a *Api) handleGetClaimable(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	userId := r.PathValue("userId")
	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(
				w,
				http.StatusBadRequest,
				"invalid_time",
				"at must be an RFC3339 timestamp",
			)
			return
		}
		at = parsed
	}
	sched, err := a.config.Database.GetVestingScheduleByUser(
		dealId,
		userId,
		nil,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	amount, err := a.config.Claim.Claimable(r.Context(), sched.ID, at)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimableResponse{
		ScheduleID: sched.ID,
		DealID:     dealId,
		UserID:     userId,
		At:         at,
		Claimable:  amount,
	})
}

// handleClaim handles POST /api/v1/deals/{dealId}/claims/{userId} and pays
// out everything currently claimable. Repeating the call with the same
// settlement reference returns the original record.
func (a *Api) handleClaim(
	w http.ResponseWriter,
	r *http.Request,
) {
	dealId, err := uintPathValue(r, "dealId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	userId := r.PathValue("userId")
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	sched, err := a.config.Database.GetVestingScheduleByUser(
		dealId,
		userId,
		nil,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	record, err := a.config.Claim.Claim(
		r.Context(),
		sched.ID,
		time.Now(),
		req.SettlementRef,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimToResponse(record))
}

// handleListFlags handles GET /api/v1/compliance/flags and returns flags
// matching the query filters.
func (a *Api) handleListFlags(
	w http.ResponseWriter,
	r *http.Request,
) {
	q := r.URL.Query()
	filter := models.FlagFilter{
		UserID:   q.Get("user"),
		Severity: models.FlagSeverity(q.Get("severity")),
	}
	if v := q.Get("deal"); v != "" {
		dealId, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(
				w,
				http.StatusBadRequest,
				"invalid_query",
				"deal must be numeric",
			)
			return
		}
		filter.DealID = uint(dealId)
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(
				w,
				http.StatusBadRequest,
				"invalid_query",
				"resolved must be a boolean",
			)
			return
		}
		filter.Resolved = &resolved
	}
	flags, err := a.config.Compliance.ListFlags(r.Context(), filter)
	if err != nil {
		a.logger.Error(
			"failed to list compliance flags",
			"error", err,
		)
		writeError(
			w,
			http.StatusInternalServerError,
			"internal_error",
			"failed to list compliance flags",
		)
		return
	}
	resp := make([]FlagResponse, 0, len(flags))
	for i := range flags {
		resp = append(resp, flagToResponse(&flags[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResolveFlag handles
// POST /api/v1/compliance/flags/{flagId}/resolve and records a reviewer's
// resolution.
func (a *Api) handleResolveFlag(
	w http.ResponseWriter,
	r *http.Request,
) {
	flagId, err := uintPathValue(r, "flagId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	var req ResolveFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	if req.ResolvedBy == "" {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_resolver",
			"resolved_by is required",
		)
		return
	}
	flag, err := a.config.Compliance.ResolveFlag(
		r.Context(),
		flagId,
		req.ResolvedBy,
	)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flagToResponse(flag))
}

// handleSettlement handles POST /api/v1/settlements, the webhook form of
// settlement intake. The body mirrors the settlement queue message schema.
func (a *Api) handleSettlement(
	w http.ResponseWriter,
	r *http.Request,
) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"failed to parse request body",
		)
		return
	}
	if req.ContributionID == 0 {
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_body",
			"contribution_id is required",
		)
		return
	}
	var contribution *models.ContributionRequest
	var err error
	switch req.Status {
	case "confirmed":
		contribution, err = a.config.Admission.ConfirmSettlement(
			r.Context(),
			req.ContributionID,
			req.TxHash,
			req.BlockHeight,
		)
	case "failed":
		reason := req.Reason
		if reason == "" {
			reason = "settlement failed"
		}
		contribution, err = a.config.Admission.FailSettlement(
			r.Context(),
			req.ContributionID,
			reason,
		)
	case "refunded":
		if req.Reference == "" {
			writeError(
				w,
				http.StatusBadRequest,
				"invalid_body",
				"reference is required for refunds",
			)
			return
		}
		contribution, err = a.config.Admission.Refund(
			r.Context(),
			req.ContributionID,
			req.Reference,
		)
	default:
		writeError(
			w,
			http.StatusBadRequest,
			"invalid_status",
			"status must be confirmed, failed, or refunded",
		)
		return
	}
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contributionToResponse(contribution))
}
