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

package sqlite_test

import (
	"testing"
	"time"

	"github.com/blinklabs-io/corral/database"
	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/database/plugin/metadata/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDealGuarantee(t *testing.T) {
	// Setup database
	db, err := database.New()
	require.NoError(t, err)
	defer db.Close()

	// Get metadata store and cast to concrete type
	metadataStore := db.Metadata().(*sqlite.MetadataStoreSqlite)

	// Create a deal
	deal := &models.Deal{
		Slug:             "guarantee-test",
		RaiseCurrency:    "USD",
		TokenPrice:       decimal.RequireFromString("0.08"),
		HardCap:          decimal.NewFromInt(1000000),
		AllocationMethod: models.AllocationMethodGuaranteed,
		VestingType:      models.VestingTypeLinear,
		OpensAt:          time.Now(),
		ClosesAt:         time.Now().Add(time.Hour),
	}
	require.NoError(t, metadataStore.AddDeal(deal, nil))
	require.NotZero(t, deal.ID)

	// Set guarantee for the first time
	err = metadataStore.SetDealGuarantee(
		&models.DealGuarantee{
			DealID: deal.ID,
			UserID: "user-1",
			Amount: decimal.NewFromInt(10000),
		},
		nil,
	)
	require.NoError(t, err)

	// Verify guarantee was created
	guarantee, err := metadataStore.GetDealGuarantee(deal.ID, "user-1", nil)
	require.NoError(t, err)
	require.NotNil(t, guarantee)
	assert.True(t, guarantee.Amount.Equal(decimal.NewFromInt(10000)))

	firstGuaranteeID := guarantee.ID

	// Update the same guarantee with a different amount
	err = metadataStore.SetDealGuarantee(
		&models.DealGuarantee{
			DealID: deal.ID,
			UserID: "user-1",
			Amount: decimal.NewFromInt(25000),
		},
		nil,
	)
	require.NoError(t, err)

	// Verify the record was upserted, not duplicated
	guarantees, err := metadataStore.GetDealGuarantees(deal.ID, nil)
	require.NoError(t, err)
	require.Len(t, guarantees, 1)
	assert.Equal(t, firstGuaranteeID, guarantees[0].ID)
	assert.True(t, guarantees[0].Amount.Equal(decimal.NewFromInt(25000)))

	// Unknown user returns nil without error
	missing, err := metadataStore.GetDealGuarantee(deal.ID, "user-2", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestContributionOrdering(t *testing.T) {
	// Setup database
	db, err := database.New()
	require.NoError(t, err)
	defer db.Close()

	// Get metadata store and cast to concrete type
	metadataStore := db.Metadata().(*sqlite.MetadataStoreSqlite)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert contributions out of submission order; the second and third
	// share a submission instant, so the row ID breaks the tie
	contributions := []*models.ContributionRequest{
		{
			DealID:      1,
			UserID:      "user-b",
			Amount:      decimal.NewFromInt(2000),
			Currency:    "USD",
			Status:      models.ContributionStatusPending,
			Reservation: "res-b",
			SubmittedAt: base.Add(time.Second),
		},
		{
			DealID:      1,
			UserID:      "user-c",
			Amount:      decimal.NewFromInt(3000),
			Currency:    "USD",
			Status:      models.ContributionStatusConfirmed,
			Reservation: "res-c",
			SubmittedAt: base.Add(time.Second),
		},
		{
			DealID:      1,
			UserID:      "user-a",
			Amount:      decimal.NewFromInt(1000),
			Currency:    "USD",
			Status:      models.ContributionStatusPending,
			Reservation: "res-a",
			SubmittedAt: base,
		},
	}
	for _, contribution := range contributions {
		require.NoError(t, metadataStore.AddContribution(contribution, nil))
	}

	// All statuses, submission order with ID tiebreak
	ret, err := metadataStore.GetContributionsByDeal(1, nil, nil)
	require.NoError(t, err)
	require.Len(t, ret, 3)
	assert.Equal(t, "user-a", ret[0].UserID)
	assert.Equal(t, "user-b", ret[1].UserID)
	assert.Equal(t, "user-c", ret[2].UserID)

	// Status filter
	pending, err := metadataStore.GetContributionsByDeal(
		1,
		[]models.ContributionStatus{models.ContributionStatusPending},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "user-a", pending[0].UserID)
	assert.Equal(t, "user-b", pending[1].UserID)

	// Pending before cutoff
	stale, err := metadataStore.GetPendingContributionsBefore(
		base.Add(500*time.Millisecond),
		nil,
	)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "user-a", stale[0].UserID)
}

func TestContributionWithTransaction(t *testing.T) {
	// Setup database
	db, err := database.New()
	require.NoError(t, err)
	defer db.Close()

	// Get metadata store and cast to concrete type
	metadataStore := db.Metadata().(*sqlite.MetadataStoreSqlite)

	// Start a transaction
	txn := metadataStore.DB().Begin()
	require.NoError(t, txn.Error)

	contribution := &models.ContributionRequest{
		DealID:      2,
		UserID:      "user-txn",
		Amount:      decimal.NewFromInt(500),
		Currency:    "USD",
		Status:      models.ContributionStatusPending,
		Reservation: "res-txn",
		SubmittedAt: time.Now(),
	}
	require.NoError(t, metadataStore.AddContribution(contribution, txn))

	// Visible within the transaction
	stored, err := metadataStore.GetContributionByReservation("res-txn", txn)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "user-txn", stored.UserID)

	// Rollback transaction
	txn.Rollback()

	// Not visible after rollback
	stored, err = metadataStore.GetContributionByReservation("res-txn", nil)
	require.NoError(t, err)
	assert.Nil(
		t,
		stored,
		"Contribution should not exist after transaction rollback",
	)
}
