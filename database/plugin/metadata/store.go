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

package metadata

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/blinklabs-io/corral/database/models"
	"github.com/blinklabs-io/corral/database/plugin/metadata/postgres"
	"github.com/blinklabs-io/corral/database/plugin/metadata/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// MetadataStore is the interface for the relational store backends. A nil
// *gorm.DB argument means "operate outside any transaction"; otherwise the
// operation joins the given transaction.
type MetadataStore interface {
	// Database
	Close() error
	DB() *gorm.DB
	GetCommitTimestamp() (int64, error)
	SetCommitTimestamp(int64, *gorm.DB) error
	Transaction() *gorm.DB

	// Deals
	AddDeal(*models.Deal, *gorm.DB) error
	GetDeal(uint, *gorm.DB) (*models.Deal, error)
	GetDealBySlug(string, *gorm.DB) (*models.Deal, error)
	GetDeals(*gorm.DB) ([]models.Deal, error)
	UpdateDeal(*models.Deal, *gorm.DB) error
	SetDealGuarantee(*models.DealGuarantee, *gorm.DB) error
	GetDealGuarantee(
		uint, // dealId
		string, // userId
		*gorm.DB,
	) (*models.DealGuarantee, error)
	GetDealGuarantees(uint, *gorm.DB) ([]models.DealGuarantee, error)

	// Contributions
	AddContribution(*models.ContributionRequest, *gorm.DB) error
	GetContribution(uint, *gorm.DB) (*models.ContributionRequest, error)
	GetContributionByReservation(
		string,
		*gorm.DB,
	) (*models.ContributionRequest, error)
	GetContributionsByDeal(
		uint,
		[]models.ContributionStatus, // empty matches all
		*gorm.DB,
	) ([]models.ContributionRequest, error)
	GetContributionsByUser(
		uint, // dealId, zero matches all deals
		string, // userId
		[]models.ContributionStatus,
		*gorm.DB,
	) ([]models.ContributionRequest, error)
	GetPendingContributionsBefore(
		time.Time,
		*gorm.DB,
	) ([]models.ContributionRequest, error)
	UpdateContribution(*models.ContributionRequest, *gorm.DB) error

	// Allocations
	AddAllocation(*models.Allocation, *gorm.DB) error
	GetAllocation(
		uint, // dealId
		string, // userId
		*gorm.DB,
	) (*models.Allocation, error)
	GetAllocationsByDeal(uint, *gorm.DB) ([]models.Allocation, error)
	UpdateAllocation(*models.Allocation, *gorm.DB) error

	// Vesting schedules
	AddVestingSchedule(*models.VestingSchedule, *gorm.DB) error
	GetVestingSchedule(uint, *gorm.DB) (*models.VestingSchedule, error)
	GetVestingScheduleByUser(
		uint, // dealId
		string, // userId
		*gorm.DB,
	) (*models.VestingSchedule, error)
	GetVestingSchedulesByDeal(
		uint,
		*gorm.DB,
	) ([]models.VestingSchedule, error)
	UpdateVestingSchedule(*models.VestingSchedule, *gorm.DB) error

	// Claims
	AddClaimRecord(*models.ClaimRecord, *gorm.DB) error
	GetClaimRecordByRef(
		uint, // scheduleId
		string, // settlementRef
		*gorm.DB,
	) (*models.ClaimRecord, error)
	GetClaimRecordsBySchedule(uint, *gorm.DB) ([]models.ClaimRecord, error)

	// Compliance flags
	AddComplianceFlag(*models.ComplianceFlag, *gorm.DB) error
	GetComplianceFlag(uint, *gorm.DB) (*models.ComplianceFlag, error)
	GetComplianceFlags(
		models.FlagFilter,
		*gorm.DB,
	) ([]models.ComplianceFlag, error)
	UpdateComplianceFlag(*models.ComplianceFlag, *gorm.DB) error
}

// New returns the metadata plugin selected by name. The DSN is only used by
// the postgres plugin; sqlite derives its location from dataDir and falls
// back to in-memory storage when dataDir is empty.
func New(
	pluginName, dataDir, postgresDsn string,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
) (MetadataStore, error) {
	switch pluginName {
	case "sqlite", "":
		return sqlite.New(dataDir, logger, promRegistry)
	case "postgres":
		return postgres.NewWithOptions(
			postgres.WithDSN(postgresDsn),
			postgres.WithLogger(logger),
			postgres.WithPromRegistry(promRegistry),
		)
	default:
		return nil, fmt.Errorf("unknown metadata plugin: %s", pluginName)
	}
}
