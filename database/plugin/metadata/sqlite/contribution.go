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

package sqlite

import (
	"errors"
	"time"

	"github.com/blinklabs-io/corral/database/models"
	"gorm.io/gorm"
)

// AddContribution saves a new contribution request
func (d *MetadataStoreSqlite) AddContribution(
	contribution *models.ContributionRequest,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Create(contribution)
	return result.Error
}

// GetContribution gets a contribution request by ID
func (d *MetadataStoreSqlite) GetContribution(
	contributionId uint,
	txn *gorm.DB,
) (*models.ContributionRequest, error) {
	ret := &models.ContributionRequest{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "id = ?", contributionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetContributionByReservation gets a contribution request by its
// reservation token
func (d *MetadataStoreSqlite) GetContributionByReservation(
	reservation string,
	txn *gorm.DB,
) (*models.ContributionRequest, error) {
	ret := &models.ContributionRequest{}
	if txn == nil {
		txn = d.DB()
	}
	result := txn.First(ret, "reservation = ?", reservation)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return ret, nil
}

// GetContributionsByDeal gets a deal's contribution requests in submission
// order, with ties broken by insertion order. An empty status list matches
// all statuses.
func (d *MetadataStoreSqlite) GetContributionsByDeal(
	dealId uint,
	statuses []models.ContributionStatus,
	txn *gorm.DB,
) ([]models.ContributionRequest, error) {
	var ret []models.ContributionRequest
	if txn == nil {
		txn = d.DB()
	}
	query := txn.Where("deal_id = ?", dealId)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	result := query.Order("submitted_at, id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// GetContributionsByUser gets a user's contribution requests. A zero dealId
// matches all deals; an empty status list matches all statuses.
func (d *MetadataStoreSqlite) GetContributionsByUser(
	dealId uint,
	userId string,
	statuses []models.ContributionStatus,
	txn *gorm.DB,
) ([]models.ContributionRequest, error) {
	var ret []models.ContributionRequest
	if txn == nil {
		txn = d.DB()
	}
	query := txn.Where("user_id = ?", userId)
	if dealId > 0 {
		query = query.Where("deal_id = ?", dealId)
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	result := query.Order("submitted_at, id").Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// GetPendingContributionsBefore gets PENDING contribution requests submitted
// before the given cutoff, oldest first
func (d *MetadataStoreSqlite) GetPendingContributionsBefore(
	cutoff time.Time,
	txn *gorm.DB,
) ([]models.ContributionRequest, error) {
	var ret []models.ContributionRequest
	if txn == nil {
		txn = d.DB()
	}
	result := txn.
		Where(
			"status = ? AND submitted_at < ?",
			models.ContributionStatusPending,
			cutoff,
		).
		Order("submitted_at, id").
		Find(&ret)
	if result.Error != nil {
		return nil, result.Error
	}
	return ret, nil
}

// UpdateContribution saves an existing contribution request
func (d *MetadataStoreSqlite) UpdateContribution(
	contribution *models.ContributionRequest,
	txn *gorm.DB,
) error {
	if txn == nil {
		txn = d.DB()
	}
	result := txn.Save(contribution)
	return result.Error
}
