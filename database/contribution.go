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

package database

import (
	"time"

	"github.com/blinklabs-io/corral/database/models"
)

// AddContribution stores a new contribution request
func (d *Database) AddContribution(
	contribution *models.ContributionRequest,
	txn *Txn,
) error {
	return d.metadata.AddContribution(contribution, d.metadataTxn(txn))
}

// GetContribution returns the contribution with the given ID, or
// models.ErrContributionNotFound
func (d *Database) GetContribution(
	contributionId uint,
	txn *Txn,
) (*models.ContributionRequest, error) {
	contribution, err := d.metadata.GetContribution(
		contributionId,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if contribution == nil {
		return nil, models.ErrContributionNotFound
	}
	return contribution, nil
}

// GetContributionByReservation returns the contribution holding the given
// reservation token, or models.ErrContributionNotFound
func (d *Database) GetContributionByReservation(
	reservation string,
	txn *Txn,
) (*models.ContributionRequest, error) {
	contribution, err := d.metadata.GetContributionByReservation(
		reservation,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if contribution == nil {
		return nil, models.ErrContributionNotFound
	}
	return contribution, nil
}

// GetContributionsByDeal returns a deal's contributions in submission order.
// An empty status list matches all statuses.
func (d *Database) GetContributionsByDeal(
	dealId uint,
	statuses []models.ContributionStatus,
	txn *Txn,
) ([]models.ContributionRequest, error) {
	return d.metadata.GetContributionsByDeal(
		dealId,
		statuses,
		d.metadataTxn(txn),
	)
}

// GetContributionsByUser returns a user's contributions in submission order.
// A zero dealId matches all deals.
func (d *Database) GetContributionsByUser(
	dealId uint,
	userId string,
	statuses []models.ContributionStatus,
	txn *Txn,
) ([]models.ContributionRequest, error) {
	return d.metadata.GetContributionsByUser(
		dealId,
		userId,
		statuses,
		d.metadataTxn(txn),
	)
}

// GetPendingContributionsBefore returns contributions still pending
// settlement that were submitted before the cutoff
func (d *Database) GetPendingContributionsBefore(
	cutoff time.Time,
	txn *Txn,
) ([]models.ContributionRequest, error) {
	return d.metadata.GetPendingContributionsBefore(
		cutoff,
		d.metadataTxn(txn),
	)
}

// UpdateContribution persists changes to an existing contribution
func (d *Database) UpdateContribution(
	contribution *models.ContributionRequest,
	txn *Txn,
) error {
	return d.metadata.UpdateContribution(contribution, d.metadataTxn(txn))
}
