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
	"github.com/blinklabs-io/corral/database/models"
	"gorm.io/gorm"
)

// metadataTxn unwraps the metadata handle from an optional transaction. A
// nil transaction means the store runs the operation outside any
// transaction.
func (d *Database) metadataTxn(txn *Txn) *gorm.DB {
	if txn == nil {
		return nil
	}
	return txn.Metadata()
}

// AddDeal stores a new deal
func (d *Database) AddDeal(deal *models.Deal, txn *Txn) error {
	return d.metadata.AddDeal(deal, d.metadataTxn(txn))
}

// GetDeal returns the deal with the given ID, or models.ErrDealNotFound
func (d *Database) GetDeal(dealId uint, txn *Txn) (*models.Deal, error) {
	deal, err := d.metadata.GetDeal(dealId, d.metadataTxn(txn))
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, models.ErrDealNotFound
	}
	return deal, nil
}

// GetDealBySlug returns the deal with the given slug, or
// models.ErrDealNotFound
func (d *Database) GetDealBySlug(
	slug string,
	txn *Txn,
) (*models.Deal, error) {
	deal, err := d.metadata.GetDealBySlug(slug, d.metadataTxn(txn))
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, models.ErrDealNotFound
	}
	return deal, nil
}

// GetDeals returns all deals
func (d *Database) GetDeals(txn *Txn) ([]models.Deal, error) {
	return d.metadata.GetDeals(d.metadataTxn(txn))
}

// UpdateDeal persists changes to an existing deal
func (d *Database) UpdateDeal(deal *models.Deal, txn *Txn) error {
	return d.metadata.UpdateDeal(deal, d.metadataTxn(txn))
}

// SetDealGuarantee upserts a user's guaranteed allocation amount for a deal
func (d *Database) SetDealGuarantee(
	guarantee *models.DealGuarantee,
	txn *Txn,
) error {
	return d.metadata.SetDealGuarantee(guarantee, d.metadataTxn(txn))
}

// GetDealGuarantee returns a user's guarantee for a deal, or
// models.ErrGuaranteeNotFound
func (d *Database) GetDealGuarantee(
	dealId uint,
	userId string,
	txn *Txn,
) (*models.DealGuarantee, error) {
	guarantee, err := d.metadata.GetDealGuarantee(
		dealId,
		userId,
		d.metadataTxn(txn),
	)
	if err != nil {
		return nil, err
	}
	if guarantee == nil {
		return nil, models.ErrGuaranteeNotFound
	}
	return guarantee, nil
}

// GetDealGuarantees returns all guarantees for a deal
func (d *Database) GetDealGuarantees(
	dealId uint,
	txn *Txn,
) ([]models.DealGuarantee, error) {
	return d.metadata.GetDealGuarantees(dealId, d.metadataTxn(txn))
}
