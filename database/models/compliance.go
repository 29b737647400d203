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

package models

import (
	"errors"
	"time"
)

var ErrFlagNotFound = errors.New("compliance flag not found")

// FlagReason identifies which compliance rule raised a flag
type FlagReason string

const (
	FlagReasonLargeContribution   FlagReason = "LARGE_CONTRIBUTION"
	FlagReasonRapidActivity       FlagReason = "RAPID_ACTIVITY"
	FlagReasonCumulativeThreshold FlagReason = "CUMULATIVE_THRESHOLD"
	FlagReasonSanctionsMatch      FlagReason = "SANCTIONS_MATCH"
)

func (r FlagReason) String() string {
	return string(r)
}

// FlagSeverity ranks a compliance flag for review triage
type FlagSeverity string

const (
	FlagSeverityLow    FlagSeverity = "LOW"
	FlagSeverityMedium FlagSeverity = "MEDIUM"
	FlagSeverityHigh   FlagSeverity = "HIGH"
)

func (s FlagSeverity) String() string {
	return string(s)
}

// Severity returns the fixed severity assigned to each rule
func (r FlagReason) Severity() FlagSeverity {
	switch r {
	case FlagReasonLargeContribution:
		return FlagSeverityLow
	case FlagReasonRapidActivity, FlagReasonCumulativeThreshold:
		return FlagSeverityMedium
	case FlagReasonSanctionsMatch:
		return FlagSeverityHigh
	default:
		return FlagSeverityLow
	}
}

// FlagFilter narrows compliance flag queries. Zero values mean "any".
type FlagFilter struct {
	Resolved *bool
	UserID   string
	Severity FlagSeverity
	DealID   uint
}

// ComplianceFlag is an advisory marker raised against user activity for
// manual review. Flags never block or roll back the activity that raised
// them.
type ComplianceFlag struct {
	ID             uint         `gorm:"primarykey"`
	DealID         uint         `gorm:"index"`
	UserID         string       `gorm:"index;size:64;not null"`
	ContributionID uint         `gorm:"index"`
	Reason         FlagReason   `gorm:"size:32;index;not null"`
	Severity       FlagSeverity `gorm:"size:8;not null"`
	Detail         string       `gorm:"size:512"`
	Resolved       bool         `gorm:"index"`
	ResolvedBy     string       `gorm:"size:64"`
	ResolvedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ComplianceFlag) TableName() string {
	return "compliance_flag"
}
