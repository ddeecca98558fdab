package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
)

// Company is a registered company as decoded from a company snapshot.
type Company struct {
	CompanyNumber     string         `json:"company_number" db:"company_number"`
	CompanyName       string         `json:"company_name" db:"company_name"`
	CompanyStatus     *string        `json:"company_status,omitempty" db:"company_status"`
	CompanyType       *string        `json:"company_type,omitempty" db:"company_type"`
	Locality          *string        `json:"locality,omitempty" db:"locality"`
	PostalCode        *string        `json:"postal_code,omitempty" db:"postal_code"`
	AddressLine1      *string        `json:"address_line_1,omitempty" db:"address_line_1"`
	AddressLine2      *string        `json:"address_line_2,omitempty" db:"address_line_2"`
	Region            *string        `json:"region,omitempty" db:"region"`
	Country           *string        `json:"country,omitempty" db:"country"`
	SicCodes          pq.StringArray `json:"sic_codes" db:"sic_codes"`
	IncorporationDate *time.Time     `json:"incorporation_date,omitempty" db:"incorporation_date"`
	RawData           RawData        `json:"raw_data" db:"raw_data"`
}

func (c *Company) Kind() EntityKind { return KindCompany }

func (c *Company) Key() string { return c.CompanyNumber }

func (c *Company) Validate() error {
	if strings.TrimSpace(c.CompanyNumber) == "" {
		return fmt.Errorf("%w: company_number", ErrMissingKey)
	}
	if strings.TrimSpace(c.CompanyName) == "" {
		return fmt.Errorf("%w: company_name", ErrMissingKey)
	}
	return nil
}

func (c *Company) Fingerprint() string {
	return fingerprint.New().
		String(c.CompanyNumber).
		String(c.CompanyName).
		OptString(c.CompanyStatus).
		OptString(c.CompanyType).
		OptString(c.Locality).
		OptString(c.PostalCode).
		OptString(c.AddressLine1).
		OptString(c.AddressLine2).
		OptString(c.Region).
		OptString(c.Country).
		Strings(c.SicCodes).
		Date(c.IncorporationDate).
		Sum()
}

// StagedCompany is a row of staging_companies.
type StagedCompany struct {
	Company
	StagingMeta
	QualityScore float64 `json:"quality_score" db:"quality_score"`
}

// ProductionCompany is a row of production_companies.
type ProductionCompany struct {
	CompanyNumber     string         `json:"company_number" db:"company_number"`
	CompanyName       string         `json:"company_name" db:"company_name"`
	NormalizedName    string         `json:"normalized_name" db:"normalized_name"`
	CompanyStatus     *string        `json:"company_status,omitempty" db:"company_status"`
	CompanyType       *string        `json:"company_type,omitempty" db:"company_type"`
	Locality          *string        `json:"locality,omitempty" db:"locality"`
	PostalCode        *string        `json:"postal_code,omitempty" db:"postal_code"`
	AddressLine1      *string        `json:"address_line_1,omitempty" db:"address_line_1"`
	AddressLine2      *string        `json:"address_line_2,omitempty" db:"address_line_2"`
	Region            *string        `json:"region,omitempty" db:"region"`
	Country           *string        `json:"country,omitempty" db:"country"`
	SicCodes          pq.StringArray `json:"sic_codes" db:"sic_codes"`
	PrimarySicCode    *string        `json:"primary_sic_code,omitempty" db:"primary_sic_code"`
	IncorporationDate *time.Time     `json:"incorporation_date,omitempty" db:"incorporation_date"`
	DataQualityScore  float64        `json:"data_quality_score" db:"data_quality_score"`
	SourceBatchID     string         `json:"source_batch_id" db:"source_batch_id"`
	FirstSeen         time.Time      `json:"first_seen" db:"first_seen"`
	LastUpdated       time.Time      `json:"last_updated" db:"last_updated"`
}
