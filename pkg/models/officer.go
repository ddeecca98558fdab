package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
)

// Officer is an officer or person with significant control attached to a company.
// Its natural key is (company_number, officer_name, officer_role, appointed_on).
type Officer struct {
	CompanyNumber string     `json:"company_number" db:"company_number"`
	OfficerName   string     `json:"officer_name" db:"officer_name"`
	OfficerRole   string     `json:"officer_role" db:"officer_role"`
	AppointedOn   *time.Time `json:"appointed_on,omitempty" db:"appointed_on"`
	ResignedOn    *time.Time `json:"resigned_on,omitempty" db:"resigned_on"`
	DateOfBirth   *string    `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Nationality   *string    `json:"nationality,omitempty" db:"nationality"`
	Occupation    *string    `json:"occupation,omitempty" db:"occupation"`
	Locality      *string    `json:"locality,omitempty" db:"locality"`
	PostalCode    *string    `json:"postal_code,omitempty" db:"postal_code"`
	AddressLine1  *string    `json:"address_line_1,omitempty" db:"address_line_1"`
	AddressLine2  *string    `json:"address_line_2,omitempty" db:"address_line_2"`
	Country       *string    `json:"country,omitempty" db:"country"`
	RawData       RawData    `json:"raw_data" db:"raw_data"`
}

func (o *Officer) Kind() EntityKind { return KindOfficer }

func (o *Officer) Key() string {
	appointed := ""
	if o.AppointedOn != nil {
		appointed = o.AppointedOn.Format(time.DateOnly)
	}
	return fmt.Sprintf("%s/%s/%s/%s", o.CompanyNumber, o.OfficerName, o.OfficerRole, appointed)
}

func (o *Officer) Validate() error {
	switch {
	case strings.TrimSpace(o.CompanyNumber) == "":
		return fmt.Errorf("%w: company_number", ErrMissingKey)
	case strings.TrimSpace(o.OfficerName) == "":
		return fmt.Errorf("%w: officer_name", ErrMissingKey)
	case strings.TrimSpace(o.OfficerRole) == "":
		return fmt.Errorf("%w: officer_role", ErrMissingKey)
	}
	return nil
}

func (o *Officer) Fingerprint() string {
	return fingerprint.New().
		String(o.CompanyNumber).
		String(o.OfficerName).
		String(o.OfficerRole).
		Date(o.AppointedOn).
		Date(o.ResignedOn).
		OptString(o.DateOfBirth).
		OptString(o.Nationality).
		OptString(o.Occupation).
		OptString(o.Locality).
		OptString(o.PostalCode).
		OptString(o.AddressLine1).
		OptString(o.AddressLine2).
		OptString(o.Country).
		Sum()
}

// StagedOfficer is a row of staging_officers.
type StagedOfficer struct {
	ID int64 `json:"id" db:"id"`
	Officer
	StagingMeta
}

// ProductionOfficer is a row of production_officers.
type ProductionOfficer struct {
	CompanyNumber  string     `json:"company_number" db:"company_number"`
	OfficerName    string     `json:"officer_name" db:"officer_name"`
	NameNormalized string     `json:"name_normalized" db:"name_normalized"`
	OfficerRole    string     `json:"officer_role" db:"officer_role"`
	AppointedOn    *time.Time `json:"appointed_on,omitempty" db:"appointed_on"`
	ResignedOn     *time.Time `json:"resigned_on,omitempty" db:"resigned_on"`
	DateOfBirth    *string    `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Nationality    *string    `json:"nationality,omitempty" db:"nationality"`
	Occupation     *string    `json:"occupation,omitempty" db:"occupation"`
	Locality       *string    `json:"locality,omitempty" db:"locality"`
	PostalCode     *string    `json:"postal_code,omitempty" db:"postal_code"`
	AddressLine1   *string    `json:"address_line_1,omitempty" db:"address_line_1"`
	AddressLine2   *string    `json:"address_line_2,omitempty" db:"address_line_2"`
	Country        *string    `json:"country,omitempty" db:"country"`
	SourceBatchID  string     `json:"source_batch_id" db:"source_batch_id"`
}

// CompositeKey is the production uniqueness key.
func (o ProductionOfficer) CompositeKey() string {
	appointed := ""
	if o.AppointedOn != nil {
		appointed = o.AppointedOn.Format(time.DateOnly)
	}
	return o.CompanyNumber + "\x1f" + o.OfficerName + "\x1f" + o.OfficerRole + "\x1f" + appointed
}
