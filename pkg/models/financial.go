package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
)

// Financial is one reporting period of a company's filed accounts.
type Financial struct {
	CompanyNumber    string     `json:"company_number" db:"company_number"`
	PeriodEnd        time.Time  `json:"period_end" db:"period_end"`
	PeriodStart      *time.Time `json:"period_start,omitempty" db:"period_start"`
	Turnover         *float64   `json:"turnover,omitempty" db:"turnover"`
	ProfitLoss       *float64   `json:"profit_loss,omitempty" db:"profit_loss"`
	TotalAssets      *float64   `json:"total_assets,omitempty" db:"total_assets"`
	TotalLiabilities *float64   `json:"total_liabilities,omitempty" db:"total_liabilities"`
	NetWorth         *float64   `json:"net_worth,omitempty" db:"net_worth"`
	Source           *string    `json:"source,omitempty" db:"source"`
	RawData          RawData    `json:"raw_data" db:"raw_data"`
}

func (f *Financial) Kind() EntityKind { return KindFinancial }

func (f *Financial) Key() string {
	return fmt.Sprintf("%s/%s", f.CompanyNumber, f.PeriodEnd.Format(time.DateOnly))
}

func (f *Financial) Validate() error {
	if strings.TrimSpace(f.CompanyNumber) == "" {
		return fmt.Errorf("%w: company_number", ErrMissingKey)
	}
	if f.PeriodEnd.IsZero() {
		return fmt.Errorf("%w: period_end", ErrMissingKey)
	}
	return nil
}

func (f *Financial) Fingerprint() string {
	periodEnd := f.PeriodEnd
	return fingerprint.New().
		String(f.CompanyNumber).
		Date(&periodEnd).
		Date(f.PeriodStart).
		Number(f.Turnover).
		Number(f.ProfitLoss).
		Number(f.TotalAssets).
		Number(f.TotalLiabilities).
		Number(f.NetWorth).
		OptString(f.Source).
		Sum()
}

// StagedFinancial is a row of staging_financials.
type StagedFinancial struct {
	ID int64 `json:"id" db:"id"`
	Financial
	StagingMeta
}

// ProductionFinancial is a row of production_financials.
type ProductionFinancial struct {
	CompanyNumber    string     `json:"company_number" db:"company_number"`
	PeriodEnd        time.Time  `json:"period_end" db:"period_end"`
	PeriodStart      *time.Time `json:"period_start,omitempty" db:"period_start"`
	Turnover         *float64   `json:"turnover,omitempty" db:"turnover"`
	ProfitAfterTax   *float64   `json:"profit_after_tax,omitempty" db:"profit_after_tax"`
	TotalAssets      *float64   `json:"total_assets,omitempty" db:"total_assets"`
	TotalLiabilities *float64   `json:"total_liabilities,omitempty" db:"total_liabilities"`
	NetWorth         *float64   `json:"net_worth,omitempty" db:"net_worth"`
	Source           string     `json:"source" db:"source"`
	SourceBatchID    string     `json:"source_batch_id" db:"source_batch_id"`
}
