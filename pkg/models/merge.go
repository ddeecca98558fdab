package models

import "time"

// MergeLogEntry is a row of merge_log.
type MergeLogEntry struct {
	ID               int64     `json:"id" db:"id"`
	BatchID          string    `json:"batch_id" db:"batch_id"`
	MergedAt         time.Time `json:"merged_at" db:"merged_at"`
	CompaniesMerged  int       `json:"companies_merged" db:"companies_merged"`
	OfficersMerged   int       `json:"officers_merged" db:"officers_merged"`
	FinancialsMerged int       `json:"financials_merged" db:"financials_merged"`
	MergedBy         string    `json:"merged_by" db:"merged_by"`
	Notes            *string   `json:"notes,omitempty" db:"notes"`
}

type PromotionOutcome string

const (
	PromotionPromoted         PromotionOutcome = "promoted"
	PromotionDryRun           PromotionOutcome = "dry_run"
	PromotionBlocked          PromotionOutcome = "blocked"
	PromotionNothingToPromote PromotionOutcome = "nothing_to_promote"
)

// ReasonQualityTooLow is the blocked reason when the batch aggregate is under the gate.
const ReasonQualityTooLow = "quality_score_too_low"

// PromotionCounts are the per-kind totals of one promotion pass.
type PromotionCounts struct {
	Companies         int `json:"companies"`
	CompaniesInserted int `json:"companies_inserted"`
	CompaniesUpdated  int `json:"companies_updated"`
	Officers          int `json:"officers"`
	Financials        int `json:"financials"`
	OrphansSkipped    int `json:"orphans_skipped"`
}

func (c PromotionCounts) Total() int {
	return c.Companies + c.Officers + c.Financials
}

// PromotionResult is the structured outcome of a promote call. Blocked is an expected
// outcome, not an error.
type PromotionResult struct {
	BatchID      string           `json:"batch_id"`
	Outcome      PromotionOutcome `json:"outcome"`
	DryRun       bool             `json:"dry_run"`
	QualityScore float64          `json:"quality_score"`
	Threshold    float64          `json:"threshold"`
	Reason       string           `json:"reason,omitempty"`
	Counts       PromotionCounts  `json:"counts"`
	MergeLogID   *int64           `json:"merge_log_id,omitempty"`
	Operator     string           `json:"operator"`
}

// BatchSummary is one completed batch with its merge state.
type BatchSummary struct {
	BatchID            string     `json:"batch_id" db:"batch_id"`
	Cohort             string     `json:"cohort" db:"cohort"`
	Status             string     `json:"status" db:"status"`
	CompaniesProcessed int64      `json:"companies_processed" db:"companies_processed"`
	StartedAt          time.Time  `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Merged             bool       `json:"merged" db:"merged"`
	LastMergedAt       *time.Time `json:"last_merged_at,omitempty" db:"last_merged_at"`
	NeedsReview        int64      `json:"needs_review" db:"needs_review"`
}

// StoreTotals are row counts used by the status endpoint.
type StoreTotals struct {
	Companies  int64 `json:"companies" db:"companies"`
	Officers   int64 `json:"officers" db:"officers"`
	Financials int64 `json:"financials" db:"financials"`
}

// StagingTotals adds the promotion backlog to the staging counts.
type StagingTotals struct {
	StoreTotals
	PendingCompanies int64 `json:"pending_companies" db:"pending_companies"`
	NeedsReview      int64 `json:"needs_review" db:"needs_review"`
}
