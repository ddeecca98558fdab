package quality

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// companyNumberLength is the registry's fixed company number width.
const companyNumberLength = 8

// Store is the staging access the validator needs.
type Store interface {
	BatchQuality(ctx context.Context, batchID string) (models.BatchQuality, error)
	ListBatchCompanies(ctx context.Context, batchID, afterNumber string, limit int) ([]models.StagedCompany, error)
	UpdateReviewFlags(ctx context.Context, flags []models.ReviewFlag) error
	OfficerGaps(ctx context.Context, batchID string) (models.OfficerGaps, error)
}

// BatchScore is the read-only aggregate used by the promotion gate.
type BatchScore struct {
	BatchID   string  `json:"batch_id"`
	Score     float64 `json:"quality_score"`
	Records   int64   `json:"records"`
	Threshold float64 `json:"threshold"`
	Passes    bool    `json:"passes"`
}

type IssueCounts struct {
	Error   int `json:"error"`
	Warning int `json:"warning"`
	Info    int `json:"info"`
}

func (c *IssueCounts) add(s Severity) {
	c.addN(s, 1)
}

func (c *IssueCounts) addN(s Severity, n int) {
	switch s {
	case SeverityError:
		c.Error += n
	case SeverityWarning:
		c.Warning += n
	default:
		c.Info += n
	}
}

// Report is the result of a full batch validation pass.
type Report struct {
	BatchID        string         `json:"batch_id"`
	Records        int            `json:"records"`
	Officers       int            `json:"officers_checked"`
	Score          float64        `json:"quality_score"`
	Threshold      float64        `json:"threshold"`
	Passes         bool           `json:"passes"`
	Flagged        int            `json:"flagged"`
	Cleared        int            `json:"cleared"`
	Issues         IssueCounts    `json:"issues"`
	MissingByField map[string]int `json:"missing_by_field"`
}

// officerChecks are the officer fields a batch report counts as missing. Officers do not feed the
// batch score.
var officerChecks = []struct {
	field    string
	severity Severity
	count    func(g models.OfficerGaps) int64
}{
	{"officer_name", SeverityWarning, func(g models.OfficerGaps) int64 { return g.MissingName }},
	{"officer_role", SeverityWarning, func(g models.OfficerGaps) int64 { return g.MissingRole }},
	{"appointed_on", SeverityInfo, func(g models.OfficerGaps) int64 { return g.MissingAppointment }},
}

type Validator struct {
	logger    ectologger.Logger
	store     Store
	floor     float64
	threshold float64
	pageSize  int
}

func NewValidator(logger ectologger.Logger, store Store, floor, threshold float64, pageSize int) *Validator {
	if pageSize <= 0 {
		pageSize = 10000
	}
	return &Validator{
		logger:    logger,
		store:     store,
		floor:     floor,
		threshold: threshold,
		pageSize:  pageSize,
	}
}

func (v *Validator) Floor() float64 { return v.floor }

func (v *Validator) Threshold() float64 { return v.threshold }

// ScoreBatch returns the mean stored score of the batch's companies. A batch that touched no
// companies scores 1.0.
func (v *Validator) ScoreBatch(ctx context.Context, batchID string) (*BatchScore, error) {
	ctx, span := tracing.StartSpan(ctx, "quality.Validator.ScoreBatch")
	defer span.End()

	if batchID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "batch_id is required")
	}

	agg, err := v.store.BatchQuality(ctx, batchID)
	if err != nil {
		return nil, err
	}

	score := 1.0
	if agg.Records > 0 {
		score = Round(agg.Mean)
	}

	return &BatchScore{
		BatchID:   batchID,
		Score:     score,
		Records:   agg.Records,
		Threshold: v.threshold,
		Passes:    MeetsThreshold(score, v.threshold),
	}, nil
}

// ValidateBatch rescores every company of the batch, re-applies review flags page by page and
// reports issue counts by severity, including officers missing a name, role or appointment date.
func (v *Validator) ValidateBatch(ctx context.Context, batchID string) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "quality.Validator.ValidateBatch")
	defer span.End()

	if batchID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "batch_id is required")
	}

	log := v.logger.WithContext(ctx).WithField("batch_id", batchID)

	report := &Report{
		BatchID:        batchID,
		Threshold:      v.threshold,
		MissingByField: map[string]int{},
	}

	total := 0.0
	after := ""
	for {
		page, err := v.store.ListBatchCompanies(ctx, batchID, after, v.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		flags := make([]models.ReviewFlag, 0, len(page))
		for i := range page {
			row := &page[i]
			score := ScoreCompany(&row.Company)
			v.countIssues(report, &row.Company, score)

			assessment := Assess(&row.Company, v.floor)
			if assessment.NeedsReview {
				report.Flagged++
			} else if row.NeedsReview {
				report.Cleared++
			}

			flags = append(flags, models.ReviewFlag{
				CompanyNumber: row.CompanyNumber,
				QualityScore:  assessment.Score,
				NeedsReview:   assessment.NeedsReview,
				ReviewNote:    assessment.ReviewNote,
			})
			total += assessment.Score
		}

		if err := v.store.UpdateReviewFlags(ctx, flags); err != nil {
			return nil, err
		}

		report.Records += len(page)
		after = page[len(page)-1].CompanyNumber
		if len(page) < v.pageSize {
			break
		}
	}

	gaps, err := v.store.OfficerGaps(ctx, batchID)
	if err != nil {
		return nil, err
	}
	report.Officers = int(gaps.Records)
	for _, check := range officerChecks {
		if n := int(check.count(gaps)); n > 0 {
			report.Issues.addN(check.severity, n)
			report.MissingByField[check.field] += n
		}
	}

	report.Score = 1.0
	if report.Records > 0 {
		report.Score = Round(total / float64(report.Records))
	}
	report.Passes = MeetsThreshold(report.Score, v.threshold)

	log.WithFields(map[string]any{
		"records":  report.Records,
		"officers": report.Officers,
		"score":    report.Score,
		"flagged":  report.Flagged,
		"cleared":  report.Cleared,
		"errors":   report.Issues.Error,
		"warnings": report.Issues.Warning,
	}).Info("Batch validation complete")

	return report, nil
}

func (v *Validator) countIssues(report *Report, c *models.Company, score Score) {
	for _, m := range score.Missing {
		report.Issues.add(m.Tier.Severity())
		report.MissingByField[m.Field]++
	}
	if filled(&c.CompanyNumber) && len(c.CompanyNumber) != companyNumberLength {
		report.Issues.add(SeverityWarning)
	}
}
