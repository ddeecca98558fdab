package promotion

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
)

type fakeStaging struct {
	companies  []*models.StagedCompany
	officers   []*models.StagedOfficer
	financials []*models.StagedFinancial
	stamps     int
}

func (f *fakeStaging) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStaging) flagged(number string) bool {
	for _, c := range f.companies {
		if c.CompanyNumber == number && c.NeedsReview {
			return true
		}
	}
	return false
}

func (f *fakeStaging) PendingCompanies(_ context.Context, batchID, after string, limit int) ([]models.StagedCompany, error) {
	var out []models.StagedCompany
	for _, c := range f.companies {
		if c.SourceBatchID == batchID && c.MergedAt == nil && !c.NeedsReview && c.CompanyNumber > after {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyNumber < out[j].CompanyNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStaging) PendingOfficers(_ context.Context, batchID string, after int64, limit int) ([]models.StagedOfficer, error) {
	var out []models.StagedOfficer
	for _, o := range f.officers {
		if o.SourceBatchID == batchID && o.MergedAt == nil && !o.NeedsReview && o.ID > after && !f.flagged(o.CompanyNumber) {
			out = append(out, *o)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStaging) PendingFinancials(_ context.Context, batchID string, after int64, limit int) ([]models.StagedFinancial, error) {
	var out []models.StagedFinancial
	for _, fin := range f.financials {
		if fin.SourceBatchID == batchID && fin.MergedAt == nil && !fin.NeedsReview && fin.ID > after && !f.flagged(fin.CompanyNumber) {
			out = append(out, *fin)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func stamp(meta *models.StagingMeta, hash string) int64 {
	if meta.MergedAt != nil || meta.ContentHash != hash {
		return 0
	}
	now := time.Now()
	meta.MergedAt = &now
	return 1
}

func (f *fakeStaging) MarkCompaniesMerged(_ context.Context, numbers, hashes []string) (int64, error) {
	f.stamps++
	var n int64
	for i, number := range numbers {
		for _, c := range f.companies {
			if c.CompanyNumber == number {
				n += stamp(&c.StagingMeta, hashes[i])
			}
		}
	}
	return n, nil
}

func (f *fakeStaging) MarkOfficersMerged(_ context.Context, ids []int64, hashes []string) (int64, error) {
	f.stamps++
	var n int64
	for i, id := range ids {
		for _, o := range f.officers {
			if o.ID == id {
				n += stamp(&o.StagingMeta, hashes[i])
			}
		}
	}
	return n, nil
}

func (f *fakeStaging) MarkFinancialsMerged(_ context.Context, ids []int64, hashes []string) (int64, error) {
	f.stamps++
	var n int64
	for i, id := range ids {
		for _, fin := range f.financials {
			if fin.ID == id {
				n += stamp(&fin.StagingMeta, hashes[i])
			}
		}
	}
	return n, nil
}

type fakeProduction struct {
	companies  map[string]models.ProductionCompany
	officers   map[string]models.ProductionOfficer
	financials map[string]models.ProductionFinancial
	mergeLog   []models.MergeLogEntry
}

func newFakeProduction() *fakeProduction {
	return &fakeProduction{
		companies:  map[string]models.ProductionCompany{},
		officers:   map[string]models.ProductionOfficer{},
		financials: map[string]models.ProductionFinancial{},
	}
}

func (p *fakeProduction) UpsertCompanies(_ context.Context, rows []models.ProductionCompany) error {
	for _, r := range rows {
		p.companies[r.CompanyNumber] = r
	}
	return nil
}

func (p *fakeProduction) UpsertOfficers(_ context.Context, rows []models.ProductionOfficer) error {
	for _, r := range rows {
		p.officers[r.CompositeKey()] = r
	}
	return nil
}

func (p *fakeProduction) UpsertFinancials(_ context.Context, rows []models.ProductionFinancial) error {
	for _, r := range rows {
		p.financials[financialKey(r)] = r
	}
	return nil
}

func (p *fakeProduction) ExistingCompanyNumbers(_ context.Context, numbers []string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, n := range numbers {
		if _, ok := p.companies[n]; ok {
			out[n] = struct{}{}
		}
	}
	return out, nil
}

func (p *fakeProduction) AppendMergeLog(_ context.Context, entry *models.MergeLogEntry) (int64, error) {
	p.mergeLog = append(p.mergeLog, *entry)
	return int64(len(p.mergeLog)), nil
}

type fixedScorer float64

func (s fixedScorer) ScoreBatch(_ context.Context, batchID string) (*quality.BatchScore, error) {
	return &quality.BatchScore{BatchID: batchID, Score: float64(s)}, nil
}

// batchScorer averages the staged company scores like the real validator.
type batchScorer struct{ staging *fakeStaging }

func (s batchScorer) ScoreBatch(_ context.Context, batchID string) (*quality.BatchScore, error) {
	var sum float64
	var n int
	for _, c := range s.staging.companies {
		if c.SourceBatchID == batchID {
			sum += c.QualityScore
			n++
		}
	}
	if n == 0 {
		return &quality.BatchScore{BatchID: batchID, Score: 1}, nil
	}
	return &quality.BatchScore{BatchID: batchID, Score: quality.Round(sum / float64(n))}, nil
}

type recordingPublisher struct {
	promotions []*models.PromotionResult
}

func (p *recordingPublisher) EmitBatch(context.Context, string, *models.IngestionBatch) {}

func (p *recordingPublisher) EmitPromotion(_ context.Context, r *models.PromotionResult) {
	p.promotions = append(p.promotions, r)
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

func day(s string) *time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return &t
}

func stagedCompany(batchID, number, name string) *models.StagedCompany {
	c := &models.StagedCompany{
		Company: models.Company{
			CompanyNumber: number,
			CompanyName:   name,
			CompanyStatus: strPtr("Active"),
			Locality:      strPtr("London"),
			PostalCode:    strPtr("ec1a 1bb"),
			SicCodes:      []string{"62020", "70229"},
		},
	}
	c.SourceBatchID = batchID
	c.ContentHash = c.Fingerprint()
	c.QualityScore = quality.ScoreCompany(&c.Company).Value
	return c
}

func stagedOfficer(batchID string, id int64, number, name string) *models.StagedOfficer {
	o := &models.StagedOfficer{
		ID:      id,
		Officer: models.Officer{CompanyNumber: number, OfficerName: name, OfficerRole: "Director", AppointedOn: day("2020-01-01")},
	}
	o.SourceBatchID = batchID
	o.ContentHash = o.Fingerprint()
	return o
}

func stagedFinancial(batchID string, id int64, number string) *models.StagedFinancial {
	f := &models.StagedFinancial{
		ID:        id,
		Financial: models.Financial{CompanyNumber: number, PeriodEnd: *day("2023-12-31")},
	}
	f.SourceBatchID = batchID
	f.ContentHash = f.Fingerprint()
	return f
}

func newEngine(staging *fakeStaging, production *fakeProduction, scorer Scorer, pub *recordingPublisher) *Engine {
	var publisher events.Publisher
	if pub != nil {
		publisher = pub
	}
	return NewEngine(testLogger(), staging, production, scorer, nil, publisher, Config{Threshold: 0.70, PageSize: 2})
}

func TestEngine_Gate(t *testing.T) {
	ctx := context.Background()

	t.Run("0.69 is blocked", func(t *testing.T) {
		staging := &fakeStaging{companies: []*models.StagedCompany{stagedCompany("b1", "00000001", "Acme")}}
		production := newFakeProduction()
		pub := &recordingPublisher{}

		result, err := newEngine(staging, production, fixedScorer(0.69), pub).Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		assert.Equal(t, models.PromotionBlocked, result.Outcome)
		assert.Equal(t, models.ReasonQualityTooLow, result.Reason)
		assert.Equal(t, 0.69, result.QualityScore)
		assert.Equal(t, 0.70, result.Threshold)
		assert.Equal(t, "system", result.Operator)
		assert.Empty(t, production.companies)
		assert.Empty(t, production.mergeLog)
		assert.Zero(t, staging.stamps)
		assert.Empty(t, pub.promotions)
	})

	t.Run("0.70 proceeds", func(t *testing.T) {
		staging := &fakeStaging{companies: []*models.StagedCompany{stagedCompany("b1", "00000001", "Acme")}}
		production := newFakeProduction()

		result, err := newEngine(staging, production, fixedScorer(0.70), &recordingPublisher{}).Promote(ctx, "b1", false, "ops")
		require.NoError(t, err)

		assert.Equal(t, models.PromotionPromoted, result.Outcome)
		assert.Equal(t, 1, result.Counts.Companies)
		assert.Len(t, production.companies, 1)
		require.Len(t, production.mergeLog, 1)
		assert.Equal(t, "ops", production.mergeLog[0].MergedBy)
	})

	t.Run("missing batch id", func(t *testing.T) {
		_, err := newEngine(&fakeStaging{}, newFakeProduction(), fixedScorer(1), nil).Promote(ctx, " ", false, "")
		require.Error(t, err)
	})
}

func fixture(batchID string) *fakeStaging {
	return &fakeStaging{
		companies: []*models.StagedCompany{
			stagedCompany(batchID, "00000001", "  Acme   Widgets Ltd. "),
			stagedCompany(batchID, "00000002", "Beta Ltd"),
			stagedCompany(batchID, "00000003", "Gamma Ltd"),
		},
		officers: []*models.StagedOfficer{
			stagedOfficer(batchID, 1, "00000001", "Jane Smith"),
			stagedOfficer(batchID, 2, "00000001", "Jane  Smith "),
			stagedOfficer(batchID, 3, "00000002", "John Doe"),
			stagedOfficer(batchID, 4, "99999999", "Nobody"),
		},
		financials: []*models.StagedFinancial{
			stagedFinancial(batchID, 1, "00000003"),
			stagedFinancial(batchID, 2, "99999999"),
		},
	}
}

func TestEngine_Promote(t *testing.T) {
	ctx := context.Background()

	t.Run("dry run reports without writing", func(t *testing.T) {
		staging := fixture("b1")
		production := newFakeProduction()
		pub := &recordingPublisher{}

		result, err := newEngine(staging, production, fixedScorer(0.9), pub).Promote(ctx, "b1", true, "")
		require.NoError(t, err)

		assert.Equal(t, models.PromotionDryRun, result.Outcome)
		assert.Equal(t, models.PromotionCounts{
			Companies:         3,
			CompaniesInserted: 3,
			Officers:          2,
			Financials:        1,
			OrphansSkipped:    2,
		}, result.Counts)
		assert.Nil(t, result.MergeLogID)

		assert.Empty(t, production.companies)
		assert.Empty(t, production.officers)
		assert.Empty(t, production.financials)
		assert.Empty(t, production.mergeLog)
		assert.Zero(t, staging.stamps)
		for _, c := range staging.companies {
			assert.Nil(t, c.MergedAt)
		}
		assert.Len(t, pub.promotions, 1)
	})

	t.Run("promotes, dedups and skips orphans", func(t *testing.T) {
		staging := fixture("b1")
		production := newFakeProduction()
		pub := &recordingPublisher{}

		result, err := newEngine(staging, production, fixedScorer(0.9), pub).Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		assert.Equal(t, models.PromotionPromoted, result.Outcome)
		assert.Equal(t, 3, result.Counts.Companies)
		assert.Equal(t, 2, result.Counts.Officers)
		assert.Equal(t, 1, result.Counts.Financials)
		assert.Equal(t, 2, result.Counts.OrphansSkipped)
		require.NotNil(t, result.MergeLogID)

		acme := production.companies["00000001"]
		assert.Equal(t, "Acme Widgets Ltd.", acme.CompanyName)
		assert.Equal(t, "acme widgets ltd", acme.NormalizedName)
		assert.Equal(t, "active", *acme.CompanyStatus)
		assert.Equal(t, "EC1A 1BB", *acme.PostalCode)
		assert.Equal(t, "62020", *acme.PrimarySicCode)
		assert.Equal(t, "b1", acme.SourceBatchID)

		assert.Len(t, production.officers, 2)
		for _, o := range production.officers {
			assert.Equal(t, "Director", o.OfficerRole)
		}
		assert.Equal(t, "bulk", production.financials["00000003\x1f2023-12-31"].Source)

		for _, o := range staging.officers {
			if o.CompanyNumber == "99999999" {
				assert.Nil(t, o.MergedAt, "orphans stay pending")
			} else {
				assert.NotNil(t, o.MergedAt)
			}
		}

		require.Len(t, production.mergeLog, 1)
		assert.Equal(t, 3, production.mergeLog[0].CompaniesMerged)
		assert.Equal(t, 2, production.mergeLog[0].OfficersMerged)
		assert.Equal(t, 1, production.mergeLog[0].FinancialsMerged)
	})

	t.Run("second promotion is a no-op", func(t *testing.T) {
		staging := fixture("b1")
		production := newFakeProduction()
		pub := &recordingPublisher{}
		engine := newEngine(staging, production, fixedScorer(0.9), pub)

		_, err := engine.Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		again, err := engine.Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		assert.Equal(t, models.PromotionNothingToPromote, again.Outcome)
		assert.Zero(t, again.Counts.Total())
		assert.Nil(t, again.MergeLogID)
		assert.Len(t, production.mergeLog, 1)
		assert.Len(t, production.companies, 3)
		assert.Len(t, pub.promotions, 1)
	})

	t.Run("existing production parent counts as known and as an update", func(t *testing.T) {
		staging := &fakeStaging{
			companies: []*models.StagedCompany{stagedCompany("b2", "00000001", "Acme")},
			officers:  []*models.StagedOfficer{stagedOfficer("b2", 1, "00000009", "Old Parent")},
		}
		production := newFakeProduction()
		production.companies["00000001"] = models.ProductionCompany{CompanyNumber: "00000001"}
		production.companies["00000009"] = models.ProductionCompany{CompanyNumber: "00000009"}

		result, err := newEngine(staging, production, fixedScorer(0.9), nil).Promote(ctx, "b2", true, "")
		require.NoError(t, err)

		assert.Equal(t, 1, result.Counts.CompaniesUpdated)
		assert.Zero(t, result.Counts.CompaniesInserted)
		assert.Equal(t, 1, result.Counts.Officers)
		assert.Zero(t, result.Counts.OrphansSkipped)
	})

	t.Run("flagged rows stay pending", func(t *testing.T) {
		staging := fixture("b1")
		staging.companies[1].NeedsReview = true
		production := newFakeProduction()

		result, err := newEngine(staging, production, fixedScorer(0.9), nil).Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		assert.Equal(t, 2, result.Counts.Companies)
		assert.Equal(t, 1, result.Counts.Officers, "officers of a flagged company are not candidates")
		assert.NotContains(t, production.companies, "00000002")
		assert.Nil(t, staging.companies[1].MergedAt)
	})

	t.Run("row changed after it was read is not stamped", func(t *testing.T) {
		staging := &fakeStaging{companies: []*models.StagedCompany{stagedCompany("b1", "00000001", "Acme")}}
		production := newFakeProduction()
		racing := &racingStaging{fakeStaging: staging}

		_, err := NewEngine(testLogger(), racing, production, fixedScorer(0.9), nil, nil, Config{Threshold: 0.7}).
			Promote(ctx, "b1", false, "")
		require.NoError(t, err)

		assert.Nil(t, staging.companies[0].MergedAt)
	})
}

// racingStaging rewrites the content hash between read and stamp, as a concurrent load would.
type racingStaging struct {
	*fakeStaging
}

func (r *racingStaging) MarkCompaniesMerged(ctx context.Context, numbers, hashes []string) (int64, error) {
	for _, c := range r.companies {
		c.ContentHash = "changed"
	}
	return r.fakeStaging.MarkCompaniesMerged(ctx, numbers, hashes)
}

func TestEngine_AcmeScenario(t *testing.T) {
	ctx := context.Background()

	acme := &models.StagedCompany{Company: models.Company{CompanyNumber: "A1", CompanyName: "Acme"}}
	acme.SourceBatchID = "b1"
	assessment := quality.Assess(&acme.Company, 0.70)
	acme.QualityScore = assessment.Score
	acme.NeedsReview = assessment.NeedsReview
	acme.ContentHash = acme.Fingerprint()

	require.Equal(t, 0.6, acme.QualityScore)
	require.True(t, acme.NeedsReview)

	// re-ingested with a status
	acme.CompanyStatus = strPtr("active")
	acme.SourceBatchID = "b2"
	assessment = quality.Assess(&acme.Company, 0.70)
	acme.QualityScore = assessment.Score
	acme.NeedsReview = assessment.NeedsReview
	acme.ChangeDetected = true
	acme.ContentHash = acme.Fingerprint()

	require.Equal(t, 0.7, acme.QualityScore)
	require.False(t, acme.NeedsReview)

	staging := &fakeStaging{companies: []*models.StagedCompany{acme}}
	production := newFakeProduction()

	result, err := newEngine(staging, production, batchScorer{staging}, nil).Promote(ctx, "b2", false, "")
	require.NoError(t, err)

	assert.Equal(t, models.PromotionPromoted, result.Outcome)
	assert.Equal(t, 0.7, result.QualityScore)
	assert.Equal(t, 0.7, production.companies["A1"].DataQualityScore)
	assert.NotNil(t, acme.MergedAt)
	require.Len(t, production.mergeLog, 1)
	assert.Equal(t, 1, production.mergeLog[0].CompaniesMerged)
}
