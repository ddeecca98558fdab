// Package quality scores staged company records against a weighted completeness rubric.
package quality

import (
	"math"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

type Tier string

const (
	TierRequired  Tier = "required"
	TierImportant Tier = "important"
	TierOptional  Tier = "optional"
)

// Weight is the points a present field of the tier earns.
func (t Tier) Weight() float64 {
	switch t {
	case TierRequired:
		return 3
	case TierImportant:
		return 1
	case TierOptional:
		return 0.5
	}
	return 0
}

// Severity is the issue severity reported for a missing field of the tier.
func (t Tier) Severity() Severity {
	switch t {
	case TierRequired:
		return SeverityError
	case TierImportant:
		return SeverityWarning
	}
	return SeverityInfo
}

type field struct {
	name    string
	tier    Tier
	present func(c *models.Company) bool
}

var rubric = []field{
	{"company_number", TierRequired, func(c *models.Company) bool { return filled(&c.CompanyNumber) }},
	{"company_name", TierRequired, func(c *models.Company) bool { return filled(&c.CompanyName) }},
	{"company_status", TierImportant, func(c *models.Company) bool { return filled(c.CompanyStatus) }},
	{"locality", TierImportant, func(c *models.Company) bool { return filled(c.Locality) }},
	{"sic_codes", TierImportant, func(c *models.Company) bool { return len(nonEmpty(c.SicCodes)) > 0 }},
	{"postal_code", TierOptional, func(c *models.Company) bool { return filled(c.PostalCode) }},
	{"region", TierOptional, func(c *models.Company) bool { return filled(c.Region) }},
}

// MaxPoints is the total weight of the rubric.
var MaxPoints = func() float64 {
	total := 0.0
	for _, f := range rubric {
		total += f.tier.Weight()
	}
	return total
}()

// MissingField is one rubric field absent from a record.
type MissingField struct {
	Field string `json:"field"`
	Tier  Tier   `json:"tier"`
}

// Score is the rubric result for a single record.
type Score struct {
	Value   float64        `json:"value"`
	Missing []MissingField `json:"missing,omitempty"`
}

// MissingOf returns the names of missing fields in the given tiers, in rubric order.
func (s Score) MissingOf(tiers ...Tier) []string {
	var names []string
	for _, m := range s.Missing {
		for _, t := range tiers {
			if m.Tier == t {
				names = append(names, m.Field)
				break
			}
		}
	}
	return names
}

// ScoreCompany applies the rubric. Adding a field never lowers the score.
func ScoreCompany(c *models.Company) Score {
	earned := 0.0
	var missing []MissingField
	for _, f := range rubric {
		if f.present(c) {
			earned += f.tier.Weight()
			continue
		}
		missing = append(missing, MissingField{Field: f.name, Tier: f.tier})
	}

	return Score{Value: Round(earned / MaxPoints), Missing: missing}
}

// Assessment is the review decision for one record.
type Assessment struct {
	Score       float64
	NeedsReview bool
	ReviewNote  *string
}

// Assess scores a record and flags it when it falls below the review floor.
func Assess(c *models.Company, floor float64) Assessment {
	score := ScoreCompany(c)
	a := Assessment{Score: score.Value}
	if MeetsThreshold(score.Value, floor) {
		return a
	}

	a.NeedsReview = true
	note := ReviewNote(score)
	a.ReviewNote = &note
	return a
}

// ReviewNote names the missing required and important fields.
func ReviewNote(s Score) string {
	fields := s.MissingOf(TierRequired, TierImportant)
	if len(fields) == 0 {
		fields = s.MissingOf(TierOptional)
	}
	return "Missing critical data: " + strings.Join(fields, ", ")
}

// Round rounds to four decimals, the precision every gate comparison uses.
func Round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// MeetsThreshold compares at four-decimal precision so 0.7 computed as 0.69999... still passes.
func MeetsThreshold(score, threshold float64) bool {
	return math.Round(score*10000) >= math.Round(threshold*10000)
}

func filled(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
