package promotion

import (
	"strings"
	"unicode"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
)

const (
	defaultOfficerRole     = "unknown"
	defaultFinancialSource = "bulk"
)

// CleanName trims and collapses internal whitespace.
func CleanName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName is the lower-cased, punctuation-free form of a cleaned name used for matching.
func NormalizeName(s string) string {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, s)
	return CleanName(stripped)
}

func lowerOpt(s *string) *string {
	return mapOpt(s, strings.ToLower)
}

func upperOpt(s *string) *string {
	return mapOpt(s, strings.ToUpper)
}

func trimOpt(s *string) *string {
	return mapOpt(s, func(v string) string { return v })
}

// mapOpt trims, applies fn and maps blank to nil.
func mapOpt(s *string, fn func(string) string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	v = fn(v)
	return &v
}

// ToProductionCompany applies the production clean-up to a staged company.
func ToProductionCompany(c *models.StagedCompany, batchID string) models.ProductionCompany {
	name := CleanName(c.CompanyName)

	var sic []string
	for _, code := range c.SicCodes {
		if code = strings.TrimSpace(code); code != "" {
			sic = append(sic, code)
		}
	}
	var primary *string
	if len(sic) > 0 {
		primary = &sic[0]
	}

	return models.ProductionCompany{
		CompanyNumber:     strings.TrimSpace(c.CompanyNumber),
		CompanyName:       name,
		NormalizedName:    NormalizeName(name),
		CompanyStatus:     lowerOpt(c.CompanyStatus),
		CompanyType:       trimOpt(c.CompanyType),
		Locality:          trimOpt(c.Locality),
		PostalCode:        upperOpt(c.PostalCode),
		AddressLine1:      trimOpt(c.AddressLine1),
		AddressLine2:      trimOpt(c.AddressLine2),
		Region:            trimOpt(c.Region),
		Country:           trimOpt(c.Country),
		SicCodes:          sic,
		PrimarySicCode:    primary,
		IncorporationDate: c.IncorporationDate,
		DataQualityScore:  quality.ScoreCompany(&c.Company).Value,
		SourceBatchID:     batchID,
	}
}

// ToProductionOfficer applies the production clean-up to a staged officer.
func ToProductionOfficer(o *models.StagedOfficer, batchID string) models.ProductionOfficer {
	name := CleanName(o.OfficerName)
	role := CleanName(o.OfficerRole)
	if role == "" {
		role = defaultOfficerRole
	}

	return models.ProductionOfficer{
		CompanyNumber:  strings.TrimSpace(o.CompanyNumber),
		OfficerName:    name,
		NameNormalized: NormalizeName(name),
		OfficerRole:    role,
		AppointedOn:    o.AppointedOn,
		ResignedOn:     o.ResignedOn,
		DateOfBirth:    trimOpt(o.DateOfBirth),
		Nationality:    trimOpt(o.Nationality),
		Occupation:     trimOpt(o.Occupation),
		Locality:       trimOpt(o.Locality),
		PostalCode:     upperOpt(o.PostalCode),
		AddressLine1:   trimOpt(o.AddressLine1),
		AddressLine2:   trimOpt(o.AddressLine2),
		Country:        trimOpt(o.Country),
		SourceBatchID:  batchID,
	}
}

// ToProductionFinancial applies the production clean-up to a staged financial period.
func ToProductionFinancial(f *models.StagedFinancial, batchID string) models.ProductionFinancial {
	source := defaultFinancialSource
	if s := trimOpt(f.Source); s != nil {
		source = *s
	}

	return models.ProductionFinancial{
		CompanyNumber:    strings.TrimSpace(f.CompanyNumber),
		PeriodEnd:        f.PeriodEnd,
		PeriodStart:      f.PeriodStart,
		Turnover:         f.Turnover,
		ProfitAfterTax:   f.ProfitLoss,
		TotalAssets:      f.TotalAssets,
		TotalLiabilities: f.TotalLiabilities,
		NetWorth:         f.NetWorth,
		Source:           source,
		SourceBatchID:    batchID,
	}
}

func financialKey(f models.ProductionFinancial) string {
	return f.CompanyNumber + "\x1f" + f.PeriodEnd.Format("2006-01-02")
}
