package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

const incorporationLayout = "02/01/2006"

// CompanyStream decodes a basic company data CSV into company records.
type CompanyStream struct {
	member *memberStream
	csv    *csv.Reader
	header []string
	index  map[string]int
	row    int
}

func OpenCompanies(filePath string) (*CompanyStream, error) {
	member, err := openMember(filePath, firstWithExt(".csv"))
	if err != nil {
		return nil, err
	}

	s, err := newCompanyStream(member.Reader())
	if err != nil {
		member.Close()
		return nil, err
	}
	s.member = member
	return s, nil
}

func newCompanyStream(r io.Reader) (*CompanyStream, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read company header: %w", err)
	}

	s := &CompanyStream{
		csv:    reader,
		header: make([]string, len(header)),
		index:  make(map[string]int, len(header)),
	}
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		s.header[i] = name
		s.index[name] = i
	}
	return s, nil
}

func (s *CompanyStream) Kind() models.EntityKind { return models.KindCompany }

func (s *CompanyStream) Next() (models.Record, error) {
	fields, err := s.csv.Read()
	s.row++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, &loader.RowError{Row: s.row, Err: err}
		}
		return nil, err
	}
	return s.decode(fields)
}

func (s *CompanyStream) decode(fields []string) (*models.Company, error) {
	get := func(name string) string {
		i, ok := s.index[name]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	raw := make(map[string]any, len(s.header))
	for i, h := range s.header {
		if i < len(fields) {
			raw[h] = fields[i]
		}
	}

	c := &models.Company{
		CompanyNumber: get("CompanyNumber"),
		CompanyName:   get("CompanyName"),
		CompanyStatus: optional(get("CompanyStatus")),
		CompanyType:   optional(get("CompanyCategory")),
		Locality:      optional(get("RegAddress.PostTown")),
		PostalCode:    optional(get("RegAddress.PostCode")),
		AddressLine1:  optional(get("RegAddress.AddressLine1")),
		AddressLine2:  optional(get("RegAddress.AddressLine2")),
		Region:        optional(get("RegAddress.County")),
		Country:       optional(get("RegAddress.Country")),
		SicCodes:      []string{},
		RawData:       models.NewRawData(raw),
	}

	for i := 1; i <= 4; i++ {
		if code := sicCode(get(fmt.Sprintf("SICCode.SicText_%d", i))); code != "" {
			c.SicCodes = append(c.SicCodes, code)
		}
	}

	if d := get("IncorporationDate"); d != "" {
		t, err := time.Parse(incorporationLayout, d)
		if err != nil {
			return nil, &loader.RowError{Row: s.row, Err: fmt.Errorf("invalid incorporation date %q", d)}
		}
		c.IncorporationDate = &t
	}

	return c, nil
}

func (s *CompanyStream) Progress() float64 {
	if s.member == nil {
		return 0
	}
	return s.member.Progress()
}

func (s *CompanyStream) Close() error {
	if s.member == nil {
		return nil
	}
	return s.member.Close()
}

// sicCode extracts the code from "62020 - Information technology consultancy activities".
func sicCode(text string) string {
	code, _, _ := strings.Cut(text, " - ")
	return strings.TrimSpace(code)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
