package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

const defaultPSCRole = "person-with-significant-control"

type pscLine struct {
	CompanyNumber string  `json:"company_number"`
	Data          pscData `json:"data"`
}

type pscData struct {
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	NameElements struct {
		Title      string `json:"title"`
		Forename   string `json:"forename"`
		MiddleName string `json:"middle_name"`
		Surname    string `json:"surname"`
	} `json:"name_elements"`
	DateOfBirth *struct {
		Year  int `json:"year"`
		Month int `json:"month"`
		Day   int `json:"day"`
	} `json:"date_of_birth"`
	NotifiedOn  string `json:"notified_on"`
	CeasedOn    string `json:"ceased_on"`
	Nationality string `json:"nationality"`
	Address     struct {
		AddressLine1 string `json:"address_line_1"`
		AddressLine2 string `json:"address_line_2"`
		Locality     string `json:"locality"`
		PostalCode   string `json:"postal_code"`
		Country      string `json:"country"`
	} `json:"address"`
}

// PSCStream decodes a persons-with-significant-control JSONL snapshot into officer records.
type PSCStream struct {
	member *memberStream
	reader *bufio.Reader
	row    int
}

func OpenPSC(filePath string) (*PSCStream, error) {
	member, err := openMember(filePath, firstWithExt(".json", ".txt"))
	if err != nil {
		return nil, err
	}
	s := newPSCStream(member.Reader())
	s.member = member
	return s, nil
}

func newPSCStream(r io.Reader) *PSCStream {
	return &PSCStream{reader: bufio.NewReaderSize(r, 1<<20)}
}

func (s *PSCStream) Kind() models.EntityKind { return models.KindOfficer }

func (s *PSCStream) Next() (models.Record, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s.row++

		rec, skip, decodeErr := decodePSC(line)
		if decodeErr != nil {
			return nil, &loader.RowError{Row: s.row, Err: decodeErr}
		}
		if skip {
			continue
		}
		return rec, nil
	}
}

func (s *PSCStream) Progress() float64 {
	if s.member == nil {
		return 0
	}
	return s.member.Progress()
}

func (s *PSCStream) Close() error {
	if s.member == nil {
		return nil
	}
	return s.member.Close()
}

// decodePSC maps one JSONL line. Snapshot summary lines are skipped.
func decodePSC(line []byte) (*models.Officer, bool, error) {
	var parsed pscLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return nil, false, fmt.Errorf("malformed json: %w", err)
	}
	if strings.HasPrefix(parsed.Data.Kind, "totals#") {
		return nil, true, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, false, fmt.Errorf("malformed json: %w", err)
	}

	d := parsed.Data
	role := strings.TrimSpace(d.Kind)
	if role == "" {
		role = defaultPSCRole
	}

	o := &models.Officer{
		CompanyNumber: strings.TrimSpace(parsed.CompanyNumber),
		OfficerName:   pscName(d),
		OfficerRole:   role,
		AppointedOn:   parseDate(d.NotifiedOn),
		ResignedOn:    parseDate(d.CeasedOn),
		Nationality:   optional(d.Nationality),
		AddressLine1:  optional(d.Address.AddressLine1),
		AddressLine2:  optional(d.Address.AddressLine2),
		Locality:      optional(d.Address.Locality),
		PostalCode:    optional(d.Address.PostalCode),
		Country:       optional(d.Address.Country),
		RawData:       models.NewRawData(raw),
	}

	if dob := d.DateOfBirth; dob != nil && dob.Year > 0 && dob.Month > 0 {
		day := dob.Day
		if day <= 0 {
			day = 1
		}
		v := fmt.Sprintf("%04d-%02d-%02d", dob.Year, dob.Month, day)
		o.DateOfBirth = &v
	}

	return o, false, nil
}

func pscName(d pscData) string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	e := d.NameElements
	parts := make([]string, 0, 4)
	for _, p := range []string{e.Title, e.Forename, e.MiddleName, e.Surname} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func parseDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil
	}
	return &t
}
