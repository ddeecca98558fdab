package source

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

const accountsSource = "bulk_xbrl"

// concepts maps a financial field to the XBRL element names that report it.
var concepts = map[string][]string{
	"turnover":          {"Turnover", "Revenue", "RevenueFromContractsWithCustomersExcludingExciseDuties"},
	"profit_loss":       {"ProfitLoss", "ProfitLossAccount", "ProfitLossBeforeTax", "ProfitLossFromOperatingActivities", "NetIncomeLoss"},
	"operating_profit":  {"OperatingProfitLoss", "ProfitLossFromOperatingActivities"},
	"total_assets":      {"TotalAssets", "Assets", "AssetsTotal"},
	"net_assets":        {"NetAssets", "NetAssetsLiabilities", "NetAssetsLiabilitiesIncludingNoncontrollingInterests"},
	"total_liabilities": {"Liabilities", "LiabilitiesTotal"},
}

var companyNumberPattern = regexp.MustCompile(`^(\d{8}|[A-Z]{2}\d{6})$`)

type xbrlFact struct {
	Concept string  `json:"concept"`
	Context string  `json:"context"`
	Value   float64 `json:"value"`
}

type xbrlContext struct {
	Start string
	End   string
}

// xbrlDocument is everything extracted from one filing.
type xbrlDocument struct {
	Identifier string
	Contexts   map[string]xbrlContext
	Facts      []xbrlFact
}

type accountsEntry struct {
	name string
	open func() (io.ReadCloser, error)
}

// AccountsStream decodes an accounts bulk archive of XBRL and inline XBRL filings into one
// financial record per company reporting period. Nested archives are expanded in place.
type AccountsStream struct {
	archive *zip.ReadCloser
	top     int
	done    int
	queue   []accountsEntry
	ready   []*models.Financial
	doc     int
}

func OpenAccounts(filePath string) (*AccountsStream, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	s := &AccountsStream{archive: archive}
	s.queue = entries(archive.File)
	s.top = len(s.queue)
	return s, nil
}

func entries(files []*zip.File) []accountsEntry {
	out := make([]accountsEntry, 0, len(files))
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		out = append(out, accountsEntry{name: f.Name, open: f.Open})
	}
	return out
}

func (s *AccountsStream) Kind() models.EntityKind { return models.KindFinancial }

func (s *AccountsStream) Next() (models.Record, error) {
	for len(s.ready) == 0 {
		if len(s.queue) == 0 {
			return nil, io.EOF
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		if s.done < s.top {
			s.done++
		}

		records, nested, err := s.decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		if len(nested) > 0 {
			s.queue = append(nested, s.queue...)
		}
		s.ready = records
	}

	rec := s.ready[0]
	s.ready = s.ready[1:]
	return rec, nil
}

func (s *AccountsStream) decodeEntry(entry accountsEntry) ([]*models.Financial, []accountsEntry, error) {
	ext := strings.ToLower(path.Ext(entry.name))
	if ext != ".zip" && ext != ".xml" && ext != ".xbrl" && ext != ".html" && ext != ".htm" {
		return nil, nil, nil
	}
	s.doc++

	rc, err := entry.open()
	if err != nil {
		return nil, nil, &loader.RowError{Row: s.doc, Err: fmt.Errorf("%s: %w", entry.name, err)}
	}
	defer rc.Close()

	if ext == ".zip" {
		body, err := io.ReadAll(rc)
		if err != nil {
			return nil, nil, &loader.RowError{Row: s.doc, Err: fmt.Errorf("%s: %w", entry.name, err)}
		}
		nested, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, nil, &loader.RowError{Row: s.doc, Err: fmt.Errorf("%s: %w", entry.name, err)}
		}
		return nil, entries(nested.File), nil
	}

	var doc *xbrlDocument
	if ext == ".html" || ext == ".htm" {
		doc, err = parseInlineXBRL(rc)
	} else {
		doc, err = parseXBRL(rc)
	}
	if err != nil {
		return nil, nil, &loader.RowError{Row: s.doc, Err: fmt.Errorf("%s: %w", entry.name, err)}
	}

	number := companyNumberFromName(entry.name)
	if number == "" {
		number = strings.TrimSpace(doc.Identifier)
	}
	return doc.financials(number, entry.name), nil, nil
}

func (s *AccountsStream) Progress() float64 {
	if s.top == 0 {
		return 1
	}
	return float64(s.done) / float64(s.top)
}

func (s *AccountsStream) Close() error {
	return s.archive.Close()
}

// companyNumberFromName finds a company number among the underscore or punctuation separated
// parts of a filing name, e.g. Prod223_3402_00012345_20230331.html.
func companyNumberFromName(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	parts := strings.FieldsFunc(base, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z')
	})
	for _, p := range parts {
		if p = strings.ToUpper(p); companyNumberPattern.MatchString(p) {
			return p
		}
	}
	return ""
}

// financials folds the facts into one record per period end. The first value reported for a
// field in a period wins.
func (d *xbrlDocument) financials(companyNumber, docName string) []*models.Financial {
	type period struct {
		start  string
		values map[string]float64
		facts  map[string]any
	}
	periods := map[string]*period{}

	for _, f := range d.Facts {
		ctx, ok := d.Contexts[f.Context]
		if !ok || ctx.End == "" {
			continue
		}
		fields := fieldsFor(f.Concept)
		if len(fields) == 0 {
			continue
		}
		p, ok := periods[ctx.End]
		if !ok {
			p = &period{start: ctx.Start, values: map[string]float64{}, facts: map[string]any{}}
			periods[ctx.End] = p
		}
		if p.start == "" {
			p.start = ctx.Start
		}
		for _, field := range fields {
			if _, seen := p.values[field]; !seen {
				p.values[field] = f.Value
			}
		}
		if _, seen := p.facts[f.Concept]; !seen {
			p.facts[f.Concept] = f.Value
		}
	}

	ends := make([]string, 0, len(periods))
	for end := range periods {
		ends = append(ends, end)
	}
	sort.Strings(ends)

	source := accountsSource
	out := make([]*models.Financial, 0, len(ends))
	for _, end := range ends {
		p := periods[end]
		periodEnd, err := time.Parse(time.DateOnly, end)
		if err != nil {
			continue
		}

		value := func(field string) *float64 {
			if v, ok := p.values[field]; ok {
				return &v
			}
			return nil
		}

		f := &models.Financial{
			CompanyNumber:    companyNumber,
			PeriodEnd:        periodEnd,
			PeriodStart:      parseDate(p.start),
			Turnover:         value("turnover"),
			ProfitLoss:       value("profit_loss"),
			TotalAssets:      value("total_assets"),
			TotalLiabilities: value("total_liabilities"),
			Source:           &source,
			RawData: models.NewRawData(map[string]any{
				"document": docName,
				"facts":    p.facts,
			}),
		}
		if f.ProfitLoss == nil {
			f.ProfitLoss = value("operating_profit")
		}
		if f.TotalAssets != nil && f.TotalLiabilities != nil {
			worth := *f.TotalAssets - *f.TotalLiabilities
			f.NetWorth = &worth
		} else {
			f.NetWorth = value("net_assets")
		}
		out = append(out, f)
	}
	return out
}

// fieldsFor returns the fields a concept reports, matching case-insensitively on the local name.
func fieldsFor(concept string) []string {
	local := concept
	if i := strings.LastIndexAny(local, ":_"); i >= 0 && i < len(local)-1 {
		local = local[i+1:]
	}
	var fields []string
	for field, names := range concepts {
		for _, n := range names {
			if strings.EqualFold(n, local) {
				fields = append(fields, field)
				break
			}
		}
	}
	sort.Strings(fields)
	return fields
}

// parseXBRL reads a plain XBRL instance document.
func parseXBRL(r io.Reader) (*xbrlDocument, error) {
	doc := &xbrlDocument{Contexts: map[string]xbrlContext{}}
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		contextID string
		current   xbrlContext
		text      strings.Builder
		factCtx   string
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return doc, nil
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			text.Reset()
			factCtx = ""
			switch t.Name.Local {
			case "context":
				contextID = xmlAttr(t, "id")
				current = xbrlContext{}
			default:
				factCtx = xmlAttr(t, "contextRef")
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			value := strings.TrimSpace(text.String())
			switch t.Name.Local {
			case "context":
				if contextID != "" {
					doc.Contexts[contextID] = current
				}
				contextID = ""
			case "startDate":
				current.Start = value
			case "endDate", "instant":
				current.End = value
			case "identifier":
				if doc.Identifier == "" {
					doc.Identifier = value
				}
			default:
				if factCtx != "" {
					if v, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64); err == nil {
						doc.Facts = append(doc.Facts, xbrlFact{Concept: t.Name.Local, Context: factCtx, Value: v})
					}
				}
			}
			factCtx = ""
			text.Reset()
		}
	}
}

func xmlAttr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// parseInlineXBRL reads an iXBRL HTML filing: ix:nonFraction facts plus xbrli contexts.
func parseInlineXBRL(r io.Reader) (*xbrlDocument, error) {
	doc := &xbrlDocument{Contexts: map[string]xbrlContext{}}
	z := html.NewTokenizer(r)

	var (
		contextID string
		current   xbrlContext
		capture   string
		text      strings.Builder
		fact      *inlineFact
	)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return doc, nil
			}
			return nil, z.Err()

		case html.StartTagToken:
			tok := z.Token()
			switch localName(tok.Data) {
			case "context":
				contextID = htmlAttr(tok, "id")
				current = xbrlContext{}
			case "startdate", "enddate", "instant", "identifier":
				capture = localName(tok.Data)
				text.Reset()
			case "nonfraction":
				fact = &inlineFact{
					name:    htmlAttr(tok, "name"),
					context: htmlAttr(tok, "contextref"),
					sign:    htmlAttr(tok, "sign"),
					scale:   htmlAttr(tok, "scale"),
				}
				text.Reset()
			}

		case html.TextToken:
			if capture != "" || fact != nil {
				text.Write(z.Text())
			}

		case html.EndTagToken:
			tok := z.Token()
			name := localName(tok.Data)
			switch name {
			case "context":
				if contextID != "" {
					doc.Contexts[contextID] = current
				}
				contextID = ""
			case "startdate", "enddate", "instant", "identifier":
				value := strings.TrimSpace(text.String())
				switch name {
				case "startdate":
					current.Start = value
				case "enddate", "instant":
					current.End = value
				case "identifier":
					if doc.Identifier == "" {
						doc.Identifier = value
					}
				}
				capture = ""
			case "nonfraction":
				if fact != nil {
					if v, ok := fact.value(text.String()); ok {
						doc.Facts = append(doc.Facts, xbrlFact{Concept: fact.name, Context: fact.context, Value: v})
					}
				}
				fact = nil
			}
		}
	}
}

type inlineFact struct {
	name    string
	context string
	sign    string
	scale   string
}

// value parses the displayed number, applying the scale and sign attributes. A dash means zero.
func (f *inlineFact) value(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	text = strings.NewReplacer(",", "", " ", "", "(", "", ")", "").Replace(text)
	if text == "-" || text == "\u2013" {
		text = "0"
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	if f.scale != "" {
		if scale, err := strconv.Atoi(f.scale); err == nil {
			v *= math.Pow10(scale)
		}
	}
	if f.sign == "-" {
		v = -v
	}
	return v, true
}

func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

func htmlAttr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}
