package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultRegistryURL = "https://download.companieshouse.gov.uk"

var productPages = map[models.Product]string{
	models.ProductCompany:  "/en_output.html",
	models.ProductPSC:      "/en_pscdata.html",
	models.ProductAccounts: "/en_accountsdata.html",
}

var productPatterns = map[models.Product]*regexp.Regexp{
	models.ProductCompany:  regexp.MustCompile(`(?i)BasicCompanyData-(\d{4}-\d{2}-\d{2})-part(\d+)_(\d+)\.zip`),
	models.ProductPSC:      regexp.MustCompile(`(?i)psc-snapshot-(\d{4}-\d{2}-\d{2})_(\d+)of(\d+)\.zip`),
	models.ProductAccounts: regexp.MustCompile(`(?i)Accounts_Bulk_Data-(\d{4}-\d{2}-\d{2})\.zip`),
}

// Products lists the discoverable products in display order.
func Products() []models.Product {
	return []models.Product{models.ProductCompany, models.ProductPSC, models.ProductAccounts}
}

// AvailableFile is a snapshot file linked from a registry download page.
type AvailableFile struct {
	Product    models.Product `json:"product"`
	URL        string         `json:"url"`
	Filename   string         `json:"filename"`
	Date       string         `json:"date"`
	Part       int            `json:"part,omitempty"`
	TotalParts int            `json:"total_parts,omitempty"`
	SizeMB     *float64       `json:"size_mb,omitempty"`
}

// Target converts the file into an ingestion file target.
func (f AvailableFile) Target() models.FileTarget {
	return models.FileTarget{
		Product:  f.Product,
		URL:      f.URL,
		Filename: f.Filename,
		Date:     f.Date,
	}
}

type DiscoveryQuery struct {
	Products []models.Product
	Start    time.Time
	End      time.Time
	// MonthlyOnly keeps the earliest snapshot of each month for psc and accounts.
	MonthlyOnly bool
}

// Discovery scrapes the registry's download pages for snapshot links. Pages are cached per product
// until Clear is called.
type Discovery struct {
	logger  ectologger.Logger
	client  *http.Client
	baseURL string

	mu    sync.Mutex
	cache map[models.Product][]AvailableFile
}

func NewDiscovery(logger ectologger.Logger, client *http.Client, baseURL string) *Discovery {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	return &Discovery{
		logger:  logger,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   map[models.Product][]AvailableFile{},
	}
}

// Discover lists the files of the queried products dated within [Start, End], sorted by date and
// part. Product pages are fetched concurrently.
func (d *Discovery) Discover(ctx context.Context, q DiscoveryQuery) ([]AvailableFile, error) {
	ctx, span := tracing.StartSpan(ctx, "source.Discovery.Discover")
	defer span.End()

	products := q.Products
	if len(products) == 0 {
		products = Products()
	}
	for _, p := range products {
		if _, ok := productPages[p]; !ok {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown product %q", p)
		}
	}
	if !q.End.IsZero() && q.Start.After(q.End) {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "start must not be after end")
	}

	results := make([][]AvailableFile, len(products))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range products {
		g.Go(func() error {
			files, err := d.files(gctx, p)
			if err != nil {
				return err
			}
			results[i] = filterFiles(files, q, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []AvailableFile{}
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Clear drops every cached product page.
func (d *Discovery) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = map[models.Product][]AvailableFile{}
}

func (d *Discovery) files(ctx context.Context, product models.Product) ([]AvailableFile, error) {
	d.mu.Lock()
	cached, ok := d.cache[product]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	files, err := d.scrape(ctx, product)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[product] = files
	d.mu.Unlock()
	return files, nil
}

func (d *Discovery) scrape(ctx context.Context, product models.Product) ([]AvailableFile, error) {
	pageURL := d.baseURL + productPages[product]
	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"product": product,
		"url":     pageURL,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).Error("Failed to fetch download page")
		return nil, httperror.NewHTTPErrorf(http.StatusBadGateway, "failed to fetch %s", pageURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Errorf("Download page returned status %d", resp.StatusCode)
		return nil, httperror.NewHTTPErrorf(http.StatusBadGateway, "download page %s returned %d", pageURL, resp.StatusCode)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	links, err := extractLinks(resp.Body)
	if err != nil {
		log.WithError(err).Error("Failed to parse download page")
		return nil, httperror.NewHTTPErrorf(http.StatusBadGateway, "failed to parse %s", pageURL)
	}

	seen := map[string]bool{}
	var files []AvailableFile
	for _, href := range links {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			continue
		}
		if f, ok := parseFileURL(product, abs); ok {
			seen[abs] = true
			files = append(files, f)
		}
	}

	log.Infof("Discovered %d %s files", len(files), product)
	return files, nil
}

// extractLinks returns every anchor href in document order.
func extractLinks(r io.Reader) ([]string, error) {
	z := html.NewTokenizer(r)
	var links []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return links, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			if href := htmlAttr(tok, "href"); href != "" {
				links = append(links, href)
			}
		}
	}
}

func parseFileURL(product models.Product, fileURL string) (AvailableFile, bool) {
	m := productPatterns[product].FindStringSubmatch(fileURL)
	if m == nil {
		return AvailableFile{}, false
	}
	if _, err := time.Parse(time.DateOnly, m[1]); err != nil {
		return AvailableFile{}, false
	}

	f := AvailableFile{
		Product:  product,
		URL:      fileURL,
		Filename: m[0],
		Date:     m[1],
	}
	if len(m) == 4 {
		f.Part, _ = strconv.Atoi(m[2])
		f.TotalParts, _ = strconv.Atoi(m[3])
	}
	return f, true
}

func filterFiles(files []AvailableFile, q DiscoveryQuery, product models.Product) []AvailableFile {
	var out []AvailableFile
	for _, f := range files {
		date, _ := time.Parse(time.DateOnly, f.Date)
		if !q.Start.IsZero() && date.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && date.After(q.End) {
			continue
		}
		out = append(out, f)
	}

	// Monthly selection keeps every part of the earliest snapshot date in each month.
	if q.MonthlyOnly && product != models.ProductCompany {
		earliest := map[string]string{}
		for _, f := range out {
			month := f.Date[:7]
			if cur, ok := earliest[month]; !ok || f.Date < cur {
				earliest[month] = f.Date
			}
		}
		kept := out[:0]
		for _, f := range out {
			if earliest[f.Date[:7]] == f.Date {
				kept = append(kept, f)
			}
		}
		out = kept
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Part < out[j].Part
	})
	return out
}

// ParseDiscoveryDate accepts YYYY-MM-DD and returns the zero time for an empty string.
func ParseDiscoveryDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", v)
	}
	return t, nil
}
