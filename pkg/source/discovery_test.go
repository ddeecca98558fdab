package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

const companyPage = `<html><body><ul>
<li><a href="BasicCompanyData-2024-02-01-part2_2.zip">part 2</a></li>
<li><a href="BasicCompanyData-2024-02-01-part1_2.zip">part 1</a></li>
<li><a href="/BasicCompanyData-2024-02-01-part1_2.zip">duplicate</a></li>
<li><a href="BasicCompanyData-2023-12-01-part1_1.zip">old</a></li>
<li><a href="BasicCompanyData-2024-01-01-part1_1.zip">jan</a></li>
<li><a href="other.html">not a snapshot</a></li>
</ul></body></html>`

const pscPage = `<html><body>
<a href="https://mirror.example/psc-snapshot-2024-01-02_1of2.zip">a</a>
<a href="psc-snapshot-2024-01-02_2of2.zip">b</a>
<a href="psc-snapshot-2024-01-15_1of1.zip">c</a>
<a href="psc-snapshot-2024-02-05_1of1.zip">d</a>
</body></html>`

func registryServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/en_output.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(companyPage))
	})
	mux.HandleFunc("/en_pscdata.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(pscPage))
	})
	mux.HandleFunc("/en_accountsdata.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscovery_Company(t *testing.T) {
	var hits atomic.Int32
	srv := registryServer(t, &hits)
	d := NewDiscovery(testLogger(), srv.Client(), srv.URL)

	start, _ := ParseDiscoveryDate("2024-01-01")
	end, _ := ParseDiscoveryDate("2024-02-29")
	files, err := d.Discover(context.Background(), DiscoveryQuery{
		Products:    []models.Product{models.ProductCompany},
		Start:       start,
		End:         end,
		MonthlyOnly: true,
	})
	require.NoError(t, err)

	require.Len(t, files, 3, "monthly filter does not apply to company snapshots")
	assert.Equal(t, "BasicCompanyData-2024-01-01-part1_1.zip", files[0].Filename)
	assert.Equal(t, "BasicCompanyData-2024-02-01-part1_2.zip", files[1].Filename)
	assert.Equal(t, 1, files[1].Part)
	assert.Equal(t, 2, files[1].TotalParts)
	assert.Equal(t, srv.URL+"/BasicCompanyData-2024-02-01-part1_2.zip", files[1].URL)
	assert.Equal(t, "BasicCompanyData-2024-02-01-part2_2.zip", files[2].Filename)

	target := files[0].Target()
	assert.Equal(t, models.ProductCompany, target.Product)
	assert.Equal(t, "2024-01-01", target.Date)

	_, err = d.Discover(context.Background(), DiscoveryQuery{Products: []models.Product{models.ProductCompany}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "pages are cached")

	d.Clear()
	_, err = d.Discover(context.Background(), DiscoveryQuery{Products: []models.Product{models.ProductCompany}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDiscovery_PSCMonthlyOnly(t *testing.T) {
	var hits atomic.Int32
	srv := registryServer(t, &hits)
	d := NewDiscovery(testLogger(), srv.Client(), srv.URL)

	files, err := d.Discover(context.Background(), DiscoveryQuery{
		Products:    []models.Product{models.ProductPSC},
		MonthlyOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "2024-01-02", files[0].Date)
	assert.Equal(t, 1, files[0].Part)
	assert.Equal(t, "https://mirror.example/psc-snapshot-2024-01-02_1of2.zip", files[0].URL)
	assert.Equal(t, "2024-01-02", files[1].Date)
	assert.Equal(t, 2, files[1].Part)
	assert.Equal(t, "2024-02-05", files[2].Date)

	files, err = d.Discover(context.Background(), DiscoveryQuery{Products: []models.Product{models.ProductPSC}})
	require.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestDiscovery_Errors(t *testing.T) {
	var hits atomic.Int32
	srv := registryServer(t, &hits)
	d := NewDiscovery(testLogger(), srv.Client(), srv.URL)

	_, err := d.Discover(context.Background(), DiscoveryQuery{Products: []models.Product{"nope"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = d.Discover(context.Background(), DiscoveryQuery{
		Products: []models.Product{models.ProductCompany},
		Start:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = d.Discover(context.Background(), DiscoveryQuery{Products: []models.Product{models.ProductAccounts}})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, httperror.GetStatusCode(err))

	_, err = ParseDiscoveryDate("01/02/2024")
	assert.Error(t, err)
}
