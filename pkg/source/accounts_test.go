package source

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

const inlineFiling = `<html xmlns:ix="http://www.xbrl.org/2013/inlineXBRL"><body>
<ix:header><ix:resources>
<xbrli:context id="cy"><xbrli:entity><xbrli:identifier scheme="http://www.companieshouse.gov.uk/">99999999</xbrli:identifier></xbrli:entity>
<xbrli:period><xbrli:startDate>2022-04-01</xbrli:startDate><xbrli:endDate>2023-03-31</xbrli:endDate></xbrli:period></xbrli:context>
<xbrli:context id="cy-i"><xbrli:period><xbrli:instant>2023-03-31</xbrli:instant></xbrli:period></xbrli:context>
<xbrli:context id="py-i"><xbrli:period><xbrli:instant>2022-03-31</xbrli:instant></xbrli:period></xbrli:context>
</ix:resources></ix:header>
<p>Turnover <ix:nonFraction name="core:Turnover" contextRef="cy" scale="3" unitRef="GBP">1,250</ix:nonFraction></p>
<p>Revenue <ix:nonFraction name="core:Revenue" contextRef="cy" unitRef="GBP">9</ix:nonFraction></p>
<p>Operating <ix:nonFraction name="core:OperatingProfitLoss" contextRef="cy" sign="-" unitRef="GBP">400</ix:nonFraction></p>
<p>Assets <ix:nonFraction name="core:TotalAssets" contextRef="cy-i" unitRef="GBP"><span>10,000</span></ix:nonFraction></p>
<p>Liabilities <ix:nonFraction name="core:Liabilities" contextRef="cy-i" unitRef="GBP">2,500</ix:nonFraction></p>
<p>Prior net assets <ix:nonFraction name="core:NetAssetsLiabilities" contextRef="py-i" unitRef="GBP">-</ix:nonFraction></p>
</body></html>`

const plainFiling = `<?xml version="1.0"?>
<xbrl xmlns="http://www.xbrl.org/2003/instance" xmlns:uk-gaap="http://www.xbrl.org/uk/gaap/core">
<context id="c1"><entity><identifier scheme="http://www.companieshouse.gov.uk/">SC123456</identifier></entity><period><instant>2021-12-31</instant></period></context>
<uk-gaap:NetAssets contextRef="c1" unitRef="GBP" decimals="0">5000</uk-gaap:NetAssets>
<uk-gaap:ProfitLoss contextRef="c1" unitRef="GBP" decimals="0">-120</uk-gaap:ProfitLoss>
<uk-gaap:Unrelated contextRef="c1" unitRef="GBP">7</uk-gaap:Unrelated>
</xbrl>`

func TestAccountsStream(t *testing.T) {
	nested := zipBytes(t, member{name: "Prod224_0001_SC123456_20211231.xml", body: plainFiling})
	path := writeZip(t, "Accounts_Bulk_Data-2024-01-01.zip",
		member{name: "Prod223_3402_00012345_20230331.html", body: inlineFiling},
		member{name: "nested.zip", body: string(nested)},
		member{name: "notes.txt", body: "skip me"},
		member{name: "broken.xml", body: "<xbrl><context"},
	)

	stream, err := OpenAccounts(path)
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, models.KindFinancial, stream.Kind())

	var got []*models.Financial
	var rowErrs int
	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rowErr *loader.RowError
		if errors.As(err, &rowErr) {
			rowErrs++
			continue
		}
		require.NoError(t, err)
		got = append(got, rec.(*models.Financial))
	}

	assert.Equal(t, 1, rowErrs)
	require.Len(t, got, 3)

	prior := got[0]
	assert.Equal(t, "00012345", prior.CompanyNumber)
	assert.Equal(t, time.Date(2022, 3, 31, 0, 0, 0, 0, time.UTC), prior.PeriodEnd)
	require.NotNil(t, prior.NetWorth)
	assert.Equal(t, 0.0, *prior.NetWorth)

	current := got[1]
	assert.Equal(t, "00012345", current.CompanyNumber)
	assert.Equal(t, time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC), current.PeriodEnd)
	require.NotNil(t, current.PeriodStart)
	assert.Equal(t, time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC), *current.PeriodStart)
	require.NotNil(t, current.Turnover)
	assert.Equal(t, 1250000.0, *current.Turnover, "first turnover fact wins and is scaled")
	require.NotNil(t, current.ProfitLoss)
	assert.Equal(t, -400.0, *current.ProfitLoss, "falls back to operating profit")
	assert.Equal(t, 10000.0, *current.TotalAssets)
	assert.Equal(t, 2500.0, *current.TotalLiabilities)
	assert.Equal(t, 7500.0, *current.NetWorth)
	assert.Equal(t, accountsSource, *current.Source)

	plain := got[2]
	assert.Equal(t, "SC123456", plain.CompanyNumber)
	assert.Equal(t, time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC), plain.PeriodEnd)
	assert.Equal(t, -120.0, *plain.ProfitLoss)
	assert.Equal(t, 5000.0, *plain.NetWorth)
	assert.Nil(t, plain.Turnover)

	assert.InDelta(t, 1.0, stream.Progress(), 0.0001)
}

func TestAccounts_IdentifierFallback(t *testing.T) {
	doc, err := parseXBRL(strings.NewReader(plainFiling))
	require.NoError(t, err)
	assert.Equal(t, "SC123456", doc.Identifier)

	recs := doc.financials(strings.TrimSpace(doc.Identifier), "filing.xml")
	require.Len(t, recs, 1)
	assert.Equal(t, "SC123456", recs[0].CompanyNumber)
}

func TestCompanyNumberFromName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Prod223_3402_00012345_20230331.html", "00012345"},
		{"dir/Prod224_0001_SC123456_20211231.xml", "SC123456"},
		{"Prod224_0001_sc123456_20211231.xml", "SC123456"},
		{"accounts.html", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, companyNumberFromName(tt.name))
		})
	}
}

func TestFieldsFor(t *testing.T) {
	assert.Equal(t, []string{"turnover"}, fieldsFor("core:Turnover"))
	assert.Equal(t, []string{"total_assets"}, fieldsFor("uk-gaap:totalassets"))
	assert.Equal(t, []string{"operating_profit", "profit_loss"}, fieldsFor("ProfitLossFromOperatingActivities"))
	assert.Empty(t, fieldsFor("core:Employees"))
}
