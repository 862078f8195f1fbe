package extract

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
)

const searchPage = `<html><body>
<h1>Advanced Search</h1>
<div class="search-results"><ul>
  <li><div class="profile-card">
    <div class="title"><a data-src="/doe-john/12345/photo.jpg">John Doe</a></div>
    <div class="card-info"><div class="card-subtitle"><a> Adams County </a></div></div>
  </div></li>
  <li><div class="profile-card">
    <div class="title"><a data-src="/roe-jane/678">Jane Roe</a></div>
  </div></li>
</ul></div>
</body></html>`

const detailPage = `<html><body>
<div class="section">Arrest Information</div>
<div class="info">
  <div class="section-content">
    <div>Full Name: John Q. Doe</div>
    <div>Date: 01/02/2024</div>
    <div>Time: 09:30 pm</div>
    <div>Arresting Agency: County Sheriff: North</div>
  </div>
  <div class="section-content"><div>Full Name: Ignored</div></div>
</div>
<div class="charges">
  <div class="charge">
    <div class="charge-title">Failure to Appear</div>
    <dl><dt>Bond:</dt><dd>$500</dd><dt>Status</dt><dd>Open</dd></dl>
  </div>
  <div class="charge"><div class="charge-title">  </div></div>
  <div class="charge"><div class="charge-title">Theft</div></div>
</div>
</body></html>`

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestStubs(t *testing.T) {
	t.Parallel()

	stubs := Stubs(mustDoc(t, searchPage))
	require.Equal(t, []crawler.Stub{
		{Link: "/doe-john/12345", County: "Adams County"},
		{Link: "/roe-jane/678", County: ""},
	}, stubs)

	require.Empty(t, Stubs(mustDoc(t, `<div class="search-results"><ul></ul></div>`)))
	require.Nil(t, Stubs(nil))
}

func TestStubsSkipsCardsWithoutLink(t *testing.T) {
	t.Parallel()

	page := `<div class="search-results"><ul>
<li><div class="profile-card"><div class="title"><a>No Link</a></div></div></li>
<li><div class="profile-card"><div class="title"><a data-src="">Empty</a></div></div></li>
<li><div class="profile-card"><div class="title"><a data-src="/only-one">Short</a></div></div></li>
<li><div class="profile-card"><div class="title"><a data-src="/roe-jane/678">Jane Roe</a></div></div></li>
</ul></div>`
	require.Equal(t, []crawler.Stub{{Link: "/roe-jane/678"}}, Stubs(mustDoc(t, page)))
}

func TestDetail(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	got, err := Detail(mustDoc(t, detailPage), loc)
	require.NoError(t, err)
	require.Equal(t, "John Q. Doe", got.Name)
	require.Equal(t, "County Sheriff: North", got.Agency)
	require.NotNil(t, got.ArrestDatetime)
	require.Equal(t, time.Date(2024, 1, 3, 3, 30, 0, 0, time.UTC), *got.ArrestDatetime)
	require.Len(t, got.Charges, 2)
	require.Equal(t, "Failure to Appear", got.Charges[0].Title)
	require.Equal(t, map[string]string{"Bond": "$500", "Status": "Open"}, got.Charges[0].Attributes)
	require.Nil(t, got.Charges[1].Attributes)
	require.Equal(t, []string{"Failure to Appear", "Theft"}, ChargeTitles(got.Charges))
}

func TestDetailEmptyPage(t *testing.T) {
	t.Parallel()

	got, err := Detail(mustDoc(t, `<html><body></body></html>`), nil)
	require.NoError(t, err)
	require.Equal(t, crawler.Enrichment{}, got)
}

func TestArrestTime(t *testing.T) {
	t.Parallel()

	got, err := ArrestTime("", "10:00 AM", nil)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = ArrestTime("1/5/2024", "", nil)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), *got)

	got, err = ArrestTime("01/05/2024", "14:15", nil)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 5, 14, 15, 0, 0, time.UTC), *got)

	_, err = ArrestTime("yesterday", "", nil)
	require.Error(t, err)
}

func TestConditionMet(t *testing.T) {
	t.Parallel()

	text, ok := ConditionMet(mustDoc(t, detailPage), DetailReady)
	require.True(t, ok)
	require.Equal(t, "Arrest Information", text)

	_, ok = ConditionMet(mustDoc(t, detailPage), SearchReady)
	require.False(t, ok)
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	window := crawler.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	got := SearchURL("https://t1.example/", 3, 56, ChargeCode(nil), window)
	require.True(t, strings.HasPrefix(got, "https://t1.example/search.php?"))
	require.Contains(t, got, "page=3")
	require.Contains(t, got, "results=56")
	require.Contains(t, got, "chargecode=&")
	require.Contains(t, got, "fpartial=True")
	require.Contains(t, got, "startdate=01%2F01%2F2024")
	require.Contains(t, got, "enddate=01%2F02%2F2024")

	code := 44
	require.Contains(t, SearchURL("https://t1.example", 1, 56, ChargeCode(&code), window), "chargecode=44")
}
